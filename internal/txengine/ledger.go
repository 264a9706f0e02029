package txengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAccountNotFound     = errors.New("account not found")
	// ErrSendRejected marks a send the node answered with an error, so the
	// transaction was never accepted for processing.
	ErrSendRejected = errors.New("transaction rejected by node")
)

// Window is the validity window a transaction is bound to.
type Window struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

type ConfirmStatus int

const (
	ConfirmConfirmed ConfirmStatus = iota
	ConfirmExpired
	ConfirmFailed
)

func (s ConfirmStatus) String() string {
	switch s {
	case ConfirmConfirmed:
		return "confirmed"
	case ConfirmExpired:
		return "expired"
	case ConfirmFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type TokenBalance struct {
	AccountIndex uint16
	Owner        solana.PublicKey
	Mint         solana.PublicKey
	Amount       uint64
}

// TransactionInfo is the subset of a confirmed transaction the backend reads.
type TransactionInfo struct {
	Signature solana.Signature
	Slot      uint64
	Err       string
	Fee       uint64
	// NumSigners is the message header's required signature count; the
	// first NumSigners account keys signed the transaction.
	NumSigners        int
	AccountKeys       []solana.PublicKey
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

func (t *TransactionInfo) Failed() bool {
	return t.Err != ""
}

// SignedBy reports whether account paid for or signed the transaction. The
// fee payer at index 0 always counts.
func (t *TransactionInfo) SignedBy(account solana.PublicKey) bool {
	signers := max(t.NumSigners, 1)
	for i, key := range t.AccountKeys {
		if i >= signers {
			break
		}
		if key.Equals(account) {
			return true
		}
	}
	return false
}

// LamportChange reports the account's native balance before and after.
func (t *TransactionInfo) LamportChange(account solana.PublicKey) (pre uint64, post uint64, found bool) {
	for i, key := range t.AccountKeys {
		if !key.Equals(account) {
			continue
		}
		if i >= len(t.PreBalances) || i >= len(t.PostBalances) {
			return 0, 0, false
		}
		return t.PreBalances[i], t.PostBalances[i], true
	}
	return 0, 0, false
}

// TokenChange sums every token account of owner for mint before and after.
func (t *TransactionInfo) TokenChange(owner, mint solana.PublicKey) (pre uint64, post uint64, found bool) {
	for _, bal := range t.PreTokenBalances {
		if bal.Owner.Equals(owner) && bal.Mint.Equals(mint) {
			pre += bal.Amount
			found = true
		}
	}
	for _, bal := range t.PostTokenBalances {
		if bal.Owner.Equals(owner) && bal.Mint.Equals(mint) {
			post += bal.Amount
			found = true
		}
	}
	return pre, post, found
}

// Ledger is the blockchain RPC surface the engine and its callers use.
type Ledger interface {
	LatestWindow(ctx context.Context) (Window, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature, window Window) (ConfirmStatus, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionInfo, error)
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) ([]byte, error)
}

type RPCLedgerConfig struct {
	Commitment     rpc.CommitmentType
	SkipPreflight  bool
	SendMaxRetries *uint
	PollInterval   time.Duration
}

type RPCLedger struct {
	client *rpc.Client
	cfg    RPCLedgerConfig
}

var _ Ledger = (*RPCLedger)(nil)

// NewRPCClient returns a JSON-RPC client whose HTTP calls are bounded by
// timeout. Zero keeps the library default.
func NewRPCClient(endpoint string, timeout time.Duration) *rpc.Client {
	if timeout <= 0 {
		return rpc.New(endpoint)
	}
	return rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: timeout},
	}))
}

func NewRPCLedger(client *rpc.Client, cfg RPCLedgerConfig) *RPCLedger {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 700 * time.Millisecond
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	return &RPCLedger{client: client, cfg: cfg}
}

func (l *RPCLedger) LatestWindow(ctx context.Context) (Window, error) {
	recent, err := l.client.GetLatestBlockhash(ctx, l.cfg.Commitment)
	if err != nil {
		return Window{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return Window{}, fmt.Errorf("get latest blockhash: empty response")
	}
	return Window{
		Blockhash:            recent.Value.Blockhash,
		LastValidBlockHeight: recent.Value.LastValidBlockHeight,
	}, nil
}

func (l *RPCLedger) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       l.cfg.SkipPreflight,
		PreflightCommitment: l.cfg.Commitment,
	}
	if l.cfg.SendMaxRetries != nil {
		opts.MaxRetries = l.cfg.SendMaxRetries
	}
	sig, err := l.client.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return solana.Signature{}, fmt.Errorf("%w: %w", ErrSendRejected, err)
		}
		return solana.Signature{}, err
	}
	return sig, nil
}

func (l *RPCLedger) ConfirmTransaction(ctx context.Context, sig solana.Signature, window Window) (ConfirmStatus, error) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ConfirmExpired, ctx.Err()
		case <-ticker.C:
			result, err := l.client.GetSignatureStatuses(ctx, false, sig)
			if err == nil && result != nil && len(result.Value) > 0 && result.Value[0] != nil {
				status := result.Value[0]
				if status.Err != nil {
					return ConfirmFailed, fmt.Errorf("%v", status.Err)
				}
				if l.satisfied(status.ConfirmationStatus) {
					return ConfirmConfirmed, nil
				}
				continue
			}

			height, err := l.client.GetBlockHeight(ctx, l.cfg.Commitment)
			if err != nil {
				continue
			}
			if height > window.LastValidBlockHeight {
				return ConfirmExpired, nil
			}
		}
	}
}

func (l *RPCLedger) satisfied(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return l.cfg.Commitment != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return l.cfg.Commitment == rpc.CommitmentProcessed
	default:
		return false
	}
}

func (l *RPCLedger) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionInfo, error) {
	maxVersion := uint64(0)
	commitment := l.cfg.Commitment
	if commitment == rpc.CommitmentProcessed {
		commitment = rpc.CommitmentConfirmed
	}
	out, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig)
		}
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if out.Transaction == nil || out.Meta == nil {
		return nil, fmt.Errorf("%w: %s has no body", ErrTransactionNotFound, sig)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(out.Meta.LoadedAddresses.Writable)+len(out.Meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, out.Meta.LoadedAddresses.Writable...)
	keys = append(keys, out.Meta.LoadedAddresses.ReadOnly...)

	info := &TransactionInfo{
		Signature:    sig,
		Slot:         out.Slot,
		Fee:          out.Meta.Fee,
		NumSigners:   int(tx.Message.Header.NumRequiredSignatures),
		AccountKeys:  keys,
		PreBalances:  out.Meta.PreBalances,
		PostBalances: out.Meta.PostBalances,
	}
	if out.Meta.Err != nil {
		info.Err = fmt.Sprintf("%v", out.Meta.Err)
	}
	if info.PreTokenBalances, err = convertTokenBalances(out.Meta.PreTokenBalances); err != nil {
		return nil, err
	}
	if info.PostTokenBalances, err = convertTokenBalances(out.Meta.PostTokenBalances); err != nil {
		return nil, err
	}
	return info, nil
}

func convertTokenBalances(in []rpc.TokenBalance) ([]TokenBalance, error) {
	out := make([]TokenBalance, 0, len(in))
	for _, bal := range in {
		converted := TokenBalance{AccountIndex: bal.AccountIndex, Mint: bal.Mint}
		if bal.Owner != nil {
			converted.Owner = *bal.Owner
		}
		if bal.UiTokenAmount != nil && strings.TrimSpace(bal.UiTokenAmount.Amount) != "" {
			amount, err := strconv.ParseUint(bal.UiTokenAmount.Amount, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse token amount %q: %w", bal.UiTokenAmount.Amount, err)
			}
			converted.Amount = amount
		}
		out = append(out, converted)
	}
	return out, nil
}

func (l *RPCLedger) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := l.client.GetBalance(ctx, account, l.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return out.Value, nil
}

func (l *RPCLedger) GetAccountInfo(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	out, err := l.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: l.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
		}
		return nil, fmt.Errorf("get account %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	return out.Value.Data.GetBinary(), nil
}
