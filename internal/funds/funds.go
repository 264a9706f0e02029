// Package funds credits verified deposits and executes withdrawals from a
// user's custodial wallet.
package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/coldbell/basket/backend/internal/reconcile"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
)

var (
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidDeposit = errors.New("transaction is not a deposit into the wallet")
	// ErrWithdrawalUnsettled means the transfer was broadcast but never
	// confirmed or proven expired. The debit stands until reconciled.
	ErrWithdrawalUnsettled = errors.New("withdrawal sent but not confirmed, it will be reconciled")
)

type Submitter interface {
	Submit(ctx context.Context, req txengine.Request) (txengine.Receipt, error)
}

type Config struct {
	// VerifyMaxTries bounds GetTransaction lookups while a deposit is not
	// yet visible to the node.
	VerifyMaxTries        uint
	VerifyInitialInterval time.Duration
	VerifyMaxInterval     time.Duration
}

type Service struct {
	store  store.Store
	ledger txengine.Ledger
	engine Submitter
	cfg    Config
	logger *slog.Logger
}

func NewService(st store.Store, ledger txengine.Ledger, engine Submitter, cfg Config, logger *slog.Logger) *Service {
	if cfg.VerifyMaxTries == 0 {
		cfg.VerifyMaxTries = 6
	}
	if cfg.VerifyInitialInterval <= 0 {
		cfg.VerifyInitialInterval = 500 * time.Millisecond
	}
	if cfg.VerifyMaxInterval <= 0 {
		cfg.VerifyMaxInterval = 5 * time.Second
	}
	return &Service{
		store:  st,
		ledger: ledger,
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "funds"),
	}
}

// Deposit credits the lamports a confirmed transaction moved into wallet.
// A signature is credited at most once. Transactions the wallet signed
// itself, such as swaps returning SOL, are never deposits.
func (s *Service) Deposit(ctx context.Context, wallet solana.PublicKey, signature solana.Signature) (store.LedgerTransaction, error) {
	ref := signature.String()
	seen, err := s.store.HasLedgerTransaction(ctx, store.TxTypeDeposit, ref)
	if err != nil {
		return store.LedgerTransaction{}, err
	}
	if seen {
		return store.LedgerTransaction{}, fmt.Errorf("%w: deposit %s", store.ErrAlreadyProcessed, ref)
	}
	known, err := s.store.HasOnChainReference(ctx, ref)
	if err != nil {
		return store.LedgerTransaction{}, err
	}
	if known {
		return store.LedgerTransaction{}, fmt.Errorf("%w: %s belongs to a recorded operation", ErrInvalidDeposit, ref)
	}

	info, err := s.fetchTransaction(ctx, signature)
	if err != nil {
		return store.LedgerTransaction{}, err
	}
	if info.Failed() {
		return store.LedgerTransaction{}, fmt.Errorf("%w: %s failed on-chain: %s", ErrInvalidDeposit, ref, info.Err)
	}
	if info.SignedBy(wallet) {
		return store.LedgerTransaction{}, fmt.Errorf("%w: %s was signed by the wallet itself", ErrInvalidDeposit, ref)
	}
	pre, post, ok := info.LamportChange(wallet)
	if !ok || post <= pre {
		return store.LedgerTransaction{}, fmt.Errorf("%w: %s", ErrInvalidDeposit, ref)
	}
	amount := post - pre

	ltx := store.LedgerTransaction{
		ID:     uuid.NewString(),
		User:   wallet.String(),
		Type:   store.TxTypeDeposit,
		Amount: amount,
		TxRef:  ref,
		Status: store.TxStatusCompleted,
		Metadata: map[string]any{
			"slot": info.Slot,
		},
	}
	if err := s.store.Commit(ctx, store.Entry{User: ltx.User, Credit: amount, Transaction: ltx}); err != nil {
		return store.LedgerTransaction{}, err
	}
	s.logger.Info("deposit credited", "wallet", wallet, "signature", ref, "amount", amount)
	return ltx, nil
}

func (s *Service) fetchTransaction(ctx context.Context, signature solana.Signature) (*txengine.TransactionInfo, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.VerifyInitialInterval
	policy.MaxInterval = s.cfg.VerifyMaxInterval

	info, err := backoff.Retry(ctx, func() (*txengine.TransactionInfo, error) {
		return s.ledger.GetTransaction(ctx, signature)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.cfg.VerifyMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("deposit not visible yet", "signature", signature, "retry_in", next, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("verify deposit %s: %w", signature, err)
	}
	return info, nil
}

// Withdraw debits first, then transfers. A transfer proven not to have
// landed re-credits the balance under the same ledger id; one whose outcome
// is unknown keeps the debit and is left pending_reconciliation.
func (s *Service) Withdraw(ctx context.Context, wallet, destination solana.PublicKey, amount uint64) (store.LedgerTransaction, error) {
	if amount == 0 {
		return store.LedgerTransaction{}, ErrInvalidAmount
	}

	ltx := store.LedgerTransaction{
		ID:     uuid.NewString(),
		User:   wallet.String(),
		Type:   store.TxTypeWithdraw,
		Amount: amount,
		Status: store.TxStatusPending,
		Metadata: map[string]any{
			"destination": destination.String(),
		},
	}
	if err := s.store.Commit(ctx, store.Entry{User: ltx.User, Debit: amount, Transaction: ltx}); err != nil {
		return store.LedgerTransaction{}, err
	}

	ix, err := system.NewTransferInstruction(amount, wallet, destination).ValidateAndBuild()
	if err != nil {
		return s.refund(ctx, ltx, fmt.Errorf("build transfer: %w", err))
	}
	receipt, err := s.engine.Submit(ctx, txengine.Request{
		Label:        "withdraw",
		Payer:        wallet,
		Instructions: []solana.Instruction{ix},
	})
	if err != nil {
		if errors.Is(err, txengine.ErrOutcomeUnknown) {
			return s.holdUnsettled(ctx, ltx, receipt.Sent, err)
		}
		return s.refund(ctx, ltx, err)
	}

	ltx.Status = store.TxStatusCompleted
	ltx.TxRef = receipt.Signature.String()
	ltx.Metadata = map[string]any{"signature": ltx.TxRef}
	if err := s.store.Commit(ctx, store.Entry{User: ltx.User, Transaction: ltx}); err != nil {
		return ltx, s.markPending(ctx, ltx, err)
	}
	s.logger.Info("withdrawal sent", "wallet", wallet, "destination", destination, "amount", amount, "signature", receipt.Signature)
	return ltx, nil
}

func (s *Service) refund(ctx context.Context, ltx store.LedgerTransaction, cause error) (store.LedgerTransaction, error) {
	ltx.Status = store.TxStatusFailed
	ltx.Metadata = map[string]any{"error": cause.Error()}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.Commit(writeCtx, store.Entry{User: ltx.User, Credit: ltx.Amount, Transaction: ltx}); err != nil {
		return ltx, s.markPending(writeCtx, ltx, fmt.Errorf("refund after %v: %w", cause, err))
	}
	s.logger.Warn("withdrawal failed, balance restored", "ledger_id", ltx.ID, "user", ltx.User, "err", cause)
	return ltx, fmt.Errorf("withdraw: %w", cause)
}

func (s *Service) holdUnsettled(ctx context.Context, ltx store.LedgerTransaction, sent []solana.Signature, cause error) (store.LedgerTransaction, error) {
	sigs := make([]string, 0, len(sent))
	for _, sig := range sent {
		sigs = append(sigs, sig.String())
	}
	ltx.Status = store.TxStatusPendingReconciliation
	ltx.Metadata = map[string]any{
		"needs_manual_review": true,
		"signatures":          sigs,
		"error":               cause.Error(),
	}
	metrics.PendingReconciliations.Inc()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.Commit(writeCtx, store.Entry{User: ltx.User, Transaction: ltx}); err != nil {
		s.logger.Error("pending reconciliation record not written", "ledger_id", ltx.ID, "user", ltx.User, "signatures", sigs, "err", err)
	}
	s.logger.Error("withdrawal outcome unknown, debit held", "ledger_id", ltx.ID, "user", ltx.User, "signatures", sigs, "err", cause)
	return ltx, fmt.Errorf("%w: %s: %w", ErrWithdrawalUnsettled, ltx.ID, cause)
}

func (s *Service) markPending(ctx context.Context, ltx store.LedgerTransaction, cause error) error {
	ltx.Status = store.TxStatusPendingReconciliation
	ltx.Metadata = map[string]any{
		"needs_manual_review": true,
		"commit_error":        cause.Error(),
	}
	if ltx.TxRef != "" {
		ltx.Metadata["signatures"] = []string{ltx.TxRef}
	}
	metrics.PendingReconciliations.Inc()
	if err := s.store.AppendLedgerTransaction(context.WithoutCancel(ctx), ltx); err != nil {
		s.logger.Error("pending reconciliation record not written", "ledger_id", ltx.ID, "user", ltx.User, "err", err)
	}
	return fmt.Errorf("%w: withdrawal %s: %v", reconcile.ErrReconciliationWriteFailed, ltx.ID, cause)
}
