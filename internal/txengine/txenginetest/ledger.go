// Package txenginetest provides an in-memory Ledger for tests.
package txenginetest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/gagliardetto/solana-go"
)

// Ledger records sent transactions and answers confirmations through hooks.
// The zero value confirms everything.
type Ledger struct {
	mu sync.Mutex

	// SendFunc runs for the n-th send (0-based); a non-nil error rejects it.
	SendFunc func(tx *solana.Transaction, n int) error
	// ConfirmFunc runs for the n-th confirmation (0-based).
	ConfirmFunc func(ctx context.Context, sig solana.Signature, n int) (txengine.ConfirmStatus, error)

	Sent         []*solana.Transaction
	windows      uint64
	confirms     int
	transactions map[solana.Signature]*txengine.TransactionInfo
	balances     map[solana.PublicKey]uint64
	accounts     map[solana.PublicKey][]byte
	getTxCalls   int
}

var _ txengine.Ledger = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		transactions: make(map[solana.Signature]*txengine.TransactionInfo),
		balances:     make(map[solana.PublicKey]uint64),
		accounts:     make(map[solana.PublicKey][]byte),
	}
}

func (l *Ledger) LatestWindow(_ context.Context) (txengine.Window, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows++
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], l.windows)
	return txengine.Window{
		Blockhash:            solana.Hash(sha256.Sum256(seed[:])),
		LastValidBlockHeight: 1_000 + l.windows*150,
	}, nil
}

func (l *Ledger) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	l.mu.Lock()
	n := len(l.Sent)
	l.Sent = append(l.Sent, tx)
	send := l.SendFunc
	l.mu.Unlock()

	if send != nil {
		if err := send(tx, n); err != nil {
			return solana.Signature{}, err
		}
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, fmt.Errorf("transaction is not signed")
	}
	return tx.Signatures[0], nil
}

func (l *Ledger) ConfirmTransaction(ctx context.Context, sig solana.Signature, _ txengine.Window) (txengine.ConfirmStatus, error) {
	l.mu.Lock()
	n := l.confirms
	l.confirms++
	confirm := l.ConfirmFunc
	l.mu.Unlock()

	if confirm == nil {
		return txengine.ConfirmConfirmed, nil
	}
	return confirm(ctx, sig, n)
}

func (l *Ledger) GetTransaction(_ context.Context, sig solana.Signature) (*txengine.TransactionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getTxCalls++
	info, ok := l.transactions[sig]
	if !ok {
		return nil, fmt.Errorf("%w: %s", txengine.ErrTransactionNotFound, sig)
	}
	return info, nil
}

func (l *Ledger) GetBalance(_ context.Context, account solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *Ledger) GetAccountInfo(_ context.Context, account solana.PublicKey) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", txengine.ErrAccountNotFound, account)
	}
	return data, nil
}

func (l *Ledger) PutTransaction(info *txengine.TransactionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transactions[info.Signature] = info
}

func (l *Ledger) PutAccount(account solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[account] = data
}

func (l *Ledger) SetBalance(account solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = lamports
}

func (l *Ledger) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Sent)
}

func (l *Ledger) GetTransactionCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getTxCalls
}
