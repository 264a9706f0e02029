package txenginetest

import (
	"context"
	"sync"

	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/gagliardetto/solana-go"
)

// Signer wraps a StaticSigner and can decline chosen calls.
type Signer struct {
	inner *txengine.StaticSigner

	mu    sync.Mutex
	calls int
	// DeclineFunc returns true to reject the n-th Sign call (0-based) as a user cancellation.
	DeclineFunc func(tx *solana.Transaction, n int) bool
}

func NewSigner(keys ...solana.PrivateKey) *Signer {
	return &Signer{inner: txengine.NewStaticSigner(keys...)}
}

func (s *Signer) Sign(ctx context.Context, wallet solana.PublicKey, tx *solana.Transaction) error {
	s.mu.Lock()
	n := s.calls
	s.calls++
	decline := s.DeclineFunc
	s.mu.Unlock()

	if decline != nil && decline(tx, n) {
		return txengine.ErrUserCancelled
	}
	return s.inner.Sign(ctx, wallet, tx)
}

func (s *Signer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
