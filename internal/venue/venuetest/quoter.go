// Package venuetest provides a scripted quote source for tests.
package venuetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/coldbell/basket/backend/internal/venue"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// Quoter answers every request with a signable one-instruction transaction
// paid by the requesting user. ExpectedOut defaults to the input amount.
type Quoter struct {
	mu    sync.Mutex
	calls []venue.SwapRequest

	// FailMints rejects requests whose input or output mint is listed.
	FailMints map[solana.PublicKey]bool
	// Rate scales ExpectedOut when non-zero.
	Rate uint64
}

func New() *Quoter {
	return &Quoter{FailMints: make(map[solana.PublicKey]bool)}
}

func (q *Quoter) Fail(mint solana.PublicKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.FailMints[mint] = true
}

func (q *Quoter) GetExecutableLeg(_ context.Context, req venue.SwapRequest) (*venue.UnsignedLeg, error) {
	q.mu.Lock()
	q.calls = append(q.calls, req)
	fail := q.FailMints[req.OutputMint] || q.FailMints[req.InputMint]
	rate := q.Rate
	q.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("%w: scripted failure for %s -> %s", venue.ErrQuoteUnavailable, req.InputMint, req.OutputMint)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", venue.ErrQuoteUnavailable)
	}

	ix, err := system.NewTransferInstruction(1, req.User, solana.NewWallet().PublicKey()).ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(req.User))
	if err != nil {
		return nil, err
	}

	out := req.Amount
	if rate > 0 {
		out = req.Amount * rate
	}
	return &venue.UnsignedLeg{
		Provider:    "scripted",
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		InAmount:    req.Amount,
		ExpectedOut: out,
		MinOut:      out,
		Transaction: tx,
	}, nil
}

// Calls returns a copy of every request seen so far.
func (q *Quoter) Calls() []venue.SwapRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]venue.SwapRequest(nil), q.calls...)
}

// AmountFor returns the amount of the first request for output.
func (q *Quoter) AmountFor(output solana.PublicKey) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.calls {
		if c.OutputMint.Equals(output) {
			return c.Amount, true
		}
	}
	return 0, false
}
