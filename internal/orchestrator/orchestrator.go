// Package orchestrator turns one basket purchase or sale into fee transfers
// and per-leg swaps. It never writes storage; callers reconcile the Result.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/coldbell/basket/backend/internal/venue"
	"github.com/gagliardetto/solana-go"
)

type Quoter interface {
	GetExecutableLeg(ctx context.Context, req venue.SwapRequest) (*venue.UnsignedLeg, error)
}

type Submitter interface {
	Submit(ctx context.Context, req txengine.Request) (txengine.Receipt, error)
}

type Config struct {
	// Fee defaults to basket.DefaultFeeBps when nil. A non-nil zero value
	// charges nothing.
	Fee                 *basket.FeeBps
	SlippageBps         uint32
	PrefetchConcurrency int
	Treasury            solana.PublicKey
	ETFProgramID        solana.PublicKey
	// Mainnet disables devnet substitution.
	Mainnet     bool
	Substitutes map[solana.PublicKey]solana.PublicKey
}

type Orchestrator struct {
	quoter Quoter
	engine Submitter
	ledger txengine.Ledger
	cfg    Config
	fee    basket.FeeBps
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

func New(quoter Quoter, engine Submitter, ledger txengine.Ledger, cfg Config, events EventSink, logger *slog.Logger) *Orchestrator {
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = 4
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}
	fee := basket.DefaultFeeBps()
	if cfg.Fee != nil {
		fee = *cfg.Fee
	}
	if events == nil {
		events = NopSink{}
	}
	return &Orchestrator{
		quoter: quoter,
		engine: engine,
		ledger: ledger,
		cfg:    cfg,
		fee:    fee,
		events: events,
		logger: logger.With("component", "orchestrator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// outputMint resolves the mint actually bought for a basket asset.
func (o *Orchestrator) outputMint(asset solana.PublicKey) (solana.PublicKey, bool) {
	if o.cfg.Mainnet {
		return asset, false
	}
	if sub, ok := o.cfg.Substitutes[asset]; ok && !sub.Equals(asset) {
		return sub, true
	}
	return asset, false
}
