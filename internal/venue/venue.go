package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var ErrQuoteUnavailable = errors.New("quote unavailable")

type SwapRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps uint32
	User        solana.PublicKey
}

// UnsignedLeg is an executable swap: an unsigned transaction plus what the
// venue expects it to return.
type UnsignedLeg struct {
	Provider             string
	InputMint            solana.PublicKey
	OutputMint           solana.PublicKey
	InAmount             uint64
	ExpectedOut          uint64
	MinOut               uint64
	PriceImpactPct       decimal.Decimal
	Transaction          *solana.Transaction
	LastValidBlockHeight uint64
}

type Provider interface {
	Name() string
	BuildSwap(ctx context.Context, req SwapRequest) (*UnsignedLeg, error)
}

// Client tries providers in order and returns the first executable leg.
type Client struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

func NewClient(timeout time.Duration, logger *slog.Logger, providers ...Provider) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		providers: providers,
		timeout:   timeout,
		logger:    logger.With("component", "venue"),
	}
}

func (c *Client) GetExecutableLeg(ctx context.Context, req SwapRequest) (*UnsignedLeg, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount for %s -> %s", ErrQuoteUnavailable, req.InputMint, req.OutputMint)
	}
	if req.InputMint.Equals(req.OutputMint) {
		return nil, fmt.Errorf("%w: input and output mint are both %s", ErrQuoteUnavailable, req.InputMint)
	}

	var errs []error
	for _, provider := range c.providers {
		leg, err := c.tryProvider(ctx, provider, req)
		if err == nil {
			return leg, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, ctx.Err())
		}
		c.logger.Warn("quote provider failed",
			"provider", provider.Name(),
			"input_mint", req.InputMint,
			"output_mint", req.OutputMint,
			"amount", req.Amount,
			"err", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
	}

	return nil, fmt.Errorf("%w: %s -> %s: %w", ErrQuoteUnavailable, req.InputMint, req.OutputMint, errors.Join(errs...))
}

func (c *Client) tryProvider(ctx context.Context, provider Provider, req SwapRequest) (*UnsignedLeg, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	leg, err := provider.BuildSwap(callCtx, req)
	metrics.QuoteLatency.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QuoteRequests.WithLabelValues(provider.Name(), "error").Inc()
		return nil, err
	}
	if leg == nil || leg.Transaction == nil {
		metrics.QuoteRequests.WithLabelValues(provider.Name(), "error").Inc()
		return nil, fmt.Errorf("provider returned no transaction")
	}
	if leg.ExpectedOut == 0 {
		metrics.QuoteRequests.WithLabelValues(provider.Name(), "error").Inc()
		return nil, fmt.Errorf("provider quoted zero output")
	}
	metrics.QuoteRequests.WithLabelValues(provider.Name(), "ok").Inc()
	return leg, nil
}
