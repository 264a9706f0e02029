package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/coldbell/basket/backend/internal/venue"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

type legPlan struct {
	index       int
	asset       solana.PublicKey
	input       solana.PublicKey
	output      solana.PublicKey
	substituted bool
	amount      uint64
}

func (p legPlan) outcome() LegOutcome {
	return LegOutcome{
		Index:       p.index,
		Asset:       p.asset,
		InputMint:   p.input,
		OutputMint:  p.output,
		Substituted: p.substituted,
		Requested:   p.amount,
	}
}

func (o *Orchestrator) quote(ctx context.Context, wallet solana.PublicKey, plan legPlan) (*venue.UnsignedLeg, error) {
	leg, err := o.quoter.GetExecutableLeg(ctx, venue.SwapRequest{
		InputMint:   plan.input,
		OutputMint:  plan.output,
		Amount:      plan.amount,
		SlippageBps: o.cfg.SlippageBps,
		User:        wallet,
	})
	if err != nil {
		if !errors.Is(err, venue.ErrQuoteUnavailable) {
			err = fmt.Errorf("%w: %w", venue.ErrQuoteUnavailable, err)
		}
		return nil, err
	}
	return leg, nil
}

// prefetch quotes every leg concurrently. Quotes are read-only, so a failed
// quote never cancels its siblings.
func (o *Orchestrator) prefetch(ctx context.Context, wallet solana.PublicKey, plans []legPlan) ([]*venue.UnsignedLeg, []error) {
	quotes := make([]*venue.UnsignedLeg, len(plans))
	errs := make([]error, len(plans))

	var g errgroup.Group
	g.SetLimit(o.cfg.PrefetchConcurrency)
	for i, plan := range plans {
		g.Go(func() error {
			quotes[i], errs[i] = o.quote(ctx, wallet, plan)
			return nil
		})
	}
	_ = g.Wait()
	return quotes, errs
}

// executeLegs submits legs one at a time, recording each outcome. A failed
// leg never stops its siblings; a cancellation skips everything after it and
// is returned.
func (o *Orchestrator) executeLegs(ctx context.Context, res *Result, plans []legPlan, quotes []*venue.UnsignedLeg, quoteErrs []error) error {
	for i, plan := range plans {
		outcome := plan.outcome()

		if quoteErrs[i] != nil {
			outcome.fail(LegQuoteUnavailable, quoteErrs[i])
			o.recordLeg(res, outcome)
			continue
		}

		current := quotes[i]
		receipt, err := o.engine.Submit(ctx, txengine.Request{
			Label:    "leg_" + string(res.Side),
			Payer:    res.Wallet,
			Prepared: current.Transaction,
			Refetch: func(ctx context.Context) (*solana.Transaction, error) {
				fresh, err := o.quote(ctx, res.Wallet, plan)
				if err != nil {
					return nil, err
				}
				current = fresh
				return fresh.Transaction, nil
			},
		})
		outcome.Provider = current.Provider
		outcome.Signature = receipt.Signature
		outcome.Attempts = receipt.Attempts

		if err != nil {
			unknown := errors.Is(err, txengine.ErrOutcomeUnknown)
			if unknown {
				res.markUnsettled(receipt.Sent)
			}
			switch {
			case errors.Is(err, txengine.ErrUserCancelled):
				status := LegCancelled
				if unknown {
					status = LegUnknown
				}
				outcome.fail(status, err)
				o.recordLeg(res, outcome)
				res.Cancelled = true
				for _, rest := range plans[i+1:] {
					skipped := rest.outcome()
					skipped.fail(LegSkipped, txengine.ErrUserCancelled)
					o.recordLeg(res, skipped)
				}
				return err
			case unknown:
				outcome.fail(LegUnknown, err)
			case errors.Is(err, txengine.ErrValidityWindowExpired):
				outcome.fail(LegExpired, err)
			default:
				outcome.fail(LegFailedStatus, err)
			}
			o.recordLeg(res, outcome)
			continue
		}

		outcome.Status = LegFilled
		outcome.Filled, outcome.RefinedOnChain = o.refineFill(ctx, res.Wallet, plan.output, current.ExpectedOut, receipt.Signature)
		o.recordLeg(res, outcome)
	}
	return nil
}

func (o *Orchestrator) recordLeg(res *Result, outcome LegOutcome) {
	res.Legs = append(res.Legs, outcome)
	metrics.LegOutcomes.WithLabelValues(string(res.Side), string(outcome.Status)).Inc()

	idx := outcome.Index
	o.emit(res, EventLeg, &idx, string(outcome.Status), outcome.Signature, outcome.ErrorMessage)
	if outcome.Status != LegFilled {
		o.logger.Warn("basket leg not filled",
			"operation_id", res.OperationID,
			"side", res.Side,
			"leg", outcome.Index,
			"asset", outcome.Asset,
			"status", outcome.Status,
			"err", outcome.Err,
		)
	}
}

// refineFill reads the confirmed transaction to measure what the wallet
// actually received, falling back to the quote's expected output.
func (o *Orchestrator) refineFill(ctx context.Context, wallet, output solana.PublicKey, expected uint64, sig solana.Signature) (uint64, bool) {
	info, err := o.ledger.GetTransaction(ctx, sig)
	if err != nil {
		o.logger.Debug("fill refinement unavailable", "signature", sig, "err", err)
		return expected, false
	}

	if output.Equals(solana.SolMint) {
		pre, post, ok := info.LamportChange(wallet)
		// the wallet paid the network fee out of the same balance
		if ok && post+info.Fee > pre {
			return post + info.Fee - pre, true
		}
		return expected, false
	}

	pre, post, ok := info.TokenChange(wallet, output)
	if ok && post > pre {
		return post - pre, true
	}
	return expected, false
}
