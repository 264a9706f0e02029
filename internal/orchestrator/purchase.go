package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrEmptyPosition = errors.New("position has nothing to sell")
)

type PurchaseRequest struct {
	OperationID string
	Basket      basket.Definition
	Wallet      solana.PublicKey
	Gross       uint64
}

// Purchase runs registration (when the basket is registered on-chain), the
// fee transfer when registration did not carry it, then every leg in order.
// The Result is always returned; the error is nil for full and partial
// success.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (*Result, error) {
	res := o.newResult(req.OperationID, SideBuy, req.Basket.ID, req.Wallet)
	res.Gross = req.Gross

	if req.Gross == 0 {
		return o.finish(res, ErrInvalidAmount)
	}
	if err := basket.ValidateLegs(req.Basket.Legs); err != nil {
		return o.finish(res, err)
	}
	fee, err := o.fee.Split(req.Gross)
	if err != nil {
		return o.finish(res, err)
	}
	res.Fee = fee
	o.emit(res, EventStarted, nil, "started", solana.Signature{}, "")

	if req.Basket.ProgramAddress != nil {
		if err := o.register(ctx, res, req.Basket); err != nil {
			res.Cancelled = errors.Is(err, txengine.ErrUserCancelled)
			return o.finish(res, err)
		}
	}
	if !res.FeeEmbedded {
		if err := o.payFee(ctx, res, req.Basket.Lister); err != nil {
			res.Cancelled = errors.Is(err, txengine.ErrUserCancelled)
			return o.finish(res, err)
		}
	}

	amounts, err := basket.Allocate(fee.Net, req.Basket.Legs)
	if err != nil {
		return o.finish(res, fmt.Errorf("allocate: %w", err))
	}
	plans := make([]legPlan, len(req.Basket.Legs))
	for i, leg := range req.Basket.Legs {
		output, substituted := o.outputMint(leg.Asset)
		plans[i] = legPlan{
			index:       i,
			asset:       leg.Asset,
			input:       solana.SolMint,
			output:      output,
			substituted: substituted,
			amount:      amounts[i],
		}
	}

	quotes, quoteErrs := o.prefetch(ctx, res.Wallet, plans)
	if err := o.executeLegs(ctx, res, plans, quotes, quoteErrs); err != nil {
		return o.finish(res, err)
	}
	if res.FilledCount() == 0 {
		return o.finish(res, ErrNoLegsFilled)
	}
	res.OverallSuccess = true
	return o.finish(res, nil)
}

func (o *Orchestrator) newResult(operationID string, side Side, basketID string, wallet solana.PublicKey) *Result {
	if operationID == "" {
		operationID = uuid.NewString()
	}
	return &Result{
		OperationID: operationID,
		Side:        side,
		BasketID:    basketID,
		Wallet:      wallet,
		Legs:        make([]LegOutcome, 0),
		StartedAt:   o.now(),
	}
}

func (o *Orchestrator) finish(res *Result, err error) (*Result, error) {
	res.FinishedAt = o.now()
	if err != nil && res.Unsettled() && !errors.Is(err, txengine.ErrOutcomeUnknown) {
		err = fmt.Errorf("%w: %w", txengine.ErrOutcomeUnknown, err)
	}
	res.TotalAllocated = 0
	res.TotalRecovered = 0
	for _, leg := range res.Legs {
		if !leg.Succeeded() {
			continue
		}
		res.TotalAllocated += leg.Requested
		if res.Side == SideSell {
			res.TotalRecovered += leg.Filled
		}
	}

	outcome := "success"
	switch {
	case res.Unsettled():
		outcome = "unsettled"
	case res.Cancelled:
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	case res.FilledCount() < len(res.Legs):
		outcome = "partial"
	}
	metrics.Orchestrations.WithLabelValues(string(res.Side), outcome).Inc()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.emit(res, EventFinished, nil, outcome, solana.Signature{}, msg)

	logger := o.logger.With(
		"operation_id", res.OperationID,
		"side", res.Side,
		"basket_id", res.BasketID,
		"wallet", res.Wallet,
		"filled", res.FilledCount(),
		"legs", len(res.Legs),
		"outcome", outcome,
	)
	if err != nil {
		logger.Warn("orchestration finished with error", "err", err)
	} else {
		logger.Info("orchestration finished")
	}
	return res, err
}
