package orchestrator

import (
	"context"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/gagliardetto/solana-go"
)

// SellLeg is one held asset to unwind.
type SellLeg struct {
	Asset  solana.PublicKey
	Amount uint64
}

type SellRequest struct {
	OperationID string
	PositionID  string
	Basket      basket.Definition
	Wallet      solana.PublicKey
	Holdings    []SellLeg
}

// Sell swaps every holding back to SOL, then charges the fee on what was
// recovered. Swaps all resolve before the fee is computed; a fee failure is
// reported on the Result and does not undo the sale.
func (o *Orchestrator) Sell(ctx context.Context, req SellRequest) (*Result, error) {
	res := o.newResult(req.OperationID, SideSell, req.Basket.ID, req.Wallet)
	res.PositionID = req.PositionID

	if len(req.Holdings) == 0 {
		return o.finish(res, ErrEmptyPosition)
	}
	o.emit(res, EventStarted, nil, "started", solana.Signature{}, "")

	plans := make([]legPlan, len(req.Holdings))
	for i, holding := range req.Holdings {
		plans[i] = legPlan{
			index:  i,
			asset:  holding.Asset,
			input:  holding.Asset,
			output: solana.SolMint,
			amount: holding.Amount,
		}
	}

	quotes, quoteErrs := o.prefetch(ctx, res.Wallet, plans)
	if err := o.executeLegs(ctx, res, plans, quotes, quoteErrs); err != nil {
		return o.finish(res, err)
	}
	if res.FilledCount() == 0 {
		return o.finish(res, ErrNoLegsFilled)
	}

	var recovered uint64
	for _, leg := range res.Legs {
		if leg.Succeeded() {
			recovered += leg.Filled
		}
	}
	fee, err := o.fee.Split(recovered)
	if err != nil {
		return o.finish(res, err)
	}
	res.Gross = recovered
	res.Fee = fee

	if err := o.payFee(ctx, res, req.Basket.Lister); err != nil {
		res.FeeError = err.Error()
		o.logger.Warn("sale fee not collected", "operation_id", res.OperationID, "err", err)
	}
	res.OverallSuccess = true
	return o.finish(res, nil)
}
