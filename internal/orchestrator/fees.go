package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/coldbell/basket/backend/internal/dex"
	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// register records the purchase against the basket's on-chain ETF account.
// buy_etf carries share A into the lister's vault and a system transfer
// carries share B to the treasury, so a confirmed registration pays the fee.
// Cancellation and an unknown outcome are returned. Any other failure leaves
// the purchase to continue unregistered, since nothing was charged.
func (o *Orchestrator) register(ctx context.Context, res *Result, def basket.Definition) error {
	etf := *def.ProgramAddress
	logger := o.logger.With("operation_id", res.OperationID, "basket_id", def.ID, "etf", etf)

	if res.Fee.ShareA == 0 {
		logger.Debug("fee share too small to register")
		return nil
	}

	data, err := o.ledger.GetAccountInfo(ctx, etf)
	if err != nil {
		logger.Warn("etf account unavailable, skipping registration", "err", err)
		return nil
	}
	acc, err := dex.ParseETFAccount(data)
	if err != nil {
		logger.Warn("etf account did not decode, skipping registration", "err", err)
		return nil
	}
	derived, _, err := dex.DeriveETFPDA(o.cfg.ETFProgramID, acc.Lister)
	if err != nil || !derived.Equals(etf) {
		logger.Warn("etf address does not match program derivation, skipping registration", "derived", derived, "err", err)
		return nil
	}

	buyIx, err := dex.NewBuyETFInstruction(o.cfg.ETFProgramID, etf, res.Wallet, acc.Lister, res.Fee.ShareA)
	if err != nil {
		logger.Warn("build buy_etf instruction", "err", err)
		return nil
	}
	instructions := []solana.Instruction{buyIx}
	if res.Fee.ShareB > 0 {
		transferIx, err := system.NewTransferInstruction(res.Fee.ShareB, res.Wallet, o.cfg.Treasury).ValidateAndBuild()
		if err != nil {
			logger.Warn("build treasury transfer", "err", err)
			return nil
		}
		instructions = append(instructions, transferIx)
	}

	receipt, err := o.engine.Submit(ctx, txengine.Request{
		Label:        "registration",
		Payer:        res.Wallet,
		Instructions: instructions,
	})
	if err != nil {
		if errors.Is(err, txengine.ErrOutcomeUnknown) {
			// the fee may already have moved
			res.RegistrationSignature = receipt.Signature
			res.markUnsettled(receipt.Sent)
			o.emit(res, EventRegistration, nil, string(LegUnknown), receipt.Signature, err.Error())
			logger.Error("registration outcome unknown, stopping purchase", "sent", receipt.Sent, "err", err)
			return err
		}
		if errors.Is(err, txengine.ErrUserCancelled) {
			o.emit(res, EventRegistration, nil, string(LegCancelled), receipt.Signature, err.Error())
			return err
		}
		logger.Warn("registration failed, continuing without it", "err", err)
		o.emit(res, EventRegistration, nil, "failed", receipt.Signature, err.Error())
		return nil
	}

	res.Registered = true
	res.RegistrationSignature = receipt.Signature
	res.FeePaid = true
	res.FeeEmbedded = true
	res.FeeSignature = receipt.Signature
	recordFee(res.Fee)
	o.emit(res, EventRegistration, nil, "confirmed", receipt.Signature, "")
	logger.Info("purchase registered on-chain", "signature", receipt.Signature)
	return nil
}

// payFee sends share A to the basket lister and share B to the treasury in
// one transaction. A zero fee counts as paid.
func (o *Orchestrator) payFee(ctx context.Context, res *Result, lister solana.PublicKey) error {
	instructions := make([]solana.Instruction, 0, 2)
	if res.Fee.ShareA > 0 {
		ix, err := system.NewTransferInstruction(res.Fee.ShareA, res.Wallet, lister).ValidateAndBuild()
		if err != nil {
			return fmt.Errorf("build lister fee transfer: %w", err)
		}
		instructions = append(instructions, ix)
	}
	if res.Fee.ShareB > 0 {
		ix, err := system.NewTransferInstruction(res.Fee.ShareB, res.Wallet, o.cfg.Treasury).ValidateAndBuild()
		if err != nil {
			return fmt.Errorf("build treasury fee transfer: %w", err)
		}
		instructions = append(instructions, ix)
	}
	if len(instructions) == 0 {
		res.FeePaid = true
		return nil
	}

	receipt, err := o.engine.Submit(ctx, txengine.Request{
		Label:        "fee_" + string(res.Side),
		Payer:        res.Wallet,
		Instructions: instructions,
	})
	if err != nil {
		status := "failed"
		switch {
		case errors.Is(err, txengine.ErrOutcomeUnknown):
			status = string(LegUnknown)
			res.markUnsettled(receipt.Sent)
		case errors.Is(err, txengine.ErrUserCancelled):
			status = string(LegCancelled)
		}
		o.emit(res, EventFee, nil, status, receipt.Signature, err.Error())
		return fmt.Errorf("fee transfer: %w", err)
	}

	res.FeePaid = true
	res.FeeSignature = receipt.Signature
	recordFee(res.Fee)
	o.emit(res, EventFee, nil, "confirmed", receipt.Signature, "")
	return nil
}

func recordFee(fee basket.FeeSplit) {
	metrics.FeesCollected.WithLabelValues("a").Add(float64(fee.ShareA))
	metrics.FeesCollected.WithLabelValues("b").Add(float64(fee.ShareB))
}
