// Package reconcile records orchestration results in the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/basket/backend/internal/metrics"
	"github.com/coldbell/basket/backend/internal/orchestrator"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/google/uuid"
)

// ErrReconciliationWriteFailed means funds moved on-chain but the ledger
// write did not land. A pending_reconciliation record holds the references.
var ErrReconciliationWriteFailed = errors.New("funds moved on-chain but bookkeeping is delayed, contact support")

const pendingWriteTimeout = 10 * time.Second

type Writer struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewWriter(s store.Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:  s,
		logger: logger.With("component", "reconcile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordPurchase debits the fee plus the allocation of every filled leg and
// opens a position holding what those legs delivered. A purchase with no
// filled legs leaves the balance alone; if its fee already moved, a failed
// ledger record keeps the references.
func (w *Writer) RecordPurchase(ctx context.Context, res *orchestrator.Result) (*store.Position, error) {
	user := res.Wallet.String()
	if res.FilledCount() == 0 {
		return nil, w.recordUnfilled(ctx, res, store.TxTypeBuy)
	}

	pos := store.Position{
		ID:          uuid.NewString(),
		User:        user,
		BasketID:    res.BasketID,
		GrossAmount: res.Gross,
		Holdings:    make([]store.Holding, 0, res.FilledCount()),
		CreatedAt:   w.now(),
	}
	for _, leg := range res.Legs {
		if leg.Succeeded() {
			pos.Holdings = append(pos.Holdings, store.Holding{Asset: leg.OutputMint.String(), Amount: leg.Filled})
		}
	}

	debit := res.FeeCharged() + res.TotalAllocated
	entry := store.Entry{
		User:     user,
		Debit:    debit,
		Position: &pos,
		Legs:     legExecutions(pos.ID, store.LegSideBuy, res),
		Fee:      feeRecord(pos.ID, store.LegSideBuy, res),
		Transaction: store.LedgerTransaction{
			ID:       res.OperationID,
			User:     user,
			Type:     store.TxTypeBuy,
			Amount:   debit,
			TxRef:    res.OperationID,
			Status:   settledStatus(res),
			Metadata: resultMetadata(res, pos.ID),
		},
	}

	if err := w.store.Commit(ctx, entry); err != nil {
		return nil, w.degrade(ctx, res, entry, err)
	}
	w.logger.Info("purchase recorded",
		"operation_id", res.OperationID,
		"position_id", pos.ID,
		"debit", debit,
		"filled", res.FilledCount(),
		"legs", len(res.Legs),
	)
	return &pos, nil
}

// RecordSale credits what was recovered net of any collected fee. Holdings
// whose legs filled are removed; the position closes once none remain.
func (w *Writer) RecordSale(ctx context.Context, res *orchestrator.Result, pos store.Position) (*store.Position, error) {
	if res.FilledCount() == 0 {
		return &pos, w.recordUnfilled(ctx, res, store.TxTypeSell)
	}

	sold := make(map[int]bool, len(res.Legs))
	for _, leg := range res.Legs {
		if leg.Succeeded() {
			sold[leg.Index] = true
		}
	}
	updated := pos
	updated.Holdings = make([]store.Holding, 0, len(pos.Holdings))
	for i, holding := range pos.Holdings {
		if !sold[i] {
			updated.Holdings = append(updated.Holdings, holding)
		}
	}

	fee := res.FeeCharged()
	if fee > res.TotalRecovered {
		fee = res.TotalRecovered
	}
	credit := res.TotalRecovered - fee
	updated.RecoveredAmount += credit
	if len(updated.Holdings) == 0 {
		closedAt := w.now()
		updated.Closed = true
		updated.ClosedAt = &closedAt
	}

	entry := store.Entry{
		User:     pos.User,
		Credit:   credit,
		Position: &updated,
		Legs:     legExecutions(pos.ID, store.LegSideSell, res),
		Fee:      feeRecord(pos.ID, store.LegSideSell, res),
		Transaction: store.LedgerTransaction{
			ID:       res.OperationID,
			User:     pos.User,
			Type:     store.TxTypeSell,
			Amount:   credit,
			TxRef:    res.OperationID,
			Status:   settledStatus(res),
			Metadata: resultMetadata(res, pos.ID),
		},
	}

	if err := w.store.Commit(ctx, entry); err != nil {
		return nil, w.degrade(ctx, res, entry, err)
	}
	w.logger.Info("sale recorded",
		"operation_id", res.OperationID,
		"position_id", pos.ID,
		"credit", credit,
		"closed", updated.Closed,
	)
	return &updated, nil
}

// settledStatus marks an operation with unsettled broadcasts for review.
// Its balance change only covers what confirmed.
func settledStatus(res *orchestrator.Result) store.TxStatus {
	if res.Unsettled() {
		metrics.PendingReconciliations.Inc()
		return store.TxStatusPendingReconciliation
	}
	return store.TxStatusCompleted
}

func (w *Writer) recordUnfilled(ctx context.Context, res *orchestrator.Result, txType store.TxType) error {
	if !res.MovedFunds() {
		return nil
	}
	meta := resultMetadata(res, res.PositionID)
	meta["reason"] = "no legs filled"
	status := store.TxStatusFailed
	if res.Unsettled() {
		status = settledStatus(res)
	}
	err := w.store.AppendLedgerTransaction(ctx, store.LedgerTransaction{
		ID:       res.OperationID,
		User:     res.Wallet.String(),
		Type:     txType,
		Amount:   res.FeeCharged(),
		TxRef:    res.OperationID,
		Status:   status,
		Metadata: meta,
	})
	if err != nil {
		metrics.PendingReconciliations.Inc()
		w.logger.Error("failed to record unfilled operation", "operation_id", res.OperationID, "signatures", res.Signatures(), "err", err)
		return fmt.Errorf("%w: operation %s: %v", ErrReconciliationWriteFailed, res.OperationID, err)
	}
	return nil
}

// degrade handles a failed Commit after on-chain success by appending a
// pending_reconciliation record outside the failed transaction.
func (w *Writer) degrade(ctx context.Context, res *orchestrator.Result, entry store.Entry, commitErr error) error {
	if errors.Is(commitErr, store.ErrAlreadyProcessed) {
		w.logger.Error("operation already recorded, ledger write skipped",
			"operation_id", res.OperationID,
			"user", entry.User,
			"signatures", res.Signatures(),
			"err", commitErr,
		)
		return commitErr
	}

	meta := resultMetadata(res, "")
	if entry.Position != nil {
		meta["position_id"] = entry.Position.ID
	}
	meta["needs_manual_review"] = true
	meta["commit_error"] = commitErr.Error()
	meta["debit"] = entry.Debit
	meta["credit"] = entry.Credit

	pending := store.LedgerTransaction{
		ID:       entry.Transaction.ID,
		User:     entry.User,
		Type:     entry.Transaction.Type,
		Amount:   entry.Transaction.Amount,
		TxRef:    entry.Transaction.TxRef,
		Status:   store.TxStatusPendingReconciliation,
		Metadata: meta,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pendingWriteTimeout)
	defer cancel()
	metrics.PendingReconciliations.Inc()
	if err := w.store.AppendLedgerTransaction(writeCtx, pending); err != nil {
		w.logger.Error("pending reconciliation record not written",
			"operation_id", res.OperationID,
			"user", entry.User,
			"signatures", res.Signatures(),
			"commit_err", commitErr,
			"err", err,
		)
	} else {
		w.logger.Error("ledger write failed after on-chain success, marked for reconciliation",
			"operation_id", res.OperationID,
			"user", entry.User,
			"signatures", res.Signatures(),
			"err", commitErr,
		)
	}
	return fmt.Errorf("%w: operation %s: %v", ErrReconciliationWriteFailed, res.OperationID, commitErr)
}

func legExecutions(positionID string, side store.LegSide, res *orchestrator.Result) []store.LegExecution {
	out := make([]store.LegExecution, 0, len(res.Legs))
	for _, leg := range res.Legs {
		if !leg.Submitted() {
			continue
		}
		exec := store.LegExecution{
			PositionID:      positionID,
			Side:            side,
			InputAsset:      leg.InputMint.String(),
			OutputAsset:     leg.OutputMint.String(),
			RequestedAmount: leg.Requested,
			TxRef:           leg.Signature.String(),
			Provider:        leg.Provider,
			Succeeded:       leg.Succeeded(),
			Substituted:     leg.Substituted,
			Error:           leg.ErrorMessage,
		}
		if leg.Succeeded() {
			exec.FilledAmount = leg.Filled
		}
		out = append(out, exec)
	}
	return out
}

func feeRecord(positionID string, side store.LegSide, res *orchestrator.Result) *store.FeeRecord {
	rec := &store.FeeRecord{
		BasketID:   res.BasketID,
		PositionID: positionID,
		Side:       side,
		ShareA:     res.Fee.ShareA,
		ShareB:     res.Fee.ShareB,
		PaidOut:    res.FeePaid,
	}
	if !res.FeeSignature.IsZero() {
		rec.TxRef = res.FeeSignature.String()
	}
	return rec
}

func resultMetadata(res *orchestrator.Result, positionID string) map[string]any {
	legs := make([]map[string]any, 0, len(res.Legs))
	for _, leg := range res.Legs {
		entry := map[string]any{
			"index":     leg.Index,
			"asset":     leg.Asset.String(),
			"status":    string(leg.Status),
			"requested": leg.Requested,
			"filled":    leg.Filled,
		}
		if !leg.Signature.IsZero() {
			entry["signature"] = leg.Signature.String()
		}
		if leg.ErrorMessage != "" {
			entry["error"] = leg.ErrorMessage
		}
		legs = append(legs, entry)
	}

	meta := map[string]any{
		"basket_id":   res.BasketID,
		"signatures":  res.Signatures(),
		"legs":        legs,
		"filled_legs": res.FilledCount(),
		"total_legs":  len(res.Legs),
		"partial":     res.FilledCount() < len(res.Legs),
		"fee_share_a": res.Fee.ShareA,
		"fee_share_b": res.Fee.ShareB,
		"fee_paid":    res.FeePaid,
		"registered":  res.Registered,
		"cancelled":   res.Cancelled,
	}
	if positionID != "" {
		meta["position_id"] = positionID
	}
	if res.FeeError != "" {
		meta["fee_error"] = res.FeeError
	}
	if res.Unsettled() {
		unsettled := make([]string, 0, len(res.UnsettledSignatures))
		for _, sig := range res.UnsettledSignatures {
			unsettled = append(unsettled, sig.String())
		}
		meta["unsettled_signatures"] = unsettled
		meta["needs_manual_review"] = true
	}
	return meta
}
