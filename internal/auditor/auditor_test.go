package auditor_test

import (
	"context"
	"testing"
	"time"

	"github.com/coldbell/basket/backend/internal/auditor"
	"github.com/coldbell/basket/backend/internal/logging"
	"github.com/coldbell/basket/backend/internal/store"
	"github.com/coldbell/basket/backend/internal/txengine"
	"github.com/coldbell/basket/backend/internal/txengine/txenginetest"
	"github.com/gagliardetto/solana-go"
)

func sig(b byte) solana.Signature {
	return solana.Signature{b, 1, 2, 3}
}

func appendPending(t *testing.T, st *store.MemoryStore, id string, meta map[string]any) {
	t.Helper()
	err := st.AppendLedgerTransaction(context.Background(), store.LedgerTransaction{
		ID:       id,
		User:     "wallet-1",
		Type:     store.TxTypeBuy,
		Amount:   1_000,
		TxRef:    id,
		Status:   store.TxStatusPendingReconciliation,
		Metadata: meta,
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
}

func newAuditor(st store.Store, ledger txengine.Ledger) *auditor.Service {
	return auditor.New(st, ledger, auditor.Config{
		BatchSize:             10,
		LookupMaxTries:        2,
		LookupInitialInterval: time.Millisecond,
	}, logging.Discard())
}

func TestSweepOnce_AnnotatesPendingRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ledger := txenginetest.New()
	ledger.PutTransaction(&txengine.TransactionInfo{Signature: sig(1)})
	ledger.PutTransaction(&txengine.TransactionInfo{Signature: sig(2)})
	ledger.PutTransaction(&txengine.TransactionInfo{Signature: sig(3), Err: "custom program error: 0x1771"})

	appendPending(t, st, "op-ok", map[string]any{"signatures": []string{sig(1).String(), sig(2).String()}})
	appendPending(t, st, "op-failed-leg", map[string]any{"signatures": []any{sig(1).String(), sig(3).String()}})
	appendPending(t, st, "op-missing", map[string]any{"signatures": []string{sig(9).String()}, "needs_manual_review": true})

	stats, err := newAuditor(st, ledger).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 3 || stats.Verified != 1 || stats.Unverified != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	ok, _ := st.GetLedgerTransaction(ctx, "op-ok")
	if ok.Metadata["chain_verified"] != true || ok.Metadata["audited_at"] == nil {
		t.Fatalf("expected op-ok verified, got %v", ok.Metadata)
	}
	if ok.Status != store.TxStatusPendingReconciliation {
		t.Fatalf("auditor must not settle records, status %s", ok.Status)
	}

	failed, _ := st.GetLedgerTransaction(ctx, "op-failed-leg")
	if failed.Metadata["chain_verified"] != false {
		t.Fatalf("expected op-failed-leg unverified, got %v", failed.Metadata)
	}
	if got, _ := failed.Metadata["failed_signatures"].([]string); len(got) != 1 || got[0] != sig(3).String() {
		t.Fatalf("unexpected failed signatures %v", failed.Metadata["failed_signatures"])
	}

	missing, _ := st.GetLedgerTransaction(ctx, "op-missing")
	if got, _ := missing.Metadata["missing_signatures"].([]string); len(got) != 1 {
		t.Fatalf("unexpected missing signatures %v", missing.Metadata["missing_signatures"])
	}
	if missing.Metadata["needs_manual_review"] != true {
		t.Fatal("annotation must keep metadata it did not write")
	}
}

func TestSweepOnce_SkipsVerifiedAndRechecksMissing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ledger := txenginetest.New()
	ledger.PutTransaction(&txengine.TransactionInfo{Signature: sig(1)})

	appendPending(t, st, "op-ok", map[string]any{"signatures": []string{sig(1).String()}})
	appendPending(t, st, "op-late", map[string]any{"signatures": []string{sig(4).String()}, "needs_manual_review": true})
	a := newAuditor(st, ledger)

	if _, err := a.SweepOnce(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	ledger.PutTransaction(&txengine.TransactionInfo{Signature: sig(4)})
	lookupsBefore := ledger.GetTransactionCalls()

	stats, err := a.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if stats.Skipped != 1 || stats.Verified != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if calls := ledger.GetTransactionCalls() - lookupsBefore; calls != 1 {
		t.Fatalf("expected one lookup for the late record, got %d", calls)
	}
	late, _ := st.GetLedgerTransaction(ctx, "op-late")
	if late.Metadata["chain_verified"] != true || late.Metadata["needs_manual_review"] != true {
		t.Fatalf("unexpected metadata %v", late.Metadata)
	}
}

func TestSweepOnce_UsesWithdrawalSignature(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ledger := txenginetest.New()
	ledger.PutTransaction(&txengine.TransactionInfo{Signature: sig(7)})

	err := st.AppendLedgerTransaction(ctx, store.LedgerTransaction{
		ID:     "wd-1",
		User:   "wallet-1",
		Type:   store.TxTypeWithdraw,
		Amount: 500,
		TxRef:  sig(7).String(),
		Status: store.TxStatusPendingReconciliation,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	stats, err := newAuditor(st, ledger).SweepOnce(ctx)
	if err != nil || stats.Verified != 1 {
		t.Fatalf("expected the withdrawal verified from its tx ref, stats %+v err %v", stats, err)
	}
}
