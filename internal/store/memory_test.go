package store

import (
	"context"
	"errors"
	"testing"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

func TestMemoryStore_CommitDebitCredit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Commit(ctx, Entry{
		User:   "alice",
		Credit: 1_000,
		Transaction: LedgerTransaction{
			ID: "dep-1", User: "alice", Type: TxTypeDeposit, Amount: 1_000, TxRef: "sig-1", Status: TxStatusCompleted,
		},
	})
	if err != nil {
		t.Fatalf("deposit commit: %v", err)
	}

	pos := Position{ID: "pos-1", User: "alice", BasketID: "b1", GrossAmount: 600, Holdings: []Holding{{Asset: "mintA", Amount: 42}}}
	err = s.Commit(ctx, Entry{
		User:     "alice",
		Debit:    600,
		Position: &pos,
		Legs:     []LegExecution{{PositionID: "pos-1", Side: LegSideBuy, FilledAmount: 42, Succeeded: true}},
		Fee:      &FeeRecord{BasketID: "b1", PositionID: "pos-1", Side: LegSideBuy, ShareA: 3, ShareB: 3, PaidOut: true},
		Transaction: LedgerTransaction{
			ID: "op-1", User: "alice", Type: TxTypeBuy, Amount: 600, TxRef: "op-1", Status: TxStatusCompleted,
		},
	})
	if err != nil {
		t.Fatalf("buy commit: %v", err)
	}

	balance, _ := s.GetBalance(ctx, "alice")
	if balance != 400 {
		t.Fatalf("expected balance 400, got %d", balance)
	}
	got, err := s.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if len(got.Holdings) != 1 || got.Holdings[0].Amount != 42 {
		t.Fatalf("unexpected holdings %+v", got.Holdings)
	}
	legs, _ := s.ListLegExecutions(ctx, "pos-1")
	fees, _ := s.ListFees(ctx, "pos-1")
	if len(legs) != 1 || len(fees) != 1 {
		t.Fatalf("expected one leg and one fee, got %d/%d", len(legs), len(fees))
	}
}

func TestMemoryStore_InsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetBalance("bob", 100)

	pos := Position{ID: "pos-x", User: "bob"}
	err := s.Commit(ctx, Entry{
		User:        "bob",
		Debit:       101,
		Position:    &pos,
		Transaction: LedgerTransaction{ID: "op-x", User: "bob", Type: TxTypeBuy, TxRef: "op-x", Status: TxStatusCompleted},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance, _ := s.GetBalance(ctx, "bob"); balance != 100 {
		t.Fatalf("balance changed to %d", balance)
	}
	if _, err := s.GetPosition(ctx, "pos-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no position, got %v", err)
	}
	if _, err := s.GetLedgerTransaction(ctx, "op-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no ledger row, got %v", err)
	}
}

func TestMemoryStore_DuplicateTxRefRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	dep := func(id string) Entry {
		return Entry{
			User:        "carol",
			Credit:      50,
			Transaction: LedgerTransaction{ID: id, User: "carol", Type: TxTypeDeposit, Amount: 50, TxRef: "sig-dup", Status: TxStatusCompleted},
		}
	}
	if err := s.Commit(ctx, dep("a")); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := s.Commit(ctx, dep("b")); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if balance, _ := s.GetBalance(ctx, "carol"); balance != 50 {
		t.Fatalf("expected balance 50, got %d", balance)
	}
	ok, _ := s.HasLedgerTransaction(ctx, TxTypeDeposit, "sig-dup")
	if !ok {
		t.Fatal("expected ledger transaction to exist")
	}
}

func TestMemoryStore_UpsertByIDKeepsCreatedAtAndMergesMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetBalance("dave", 500)

	pending := LedgerTransaction{
		ID: "wd-1", User: "dave", Type: TxTypeWithdraw, Amount: 200, Status: TxStatusPending,
		Metadata: map[string]any{"destination": "dest"},
	}
	if err := s.Commit(ctx, Entry{User: "dave", Debit: 200, Transaction: pending}); err != nil {
		t.Fatalf("pending commit: %v", err)
	}
	first, _ := s.GetLedgerTransaction(ctx, "wd-1")

	done := pending
	done.Status = TxStatusCompleted
	done.TxRef = "sig-w"
	done.Metadata = map[string]any{"signature": "sig-w"}
	if err := s.Commit(ctx, Entry{User: "dave", Transaction: done}); err != nil {
		t.Fatalf("complete commit: %v", err)
	}

	got, _ := s.GetLedgerTransaction(ctx, "wd-1")
	if got.Status != TxStatusCompleted || got.TxRef != "sig-w" {
		t.Fatalf("unexpected row %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("created_at changed on update")
	}
	if got.Metadata["destination"] != "dest" || got.Metadata["signature"] != "sig-w" {
		t.Fatalf("metadata not merged: %v", got.Metadata)
	}
	if balance, _ := s.GetBalance(ctx, "dave"); balance != 300 {
		t.Fatalf("expected balance 300, got %d", balance)
	}
}

func TestMemoryStore_PendingReconciliationDoesNotBlockRef(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.AppendLedgerTransaction(ctx, LedgerTransaction{
		ID: "rec-1", User: "erin", Type: TxTypeBuy, TxRef: "op-9", Status: TxStatusPendingReconciliation,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ok, _ := s.HasLedgerTransaction(ctx, TxTypeBuy, "op-9"); ok {
		t.Fatal("pending reconciliation row must not count as processed")
	}
	pending, _ := s.ListLedgerTransactionsByStatus(ctx, TxStatusPendingReconciliation, 10)
	if len(pending) != 1 {
		t.Fatalf("expected one pending row, got %d", len(pending))
	}
	if err := s.AnnotateLedgerTransaction(ctx, "rec-1", map[string]any{"audited": true}); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if err := s.AnnotateLedgerTransaction(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_BasketsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	def, err := basket.NewDefinition("b1", "Blue chips", solana.NewWallet().PublicKey(), []basket.Leg{
		{Asset: solana.NewWallet().PublicKey(), Weight: decimal.NewFromInt(100)},
	})
	if err != nil {
		t.Fatalf("new definition: %v", err)
	}
	if err := s.CreateBasket(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateBasket(ctx, def); !errors.Is(err, ErrBasketExists) {
		t.Fatalf("expected ErrBasketExists, got %v", err)
	}

	got, _ := s.GetBasket(ctx, "b1")
	got.Legs[0].Weight = decimal.NewFromInt(1)
	again, _ := s.GetBasket(ctx, "b1")
	if !again.Legs[0].Weight.Equal(decimal.NewFromInt(100)) {
		t.Fatal("stored basket was mutated through a read copy")
	}
}
