// Package store persists baskets, balances, positions and the ledger.
// PostgreSQL is the source of truth; Redis caches immutable basket reads and
// the in-memory store backs tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrBasketExists      = errors.New("basket already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyProcessed  = errors.New("transaction reference already processed")
)

type TxType string

const (
	TxTypeDeposit  TxType = "deposit"
	TxTypeWithdraw TxType = "withdraw"
	TxTypeBuy      TxType = "buy"
	TxTypeSell     TxType = "sell"
)

type TxStatus string

const (
	TxStatusPending               TxStatus = "pending"
	TxStatusCompleted             TxStatus = "completed"
	TxStatusFailed                TxStatus = "failed"
	TxStatusPendingReconciliation TxStatus = "pending_reconciliation"
)

type LegSide string

const (
	LegSideBuy  LegSide = "buy"
	LegSideSell LegSide = "sell"
)

type LedgerTransaction struct {
	ID        string         `json:"id"`
	User      string         `json:"user"`
	Type      TxType         `json:"type"`
	Amount    uint64         `json:"amount"`
	TxRef     string         `json:"tx_ref,omitempty"`
	Status    TxStatus       `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Holding struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount,string"`
}

type Position struct {
	ID              string     `json:"id"`
	User            string     `json:"user"`
	BasketID        string     `json:"basket_id"`
	GrossAmount     uint64     `json:"gross_amount"`
	Holdings        []Holding  `json:"holdings"`
	Closed          bool       `json:"closed"`
	RecoveredAmount uint64     `json:"recovered_amount"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

type LegExecution struct {
	PositionID      string    `json:"position_id"`
	Side            LegSide   `json:"side"`
	InputAsset      string    `json:"input_asset"`
	OutputAsset     string    `json:"output_asset"`
	RequestedAmount uint64    `json:"requested_amount"`
	FilledAmount    uint64    `json:"filled_amount"`
	TxRef           string    `json:"tx_ref,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	Succeeded       bool      `json:"succeeded"`
	Substituted     bool      `json:"substituted"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type FeeRecord struct {
	BasketID   string    `json:"basket_id"`
	PositionID string    `json:"position_id"`
	Side       LegSide   `json:"side"`
	ShareA     uint64    `json:"share_a"`
	ShareB     uint64    `json:"share_b"`
	PaidOut    bool      `json:"paid_out"`
	TxRef      string    `json:"tx_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entry is one atomic journal write. Debit is a conditional decrement that
// fails with ErrInsufficientFunds; Credit is unconditional. The transaction
// is inserted, or updated in place when its ID already exists.
type Entry struct {
	User        string
	Debit       uint64
	Credit      uint64
	Position    *Position
	Legs        []LegExecution
	Fee         *FeeRecord
	Transaction LedgerTransaction
}

type Store interface {
	CreateBasket(ctx context.Context, def basket.Definition) error
	GetBasket(ctx context.Context, id string) (basket.Definition, error)
	ListBaskets(ctx context.Context) ([]basket.Definition, error)

	GetBalance(ctx context.Context, user string) (uint64, error)
	GetPosition(ctx context.Context, id string) (Position, error)
	ListPositions(ctx context.Context, user string, includeClosed bool) ([]Position, error)
	ListLegExecutions(ctx context.Context, positionID string) ([]LegExecution, error)
	ListFees(ctx context.Context, positionID string) ([]FeeRecord, error)

	Commit(ctx context.Context, entry Entry) error
	AppendLedgerTransaction(ctx context.Context, tx LedgerTransaction) error
	AnnotateLedgerTransaction(ctx context.Context, id string, metadata map[string]any) error
	GetLedgerTransaction(ctx context.Context, id string) (LedgerTransaction, error)
	HasLedgerTransaction(ctx context.Context, txType TxType, txRef string) (bool, error)
	// HasOnChainReference reports whether signature is a leg, fee,
	// withdrawal or other non-deposit reference the ledger already holds.
	HasOnChainReference(ctx context.Context, signature string) (bool, error)
	ListLedgerTransactions(ctx context.Context, user string, limit int) ([]LedgerTransaction, error)
	ListLedgerTransactionsByStatus(ctx context.Context, status TxStatus, limit int) ([]LedgerTransaction, error)

	Close() error
}

func mergeMetadata(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// uniqueRef reports whether a ledger row takes part in (type, tx_ref)
// idempotence.
func uniqueRef(tx LedgerTransaction) bool {
	return tx.TxRef != "" && tx.Status != TxStatusPendingReconciliation
}
