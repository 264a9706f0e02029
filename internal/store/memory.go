package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
)

// MemoryStore implements Store in process. Reads return copies.
type MemoryStore struct {
	mu        sync.RWMutex
	baskets   map[string]basket.Definition
	balances  map[string]uint64
	positions map[string]Position
	legs      map[string][]LegExecution
	fees      map[string][]FeeRecord
	ledger    map[string]LedgerTransaction
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		baskets:   make(map[string]basket.Definition),
		balances:  make(map[string]uint64),
		positions: make(map[string]Position),
		legs:      make(map[string][]LegExecution),
		fees:      make(map[string][]FeeRecord),
		ledger:    make(map[string]LedgerTransaction),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateBasket(_ context.Context, def basket.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.baskets[def.ID]; ok {
		return ErrBasketExists
	}
	m.baskets[def.ID] = copyBasket(def)
	return nil
}

func (m *MemoryStore) GetBasket(_ context.Context, id string) (basket.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.baskets[id]
	if !ok {
		return basket.Definition{}, ErrNotFound
	}
	return copyBasket(def), nil
}

func (m *MemoryStore) ListBaskets(_ context.Context) ([]basket.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]basket.Definition, 0, len(m.baskets))
	for _, def := range m.baskets {
		out = append(out, copyBasket(def))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, user string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[user], nil
}

// SetBalance seeds a balance without a ledger entry.
func (m *MemoryStore) SetBalance(user string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[user] = amount
}

func (m *MemoryStore) GetPosition(_ context.Context, id string) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return Position{}, ErrNotFound
	}
	return copyPosition(pos), nil
}

func (m *MemoryStore) ListPositions(_ context.Context, user string, includeClosed bool) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0)
	for _, pos := range m.positions {
		if pos.User != user || (pos.Closed && !includeClosed) {
			continue
		}
		out = append(out, copyPosition(pos))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListLegExecutions(_ context.Context, positionID string) ([]LegExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LegExecution(nil), m.legs[positionID]...), nil
}

func (m *MemoryStore) ListFees(_ context.Context, positionID string) ([]FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FeeRecord(nil), m.fees[positionID]...), nil
}

// Commit validates the whole entry before mutating anything so a failed
// entry leaves no trace.
func (m *MemoryStore) Commit(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.checkLedgerLocked(entry.Transaction); err != nil {
		return err
	}
	balance := m.balances[entry.User]
	if entry.Debit > balance {
		return fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientFunds, balance, entry.Debit)
	}

	m.putLedgerLocked(entry.Transaction, now)
	balance -= entry.Debit
	balance += entry.Credit
	m.balances[entry.User] = balance

	if entry.Position != nil {
		pos := copyPosition(*entry.Position)
		if prev, ok := m.positions[pos.ID]; ok {
			pos.CreatedAt = prev.CreatedAt
		} else if pos.CreatedAt.IsZero() {
			pos.CreatedAt = now
		}
		pos.UpdatedAt = now
		m.positions[pos.ID] = pos
	}
	for _, leg := range entry.Legs {
		if leg.CreatedAt.IsZero() {
			leg.CreatedAt = now
		}
		m.legs[leg.PositionID] = append(m.legs[leg.PositionID], leg)
	}
	if entry.Fee != nil {
		fee := *entry.Fee
		fee.CreatedAt = now
		m.fees[fee.PositionID] = append(m.fees[fee.PositionID], fee)
	}
	return nil
}

func (m *MemoryStore) AppendLedgerTransaction(_ context.Context, tx LedgerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLedgerLocked(tx); err != nil {
		return err
	}
	m.putLedgerLocked(tx, m.now())
	return nil
}

func (m *MemoryStore) checkLedgerLocked(tx LedgerTransaction) error {
	if tx.ID == "" {
		return fmt.Errorf("ledger transaction id is required")
	}
	if !uniqueRef(tx) {
		return nil
	}
	for id, existing := range m.ledger {
		if id == tx.ID || !uniqueRef(existing) {
			continue
		}
		if existing.Type == tx.Type && existing.TxRef == tx.TxRef {
			return fmt.Errorf("%w: %s %s", ErrAlreadyProcessed, tx.Type, tx.TxRef)
		}
	}
	return nil
}

func (m *MemoryStore) putLedgerLocked(tx LedgerTransaction, now time.Time) {
	if prev, ok := m.ledger[tx.ID]; ok {
		prev.Amount = tx.Amount
		prev.TxRef = tx.TxRef
		prev.Status = tx.Status
		prev.Metadata = mergeMetadata(copyMetadata(prev.Metadata), tx.Metadata)
		prev.UpdatedAt = now
		m.ledger[tx.ID] = prev
		return
	}
	tx.Metadata = copyMetadata(tx.Metadata)
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.ledger[tx.ID] = tx
}

func (m *MemoryStore) AnnotateLedgerTransaction(_ context.Context, id string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.ledger[id]
	if !ok {
		return ErrNotFound
	}
	tx.Metadata = mergeMetadata(copyMetadata(tx.Metadata), metadata)
	tx.UpdatedAt = m.now()
	m.ledger[id] = tx
	return nil
}

func (m *MemoryStore) GetLedgerTransaction(_ context.Context, id string) (LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.ledger[id]
	if !ok {
		return LedgerTransaction{}, ErrNotFound
	}
	tx.Metadata = copyMetadata(tx.Metadata)
	return tx, nil
}

func (m *MemoryStore) HasLedgerTransaction(_ context.Context, txType TxType, txRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.ledger {
		if tx.Type == txType && tx.TxRef == txRef && tx.Status != TxStatusPendingReconciliation {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasOnChainReference(_ context.Context, signature string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, legs := range m.legs {
		for _, leg := range legs {
			if leg.TxRef == signature {
				return true, nil
			}
		}
	}
	for _, fees := range m.fees {
		for _, fee := range fees {
			if fee.TxRef == signature {
				return true, nil
			}
		}
	}
	for _, tx := range m.ledger {
		if tx.Type != TxTypeDeposit && tx.TxRef == signature {
			return true, nil
		}
		if slices.Contains(metadataStrings(tx.Metadata["signatures"]), signature) {
			return true, nil
		}
	}
	return false, nil
}

func metadataStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, val := range vals {
			if s, ok := val.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (m *MemoryStore) ListLedgerTransactions(_ context.Context, user string, limit int) ([]LedgerTransaction, error) {
	return m.listLedger(func(tx LedgerTransaction) bool { return tx.User == user }, limit, true), nil
}

func (m *MemoryStore) ListLedgerTransactionsByStatus(_ context.Context, status TxStatus, limit int) ([]LedgerTransaction, error) {
	return m.listLedger(func(tx LedgerTransaction) bool { return tx.Status == status }, limit, false), nil
}

func (m *MemoryStore) listLedger(match func(LedgerTransaction) bool, limit int, newestFirst bool) []LedgerTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LedgerTransaction, 0)
	for _, tx := range m.ledger {
		if !match(tx) {
			continue
		}
		tx.Metadata = copyMetadata(tx.Metadata)
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyBasket(def basket.Definition) basket.Definition {
	def.Legs = append([]basket.Leg(nil), def.Legs...)
	if def.ProgramAddress != nil {
		pk := *def.ProgramAddress
		def.ProgramAddress = &pk
	}
	return def
}

func copyPosition(pos Position) Position {
	pos.Holdings = append([]Holding(nil), pos.Holdings...)
	if pos.ClosedAt != nil {
		t := *pos.ClosedAt
		pos.ClosedAt = &t
	}
	return pos
}

func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return mergeMetadata(nil, src)
}
