package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coldbell/basket/backend/internal/basket"
	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dbDSN string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: newDB(db)}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS baskets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			lister TEXT NOT NULL,
			program_address TEXT NOT NULL DEFAULT '',
			legs_json TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			amount NUMERIC(20,0) NOT NULL CHECK (amount >= 0),
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			basket_id TEXT NOT NULL,
			gross_amount NUMERIC(20,0) NOT NULL,
			holdings_json TEXT NOT NULL,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			recovered_amount NUMERIC(20,0) NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			closed_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS leg_executions (
			id BIGSERIAL PRIMARY KEY,
			position_id TEXT NOT NULL,
			side TEXT NOT NULL,
			input_asset TEXT NOT NULL,
			output_asset TEXT NOT NULL,
			requested_amount NUMERIC(20,0) NOT NULL,
			filled_amount NUMERIC(20,0) NOT NULL,
			tx_ref TEXT NOT NULL,
			provider TEXT NOT NULL,
			succeeded BOOLEAN NOT NULL,
			substituted BOOLEAN NOT NULL,
			error TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leg_executions_position ON leg_executions(position_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_leg_executions_tx_ref ON leg_executions(tx_ref);`,
		`CREATE TABLE IF NOT EXISTS fee_records (
			id BIGSERIAL PRIMARY KEY,
			basket_id TEXT NOT NULL,
			position_id TEXT NOT NULL,
			side TEXT NOT NULL,
			share_a NUMERIC(20,0) NOT NULL,
			share_b NUMERIC(20,0) NOT NULL,
			paid_out BOOLEAN NOT NULL,
			tx_ref TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fee_records_position ON fee_records(position_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_fee_records_tx_ref ON fee_records(tx_ref);`,
		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount NUMERIC(20,0) NOT NULL,
			tx_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_type_ref ON ledger_transactions(type, tx_ref)
			WHERE tx_ref <> '' AND status <> 'pending_reconciliation';`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger_transactions(user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_status ON ledger_transactions(status, created_at);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateBasket(ctx context.Context, def basket.Definition) error {
	legsJSON, err := json.Marshal(def.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	programAddress := ""
	if def.ProgramAddress != nil {
		programAddress = def.ProgramAddress.String()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO baskets (id, name, lister, program_address, legs_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, def.ID, def.Name, def.Lister.String(), programAddress, string(legsJSON), def.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert basket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBasketExists
	}
	return nil
}

const basketColumns = `id, name, lister, program_address, legs_json, created_at`

func (s *PostgresStore) GetBasket(ctx context.Context, id string) (basket.Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+basketColumns+` FROM baskets WHERE id = ?`, id)
	def, err := scanBasket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return basket.Definition{}, ErrNotFound
	}
	return def, err
}

func (s *PostgresStore) ListBaskets(ctx context.Context) ([]basket.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+basketColumns+` FROM baskets ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query baskets: %w", err)
	}
	defer rows.Close()

	out := make([]basket.Definition, 0)
	for rows.Next() {
		def, err := scanBasket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBasket(row rowScanner) (basket.Definition, error) {
	var (
		def            basket.Definition
		lister         string
		programAddress string
		legsJSON       string
		createdAt      int64
	)
	if err := row.Scan(&def.ID, &def.Name, &lister, &programAddress, &legsJSON, &createdAt); err != nil {
		return basket.Definition{}, err
	}

	var err error
	def.Lister, err = solana.PublicKeyFromBase58(lister)
	if err != nil {
		return basket.Definition{}, fmt.Errorf("basket %s lister: %w", def.ID, err)
	}
	if programAddress != "" {
		pk, err := solana.PublicKeyFromBase58(programAddress)
		if err != nil {
			return basket.Definition{}, fmt.Errorf("basket %s program address: %w", def.ID, err)
		}
		def.ProgramAddress = &pk
	}
	if err := json.Unmarshal([]byte(legsJSON), &def.Legs); err != nil {
		return basket.Definition{}, fmt.Errorf("basket %s legs: %w", def.ID, err)
	}
	def.CreatedAt = time.UnixMilli(createdAt).UTC()
	return def, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, user string) (uint64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT amount::text FROM balances WHERE user_id = ?`, user).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return parseAmount(raw)
}

const positionColumns = `id, user_id, basket_id, gross_amount::text, holdings_json, closed, recovered_amount::text, created_at, updated_at, closed_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	return pos, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, user string, includeClosed bool) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ?`
	if !includeClosed {
		query += ` AND closed = FALSE`
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	out := make([]Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (Position, error) {
	var (
		pos          Position
		gross        string
		holdingsJSON string
		recovered    string
		createdAt    int64
		updatedAt    int64
		closedAt     sql.NullInt64
	)
	if err := row.Scan(&pos.ID, &pos.User, &pos.BasketID, &gross, &holdingsJSON, &pos.Closed, &recovered, &createdAt, &updatedAt, &closedAt); err != nil {
		return Position{}, err
	}

	var err error
	if pos.GrossAmount, err = parseAmount(gross); err != nil {
		return Position{}, fmt.Errorf("position %s gross: %w", pos.ID, err)
	}
	if pos.RecoveredAmount, err = parseAmount(recovered); err != nil {
		return Position{}, fmt.Errorf("position %s recovered: %w", pos.ID, err)
	}
	if err := json.Unmarshal([]byte(holdingsJSON), &pos.Holdings); err != nil {
		return Position{}, fmt.Errorf("position %s holdings: %w", pos.ID, err)
	}
	pos.CreatedAt = time.UnixMilli(createdAt).UTC()
	pos.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		pos.ClosedAt = &t
	}
	return pos, nil
}

func (s *PostgresStore) ListLegExecutions(ctx context.Context, positionID string) ([]LegExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, side, input_asset, output_asset, requested_amount::text, filled_amount::text,
			tx_ref, provider, succeeded, substituted, error, created_at
		FROM leg_executions
		WHERE position_id = ?
		ORDER BY id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query leg executions: %w", err)
	}
	defer rows.Close()

	out := make([]LegExecution, 0)
	for rows.Next() {
		var (
			leg       LegExecution
			side      string
			requested string
			filled    string
			createdAt int64
		)
		if err := rows.Scan(&leg.PositionID, &side, &leg.InputAsset, &leg.OutputAsset, &requested, &filled,
			&leg.TxRef, &leg.Provider, &leg.Succeeded, &leg.Substituted, &leg.Error, &createdAt); err != nil {
			return nil, err
		}
		leg.Side = LegSide(side)
		if leg.RequestedAmount, err = parseAmount(requested); err != nil {
			return nil, err
		}
		if leg.FilledAmount, err = parseAmount(filled); err != nil {
			return nil, err
		}
		leg.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, leg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFees(ctx context.Context, positionID string) ([]FeeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT basket_id, position_id, side, share_a::text, share_b::text, paid_out, tx_ref, created_at
		FROM fee_records
		WHERE position_id = ?
		ORDER BY id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query fees: %w", err)
	}
	defer rows.Close()

	out := make([]FeeRecord, 0)
	for rows.Next() {
		var (
			fee       FeeRecord
			side      string
			shareA    string
			shareB    string
			createdAt int64
		)
		if err := rows.Scan(&fee.BasketID, &fee.PositionID, &side, &shareA, &shareB, &fee.PaidOut, &fee.TxRef, &createdAt); err != nil {
			return nil, err
		}
		fee.Side = LegSide(side)
		if fee.ShareA, err = parseAmount(shareA); err != nil {
			return nil, err
		}
		if fee.ShareB, err = parseAmount(shareB); err != nil {
			return nil, err
		}
		fee.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, fee)
	}
	return out, rows.Err()
}

// Commit applies an Entry in one database transaction.
func (s *PostgresStore) Commit(ctx context.Context, entry Entry) error {
	now := time.Now().UTC()
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := upsertLedgerTransaction(ctx, tx, entry.Transaction, now); err != nil {
			return err
		}

		if entry.Debit > 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE balances
				SET amount = amount - ?::numeric, updated_at = ?
				WHERE user_id = ? AND amount >= ?::numeric
			`, formatAmount(entry.Debit), now.UnixMilli(), entry.User, formatAmount(entry.Debit))
			if err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrInsufficientFunds
			}
		}

		if entry.Credit > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO balances (user_id, amount, updated_at)
				VALUES (?, ?::numeric, ?)
				ON CONFLICT (user_id) DO UPDATE SET
					amount = balances.amount + EXCLUDED.amount,
					updated_at = EXCLUDED.updated_at
			`, entry.User, formatAmount(entry.Credit), now.UnixMilli()); err != nil {
				return fmt.Errorf("credit balance: %w", err)
			}
		}

		if entry.Position != nil {
			if err := upsertPosition(ctx, tx, *entry.Position, now); err != nil {
				return err
			}
		}

		for _, leg := range entry.Legs {
			createdAt := leg.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO leg_executions (
					position_id, side, input_asset, output_asset, requested_amount, filled_amount,
					tx_ref, provider, succeeded, substituted, error, created_at
				) VALUES (?, ?, ?, ?, ?::numeric, ?::numeric, ?, ?, ?, ?, ?, ?)
			`, leg.PositionID, string(leg.Side), leg.InputAsset, leg.OutputAsset,
				formatAmount(leg.RequestedAmount), formatAmount(leg.FilledAmount),
				leg.TxRef, leg.Provider, leg.Succeeded, leg.Substituted, leg.Error, createdAt.UnixMilli()); err != nil {
				return fmt.Errorf("insert leg execution: %w", err)
			}
		}

		if entry.Fee != nil {
			fee := entry.Fee
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fee_records (basket_id, position_id, side, share_a, share_b, paid_out, tx_ref, created_at)
				VALUES (?, ?, ?, ?::numeric, ?::numeric, ?, ?, ?)
			`, fee.BasketID, fee.PositionID, string(fee.Side), formatAmount(fee.ShareA), formatAmount(fee.ShareB),
				fee.PaidOut, fee.TxRef, now.UnixMilli()); err != nil {
				return fmt.Errorf("insert fee record: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) AppendLedgerTransaction(ctx context.Context, ltx LedgerTransaction) error {
	now := time.Now().UTC()
	return s.WithTx(ctx, func(tx *Tx) error {
		return upsertLedgerTransaction(ctx, tx, ltx, now)
	})
}

type ledgerExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertLedgerTransaction(ctx context.Context, tx ledgerExecer, ltx LedgerTransaction, now time.Time) error {
	if ltx.ID == "" {
		return errors.New("ledger transaction id is required")
	}
	metadata := ltx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}
	createdAt := ltx.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, user_id, type, amount, tx_ref, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?::numeric, ?, ?, ?::jsonb, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			tx_ref = EXCLUDED.tx_ref,
			status = EXCLUDED.status,
			metadata = ledger_transactions.metadata || EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, ltx.ID, ltx.User, string(ltx.Type), formatAmount(ltx.Amount), ltx.TxRef, string(ltx.Status),
		string(metaJSON), createdAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrAlreadyProcessed, ltx.Type, ltx.TxRef)
		}
		return fmt.Errorf("upsert ledger transaction: %w", err)
	}
	return nil
}

func upsertPosition(ctx context.Context, tx *Tx, pos Position, now time.Time) error {
	holdings := pos.Holdings
	if holdings == nil {
		holdings = []Holding{}
	}
	holdingsJSON, err := json.Marshal(holdings)
	if err != nil {
		return fmt.Errorf("marshal holdings: %w", err)
	}
	createdAt := pos.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var closedAt sql.NullInt64
	if pos.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: pos.ClosedAt.UnixMilli(), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, basket_id, gross_amount, holdings_json, closed, recovered_amount,
			created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?::numeric, ?, ?, ?::numeric, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			holdings_json = EXCLUDED.holdings_json,
			closed = EXCLUDED.closed,
			recovered_amount = EXCLUDED.recovered_amount,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at
	`, pos.ID, pos.User, pos.BasketID, formatAmount(pos.GrossAmount), string(holdingsJSON), pos.Closed,
		formatAmount(pos.RecoveredAmount), createdAt.UnixMilli(), now.UnixMilli(), closedAt); err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) AnnotateLedgerTransaction(ctx context.Context, id string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET metadata = metadata || ?::jsonb, updated_at = ?
		WHERE id = ?
	`, string(metaJSON), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("annotate ledger transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const ledgerColumns = `id, user_id, type, amount::text, tx_ref, status, metadata::text, created_at, updated_at`

func (s *PostgresStore) GetLedgerTransaction(ctx context.Context, id string) (LedgerTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_transactions WHERE id = ?`, id)
	ltx, err := scanLedgerTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerTransaction{}, ErrNotFound
	}
	return ltx, err
}

func (s *PostgresStore) HasLedgerTransaction(ctx context.Context, txType TxType, txRef string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_transactions
			WHERE type = ? AND tx_ref = ? AND status <> 'pending_reconciliation'
		)
	`, string(txType), txRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query ledger transaction: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) HasOnChainReference(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM leg_executions WHERE tx_ref = ?)
			OR EXISTS (SELECT 1 FROM fee_records WHERE tx_ref = ?)
			OR EXISTS (
				SELECT 1 FROM ledger_transactions
				WHERE (type <> 'deposit' AND tx_ref = ?)
					OR metadata->'signatures' @> jsonb_build_array(?::text)
			)
	`, signature, signature, signature, signature).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query on-chain reference: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListLedgerTransactions(ctx context.Context, user string, limit int) ([]LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, user, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	return collectLedgerRows(rows)
}

func (s *PostgresStore) ListLedgerTransactionsByStatus(ctx context.Context, status TxStatus, limit int) ([]LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(status), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query ledger by status: %w", err)
	}
	return collectLedgerRows(rows)
}

func collectLedgerRows(rows *sql.Rows) ([]LedgerTransaction, error) {
	defer rows.Close()
	out := make([]LedgerTransaction, 0)
	for rows.Next() {
		ltx, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ltx)
	}
	return out, rows.Err()
}

func scanLedgerTransaction(row rowScanner) (LedgerTransaction, error) {
	var (
		ltx       LedgerTransaction
		txType    string
		amount    string
		status    string
		metaJSON  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&ltx.ID, &ltx.User, &txType, &amount, &ltx.TxRef, &status, &metaJSON, &createdAt, &updatedAt); err != nil {
		return LedgerTransaction{}, err
	}
	ltx.Type = TxType(txType)
	ltx.Status = TxStatus(status)

	var err error
	if ltx.Amount, err = parseAmount(amount); err != nil {
		return LedgerTransaction{}, fmt.Errorf("ledger %s amount: %w", ltx.ID, err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &ltx.Metadata); err != nil {
			return LedgerTransaction{}, fmt.Errorf("ledger %s metadata: %w", ltx.ID, err)
		}
	}
	ltx.CreatedAt = time.UnixMilli(createdAt).UTC()
	ltx.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return ltx, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
