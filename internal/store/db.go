package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// sqlHandle is the part of *sql.DB and *sql.Tx the store uses.
type sqlHandle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebinder lets queries be written with `?` placeholders. The rewritten
// text is cached per query since every statement is a constant.
type rebinder struct {
	handle sqlHandle
	cache  *sync.Map
}

func (r rebinder) rebind(query string) string {
	if cached, ok := r.cache.Load(query); ok {
		return cached.(string)
	}
	rebound := rebindPostgresPlaceholders(query)
	r.cache.Store(query, rebound)
	return rebound
}

func (r rebinder) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.handle.ExecContext(ctx, r.rebind(query), args...)
}

func (r rebinder) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.handle.QueryContext(ctx, r.rebind(query), args...)
}

func (r rebinder) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.handle.QueryRowContext(ctx, r.rebind(query), args...)
}

type DB struct {
	rebinder
	raw *sql.DB
}

func newDB(raw *sql.DB) *DB {
	return &DB{rebinder: rebinder{handle: raw, cache: &sync.Map{}}, raw: raw}
}

// BeginTx opens a transaction that shares the DB's rebinding cache.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{rebinder: rebinder{handle: tx, cache: db.cache}, raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

type Tx struct {
	rebinder
	raw *sql.Tx
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// rebindPostgresPlaceholders numbers `?` placeholders outside string
// literals as $1, $2, ...
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'' && quoted && i+1 < len(query) && query[i+1] == '\'':
			out.WriteString("''")
			i++
		case ch == '\'':
			quoted = !quoted
			out.WriteByte(ch)
		case ch == '?' && !quoted:
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

// Amounts are NUMERIC(20,0) columns; they travel as decimal text so the
// full uint64 range survives the driver.
func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}
