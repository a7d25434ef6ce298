// Package db provides the PostgreSQL repositories behind billing: tenant
// entitlements, the processed-event ledger, billing history, checkout
// provisioning, resource counts, sessions and scheduled-job bookkeeping.
// Repositories accept a DBTX so the same code runs on *pgxpool.Pool or
// inside a pgx.Tx.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is an open transaction.
type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner starts transactions.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// PoolBeginner adapts a pgxpool.Pool to TxBeginner.
type PoolBeginner struct {
	Pool *pgxpool.Pool
}

func (p PoolBeginner) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

type txKey struct{}

// withTx binds tx to ctx. Repository calls made with the returned context
// run on tx instead of their own pool.
func withTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// conn returns the transaction bound to ctx, or fallback when there is none.
func conn(ctx context.Context, fallback DBTX) DBTX {
	if tx, ok := ctx.Value(txKey{}).(Tx); ok {
		return tx
	}
	return fallback
}

// InTx runs fn inside a transaction and commits when fn returns nil. Under
// WithTenantLock it runs on the lock transaction instead.
func InTx(ctx context.Context, b TxBeginner, fn func(tx Tx) error) error {
	// Join the caller's transaction; the outer owner commits.
	if outer, ok := ctx.Value(txKey{}).(Tx); ok {
		return fn(outer)
	}
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return err
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isUniqueViolation reports a unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

// isForeignKeyViolation reports a foreign key violation (23503).
func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == "23503"
}
