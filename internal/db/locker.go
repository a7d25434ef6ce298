package db

import (
	"context"

	"stratplan/internal/types"
)

// TenantLocker serializes billing read-modify-write sequences per tenant
// across processes with a transaction-scoped Postgres advisory lock.
//
// fn receives a context bound to the lock transaction, so every repository
// call it makes runs on the connection already holding the lock. A lock
// holder never waits on the pool for a second connection, and its writes
// commit or roll back together when fn returns.
type TenantLocker struct {
	beginner TxBeginner
}

// NewTenantLocker creates a TenantLocker.
func NewTenantLocker(b TxBeginner) *TenantLocker {
	return &TenantLocker{beginner: b}
}

// WithTenantLock blocks until the tenant's lock is held, runs fn, then
// releases the lock by ending the transaction.
func (l *TenantLocker) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	tx, err := l.beginner.BeginTx(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin lock transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('billing:' || $1, 0))`,
		tenantID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to acquire tenant lock", err)
	}
	if err := fn(withTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit tenant transaction", err)
	}
	return nil
}
