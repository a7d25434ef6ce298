package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func TestTenantLocker_RunsFnUnderLock(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", mock.Anything, sqlHas("pg_advisory_xact_lock"), []any{"ten_1"}).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)

	ran := false
	err := NewTenantLocker(&mockBeginner{tx: tx}).WithTenantLock(context.Background(), "ten_1", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, tx.committed)
	tx.AssertExpectations(t)
}

func TestTenantLocker_FnErrorReleasesLock(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)

	boom := errors.New("boom")
	err := NewTenantLocker(&mockBeginner{tx: tx}).WithTenantLock(context.Background(), "ten_1", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestTenantLocker_LockFailureSkipsFn(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("canceling statement due to lock timeout"))

	err := NewTenantLocker(&mockBeginner{tx: tx}).WithTenantLock(context.Background(), "ten_1", func(context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestTenantLocker_RepositoriesRunOnLockConnection(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", mock.Anything, sqlHas("pg_advisory_xact_lock"), []any{"ten_1"}).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)
	tx.On("Exec", mock.Anything, sqlHas("SET last_synced_at"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	// The pool has no expectations: any call on it fails the test.
	pool := &mockDBTX{}
	repo := NewEntitlementRepository(pool)
	at := time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)

	err := NewTenantLocker(&mockBeginner{tx: tx}).WithTenantLock(context.Background(), "ten_1", func(ctx context.Context) error {
		return repo.MarkSynced(ctx, "ten_1", at)
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	tx.AssertExpectations(t)
	pool.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestTenantLocker_NestedInTxJoinsLock(t *testing.T) {
	tx := &mockTx{}
	tx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)
	beginner := &mockBeginner{tx: tx}

	var inner Tx
	err := NewTenantLocker(beginner).WithTenantLock(context.Background(), "ten_1", func(ctx context.Context) error {
		beginner.err = errors.New("a second connection must not be requested")
		return InTx(ctx, beginner, func(got Tx) error {
			inner = got
			return nil
		})
	})
	require.NoError(t, err)
	assert.Same(t, tx, inner)
	assert.True(t, tx.committed)
}

func TestTenantLocker_CommitFailure(t *testing.T) {
	tx := &mockTx{commitErr: errors.New("connection reset")}
	tx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)

	err := NewTenantLocker(&mockBeginner{tx: tx}).WithTenantLock(context.Background(), "ten_1", func(context.Context) error {
		return nil
	})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
