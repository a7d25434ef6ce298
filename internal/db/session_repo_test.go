package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func TestSessionRepository_Create(t *testing.T) {
	db := new(mockDBTX)
	exp := time.Now().Add(24 * time.Hour)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"hash_1", "usr_1", exp}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := NewSessionRepository(db).Create(context.Background(), &types.Session{
		TokenHash: "hash_1",
		UserID:    "usr_1",
		ExpiresAt: exp,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSessionRepository_Create_DBError(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := NewSessionRepository(db).Create(context.Background(), &types.Session{TokenHash: "h"})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSessionRepository_GetByTokenHash(t *testing.T) {
	db := new(mockDBTX)
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"hash_1"}).
		Return(valuesRow("hash_1", "usr_1", exp))

	s, err := NewSessionRepository(db).GetByTokenHash(context.Background(), "hash_1")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", s.UserID)
	assert.Equal(t, exp, s.ExpiresAt)
}

func TestSessionRepository_GetByTokenHash_NotFound(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := NewSessionRepository(db).GetByTokenHash(context.Background(), "nope")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSession, appErr.Code)
}

func TestSessionRepository_DeleteExpired(t *testing.T) {
	db := new(mockDBTX)
	now := time.Now().UTC()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{now}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	n, err := NewSessionRepository(db).DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
