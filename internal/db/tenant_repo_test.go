package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func userRow(id, tenantID, email string, role types.UserRole) []any {
	return []any{id, tenantID, email, strPtr("Dana"), role, nil, true, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTenantRepository_GetTenant(t *testing.T) {
	db := new(mockDBTX)
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"ten_1"}).
		Return(valuesRow("ten_1", "Acme", true, created, created))

	tenant, err := NewTenantRepository(db).GetTenant(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", tenant.Name)
	assert.True(t, tenant.IsLegacy)
}

func TestTenantRepository_GetTenant_NotFound(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := NewTenantRepository(db).GetTenant(context.Background(), "ten_x")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundTenant, appErr.Code)
}

func TestTenantRepository_GetUserByEmail_CaseInsensitive(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "lower(email) = lower($1)")
	}), []any{"Dana@Example.com"}).Return(valuesRow(userRow("usr_1", "ten_1", "dana@example.com", types.RoleOwner)...))

	u, err := NewTenantRepository(db).GetUserByEmail(context.Background(), "Dana@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", u.ID)
	assert.Equal(t, "Dana", u.Name)
	assert.Empty(t, u.PasswordHash)
	assert.True(t, u.MustChangePassword)
	db.AssertExpectations(t)
}

func TestTenantRepository_GetUserByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := NewTenantRepository(db).GetUserByID(context.Background(), "usr_x")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestTenantRepository_GetTenantOwner_PrefersOwner(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "WHEN 'owner' THEN 0") && strings.Contains(sql, "LIMIT 1")
	}), []any{"ten_1"}).Return(valuesRow(userRow("usr_2", "ten_1", "admin@example.com", types.RoleAdmin)...))

	u, err := NewTenantRepository(db).GetTenantOwner(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, u.Role)
	db.AssertExpectations(t)
}
