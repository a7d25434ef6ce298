package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func TestHistoryRepository_Append_FillsIDAndTime(t *testing.T) {
	db := new(mockDBTX)
	repo := NewHistoryRepository(db)
	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		// empty plan_before and event id are stored as NULL
		return args[0] == "ten_1" && args[3].(*string) == nil && *args[4].(*string) == "team" && args[5].(*string) == nil
	})).Return(valuesRow(int64(17), created))

	entry := &types.BillingHistoryEntry{
		TenantID:    "ten_1",
		EventType:   "plan_changed",
		Description: "Upgraded to team",
		PlanAfter:   types.PlanTeam,
	}
	require.NoError(t, repo.Append(context.Background(), entry))
	assert.Equal(t, int64(17), entry.ID)
	assert.Equal(t, created, entry.CreatedAt)
	db.AssertExpectations(t)
}

func TestHistoryRepository_Append_DBError(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("disk full")})

	err := NewHistoryRepository(db).Append(context.Background(), &types.BillingHistoryEntry{TenantID: "ten_1"})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestHistoryRepository_ListByTenant(t *testing.T) {
	db := new(mockDBTX)
	repo := NewHistoryRepository(db)
	t1 := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	rows := newMockRows([][]any{
		{int64(2), "ten_1", "payment_failed", "Payment failed", nil, nil, strPtr("evt_9"), t1},
		{int64(1), "ten_1", "plan_changed", "Upgraded", strPtr("starter"), strPtr("pro"), nil, t0},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"ten_1", 20}).Return(rows, nil)

	out, err := repo.ListByTenant(context.Background(), "ten_1", 20)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "evt_9", out[0].ProviderEventID)
	assert.Empty(t, out[0].PlanBefore)
	assert.Equal(t, types.PlanStarter, out[1].PlanBefore)
	assert.Equal(t, types.PlanPro, out[1].PlanAfter)
	assert.Empty(t, out[1].ProviderEventID)
}

func TestHistoryRepository_ListByTenant_EmptyIsNotNil(t *testing.T) {
	db := new(mockDBTX)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(newMockRows(nil), nil)

	out, err := NewHistoryRepository(db).ListByTenant(context.Background(), "ten_1", 20)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
