package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func TestUsageRepository_Counts(t *testing.T) {
	tests := []struct {
		name  string
		table string
		count func(*UsageRepository) (int, error)
	}{
		{"users", "FROM users", func(r *UsageRepository) (int, error) { return r.CountUsers(context.Background(), "ten_1") }},
		{"strategies", "FROM strategies", func(r *UsageRepository) (int, error) { return r.CountStrategies(context.Background(), "ten_1") }},
		{"projects", "FROM projects", func(r *UsageRepository) (int, error) { return r.CountProjects(context.Background(), "ten_1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
				return strings.Contains(sql, tt.table)
			}), []any{"ten_1"}).Return(valuesRow(7))

			n, err := tt.count(NewUsageRepository(db))
			require.NoError(t, err)
			assert.Equal(t, 7, n)
			db.AssertExpectations(t)
		})
	}
}

func TestUsageRepository_ArchivedExcluded(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "archived_at IS NULL")
	}), mock.Anything).Return(valuesRow(0))

	_, err := NewUsageRepository(db).CountStrategies(context.Background(), "ten_1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestUsageRepository_Count_DBError(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("timeout")})

	_, err := NewUsageRepository(db).CountUsers(context.Background(), "ten_1")
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestUsageRepository_ListStrategies_OldestFirst(t *testing.T) {
	db := new(mockDBTX)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		{"str_a", t0},
		{"str_b", t0.Add(time.Hour)},
	})
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ORDER BY created_at ASC, id ASC")
	}), []any{"ten_1"}).Return(rows, nil)

	out, err := NewUsageRepository(db).ListStrategies(context.Background(), "ten_1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "str_a", out[0].ID)
	assert.Equal(t, t0, out[0].CreatedAt)
}

func TestUsageRepository_ListStrategies_ScanError(t *testing.T) {
	db := new(mockDBTX)
	rows := newMockRows([][]any{{"str_a", time.Now()}})
	rows.scanErr = errors.New("bad column")
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := NewUsageRepository(db).ListStrategies(context.Background(), "ten_1")
	require.Error(t, err)
	assert.True(t, rows.closed)
}
