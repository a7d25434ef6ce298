package db

import (
	"context"

	"stratplan/internal/types"
)

// UsageRepository counts the resources plan limits apply to. Archived
// strategies and projects do not count.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a UsageRepository backed by the given database
// connection (pool or transaction).
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) count(ctx context.Context, what, sql, tenantID string) (int, error) {
	var n int
	if err := conn(ctx, r.db).QueryRow(ctx, sql, tenantID).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count "+what, err)
	}
	return n, nil
}

// CountUsers returns the number of users in a tenant.
func (r *UsageRepository) CountUsers(ctx context.Context, tenantID string) (int, error) {
	return r.count(ctx, "users",
		`SELECT COUNT(*) FROM users WHERE tenant_id = $1`, tenantID)
}

// CountStrategies returns the number of active strategies in a tenant.
func (r *UsageRepository) CountStrategies(ctx context.Context, tenantID string) (int, error) {
	return r.count(ctx, "strategies",
		`SELECT COUNT(*) FROM strategies WHERE tenant_id = $1 AND archived_at IS NULL`, tenantID)
}

// CountProjects returns the number of active projects in a tenant.
func (r *UsageRepository) CountProjects(ctx context.Context, tenantID string) (int, error) {
	return r.count(ctx, "projects",
		`SELECT COUNT(*) FROM projects WHERE tenant_id = $1 AND archived_at IS NULL`, tenantID)
}

// ListStrategies returns the active strategies of a tenant, oldest first.
// Ties on created_at break on id so the editable set is stable.
func (r *UsageRepository) ListStrategies(ctx context.Context, tenantID string) ([]types.Strategy, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT id, created_at
		 FROM strategies
		 WHERE tenant_id = $1 AND archived_at IS NULL
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list strategies", err)
	}
	defer rows.Close()

	out := []types.Strategy{}
	for rows.Next() {
		var s types.Strategy
		if err := rows.Scan(&s.ID, &s.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan strategy", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating strategies", err)
	}
	return out, nil
}
