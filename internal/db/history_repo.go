package db

import (
	"context"

	"stratplan/internal/types"
)

// HistoryRepository provides data access for the append-only
// billing_history table.
type HistoryRepository struct {
	db DBTX
}

// NewHistoryRepository creates a HistoryRepository backed by the given
// database connection (pool or transaction).
func NewHistoryRepository(db DBTX) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts entry and fills its ID and CreatedAt.
func (r *HistoryRepository) Append(ctx context.Context, entry *types.BillingHistoryEntry) error {
	err := conn(ctx, r.db).QueryRow(ctx,
		`INSERT INTO billing_history
		 (tenant_id, event_type, description, plan_before, plan_after, provider_event_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		 RETURNING id, created_at`,
		entry.TenantID,
		entry.EventType,
		entry.Description,
		nilIfEmpty(string(entry.PlanBefore)),
		nilIfEmpty(string(entry.PlanAfter)),
		nilIfEmpty(entry.ProviderEventID),
		nilIfZeroTime(entry.CreatedAt),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append billing history", err)
	}
	return nil
}

// ListByTenant returns up to limit entries of a tenant, newest first.
func (r *HistoryRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*types.BillingHistoryEntry, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT id, tenant_id, event_type, description, plan_before, plan_after,
		        provider_event_id, created_at
		 FROM billing_history
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		tenantID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query billing history", err)
	}
	defer rows.Close()

	entries := []*types.BillingHistoryEntry{}
	for rows.Next() {
		var (
			e                          types.BillingHistoryEntry
			planBefore, planAfter, eid *string
		)
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.EventType,
			&e.Description,
			&planBefore,
			&planAfter,
			&eid,
			&e.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing history", err)
		}
		e.PlanBefore = types.PlanTier(derefString(planBefore))
		e.PlanAfter = types.PlanTier(derefString(planAfter))
		e.ProviderEventID = derefString(eid)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating billing history", err)
	}
	return entries, nil
}
