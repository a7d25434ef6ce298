package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"stratplan/internal/types"
)

// EntitlementRepository provides data access for the entitlements table.
// There is exactly one row per tenant.
type EntitlementRepository struct {
	db DBTX
}

// NewEntitlementRepository creates an EntitlementRepository backed by the
// given database connection (pool or transaction).
func NewEntitlementRepository(db DBTX) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// entitlementColumns is the column order scanEntitlement expects.
const entitlementColumns = `tenant_id, provider_customer_ref, provider_subscription_ref,
	plan, status, billing_interval,
	current_period_start, current_period_end, trial_ends_at, cancel_at_period_end,
	pending_downgrade_plan, extra_seats, pending_extra_seats,
	payment_failed_at, grace_period_ends_at, last_synced_at, updated_at`

func scanEntitlement(row pgx.Row) (*types.Entitlement, error) {
	var (
		e           types.Entitlement
		customerRef *string
		subRef      *string
	)
	err := row.Scan(
		&e.TenantID,
		&customerRef,
		&subRef,
		&e.Plan,
		&e.Status,
		&e.BillingInterval,
		&e.CurrentPeriodStart,
		&e.CurrentPeriodEnd,
		&e.TrialEndsAt,
		&e.CancelAtPeriodEnd,
		&e.PendingDowngradePlan,
		&e.ExtraSeats,
		&e.PendingExtraSeats,
		&e.PaymentFailedAt,
		&e.GracePeriodEndsAt,
		&e.LastSyncedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ProviderCustomerRef = derefString(customerRef)
	e.ProviderSubscriptionRef = derefString(subRef)
	return &e, nil
}

func (r *EntitlementRepository) getOne(ctx context.Context, where string, arg any) (*types.Entitlement, error) {
	row := conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE `+where,
		arg,
	)
	e, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve entitlement", err)
	}
	return e, nil
}

// Get returns the entitlement of a tenant.
func (r *EntitlementRepository) Get(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	return r.getOne(ctx, `tenant_id = $1`, tenantID)
}

// FindByProviderCustomerRef returns the entitlement linked to a provider
// customer.
func (r *EntitlementRepository) FindByProviderCustomerRef(ctx context.Context, ref string) (*types.Entitlement, error) {
	return r.getOne(ctx, `provider_customer_ref = $1`, ref)
}

// FindByProviderSubscriptionRef returns the entitlement currently billed on
// a provider subscription.
func (r *EntitlementRepository) FindByProviderSubscriptionRef(ctx context.Context, ref string) (*types.Entitlement, error) {
	return r.getOne(ctx, `provider_subscription_ref = $1`, ref)
}

type assignment struct {
	column string
	value  any
}

func patchValue[T any](p types.Patch[T]) any {
	if v := p.Ptr(); v != nil {
		return *v
	}
	return nil
}

// refValue maps both Clear and Set("") to NULL so the unique index on
// provider refs never sees empty strings.
func refValue(p types.Patch[string]) any {
	if v, ok := p.Value(); ok && v != "" {
		return v
	}
	return nil
}

// entitlementAssignments lists the columns a patch writes, in a fixed order.
func entitlementAssignments(p types.EntitlementPatch) []assignment {
	var out []assignment
	add := func(set bool, column string, value any) {
		if set {
			out = append(out, assignment{column: column, value: value})
		}
	}
	add(p.ProviderCustomerRef.IsSet(), "provider_customer_ref", refValue(p.ProviderCustomerRef))
	add(p.ProviderSubscriptionRef.IsSet(), "provider_subscription_ref", refValue(p.ProviderSubscriptionRef))
	add(p.Plan.IsSet(), "plan", patchValue(p.Plan))
	add(p.Status.IsSet(), "status", patchValue(p.Status))
	add(p.BillingInterval.IsSet(), "billing_interval", patchValue(p.BillingInterval))
	add(p.CurrentPeriodStart.IsSet(), "current_period_start", patchValue(p.CurrentPeriodStart))
	add(p.CurrentPeriodEnd.IsSet(), "current_period_end", patchValue(p.CurrentPeriodEnd))
	add(p.TrialEndsAt.IsSet(), "trial_ends_at", patchValue(p.TrialEndsAt))
	add(p.CancelAtPeriodEnd.IsSet(), "cancel_at_period_end", patchValue(p.CancelAtPeriodEnd))
	add(p.PendingDowngradePlan.IsSet(), "pending_downgrade_plan", patchValue(p.PendingDowngradePlan))
	add(p.ExtraSeats.IsSet(), "extra_seats", patchValue(p.ExtraSeats))
	add(p.PendingExtraSeats.IsSet(), "pending_extra_seats", patchValue(p.PendingExtraSeats))
	add(p.PaymentFailedAt.IsSet(), "payment_failed_at", patchValue(p.PaymentFailedAt))
	add(p.GracePeriodEndsAt.IsSet(), "grace_period_ends_at", patchValue(p.GracePeriodEndsAt))
	add(p.LastSyncedAt.IsSet(), "last_synced_at", patchValue(p.LastSyncedAt))
	return out
}

// buildUpsert renders the INSERT ... ON CONFLICT statement for a patch.
// Columns the patch leaves unset take their defaults on insert and keep
// their stored value on update.
func buildUpsert(tenantID string, p types.EntitlementPatch) (string, []any) {
	assigns := entitlementAssignments(p)

	cols := make([]string, 0, len(assigns)+1)
	placeholders := make([]string, 0, len(assigns)+1)
	sets := make([]string, 0, len(assigns)+1)
	args := make([]any, 0, len(assigns)+1)

	cols = append(cols, "tenant_id")
	placeholders = append(placeholders, "$1")
	args = append(args, tenantID)
	for i, a := range assigns {
		cols = append(cols, a.column)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		sets = append(sets, a.column+" = EXCLUDED."+a.column)
		args = append(args, a.value)
	}
	sets = append(sets, "updated_at = NOW()")

	sql := fmt.Sprintf(
		`INSERT INTO entitlements (%s)
		 VALUES (%s)
		 ON CONFLICT (tenant_id) DO UPDATE SET %s
		 RETURNING %s`,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
		entitlementColumns,
	)
	return sql, args
}

// Upsert writes the set fields of patch in one statement and returns the
// merged row. Concurrent writers touching disjoint fields never overwrite
// each other.
func (r *EntitlementRepository) Upsert(ctx context.Context, tenantID string, patch types.EntitlementPatch) (*types.Entitlement, error) {
	sql, args := buildUpsert(tenantID, patch)
	e, err := scanEntitlement(conn(ctx, r.db).QueryRow(ctx, sql, args...))
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", err)
		case isUniqueViolation(err):
			return nil, types.NewAppError(types.ErrCodeInternalDB,
				"provider reference already linked to another tenant", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert entitlement", err)
	}
	return e, nil
}

// Insert writes a complete entitlement row, as done during provisioning.
func (r *EntitlementRepository) Insert(ctx context.Context, e *types.Entitlement) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO entitlements (tenant_id, provider_customer_ref, provider_subscription_ref,
		   plan, status, billing_interval, current_period_start, current_period_end,
		   trial_ends_at, cancel_at_period_end, extra_seats)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.TenantID,
		nilIfEmpty(e.ProviderCustomerRef),
		nilIfEmpty(e.ProviderSubscriptionRef),
		e.Plan,
		e.Status,
		e.BillingInterval,
		e.CurrentPeriodStart,
		e.CurrentPeriodEnd,
		e.TrialEndsAt,
		e.CancelAtPeriodEnd,
		e.ExtraSeats,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert entitlement", err)
	}
	return nil
}

// ListForSync returns entitlements with a provider customer whose last sync
// is older than staleBefore, least recently synced first.
func (r *EntitlementRepository) ListForSync(ctx context.Context, staleBefore time.Time, limit int) ([]*types.Entitlement, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE provider_customer_ref IS NOT NULL
		   AND (last_synced_at IS NULL OR last_synced_at < $1)
		 ORDER BY last_synced_at ASC NULLS FIRST
		 LIMIT $2`,
		staleBefore,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list entitlements for sync", err)
	}
	defer rows.Close()

	var out []*types.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan entitlement", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating entitlements", err)
	}
	return out, nil
}

// MarkSynced stamps last_synced_at without touching updated_at.
func (r *EntitlementRepository) MarkSynced(ctx context.Context, tenantID string, at time.Time) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE entitlements SET last_synced_at = $2 WHERE tenant_id = $1`,
		tenantID,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark entitlement synced", err)
	}
	return nil
}
