package billing

import (
	"context"
	"time"

	"stratplan/internal/types"
)

// EntitlementStore persists one entitlement per tenant. Upsert writes only
// the fields set in the patch and returns the merged row. Lookups return a
// not_found AppError on a miss.
type EntitlementStore interface {
	Get(ctx context.Context, tenantID string) (*types.Entitlement, error)
	Upsert(ctx context.Context, tenantID string, patch types.EntitlementPatch) (*types.Entitlement, error)
	FindByProviderCustomerRef(ctx context.Context, ref string) (*types.Entitlement, error)
	FindByProviderSubscriptionRef(ctx context.Context, ref string) (*types.Entitlement, error)
}

// SyncSource lists the entitlements due for a resync pass.
type SyncSource interface {
	ListForSync(ctx context.Context, staleBefore time.Time, limit int) ([]*types.Entitlement, error)
	MarkSynced(ctx context.Context, tenantID string, at time.Time) error
}

// HistoryStore appends to the billing audit trail.
type HistoryStore interface {
	Append(ctx context.Context, entry *types.BillingHistoryEntry) error
}

// HistoryReader lists a tenant's billing history, newest first.
type HistoryReader interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*types.BillingHistoryEntry, error)
}

// Directory resolves tenants and users.
type Directory interface {
	GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	// GetTenantOwner returns the earliest owner, falling back to the
	// earliest admin.
	GetTenantOwner(ctx context.Context, tenantID string) (*types.User, error)
}

// TenantLocker serializes read-modify-write sequences on one tenant across
// processes.
type TenantLocker interface {
	WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// ProvisionRequest is everything created for a tenant that arrives through
// checkout without an account.
type ProvisionRequest struct {
	Tenant      *types.Tenant
	Owner       *types.User
	Entitlement *types.Entitlement
}

// Provisioner creates a tenant, its owner and its entitlement atomically.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) error
}

// CredentialIssuer produces a one-time password and its storable hash.
type CredentialIssuer interface {
	Issue() (plain string, hash string, err error)
}

// UsageCounter reports live resource counts for limit enforcement.
type UsageCounter interface {
	CountUsers(ctx context.Context, tenantID string) (int, error)
	CountStrategies(ctx context.Context, tenantID string) (int, error)
	CountProjects(ctx context.Context, tenantID string) (int, error)
	// ListStrategies returns active strategies, oldest first.
	ListStrategies(ctx context.Context, tenantID string) ([]types.Strategy, error)
}

// DunningPublisher hands payment follow-up notices to the dunning workers.
type DunningPublisher interface {
	Publish(ctx context.Context, notice types.DunningNotice) error
}

// Metrics records billing health signals.
type Metrics interface {
	RecordDrift(ctx context.Context, field string)
	RecordProviderError(ctx context.Context, operation string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDrift(context.Context, string)         {}
func (noopMetrics) RecordProviderError(context.Context, string) {}

type noopDunning struct{}

func (noopDunning) Publish(context.Context, types.DunningNotice) error { return nil }

type noopLocker struct{}

func (noopLocker) WithTenantLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
