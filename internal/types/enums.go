package types

// PlanTier identifies the billing plan of a tenant.
type PlanTier string

const (
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
	PlanTeam    PlanTier = "team"
	// PlanLegacy marks tenants on grandfathered, manually managed terms.
	PlanLegacy PlanTier = "legacy"
)

// Valid reports whether p is a known plan tier.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanStarter, PlanPro, PlanTeam, PlanLegacy:
		return true
	}
	return false
}

// SubscriptionStatus is the local entitlement status. Provider statuses are
// collapsed into these four values by the reconciler.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// BillingInterval is the cadence of a plan price.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// Valid reports whether i is a known interval.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalAnnual
}

// ResourceType identifies a plan-limited resource.
type ResourceType string

const (
	ResourceUsers      ResourceType = "users"
	ResourceStrategies ResourceType = "strategies"
	ResourceProjects   ResourceType = "projects"
)

// Valid reports whether r is a known limited resource.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceUsers, ResourceStrategies, ResourceProjects:
		return true
	}
	return false
}

// UserRole defines authorization levels within a tenant.
type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
)

// HistoryEventType classifies billing history entries.
type HistoryEventType string

const (
	HistoryCheckoutCompleted   HistoryEventType = "checkout_completed"
	HistoryTenantProvisioned   HistoryEventType = "tenant_provisioned"
	HistorySubscriptionUpdated HistoryEventType = "subscription_updated"
	HistorySubscriptionCreated HistoryEventType = "subscription_created"
	HistorySubscriptionDeleted HistoryEventType = "subscription_deleted"
	HistoryStackedCanceled     HistoryEventType = "stacked_subscription_canceled"
	HistoryDowngradeScheduled  HistoryEventType = "downgrade_scheduled"
	HistoryDowngradeCanceled   HistoryEventType = "downgrade_canceled"
	HistoryDowngradeApplied    HistoryEventType = "downgrade_applied"
	HistoryDowngradeFailed     HistoryEventType = "downgrade_failed"
	HistoryPaymentSucceeded    HistoryEventType = "payment_succeeded"
	HistoryPaymentFailed       HistoryEventType = "payment_failed"
	HistorySeatsAdded          HistoryEventType = "seats_added"
	HistorySeatsRemoved        HistoryEventType = "seats_removed"
	HistorySeatsApplied        HistoryEventType = "seats_applied"
	HistorySyncDrift           HistoryEventType = "sync_drift"
)

// DunningKind distinguishes the notices published for payment follow-up.
type DunningKind string

const (
	DunningPaymentFailed    DunningKind = "payment_failed"
	DunningPaymentRecovered DunningKind = "payment_recovered"
)
