package types

import (
	"time"
)

// Tenant is an organization that owns users, strategies and one entitlement.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	IsLegacy  bool      `json:"is_legacy" db:"is_legacy"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// User represents a human user within a tenant.
type User struct {
	ID                 string    `json:"id" db:"id"`
	TenantID           string    `json:"tenant_id" db:"tenant_id"`
	Email              string    `json:"email" db:"email"`
	Name               string    `json:"name,omitempty" db:"name"`
	Role               UserRole  `json:"role" db:"role"`
	PasswordHash       string    `json:"-" db:"password_hash"`
	MustChangePassword bool      `json:"must_change_password" db:"must_change_password"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Session is a server-side login session keyed by the hash of its bearer token.
type Session struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// Entitlement is the local mirror of a tenant's subscription: the plan, seats
// and billing cycle the rest of the application authorizes against.
type Entitlement struct {
	TenantID                string             `json:"tenant_id"`
	ProviderCustomerRef     string             `json:"-"`
	ProviderSubscriptionRef string             `json:"-"`
	Plan                    PlanTier           `json:"plan"`
	Status                  SubscriptionStatus `json:"status"`
	BillingInterval         BillingInterval    `json:"billing_interval"`
	CurrentPeriodStart      *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	TrialEndsAt             *time.Time         `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	PendingDowngradePlan    *PlanTier          `json:"pending_downgrade_plan,omitempty"`
	ExtraSeats              int                `json:"extra_seats"`
	PendingExtraSeats       *int               `json:"pending_extra_seats,omitempty"`
	PaymentFailedAt         *time.Time         `json:"payment_failed_at,omitempty"`
	GracePeriodEndsAt       *time.Time         `json:"grace_period_ends_at,omitempty"`
	LastSyncedAt            *time.Time         `json:"-"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// HasSubscription reports whether the entitlement references a live provider
// subscription.
func (e *Entitlement) HasSubscription() bool {
	return e != nil && e.ProviderSubscriptionRef != ""
}

// Clone returns a deep copy of e.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	c.CurrentPeriodStart = cloneTime(e.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(e.CurrentPeriodEnd)
	c.TrialEndsAt = cloneTime(e.TrialEndsAt)
	c.PaymentFailedAt = cloneTime(e.PaymentFailedAt)
	c.GracePeriodEndsAt = cloneTime(e.GracePeriodEndsAt)
	c.LastSyncedAt = cloneTime(e.LastSyncedAt)
	if e.PendingDowngradePlan != nil {
		p := *e.PendingDowngradePlan
		c.PendingDowngradePlan = &p
	}
	if e.PendingExtraSeats != nil {
		n := *e.PendingExtraSeats
		c.PendingExtraSeats = &n
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EntitlementPatch is a partial update of an Entitlement. Only fields whose
// Patch is set are written, so writers touching disjoint fields never clobber
// each other.
type EntitlementPatch struct {
	ProviderCustomerRef     Patch[string]
	ProviderSubscriptionRef Patch[string]
	Plan                    Patch[PlanTier]
	Status                  Patch[SubscriptionStatus]
	BillingInterval         Patch[BillingInterval]
	CurrentPeriodStart      Patch[time.Time]
	CurrentPeriodEnd        Patch[time.Time]
	TrialEndsAt             Patch[time.Time]
	CancelAtPeriodEnd       Patch[bool]
	PendingDowngradePlan    Patch[PlanTier]
	ExtraSeats              Patch[int]
	PendingExtraSeats       Patch[int]
	PaymentFailedAt         Patch[time.Time]
	GracePeriodEndsAt       Patch[time.Time]
	LastSyncedAt            Patch[time.Time]
}

// IsEmpty reports whether the patch writes nothing.
func (p EntitlementPatch) IsEmpty() bool {
	return !p.ProviderCustomerRef.IsSet() &&
		!p.ProviderSubscriptionRef.IsSet() &&
		!p.Plan.IsSet() &&
		!p.Status.IsSet() &&
		!p.BillingInterval.IsSet() &&
		!p.CurrentPeriodStart.IsSet() &&
		!p.CurrentPeriodEnd.IsSet() &&
		!p.TrialEndsAt.IsSet() &&
		!p.CancelAtPeriodEnd.IsSet() &&
		!p.PendingDowngradePlan.IsSet() &&
		!p.ExtraSeats.IsSet() &&
		!p.PendingExtraSeats.IsSet() &&
		!p.PaymentFailedAt.IsSet() &&
		!p.GracePeriodEndsAt.IsSet() &&
		!p.LastSyncedAt.IsSet()
}

// Merge overlays other onto p; fields set in other win.
func (p EntitlementPatch) Merge(other EntitlementPatch) EntitlementPatch {
	return EntitlementPatch{
		ProviderCustomerRef:     p.ProviderCustomerRef.Or(other.ProviderCustomerRef),
		ProviderSubscriptionRef: p.ProviderSubscriptionRef.Or(other.ProviderSubscriptionRef),
		Plan:                    p.Plan.Or(other.Plan),
		Status:                  p.Status.Or(other.Status),
		BillingInterval:         p.BillingInterval.Or(other.BillingInterval),
		CurrentPeriodStart:      p.CurrentPeriodStart.Or(other.CurrentPeriodStart),
		CurrentPeriodEnd:        p.CurrentPeriodEnd.Or(other.CurrentPeriodEnd),
		TrialEndsAt:             p.TrialEndsAt.Or(other.TrialEndsAt),
		CancelAtPeriodEnd:       p.CancelAtPeriodEnd.Or(other.CancelAtPeriodEnd),
		PendingDowngradePlan:    p.PendingDowngradePlan.Or(other.PendingDowngradePlan),
		ExtraSeats:              p.ExtraSeats.Or(other.ExtraSeats),
		PendingExtraSeats:       p.PendingExtraSeats.Or(other.PendingExtraSeats),
		PaymentFailedAt:         p.PaymentFailedAt.Or(other.PaymentFailedAt),
		GracePeriodEndsAt:       p.GracePeriodEndsAt.Or(other.GracePeriodEndsAt),
		LastSyncedAt:            p.LastSyncedAt.Or(other.LastSyncedAt),
	}
}

// ApplyTo writes the set fields of p into e.
func (p EntitlementPatch) ApplyTo(e *Entitlement) {
	applyVal(p.ProviderCustomerRef, &e.ProviderCustomerRef)
	applyVal(p.ProviderSubscriptionRef, &e.ProviderSubscriptionRef)
	applyVal(p.Plan, &e.Plan)
	applyVal(p.Status, &e.Status)
	applyVal(p.BillingInterval, &e.BillingInterval)
	applyPtr(p.CurrentPeriodStart, &e.CurrentPeriodStart)
	applyPtr(p.CurrentPeriodEnd, &e.CurrentPeriodEnd)
	applyPtr(p.TrialEndsAt, &e.TrialEndsAt)
	applyVal(p.CancelAtPeriodEnd, &e.CancelAtPeriodEnd)
	applyPtr(p.PendingDowngradePlan, &e.PendingDowngradePlan)
	applyVal(p.ExtraSeats, &e.ExtraSeats)
	applyPtr(p.PendingExtraSeats, &e.PendingExtraSeats)
	applyPtr(p.PaymentFailedAt, &e.PaymentFailedAt)
	applyPtr(p.GracePeriodEndsAt, &e.GracePeriodEndsAt)
	applyPtr(p.LastSyncedAt, &e.LastSyncedAt)
}

// NewEntitlement returns the state of a freshly provisioned tenant.
func NewEntitlement(tenantID string) *Entitlement {
	return &Entitlement{
		TenantID:        tenantID,
		Plan:            PlanStarter,
		Status:          SubStatusActive,
		BillingInterval: IntervalMonthly,
	}
}

// BillingHistoryEntry is one row of the append-only billing audit trail.
type BillingHistoryEntry struct {
	ID              int64            `json:"id"`
	TenantID        string           `json:"tenant_id"`
	EventType       HistoryEventType `json:"event_type"`
	Description     string           `json:"description"`
	PlanBefore      PlanTier         `json:"plan_before,omitempty"`
	PlanAfter       PlanTier         `json:"plan_after,omitempty"`
	ProviderEventID string           `json:"provider_event_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Strategy is the minimal projection of a strategy needed for limit checks.
type Strategy struct {
	ID        string
	CreatedAt time.Time
}

// ProviderSubscription is the payment provider's view of a subscription.
type ProviderSubscription struct {
	ID                 string
	CustomerRef        string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	Created            time.Time
	Items              []ProviderSubscriptionItem
	Metadata           map[string]string
}

// ProviderSubscriptionItem is one priced line of a provider subscription.
type ProviderSubscriptionItem struct {
	ID       string
	PriceRef string
	Quantity int64
}

// ItemForPrice returns the first item billed at priceRef.
func (s *ProviderSubscription) ItemForPrice(priceRef string) (ProviderSubscriptionItem, bool) {
	for _, it := range s.Items {
		if it.PriceRef == priceRef {
			return it, true
		}
	}
	return ProviderSubscriptionItem{}, false
}

// ProviderCustomer is the provider's customer record.
type ProviderCustomer struct {
	ID    string
	Email string
}

// CheckoutParams describes a hosted checkout session for a plan purchase.
type CheckoutParams struct {
	CustomerRef string
	TenantID    string
	PriceRef    string
	Quantity    int64
	SuccessURL  string
	CancelURL   string
	TrialDays   int
	// Plan and Interval travel as metadata so the checkout can be resolved
	// even when the subscription cannot be fetched.
	Plan     PlanTier
	Interval BillingInterval
}

// CheckoutSession is the created hosted checkout page.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// SendInput defines the contract for email transmission.
type SendInput struct {
	To           string
	From         SenderIdentity
	Subject      string
	BodyText     string
	BodyHTML     string
	TemplateID   string
	TemplateData map[string]any
	ReferenceID  string
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}

// SubscriptionParams describes a subscription created server-side, such as
// the replacement subscription of a scheduled downgrade.
type SubscriptionParams struct {
	CustomerRef    string
	TenantID       string
	Items          []ProviderSubscriptionItem
	IdempotencyKey string
}

// ProviderCheckoutSession is a completed hosted checkout as reported by the
// provider.
type ProviderCheckoutSession struct {
	ID                string
	CustomerRef       string
	SubscriptionRef   string
	ClientReferenceID string
	Email             string
	Name              string
	Mode              string
	Metadata          map[string]string
}

// ProviderInvoice is the subset of a provider invoice used by reconciliation.
type ProviderInvoice struct {
	ID               string
	CustomerRef      string
	SubscriptionRef  string
	BillingReason    string
	AmountDue        int64
	AmountPaid       int64
	Currency         string
	HostedInvoiceURL string
	AttemptCount     int64
	NextAttemptAt    *time.Time
}
