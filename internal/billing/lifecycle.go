package billing

import (
	"fmt"
	"time"

	"stratplan/internal/types"
)

// Lifecycle is the derived billing state of a tenant. The stored entitlement
// keeps plain columns; LifecycleOf folds them into exactly one variant.
type Lifecycle interface {
	// State is the stable name used in API responses and logs.
	State() string
	lifecycle()
}

// Unprovisioned means no entitlement row exists yet.
type Unprovisioned struct{}

// Active covers paying and trialing tenants. TrialEndsAt is set while a
// trial is running.
type Active struct {
	TrialEndsAt *time.Time
}

// PastDue means the last invoice failed and the grace window is running.
type PastDue struct {
	FailedAt    time.Time
	GraceEndsAt time.Time
}

// CancelPending means the subscription ends at EffectiveAt.
type CancelPending struct {
	EffectiveAt *time.Time
}

// DowngradePending means the subscription ends at EffectiveAt and a new one
// on Target replaces it.
type DowngradePending struct {
	Target      types.PlanTier
	EffectiveAt *time.Time
}

// Canceled means no subscription is billed.
type Canceled struct{}

func (Unprovisioned) State() string    { return "unprovisioned" }
func (Active) State() string           { return "active" }
func (PastDue) State() string          { return "past_due" }
func (CancelPending) State() string    { return "cancel_pending" }
func (DowngradePending) State() string { return "downgrade_pending" }
func (Canceled) State() string         { return "canceled" }

func (Unprovisioned) lifecycle()    {}
func (Active) lifecycle()           {}
func (PastDue) lifecycle()          {}
func (CancelPending) lifecycle()    {}
func (DowngradePending) lifecycle() {}
func (Canceled) lifecycle()         {}

// Trialing reports whether the trial is still running at now.
func (a Active) Trialing(now time.Time) bool {
	return a.TrialEndsAt != nil && a.TrialEndsAt.After(now)
}

// LifecycleOf derives the lifecycle variant of e.
func LifecycleOf(e *types.Entitlement, now time.Time) Lifecycle {
	switch {
	case e == nil:
		return Unprovisioned{}
	case e.Status == types.SubStatusCanceled:
		return Canceled{}
	case e.Status == types.SubStatusPastDue:
		pd := PastDue{}
		if e.PaymentFailedAt != nil {
			pd.FailedAt = *e.PaymentFailedAt
		}
		if e.GracePeriodEndsAt != nil {
			pd.GraceEndsAt = *e.GracePeriodEndsAt
		}
		return pd
	case e.PendingDowngradePlan != nil:
		return DowngradePending{Target: *e.PendingDowngradePlan, EffectiveAt: e.CurrentPeriodEnd}
	case e.CancelAtPeriodEnd:
		return CancelPending{EffectiveAt: e.CurrentPeriodEnd}
	}
	a := Active{}
	if e.TrialEndsAt != nil && e.TrialEndsAt.After(now) {
		a.TrialEndsAt = e.TrialEndsAt
	}
	return a
}

// CheckInvariants reports the first stored combination the lifecycle model
// forbids.
func CheckInvariants(e *types.Entitlement) error {
	if e == nil {
		return nil
	}
	if !e.Plan.Valid() {
		return fmt.Errorf("entitlement %s: unknown plan %q", e.TenantID, e.Plan)
	}
	if e.Status == types.SubStatusCanceled && e.ProviderSubscriptionRef != "" {
		return fmt.Errorf("entitlement %s: canceled with live subscription %s", e.TenantID, e.ProviderSubscriptionRef)
	}
	if e.PendingDowngradePlan != nil && !IsLowerTier(*e.PendingDowngradePlan, e.Plan) {
		return fmt.Errorf("entitlement %s: pending downgrade %s is not below %s", e.TenantID, *e.PendingDowngradePlan, e.Plan)
	}
	if e.ExtraSeats < 0 {
		return fmt.Errorf("entitlement %s: negative extra seats", e.TenantID)
	}
	return nil
}

// subscriptionSnapshot is the provider-side subscription state a transition
// converges the entitlement onto.
type subscriptionSnapshot struct {
	SubscriptionRef   string
	CustomerRef       string
	Status            types.SubscriptionStatus
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	// Plan is nil when no item resolved to a base plan; the stored plan is
	// then kept.
	Plan *PlanPrice
}

// mapProviderStatus collapses provider statuses into the four local ones.
func mapProviderStatus(s string) types.SubscriptionStatus {
	switch s {
	case "trialing":
		return types.SubStatusTrialing
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	}
	return types.SubStatusActive
}

// activate converges e onto a live subscription. A scheduled downgrade
// survives only while the provider still shows the same subscription ending
// at period end; anything else means it was lifted or superseded.
func activate(e *types.Entitlement, s subscriptionSnapshot) types.EntitlementPatch {
	if s.Status == types.SubStatusCanceled {
		return cancel()
	}

	p := types.EntitlementPatch{
		ProviderSubscriptionRef: types.Set(s.SubscriptionRef),
		Status:                  types.Set(s.Status),
		CurrentPeriodStart:      types.SetPtr(s.PeriodStart),
		CurrentPeriodEnd:        types.SetPtr(s.PeriodEnd),
		TrialEndsAt:             types.SetPtr(s.TrialEnd),
		CancelAtPeriodEnd:       types.Set(s.CancelAtPeriodEnd),
	}
	if s.CustomerRef != "" {
		p.ProviderCustomerRef = types.Set(s.CustomerRef)
	}
	if s.Plan != nil {
		p.Plan = types.Set(s.Plan.Plan)
		p.BillingInterval = types.Set(s.Plan.Interval)
	}

	keepDowngrade := e != nil && e.PendingDowngradePlan != nil &&
		s.CancelAtPeriodEnd && e.ProviderSubscriptionRef == s.SubscriptionRef
	if keepDowngrade && s.Plan != nil && !IsLowerTier(*e.PendingDowngradePlan, s.Plan.Plan) {
		keepDowngrade = false
	}
	if !keepDowngrade {
		p.PendingDowngradePlan = types.Clear[types.PlanTier]()
	}

	if s.Status != types.SubStatusPastDue {
		p.PaymentFailedAt = types.Clear[time.Time]()
		p.GracePeriodEndsAt = types.Clear[time.Time]()
	}
	return p
}

// markPastDue opens the grace window. An already running window keeps its
// original start.
func markPastDue(e *types.Entitlement, failedAt time.Time, grace time.Duration) types.EntitlementPatch {
	if e != nil && e.Status == types.SubStatusPastDue && e.PaymentFailedAt != nil {
		failedAt = *e.PaymentFailedAt
	}
	return types.EntitlementPatch{
		Status:            types.Set(types.SubStatusPastDue),
		PaymentFailedAt:   types.Set(failedAt),
		GracePeriodEndsAt: types.Set(failedAt.Add(grace)),
	}
}

// recoverPayment closes the grace window.
func recoverPayment() types.EntitlementPatch {
	return types.EntitlementPatch{
		Status:            types.Set(types.SubStatusActive),
		PaymentFailedAt:   types.Clear[time.Time](),
		GracePeriodEndsAt: types.Clear[time.Time](),
	}
}

// scheduleDowngrade marks target to replace the current plan at period end.
// target must be strictly lower than the current plan.
func scheduleDowngrade(e *types.Entitlement, target types.PlanTier) (types.EntitlementPatch, error) {
	if e == nil || !IsLowerTier(target, e.Plan) {
		current := types.PlanTier("")
		if e != nil {
			current = e.Plan
		}
		return types.EntitlementPatch{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationDowngradeTier,
			fmt.Sprintf("Cannot downgrade from %s to %s; choose a lower plan or upgrade through checkout", current, target),
			nil,
			map[string]any{"current_plan": string(current), "target_plan": string(target)},
		)
	}
	return types.EntitlementPatch{
		PendingDowngradePlan: types.Set(target),
		CancelAtPeriodEnd:    types.Set(true),
	}, nil
}

// clearDowngrade lifts a scheduled downgrade.
func clearDowngrade() types.EntitlementPatch {
	return types.EntitlementPatch{
		PendingDowngradePlan: types.Clear[types.PlanTier](),
		CancelAtPeriodEnd:    types.Set(false),
	}
}

// applyDowngrade moves the tenant onto the replacement subscription created
// when the old one ended.
func applyDowngrade(target PlanPrice, s subscriptionSnapshot) types.EntitlementPatch {
	s.Plan = &target
	s.CancelAtPeriodEnd = false
	p := activate(nil, s)
	p.PendingDowngradePlan = types.Clear[types.PlanTier]()
	return p
}

// cancel ends billing. The subscription reference is always cleared with it.
func cancel() types.EntitlementPatch {
	return types.EntitlementPatch{
		Status:                  types.Set(types.SubStatusCanceled),
		ProviderSubscriptionRef: types.Clear[string](),
		CancelAtPeriodEnd:       types.Set(false),
		PendingDowngradePlan:    types.Clear[types.PlanTier](),
		PendingExtraSeats:       types.Clear[int](),
		PaymentFailedAt:         types.Clear[time.Time](),
		GracePeriodEndsAt:       types.Clear[time.Time](),
		TrialEndsAt:             types.Clear[time.Time](),
	}
}
