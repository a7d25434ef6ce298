package billing

import (
	"context"
	"fmt"
	"time"

	"stratplan/internal/types"
)

// LimitCheck is the answer to "may this tenant create one more resource".
// Limit is nil when the tenant has no cap.
type LimitCheck struct {
	Allowed bool   `json:"allowed"`
	Limit   *int   `json:"limit"`
	Current int    `json:"current"`
	Message string `json:"message,omitempty"`
}

// EditableStrategies splits a tenant's strategies into those the plan
// allows editing and those kept read-only.
type EditableStrategies struct {
	EditableIDs []string `json:"editable_ids"`
	ReadOnlyIDs []string `json:"read_only_ids"`
}

// Usage is the live resource count of a tenant.
type Usage struct {
	Users      int `json:"users"`
	Strategies int `json:"strategies"`
	Projects   int `json:"projects"`
}

// BillingInfo is the billing summary shown on the organization settings
// page.
type BillingInfo struct {
	TenantID             string                   `json:"tenant_id"`
	Plan                 types.PlanTier           `json:"plan"`
	BillingInterval      types.BillingInterval    `json:"billing_interval"`
	Status               types.SubscriptionStatus `json:"status"`
	State                string                   `json:"state"`
	HasSubscription      bool                     `json:"has_subscription"`
	HasBillingAccount    bool                     `json:"has_billing_account"`
	CurrentPeriodStart   *time.Time               `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time               `json:"current_period_end,omitempty"`
	TrialEndsAt          *time.Time               `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd    bool                     `json:"cancel_at_period_end"`
	PendingDowngradePlan *types.PlanTier          `json:"pending_downgrade_plan,omitempty"`
	ExtraSeats           int                      `json:"extra_seats"`
	PendingExtraSeats    *int                     `json:"pending_extra_seats,omitempty"`
	SeatLimit            *int                     `json:"seat_limit"`
	PaymentFailedAt      *time.Time               `json:"payment_failed_at,omitempty"`
	GracePeriodEndsAt    *time.Time               `json:"grace_period_ends_at,omitempty"`
	FreeAccess           bool                     `json:"free_access"`
	Legacy               bool                     `json:"legacy"`
	Usage                Usage                    `json:"usage"`
	Limits               PlanLimits               `json:"limits"`
}

// LimitsService answers read-only limit and billing questions for the rest
// of the application.
type LimitsService struct {
	entitlements EntitlementStore
	directory    Directory
	usage        UsageCounter
	freeAccess   map[string]struct{}
	clock        types.Clock
}

// NewLimitsService creates a LimitsService. Tenants listed in freeAccess
// bypass every limit.
func NewLimitsService(entitlements EntitlementStore, directory Directory, usage UsageCounter, freeAccess []string, clock types.Clock) *LimitsService {
	if clock == nil {
		clock = types.RealClock{}
	}
	fa := make(map[string]struct{}, len(freeAccess))
	for _, id := range freeAccess {
		fa[id] = struct{}{}
	}
	return &LimitsService{
		entitlements: entitlements,
		directory:    directory,
		usage:        usage,
		freeAccess:   fa,
		clock:        clock,
	}
}

type tenantView struct {
	tenant     *types.Tenant
	ent        *types.Entitlement
	freeAccess bool
}

func (v tenantView) exempt() bool {
	return v.freeAccess || v.tenant.IsLegacy || v.ent.Plan == types.PlanLegacy
}

// effectivePlan is the plan limits are computed from. A canceled tenant
// falls back to starter.
func (v tenantView) effectivePlan() types.PlanTier {
	if v.ent.Status == types.SubStatusCanceled {
		return types.PlanStarter
	}
	return v.ent.Plan
}

func (l *LimitsService) view(ctx context.Context, tenantID string) (tenantView, error) {
	tenant, err := l.directory.GetTenant(ctx, tenantID)
	if err != nil {
		return tenantView{}, err
	}
	ent, err := l.entitlements.Get(ctx, tenantID)
	if err != nil {
		if !types.IsNotFound(err) {
			return tenantView{}, err
		}
		ent = types.NewEntitlement(tenantID)
	}
	_, free := l.freeAccess[tenantID]
	return tenantView{tenant: tenant, ent: ent, freeAccess: free}, nil
}

func (l *LimitsService) count(ctx context.Context, tenantID string, r types.ResourceType) (int, error) {
	switch r {
	case types.ResourceUsers:
		return l.usage.CountUsers(ctx, tenantID)
	case types.ResourceStrategies:
		return l.usage.CountStrategies(ctx, tenantID)
	case types.ResourceProjects:
		return l.usage.CountProjects(ctx, tenantID)
	}
	return 0, types.NewAppError(types.ErrCodeValidationInvalidPayload,
		fmt.Sprintf("unknown resource type %q", r), nil)
}

// accessBlock returns the reason new resources are refused regardless of
// counts, or "" when the billing state allows growth.
func accessBlock(e *types.Entitlement, now time.Time) string {
	switch e.Status {
	case types.SubStatusCanceled:
		return "Your subscription has ended. Resubscribe to add more."
	case types.SubStatusPastDue:
		if e.GracePeriodEndsAt != nil && now.After(*e.GracePeriodEndsAt) {
			return "Your payment is overdue. Update your payment method to add more."
		}
	}
	return ""
}

// CheckPlanLimits reports whether the tenant may add one more resource of
// kind r.
func (l *LimitsService) CheckPlanLimits(ctx context.Context, tenantID string, r types.ResourceType) (*LimitCheck, error) {
	if !r.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("unknown resource type %q", r), nil)
	}
	v, err := l.view(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	current, err := l.count(ctx, tenantID, r)
	if err != nil {
		return nil, err
	}
	if v.exempt() {
		return &LimitCheck{Allowed: true, Current: current}, nil
	}

	plan := v.effectivePlan()
	limit := LimitsFor(plan).For(r)
	if r == types.ResourceUsers && limit != Unlimited {
		limit += v.ent.ExtraSeats
	}

	if msg := accessBlock(v.ent, l.clock.Now()); msg != "" {
		check := &LimitCheck{Allowed: false, Current: current, Message: msg}
		if limit != Unlimited {
			check.Limit = &limit
		}
		return check, nil
	}
	if limit == Unlimited {
		return &LimitCheck{Allowed: true, Current: current}, nil
	}

	check := &LimitCheck{Allowed: current < limit, Limit: &limit, Current: current}
	if !check.Allowed {
		check.Message = limitMessage(plan, r, limit)
	}
	return check, nil
}

func limitMessage(plan types.PlanTier, r types.ResourceType, limit int) string {
	if r == types.ResourceUsers {
		return fmt.Sprintf("Your %s plan includes %d users. Add seats or upgrade to invite more.", plan, limit)
	}
	return fmt.Sprintf("Your %s plan allows %d %s. Upgrade your plan to add more.", plan, limit, r)
}

// GetEditableStrategyIDs keeps the oldest strategies editable up to the
// plan limit and marks the rest read-only.
func (l *LimitsService) GetEditableStrategyIDs(ctx context.Context, tenantID string) (*EditableStrategies, error) {
	v, err := l.view(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	strategies, err := l.usage.ListStrategies(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limit := LimitsFor(v.effectivePlan()).Strategies
	if v.exempt() || limit == Unlimited {
		limit = len(strategies)
	}

	out := &EditableStrategies{EditableIDs: []string{}, ReadOnlyIDs: []string{}}
	for i, st := range strategies {
		if i < limit {
			out.EditableIDs = append(out.EditableIDs, st.ID)
		} else {
			out.ReadOnlyIDs = append(out.ReadOnlyIDs, st.ID)
		}
	}
	return out, nil
}

// GetOrganizationBillingInfo assembles the billing summary of a tenant.
func (l *LimitsService) GetOrganizationBillingInfo(ctx context.Context, tenantID string) (*BillingInfo, error) {
	v, err := l.view(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var usage Usage
	if usage.Users, err = l.usage.CountUsers(ctx, tenantID); err != nil {
		return nil, err
	}
	if usage.Strategies, err = l.usage.CountStrategies(ctx, tenantID); err != nil {
		return nil, err
	}
	if usage.Projects, err = l.usage.CountProjects(ctx, tenantID); err != nil {
		return nil, err
	}

	e := v.ent
	info := &BillingInfo{
		TenantID:             tenantID,
		Plan:                 e.Plan,
		BillingInterval:      e.BillingInterval,
		Status:               e.Status,
		State:                LifecycleOf(e, l.clock.Now()).State(),
		HasSubscription:      e.HasSubscription(),
		HasBillingAccount:    e.ProviderCustomerRef != "",
		CurrentPeriodStart:   e.CurrentPeriodStart,
		CurrentPeriodEnd:     e.CurrentPeriodEnd,
		TrialEndsAt:          e.TrialEndsAt,
		CancelAtPeriodEnd:    e.CancelAtPeriodEnd,
		PendingDowngradePlan: e.PendingDowngradePlan,
		ExtraSeats:           e.ExtraSeats,
		PendingExtraSeats:    e.PendingExtraSeats,
		PaymentFailedAt:      e.PaymentFailedAt,
		GracePeriodEndsAt:    e.GracePeriodEndsAt,
		FreeAccess:           v.freeAccess,
		Legacy:               v.tenant.IsLegacy || e.Plan == types.PlanLegacy,
		Usage:                usage,
		Limits:               LimitsFor(v.effectivePlan()),
	}
	if !v.exempt() {
		if seats := SeatLimit(e); seats != Unlimited {
			info.SeatLimit = &seats
		}
	}
	return info, nil
}
