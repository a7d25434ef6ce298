package billing

import (
	"context"
	"fmt"
	"log/slog"

	"stratplan/internal/external"
	"stratplan/internal/types"
)

// HistoryLog is the read and append side of the billing audit trail.
type HistoryLog interface {
	HistoryStore
	HistoryReader
}

// ServiceDeps are the collaborators of Service. Locker, Metrics, Clock and
// Logger are optional.
type ServiceDeps struct {
	Entitlements EntitlementStore
	History      HistoryLog
	Directory    Directory
	Usage        UsageCounter
	Locker       TenantLocker
	Provider     external.PaymentProvider
	Metrics      Metrics
	Catalog      *Catalog
	Clock        types.Clock
	Logger       *slog.Logger
}

// Service implements the billing actions a tenant admin starts from the
// application. Every action calls the provider before writing locally; a
// provider failure is returned as is and leaves the entitlement untouched.
type Service struct {
	entitlements EntitlementStore
	history      HistoryLog
	directory    Directory
	usage        UsageCounter
	locker       TenantLocker
	provider     external.PaymentProvider
	metrics      Metrics
	catalog      *Catalog
	clock        types.Clock
	logger       *slog.Logger
	trialDays    int
}

// NewService creates a Service. trialDays applies to first-time customers
// only.
func NewService(deps ServiceDeps, trialDays int) *Service {
	s := &Service{
		entitlements: deps.Entitlements,
		history:      deps.History,
		directory:    deps.Directory,
		usage:        deps.Usage,
		locker:       deps.Locker,
		provider:     deps.Provider,
		metrics:      deps.Metrics,
		catalog:      deps.Catalog,
		clock:        deps.Clock,
		logger:       deps.Logger,
		trialDays:    trialDays,
	}
	if s.locker == nil {
		s.locker = noopLocker{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CheckoutRequest starts a hosted checkout for a plan purchase or upgrade.
type CheckoutRequest struct {
	TenantID   string
	Plan       types.PlanTier
	Interval   types.BillingInterval
	SuccessURL string
	CancelURL  string
}

// StartCheckout returns a hosted checkout page for req. Moving to a lower
// tier while subscribed goes through RequestDowngrade instead.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (*types.CheckoutSession, error) {
	if TierRank(req.Plan) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("Plan %q cannot be purchased", req.Plan), nil)
	}
	if req.Interval == "" {
		req.Interval = types.IntervalMonthly
	}
	if !req.Interval.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("Billing interval %q is not supported", req.Interval), nil)
	}
	priceRef, ok := s.catalog.PriceRefFor(req.Plan, req.Interval)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationUnknownPrice,
			fmt.Sprintf("No %s price is configured for the %s plan", req.Interval, req.Plan), nil)
	}

	var session *types.CheckoutSession
	err := s.locker.WithTenantLock(ctx, req.TenantID, func(ctx context.Context) error {
		ent, err := s.loadOrNew(ctx, req.TenantID)
		if err != nil {
			return err
		}
		if ent.Plan == types.PlanLegacy {
			return types.NewAppError(types.ErrCodeConflictLegacyPlan,
				"Legacy plans are managed manually; contact support to change plans", nil)
		}
		if ent.HasSubscription() && ent.Plan == req.Plan && ent.BillingInterval == req.Interval {
			return types.NewAppError(types.ErrCodeConflictAlreadyOnPlan,
				fmt.Sprintf("Tenant is already subscribed to %s (%s)", req.Plan, req.Interval), nil)
		}
		if ent.HasSubscription() && IsLowerTier(req.Plan, ent.Plan) {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationDowngradeTier,
				fmt.Sprintf("Use a scheduled downgrade to move from %s to %s", ent.Plan, req.Plan),
				nil,
				map[string]any{"current_plan": string(ent.Plan), "target_plan": string(req.Plan)},
			)
		}

		customerRef, created, err := s.ensureCustomer(ctx, ent)
		if err != nil {
			return err
		}
		trialDays := 0
		if created {
			trialDays = s.trialDays
		}

		session, err = s.provider.CreateCheckoutSession(ctx, types.CheckoutParams{
			CustomerRef: customerRef,
			TenantID:    req.TenantID,
			PriceRef:    priceRef,
			Quantity:    1,
			SuccessURL:  req.SuccessURL,
			CancelURL:   req.CancelURL,
			TrialDays:   trialDays,
			Plan:        req.Plan,
			Interval:    req.Interval,
		})
		if err != nil {
			s.metrics.RecordProviderError(ctx, "CreateCheckoutSession")
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).InfoContext(ctx, "checkout session created",
		"tenant_id", req.TenantID,
		"plan", req.Plan,
		"interval", req.Interval,
	)
	return session, nil
}

// ensureCustomer returns the tenant's provider customer, creating and
// persisting one on first use.
func (s *Service) ensureCustomer(ctx context.Context, ent *types.Entitlement) (string, bool, error) {
	if ent.ProviderCustomerRef != "" {
		return ent.ProviderCustomerRef, false, nil
	}
	tenant, err := s.directory.GetTenant(ctx, ent.TenantID)
	if err != nil {
		return "", false, err
	}
	owner, err := s.directory.GetTenantOwner(ctx, ent.TenantID)
	if err != nil {
		return "", false, err
	}
	ref, err := s.provider.CreateCustomer(ctx, ent.TenantID, owner.Email, tenant.Name)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "CreateCustomer")
		return "", false, err
	}
	if _, err := s.entitlements.Upsert(ctx, ent.TenantID, types.EntitlementPatch{
		ProviderCustomerRef: types.Set(ref),
	}); err != nil {
		return "", false, err
	}
	return ref, true, nil
}

// OpenPortal returns a self-service billing portal URL.
func (s *Service) OpenPortal(ctx context.Context, tenantID, returnURL string) (string, error) {
	ent, err := s.entitlements.Get(ctx, tenantID)
	if err != nil && !types.IsNotFound(err) {
		return "", err
	}
	if ent == nil || ent.ProviderCustomerRef == "" {
		return "", types.NewAppError(types.ErrCodeConflictNoSubscription,
			"This organization has no billing account yet", nil)
	}
	url, err := s.provider.CreatePortalSession(ctx, ent.ProviderCustomerRef, returnURL)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "CreatePortalSession")
		return "", err
	}
	return url, nil
}

// RequestDowngrade schedules target to replace the current plan when the
// billing period ends. The plan itself changes only once the provider
// reports the old subscription deleted.
func (s *Service) RequestDowngrade(ctx context.Context, tenantID string, target types.PlanTier) (*types.Entitlement, error) {
	var out *types.Entitlement
	err := s.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		ent, err := s.entitlements.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if ent.Plan == types.PlanLegacy {
			return types.NewAppError(types.ErrCodeConflictLegacyPlan,
				"Legacy plans are managed manually; contact support to change plans", nil)
		}
		patch, err := scheduleDowngrade(ent, target)
		if err != nil {
			return err
		}
		if ent.Status == types.SubStatusCanceled {
			return types.NewAppError(types.ErrCodeConflictSubscriptionEnd,
				"The subscription has already ended", nil)
		}
		if !ent.HasSubscription() {
			return types.NewAppError(types.ErrCodeConflictNoSubscription,
				"There is no active subscription to downgrade", nil)
		}

		sub, err := s.provider.SetCancelAtPeriodEnd(ctx, ent.ProviderSubscriptionRef, true)
		if err != nil {
			s.metrics.RecordProviderError(ctx, "SetCancelAtPeriodEnd")
			return err
		}
		if end := timePtr(sub.CurrentPeriodEnd); end != nil {
			patch.CurrentPeriodEnd = types.Set(*end)
		}

		out, err = s.entitlements.Upsert(ctx, tenantID, patch)
		if err != nil {
			return err
		}
		s.record(ctx, tenantID, types.HistoryDowngradeScheduled, ent.Plan, ent.Plan,
			fmt.Sprintf("Downgrade from %s to %s scheduled for the end of the billing period", ent.Plan, target))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).InfoContext(ctx, "downgrade scheduled", "tenant_id", tenantID, "target_plan", target)
	return out, nil
}

// CancelDowngrade lifts a scheduled downgrade and keeps the subscription
// renewing on the current plan.
func (s *Service) CancelDowngrade(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	var out *types.Entitlement
	err := s.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		ent, err := s.entitlements.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if ent.PendingDowngradePlan == nil {
			return types.NewAppError(types.ErrCodeConflictNoDowngrade, "No downgrade is scheduled", nil)
		}
		target := *ent.PendingDowngradePlan

		if ent.HasSubscription() {
			if _, err := s.provider.SetCancelAtPeriodEnd(ctx, ent.ProviderSubscriptionRef, false); err != nil {
				s.metrics.RecordProviderError(ctx, "SetCancelAtPeriodEnd")
				return err
			}
		}
		out, err = s.entitlements.Upsert(ctx, tenantID, clearDowngrade())
		if err != nil {
			return err
		}
		s.record(ctx, tenantID, types.HistoryDowngradeCanceled, ent.Plan, ent.Plan,
			fmt.Sprintf("Scheduled downgrade to %s canceled", target))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).InfoContext(ctx, "downgrade canceled", "tenant_id", tenantID)
	return out, nil
}

// billedSeats is the seat quantity the provider currently bills for the
// next renewal.
func billedSeats(e *types.Entitlement) int {
	if e.PendingExtraSeats != nil {
		return *e.PendingExtraSeats
	}
	return e.ExtraSeats
}

func seatCountError(msg string) error {
	return types.NewAppError(types.ErrCodeValidationInvalidSeats, msg, nil)
}

// AddSeats buys n extra seats, prorated, effective immediately.
func (s *Service) AddSeats(ctx context.Context, tenantID string, n int) (*types.Entitlement, error) {
	if n <= 0 {
		return nil, seatCountError("Seat count must be positive")
	}
	var out *types.Entitlement
	err := s.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		ent, err := s.entitlements.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if LimitsFor(ent.Plan).Users == Unlimited {
			return types.NewAppError(types.ErrCodeConflictLegacyPlan,
				"This plan already includes unlimited users", nil)
		}
		q := billedSeats(ent) + n

		if ent.HasSubscription() {
			if err := s.setSeatQuantity(ctx, ent.ProviderSubscriptionRef, q, true); err != nil {
				return err
			}
		}

		var patch types.EntitlementPatch
		if q >= ent.ExtraSeats {
			patch.ExtraSeats = types.Set(q)
			patch.PendingExtraSeats = types.Clear[int]()
		} else {
			patch.PendingExtraSeats = types.Set(q)
		}
		out, err = s.entitlements.Upsert(ctx, tenantID, patch)
		if err != nil {
			return err
		}
		s.record(ctx, tenantID, types.HistorySeatsAdded, ent.Plan, ent.Plan,
			fmt.Sprintf("Added %d seat(s); %d extra seat(s) billed", n, q))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).InfoContext(ctx, "seats added", "tenant_id", tenantID, "added", n, "extra_seats", out.ExtraSeats)
	return out, nil
}

// RemoveSeats drops n extra seats at the next renewal, without proration.
// Tenants billed outside the provider change immediately. Removal may not
// leave fewer seats than current users.
func (s *Service) RemoveSeats(ctx context.Context, tenantID string, n int) (*types.Entitlement, error) {
	if n <= 0 {
		return nil, seatCountError("Seat count must be positive")
	}
	var out *types.Entitlement
	err := s.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		ent, err := s.entitlements.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		q := billedSeats(ent) - n
		if q < 0 {
			return seatCountError(fmt.Sprintf("Only %d extra seat(s) can be removed", billedSeats(ent)))
		}
		base := LimitsFor(ent.Plan).Users
		if base != Unlimited {
			users, err := s.usage.CountUsers(ctx, tenantID)
			if err != nil {
				return err
			}
			if base+q < users {
				return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidSeats,
					fmt.Sprintf("The organization has %d users; remove users before removing seats", users),
					nil,
					map[string]any{"current_users": users, "seat_limit_after": base + q},
				)
			}
		}

		var patch types.EntitlementPatch
		if !ent.HasSubscription() {
			patch.ExtraSeats = types.Set(q)
			patch.PendingExtraSeats = types.Clear[int]()
		} else {
			if err := s.setSeatQuantity(ctx, ent.ProviderSubscriptionRef, q, false); err != nil {
				return err
			}
			if q == ent.ExtraSeats {
				patch.PendingExtraSeats = types.Clear[int]()
			} else {
				patch.PendingExtraSeats = types.Set(q)
			}
		}
		out, err = s.entitlements.Upsert(ctx, tenantID, patch)
		if err != nil {
			return err
		}
		s.record(ctx, tenantID, types.HistorySeatsRemoved, ent.Plan, ent.Plan,
			fmt.Sprintf("Removed %d seat(s); %d extra seat(s) from the next renewal", n, q))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).InfoContext(ctx, "seats removed", "tenant_id", tenantID, "removed", n)
	return out, nil
}

// setSeatQuantity makes the seat line of subRef bill q seats, adding or
// deleting the line as needed.
func (s *Service) setSeatQuantity(ctx context.Context, subRef string, q int, prorate bool) error {
	sub, err := s.provider.GetSubscription(ctx, subRef)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "GetSubscription")
		return err
	}

	var item *types.ProviderSubscriptionItem
	for i := range sub.Items {
		if s.catalog.IsSeatPrice(sub.Items[i].PriceRef) {
			item = &sub.Items[i]
			break
		}
	}

	switch {
	case item != nil && q == 0:
		err = s.provider.DeleteSubscriptionItem(ctx, item.ID, prorate)
		if err != nil {
			s.metrics.RecordProviderError(ctx, "DeleteSubscriptionItem")
		}
	case item != nil:
		err = s.provider.UpdateSubscriptionItem(ctx, item.ID, int64(q), prorate)
		if err != nil {
			s.metrics.RecordProviderError(ctx, "UpdateSubscriptionItem")
		}
	case q > 0:
		seatRef, ok := s.catalog.SeatPriceRef()
		if !ok {
			return types.NewAppError(types.ErrCodeValidationUnknownPrice, "No seat price is configured", nil)
		}
		_, err = s.provider.AddSubscriptionItem(ctx, subRef, seatRef, int64(q), prorate)
		if err != nil {
			s.metrics.RecordProviderError(ctx, "AddSubscriptionItem")
		}
	}
	return err
}

// History returns the tenant's billing history, newest first.
func (s *Service) History(ctx context.Context, tenantID string, limit int) ([]*types.BillingHistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.history.ListByTenant(ctx, tenantID, limit)
}

// loadOrNew returns the stored entitlement, or the starting state of a
// known tenant that has none yet.
func (s *Service) loadOrNew(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	ent, err := s.entitlements.Get(ctx, tenantID)
	if err == nil {
		return ent, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}
	if _, err := s.directory.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return types.NewEntitlement(tenantID), nil
}

func (s *Service) record(ctx context.Context, tenantID string, kind types.HistoryEventType, before, after types.PlanTier, desc string) {
	err := s.history.Append(ctx, &types.BillingHistoryEntry{
		TenantID:    tenantID,
		EventType:   kind,
		Description: desc,
		PlanBefore:  before,
		PlanAfter:   after,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		s.log(ctx).ErrorContext(ctx, "failed to append billing history",
			"tenant_id", tenantID,
			"history_type", kind,
			"error", err,
		)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return types.LoggerFromContext(ctx, s.logger)
}
