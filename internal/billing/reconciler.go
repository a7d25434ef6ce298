package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"stratplan/internal/external"
	"stratplan/internal/types"
)

// DefaultGracePeriod is how long a past-due tenant keeps full access.
const DefaultGracePeriod = 30 * 24 * time.Hour

// ReconcilerConfig holds the policy knobs of the reconciler.
type ReconcilerConfig struct {
	GracePeriod       time.Duration
	DashboardURL      string
	Sender            types.SenderIdentity
	WelcomeTemplateID string
}

// ReconcilerDeps are the collaborators of the reconciler. Dunning, Metrics,
// Clock and Logger are optional.
type ReconcilerDeps struct {
	Entitlements EntitlementStore
	History      HistoryStore
	Directory    Directory
	Provisioner  Provisioner
	Credentials  CredentialIssuer
	Provider     external.PaymentProvider
	Email        external.EmailProvider
	Dunning      DunningPublisher
	Metrics      Metrics
	Catalog      *Catalog
	Clock        types.Clock
	Logger       *slog.Logger
}

// Reconciler converges local entitlements onto provider events. It is the
// only writer of entitlement state driven by the provider.
type Reconciler struct {
	entitlements EntitlementStore
	history      HistoryStore
	directory    Directory
	provisioner  Provisioner
	credentials  CredentialIssuer
	provider     external.PaymentProvider
	email        external.EmailProvider
	dunning      DunningPublisher
	metrics      Metrics
	catalog      *Catalog
	clock        types.Clock
	logger       *slog.Logger
	cfg          ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(deps ReconcilerDeps, cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		entitlements: deps.Entitlements,
		history:      deps.History,
		directory:    deps.Directory,
		provisioner:  deps.Provisioner,
		credentials:  deps.Credentials,
		provider:     deps.Provider,
		email:        deps.Email,
		dunning:      deps.Dunning,
		metrics:      deps.Metrics,
		catalog:      deps.Catalog,
		clock:        deps.Clock,
		logger:       deps.Logger,
		cfg:          cfg,
	}
	if r.dunning == nil {
		r.dunning = noopDunning{}
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	if r.clock == nil {
		r.clock = types.RealClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.cfg.GracePeriod <= 0 {
		r.cfg.GracePeriod = DefaultGracePeriod
	}
	return r
}

// Apply runs the transition for ev. Events that cannot be matched to a
// tenant are logged and dropped with a nil error; a returned error means
// the store failed part-way and the caller should log it.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	log := types.LoggerFromContext(ctx, r.logger).With(
		"event_id", ev.EventID(),
		"event_type", ev.EventType(),
	)

	switch e := ev.(type) {
	case CheckoutCompleted:
		return r.checkoutCompleted(ctx, log, e)
	case SubscriptionChanged:
		return r.subscriptionChanged(ctx, log, e)
	case SubscriptionDeleted:
		return r.subscriptionDeleted(ctx, log, e)
	case InvoicePaid:
		return r.invoicePaid(ctx, log, e)
	case InvoicePaymentFailed:
		return r.invoicePaymentFailed(ctx, log, e)
	case Unhandled:
		log.DebugContext(ctx, "ignoring unhandled event type")
		return nil
	}
	return fmt.Errorf("reconciler: unknown event variant %T", ev)
}

// ---------------------------------------------------------------------------
// Tenant resolution
// ---------------------------------------------------------------------------

// lookup turns a not_found miss into (nil, nil).
func lookup(e *types.Entitlement, err error) (*types.Entitlement, error) {
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// entitlementForTenant loads the tenant's entitlement, or a fresh one when
// the tenant exists without a row yet.
func (r *Reconciler) entitlementForTenant(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	ent, err := lookup(r.entitlements.Get(ctx, tenantID))
	if err != nil || ent != nil {
		return ent, err
	}
	if _, err := r.directory.GetTenant(ctx, tenantID); err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return types.NewEntitlement(tenantID), nil
}

// resolveTenant prefers the tenant tag the checkout stamped on the provider
// object and falls back to the customer mapping, which is all that changes
// made in the self-service portal carry.
func (r *Reconciler) resolveTenant(ctx context.Context, tenantID, customerRef string) (*types.Entitlement, error) {
	if tenantID != "" {
		ent, err := r.entitlementForTenant(ctx, tenantID)
		if err != nil || ent != nil {
			return ent, err
		}
	}
	if customerRef == "" {
		return nil, nil
	}
	return lookup(r.entitlements.FindByProviderCustomerRef(ctx, customerRef))
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

func (r *Reconciler) checkoutCompleted(ctx context.Context, log *slog.Logger, e CheckoutCompleted) error {
	s := e.Session
	if s.Mode != "" && s.Mode != "subscription" {
		log.InfoContext(ctx, "ignoring non-subscription checkout", "mode", s.Mode)
		return nil
	}
	log = log.With("customer_ref", s.CustomerRef)

	sub, plan := r.checkoutPlan(ctx, log, s)

	ent, err := r.resolveCheckoutTenant(ctx, log, s)
	if errors.Is(err, errSkipCheckout) {
		return nil
	}
	if err != nil {
		return err
	}
	if ent == nil {
		return r.provisionFromCheckout(ctx, log, e, sub, plan)
	}

	before := ent.Plan
	patch := r.checkoutPatch(ent, s, sub, plan)
	updated, err := r.entitlements.Upsert(ctx, ent.TenantID, patch)
	if err != nil {
		return err
	}
	r.record(ctx, log, updated.TenantID, types.HistoryCheckoutCompleted, e.ID, before, updated.Plan,
		fmt.Sprintf("Checkout completed for %s (%s)", updated.Plan, updated.BillingInterval))
	log.InfoContext(ctx, "checkout applied", "tenant_id", updated.TenantID, "plan", updated.Plan)

	if sub != nil {
		r.cancelStackedSubscriptions(ctx, log, updated, sub.ID, e.ID)
	}
	return nil
}

// checkoutPlan fetches the created subscription when the session names one
// and falls back to the plan recorded in the session metadata.
func (r *Reconciler) checkoutPlan(ctx context.Context, log *slog.Logger, s types.ProviderCheckoutSession) (*types.ProviderSubscription, *PlanPrice) {
	if s.SubscriptionRef != "" {
		sub, err := r.provider.GetSubscription(ctx, s.SubscriptionRef)
		if err == nil {
			if pp, ok := r.catalog.PrimaryPlan(sub.Items); ok {
				return sub, &pp
			}
			log.WarnContext(ctx, "checkout subscription has no recognized base plan", "subscription_ref", sub.ID)
			return sub, metadataPlan(s.Metadata)
		}
		r.metrics.RecordProviderError(ctx, "GetSubscription")
		log.WarnContext(ctx, "could not fetch checkout subscription; using session metadata",
			"subscription_ref", s.SubscriptionRef,
			"error", err,
		)
	}
	return nil, metadataPlan(s.Metadata)
}

func metadataPlan(md map[string]string) *PlanPrice {
	plan := types.PlanTier(md["plan"])
	interval := types.BillingInterval(md["interval"])
	if TierRank(plan) == 0 {
		return nil
	}
	if !interval.Valid() {
		interval = types.IntervalMonthly
	}
	return &PlanPrice{Plan: plan, Interval: interval}
}

func (r *Reconciler) resolveCheckoutTenant(ctx context.Context, log *slog.Logger, s types.ProviderCheckoutSession) (*types.Entitlement, error) {
	if s.CustomerRef != "" {
		ent, err := lookup(r.entitlements.FindByProviderCustomerRef(ctx, s.CustomerRef))
		if err != nil || ent != nil {
			return ent, err
		}
	}

	tenantID := s.ClientReferenceID
	if tenantID == "" {
		tenantID = s.Metadata["tenant_id"]
	}
	if tenantID != "" {
		ent, err := r.entitlementForTenant(ctx, tenantID)
		if err != nil || ent != nil {
			return ent, err
		}
		log.WarnContext(ctx, "checkout references an unknown tenant", "tenant_id", tenantID)
	}

	if s.Email == "" {
		return nil, nil
	}
	user, err := r.directory.GetUserByEmail(ctx, s.Email)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	ent, err := r.entitlementForTenant(ctx, user.TenantID)
	if err != nil || ent == nil {
		return ent, err
	}
	if ent.ProviderCustomerRef != "" && ent.ProviderCustomerRef != s.CustomerRef {
		// The checkout email belongs to a tenant billed under another
		// customer. Linking would move that tenant's billing.
		log.WarnContext(ctx, "checkout email belongs to a tenant with a different customer; not linking",
			"tenant_id", ent.TenantID,
		)
		return nil, errSkipCheckout
	}
	log.InfoContext(ctx, "linking checkout customer to existing user", "tenant_id", ent.TenantID, "user_id", user.ID)
	return ent, nil
}

var errSkipCheckout = errors.New("checkout skipped")

func (r *Reconciler) checkoutPatch(ent *types.Entitlement, s types.ProviderCheckoutSession, sub *types.ProviderSubscription, plan *PlanPrice) types.EntitlementPatch {
	var patch types.EntitlementPatch
	if sub != nil {
		patch = activate(ent, snapshotOf(sub, plan))
	} else if plan != nil {
		patch = types.EntitlementPatch{
			Plan:            types.Set(plan.Plan),
			BillingInterval: types.Set(plan.Interval),
			Status:          types.Set(types.SubStatusActive),
		}
		if s.SubscriptionRef != "" {
			patch.ProviderSubscriptionRef = types.Set(s.SubscriptionRef)
		}
	}
	if s.CustomerRef != "" {
		patch.ProviderCustomerRef = types.Set(s.CustomerRef)
	}
	return patch
}

func (r *Reconciler) provisionFromCheckout(ctx context.Context, log *slog.Logger, e CheckoutCompleted, sub *types.ProviderSubscription, plan *PlanPrice) error {
	s := e.Session
	if s.Email == "" {
		log.WarnContext(ctx, "checkout has no tenant and no email; dropping")
		return nil
	}

	plain, hash, err := r.credentials.Issue()
	if err != nil {
		return fmt.Errorf("issue one-time password: %w", err)
	}

	now := r.clock.Now()
	tenant := &types.Tenant{
		ID:        uuid.NewString(),
		Name:      tenantName(s),
		CreatedAt: now,
		UpdatedAt: now,
	}
	owner := &types.User{
		ID:                 uuid.NewString(),
		TenantID:           tenant.ID,
		Email:              strings.ToLower(strings.TrimSpace(s.Email)),
		Name:               s.Name,
		Role:               types.RoleOwner,
		PasswordHash:       hash,
		MustChangePassword: true,
		CreatedAt:          now,
	}
	ent := types.NewEntitlement(tenant.ID)
	r.checkoutPatch(ent, s, sub, plan).ApplyTo(ent)

	if err := r.provisioner.Provision(ctx, ProvisionRequest{Tenant: tenant, Owner: owner, Entitlement: ent}); err != nil {
		return err
	}
	log = log.With("tenant_id", tenant.ID)
	log.InfoContext(ctx, "provisioned tenant from checkout", "user_id", owner.ID, "plan", ent.Plan)
	r.record(ctx, log, tenant.ID, types.HistoryTenantProvisioned, e.ID, "", ent.Plan,
		fmt.Sprintf("Account created from checkout on %s (%s)", ent.Plan, ent.BillingInterval))

	r.sendWelcome(ctx, log, tenant, owner, plain, e.ID)
	if sub != nil {
		r.cancelStackedSubscriptions(ctx, log, ent, sub.ID, e.ID)
	}
	return nil
}

func tenantName(s types.ProviderCheckoutSession) string {
	if n := strings.TrimSpace(s.Metadata["organization_name"]); n != "" {
		return n
	}
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	if _, domain, ok := strings.Cut(s.Email, "@"); ok && domain != "" {
		return domain
	}
	return s.Email
}

// sendWelcome delivers the one-time credentials. It runs after the
// provisioning commit, and a failure leaves the account in place.
func (r *Reconciler) sendWelcome(ctx context.Context, log *slog.Logger, tenant *types.Tenant, owner *types.User, password, eventID string) {
	loginURL := strings.TrimSuffix(r.cfg.DashboardURL, "/") + "/login"
	input := types.SendInput{
		To:          owner.Email,
		From:        r.cfg.Sender,
		ReferenceID: eventID,
	}
	if r.cfg.WelcomeTemplateID != "" {
		input.TemplateID = r.cfg.WelcomeTemplateID
		input.TemplateData = map[string]any{
			"name":               owner.Name,
			"organization":       tenant.Name,
			"email":              owner.Email,
			"temporary_password": password,
			"login_url":          loginURL,
		}
	} else {
		input.Subject = "Welcome to StratPlan"
		input.BodyText = fmt.Sprintf(
			"Your StratPlan workspace %q is ready.\n\nSign in at %s\nEmail: %s\nTemporary password: %s\n\nYou will be asked to choose a new password on first sign-in.\n",
			tenant.Name, loginURL, owner.Email, password,
		)
	}
	if _, err := r.email.Send(ctx, input); err != nil {
		log.ErrorContext(ctx, "failed to send welcome email", "user_id", owner.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Subscription changes
// ---------------------------------------------------------------------------

func liveStatus(s string) bool {
	return s == "active" || s == "trialing" || s == "past_due"
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func snapshotOf(sub *types.ProviderSubscription, plan *PlanPrice) subscriptionSnapshot {
	return subscriptionSnapshot{
		SubscriptionRef:   sub.ID,
		CustomerRef:       sub.CustomerRef,
		Status:            mapProviderStatus(sub.Status),
		PeriodStart:       timePtr(sub.CurrentPeriodStart),
		PeriodEnd:         timePtr(sub.CurrentPeriodEnd),
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Plan:              plan,
	}
}

// renewalSeats moves scheduled seat reductions into effect once a new
// billing period has started.
func renewalSeats(e *types.Entitlement, s subscriptionSnapshot, p *types.EntitlementPatch) bool {
	if e.PendingExtraSeats == nil || e.CurrentPeriodStart == nil || s.PeriodStart == nil {
		return false
	}
	if !s.PeriodStart.After(*e.CurrentPeriodStart) {
		return false
	}
	p.ExtraSeats = types.Set(*e.PendingExtraSeats)
	p.PendingExtraSeats = types.Clear[int]()
	return true
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, log *slog.Logger, e SubscriptionChanged) error {
	sub := e.Subscription
	log = log.With("subscription_ref", sub.ID, "customer_ref", sub.CustomerRef)

	ent, err := r.resolveTenant(ctx, sub.Metadata["tenant_id"], sub.CustomerRef)
	if err != nil {
		return err
	}
	if ent == nil {
		log.WarnContext(ctx, "no tenant for subscription; dropping")
		return nil
	}
	log = log.With("tenant_id", ent.TenantID)

	var plan *PlanPrice
	if pp, ok := r.catalog.PrimaryPlan(sub.Items); ok {
		plan = &pp
	}

	if ent.ProviderSubscriptionRef != "" && ent.ProviderSubscriptionRef != sub.ID {
		// Another subscription is current. Only a live base-plan
		// subscription may replace it; anything else is an echo of an
		// older or add-on subscription.
		if plan == nil || !liveStatus(sub.Status) {
			log.InfoContext(ctx, "ignoring change to non-current subscription",
				"current_subscription_ref", ent.ProviderSubscriptionRef,
				"status", sub.Status,
			)
			return nil
		}
	}
	if plan == nil {
		log.WarnContext(ctx, "no recognized base plan on subscription; keeping existing plan", "plan", ent.Plan)
	}

	snap := snapshotOf(&sub, plan)
	patch := activate(ent, snap)
	seatsApplied := renewalSeats(ent, snap, &patch)

	before := ent.Plan
	updated, err := r.entitlements.Upsert(ctx, ent.TenantID, patch)
	if err != nil {
		return err
	}

	kind := types.HistorySubscriptionUpdated
	if e.Created {
		kind = types.HistorySubscriptionCreated
	}
	r.record(ctx, log, updated.TenantID, kind, e.ID, before, updated.Plan,
		fmt.Sprintf("Subscription %s is %s on %s (%s)", sub.ID, updated.Status, updated.Plan, updated.BillingInterval))
	if seatsApplied {
		r.record(ctx, log, updated.TenantID, types.HistorySeatsApplied, e.ID, updated.Plan, updated.Plan,
			fmt.Sprintf("Extra seats set to %d at renewal", updated.ExtraSeats))
	}

	if updated.Status == types.SubStatusActive || updated.Status == types.SubStatusTrialing {
		r.cancelStackedSubscriptions(ctx, log, updated, sub.ID, e.ID)
	}
	return nil
}

// cancelStackedSubscriptions cancels every other live base-plan
// subscription of the customer so only one plan is billed. Add-on-only
// subscriptions are left alone. Failures are logged; the transition that
// triggered the sweep stands.
func (r *Reconciler) cancelStackedSubscriptions(ctx context.Context, log *slog.Logger, ent *types.Entitlement, keepRef, eventID string) {
	if ent.ProviderCustomerRef == "" {
		return
	}
	subs, err := r.provider.ListSubscriptions(ctx, ent.ProviderCustomerRef)
	if err != nil {
		r.metrics.RecordProviderError(ctx, "ListSubscriptions")
		log.ErrorContext(ctx, "failed to list subscriptions for stacked cleanup", "error", err)
		return
	}
	for i := range subs {
		s := &subs[i]
		if s.ID == keepRef || (s.Status != "active" && s.Status != "trialing") {
			continue
		}
		old, ok := r.catalog.PrimaryPlan(s.Items)
		if !ok {
			continue
		}
		if err := r.provider.CancelSubscription(ctx, s.ID); err != nil {
			r.metrics.RecordProviderError(ctx, "CancelSubscription")
			log.ErrorContext(ctx, "failed to cancel stacked subscription", "stacked_subscription_ref", s.ID, "error", err)
			continue
		}
		log.InfoContext(ctx, "canceled stacked subscription", "stacked_subscription_ref", s.ID, "stacked_plan", old.Plan)
		r.record(ctx, log, ent.TenantID, types.HistoryStackedCanceled, eventID, old.Plan, ent.Plan,
			fmt.Sprintf("Canceled superseded %s subscription %s", old.Plan, s.ID))
	}
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, log *slog.Logger, e SubscriptionDeleted) error {
	sub := e.Subscription
	log = log.With("subscription_ref", sub.ID, "customer_ref", sub.CustomerRef)

	ent, err := lookup(r.entitlements.FindByProviderSubscriptionRef(ctx, sub.ID))
	if err != nil {
		return err
	}
	if ent == nil {
		ent, err = r.resolveTenant(ctx, sub.Metadata["tenant_id"], sub.CustomerRef)
		if err != nil {
			return err
		}
		if ent == nil {
			log.WarnContext(ctx, "no tenant for deleted subscription; dropping")
			return nil
		}
		if ent.ProviderSubscriptionRef != sub.ID {
			log.InfoContext(ctx, "deleted subscription is not current; nothing to do",
				"tenant_id", ent.TenantID,
				"current_subscription_ref", ent.ProviderSubscriptionRef,
			)
			return nil
		}
	}
	log = log.With("tenant_id", ent.TenantID)

	if ent.PendingDowngradePlan != nil {
		_, err := r.completeDowngrade(ctx, log, ent, sub.ID, e.ID)
		return err
	}

	before := ent.Plan
	updated, err := r.entitlements.Upsert(ctx, ent.TenantID, cancel())
	if err != nil {
		return err
	}
	r.record(ctx, log, updated.TenantID, types.HistorySubscriptionDeleted, e.ID, before, updated.Plan,
		fmt.Sprintf("Subscription %s ended; billing canceled", sub.ID))
	log.InfoContext(ctx, "subscription canceled")
	return nil
}

// completeDowngrade replaces an ended subscription with one on the pending
// lower plan. The idempotency key is derived from the ended subscription,
// so the webhook and the resync sweep never create two. If the replacement
// cannot be created the tenant is canceled rather than left pending.
func (r *Reconciler) completeDowngrade(ctx context.Context, log *slog.Logger, ent *types.Entitlement, endedRef, eventID string) (*types.Entitlement, error) {
	target := PlanPrice{Plan: *ent.PendingDowngradePlan, Interval: ent.BillingInterval}
	seats := ent.ExtraSeats
	if ent.PendingExtraSeats != nil {
		seats = *ent.PendingExtraSeats
	}

	sub, err := r.createDowngradeSubscription(ctx, ent, target, seats, endedRef)
	if err != nil {
		r.metrics.RecordProviderError(ctx, "CreateSubscription")
		log.ErrorContext(ctx, "failed to create downgrade subscription; canceling",
			"target_plan", target.Plan,
			"error", err,
		)
		before := ent.Plan
		updated, uerr := r.entitlements.Upsert(ctx, ent.TenantID, cancel())
		if uerr != nil {
			return nil, uerr
		}
		r.record(ctx, log, ent.TenantID, types.HistoryDowngradeFailed, eventID, before, updated.Plan,
			fmt.Sprintf("Downgrade to %s failed; subscription canceled", target.Plan))
		return updated, nil
	}

	patch := applyDowngrade(target, snapshotOf(sub, &target))
	patch.ExtraSeats = types.Set(seats)
	patch.PendingExtraSeats = types.Clear[int]()

	before := ent.Plan
	updated, err := r.entitlements.Upsert(ctx, ent.TenantID, patch)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "downgrade applied", "plan", updated.Plan, "new_subscription_ref", sub.ID)
	r.record(ctx, log, ent.TenantID, types.HistoryDowngradeApplied, eventID, before, updated.Plan,
		fmt.Sprintf("Downgraded from %s to %s", before, updated.Plan))
	return updated, nil
}

func (r *Reconciler) createDowngradeSubscription(ctx context.Context, ent *types.Entitlement, target PlanPrice, seats int, endedRef string) (*types.ProviderSubscription, error) {
	if ent.ProviderCustomerRef == "" {
		return nil, types.NewAppError(types.ErrCodeConflictNoSubscription, "tenant has no provider customer", nil)
	}
	priceRef, ok := r.catalog.PriceRefFor(target.Plan, target.Interval)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationUnknownPrice,
			fmt.Sprintf("no %s price configured for %s", target.Interval, target.Plan), nil)
	}
	items := []types.ProviderSubscriptionItem{{PriceRef: priceRef, Quantity: 1}}
	if seats > 0 {
		seatRef, ok := r.catalog.SeatPriceRef()
		if !ok {
			return nil, types.NewAppError(types.ErrCodeValidationUnknownPrice, "no seat price configured", nil)
		}
		items = append(items, types.ProviderSubscriptionItem{PriceRef: seatRef, Quantity: int64(seats)})
	}
	return r.provider.CreateSubscription(ctx, types.SubscriptionParams{
		CustomerRef:    ent.ProviderCustomerRef,
		TenantID:       ent.TenantID,
		Items:          items,
		IdempotencyKey: "downgrade-" + endedRef,
	})
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

func (r *Reconciler) invoicePaid(ctx context.Context, log *slog.Logger, e InvoicePaid) error {
	inv := e.Invoice
	log = log.With("invoice_ref", inv.ID, "customer_ref", inv.CustomerRef)

	ent, err := lookup(r.entitlements.FindByProviderCustomerRef(ctx, inv.CustomerRef))
	if err != nil {
		return err
	}
	if ent == nil {
		log.WarnContext(ctx, "no tenant for paid invoice; dropping")
		return nil
	}
	log = log.With("tenant_id", ent.TenantID)

	if ent.Status == types.SubStatusPastDue {
		if _, err := r.entitlements.Upsert(ctx, ent.TenantID, recoverPayment()); err != nil {
			return err
		}
		log.InfoContext(ctx, "payment recovered")
		r.publish(ctx, log, types.DunningNotice{
			Kind:            types.DunningPaymentRecovered,
			TenantID:        ent.TenantID,
			ProviderEventID: e.ID,
			CustomerRef:     inv.CustomerRef,
			InvoiceRef:      inv.ID,
			AmountDue:       inv.AmountPaid,
			Currency:        inv.Currency,
			FailedAt:        ent.PaymentFailedAt,
			OccurredAt:      r.clock.Now(),
		})
	}
	r.record(ctx, log, ent.TenantID, types.HistoryPaymentSucceeded, e.ID, ent.Plan, ent.Plan,
		fmt.Sprintf("Invoice %s paid: %s", inv.ID, formatAmount(inv.AmountPaid, inv.Currency)))
	return nil
}

func (r *Reconciler) invoicePaymentFailed(ctx context.Context, log *slog.Logger, e InvoicePaymentFailed) error {
	inv := e.Invoice
	log = log.With("invoice_ref", inv.ID, "customer_ref", inv.CustomerRef)

	ent, err := lookup(r.entitlements.FindByProviderCustomerRef(ctx, inv.CustomerRef))
	if err != nil {
		return err
	}
	if ent == nil {
		log.WarnContext(ctx, "no tenant for failed invoice; dropping")
		return nil
	}
	log = log.With("tenant_id", ent.TenantID)

	if ent.Status == types.SubStatusCanceled {
		log.InfoContext(ctx, "payment failed for a canceled tenant; status unchanged")
		r.record(ctx, log, ent.TenantID, types.HistoryPaymentFailed, e.ID, ent.Plan, ent.Plan,
			fmt.Sprintf("Invoice %s payment failed after cancellation", inv.ID))
		return nil
	}

	updated, err := r.entitlements.Upsert(ctx, ent.TenantID, markPastDue(ent, r.clock.Now(), r.cfg.GracePeriod))
	if err != nil {
		return err
	}
	log.WarnContext(ctx, "payment failed; grace period running", "grace_ends_at", updated.GracePeriodEndsAt)
	r.record(ctx, log, ent.TenantID, types.HistoryPaymentFailed, e.ID, ent.Plan, updated.Plan,
		fmt.Sprintf("Invoice %s payment failed (attempt %d): %s", inv.ID, inv.AttemptCount, formatAmount(inv.AmountDue, inv.Currency)))

	r.publish(ctx, log, types.DunningNotice{
		Kind:             types.DunningPaymentFailed,
		TenantID:         ent.TenantID,
		ProviderEventID:  e.ID,
		CustomerRef:      inv.CustomerRef,
		InvoiceRef:       inv.ID,
		AmountDue:        inv.AmountDue,
		Currency:         inv.Currency,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		FailedAt:         updated.PaymentFailedAt,
		GraceEndsAt:      updated.GracePeriodEndsAt,
		OccurredAt:       r.clock.Now(),
	})
	return nil
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}

// ---------------------------------------------------------------------------
// Side channels
// ---------------------------------------------------------------------------

func (r *Reconciler) publish(ctx context.Context, log *slog.Logger, n types.DunningNotice) {
	n.TraceID = types.GetRequestID(ctx)
	if err := r.dunning.Publish(ctx, n); err != nil {
		log.ErrorContext(ctx, "failed to publish dunning notice", "kind", n.Kind, "error", err)
	}
}

// record appends to the audit trail. The trail is observational, so a
// failed append is logged and never fails the transition.
func (r *Reconciler) record(ctx context.Context, log *slog.Logger, tenantID string, kind types.HistoryEventType, eventID string, before, after types.PlanTier, desc string) {
	err := r.history.Append(ctx, &types.BillingHistoryEntry{
		TenantID:        tenantID,
		EventType:       kind,
		Description:     desc,
		PlanBefore:      before,
		PlanAfter:       after,
		ProviderEventID: eventID,
		CreatedAt:       r.clock.Now(),
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to append billing history", "history_type", kind, "error", err)
	}
}
