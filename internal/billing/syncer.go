package billing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"stratplan/internal/types"
)

// Syncer is the periodic resync sweep. It pulls each stale tenant's
// subscriptions from the provider and converges the entitlement onto them,
// repairing whatever webhooks missed.
type Syncer struct {
	r           *Reconciler
	source      SyncSource
	locker      TenantLocker
	concurrency int
}

// NewSyncer creates a Syncer that shares the reconciler's stores and
// provider. concurrency bounds the tenants synced in parallel.
func NewSyncer(r *Reconciler, source SyncSource, locker TenantLocker, concurrency int) *Syncer {
	if locker == nil {
		locker = noopLocker{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Syncer{r: r, source: source, locker: locker, concurrency: concurrency}
}

// SyncStale syncs up to limit entitlements whose last sync is older than
// staleness. It returns how many tenants synced cleanly. Per-tenant
// failures are logged and never abort the sweep.
func (s *Syncer) SyncStale(ctx context.Context, now time.Time, staleness time.Duration, limit int) (int, error) {
	ents, err := s.source.ListForSync(ctx, now.Add(-staleness), limit)
	if err != nil {
		return 0, fmt.Errorf("list entitlements for sync: %w", err)
	}
	log := types.LoggerFromContext(ctx, s.r.logger)
	log.InfoContext(ctx, "resync sweep starting", "candidates", len(ents))

	var (
		synced atomic.Int64
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, ent := range ents {
		if ctx.Err() != nil {
			break
		}
		tenantID := ent.TenantID
		g.Go(func() error {
			err := s.locker.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
				return s.SyncTenant(ctx, tenantID, now)
			})
			if err != nil {
				log.ErrorContext(ctx, "tenant resync failed", "tenant_id", tenantID, "error", err)
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(synced.Load())
	log.InfoContext(ctx, "resync sweep finished", "candidates", len(ents), "synced", n)
	return n, ctx.Err()
}

// SyncTenant converges one tenant. The entitlement is re-read so a sweep
// never writes over a webhook that landed after the candidate list was
// taken. last_synced_at is stamped whether or not the provider answered.
func (s *Syncer) SyncTenant(ctx context.Context, tenantID string, now time.Time) error {
	log := types.LoggerFromContext(ctx, s.r.logger).With("tenant_id", tenantID)

	ent, err := s.r.entitlements.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.source.MarkSynced(ctx, tenantID, now); err != nil {
			log.ErrorContext(ctx, "failed to stamp last sync", "error", err)
		}
	}()
	if ent.ProviderCustomerRef == "" {
		return nil
	}

	subs, err := s.r.provider.ListSubscriptions(ctx, ent.ProviderCustomerRef)
	if err != nil {
		s.r.metrics.RecordProviderError(ctx, "ListSubscriptions")
		return err
	}

	sub, plan := s.pickCurrent(subs)
	var patch types.EntitlementPatch
	switch {
	case sub != nil:
		snap := snapshotOf(sub, plan)
		patch = activate(ent, snap)
		renewalSeats(ent, snap, &patch)
		if snap.Status == types.SubStatusPastDue && ent.PaymentFailedAt == nil {
			patch = patch.Merge(markPastDue(ent, now, s.r.cfg.GracePeriod))
		}

	case ent.HasSubscription() && ent.PendingDowngradePlan != nil:
		// The deletion webhook was missed. Same idempotency key as the
		// webhook path, so at most one replacement exists.
		_, err := s.r.completeDowngrade(ctx, log, ent, ent.ProviderSubscriptionRef, "")
		return err

	case ent.HasSubscription():
		patch = cancel()

	default:
		return nil
	}

	fields := driftFields(ent, patch)
	if len(fields) == 0 {
		return nil
	}
	updated, err := s.r.entitlements.Upsert(ctx, tenantID, patch)
	if err != nil {
		return err
	}
	for _, f := range fields {
		s.r.metrics.RecordDrift(ctx, f)
	}
	log.WarnContext(ctx, "entitlement drift repaired", "fields", fields, "plan", updated.Plan, "status", updated.Status)
	s.r.record(ctx, log, tenantID, types.HistorySyncDrift, "", ent.Plan, updated.Plan,
		"Resync corrected "+strings.Join(fields, ", "))
	return nil
}

// pickCurrent returns the newest live subscription carrying a base plan.
func (s *Syncer) pickCurrent(subs []types.ProviderSubscription) (*types.ProviderSubscription, *PlanPrice) {
	var (
		best     *types.ProviderSubscription
		bestPlan PlanPrice
	)
	for i := range subs {
		sub := &subs[i]
		if !liveStatus(sub.Status) {
			continue
		}
		pp, ok := s.r.catalog.PrimaryPlan(sub.Items)
		if !ok {
			continue
		}
		if best == nil || sub.Created.After(best.Created) {
			best, bestPlan = sub, pp
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, &bestPlan
}

// driftFields names the columns patch would change on e. Period bounds are
// compared too, since a missed renewal shows up only there.
func driftFields(e *types.Entitlement, patch types.EntitlementPatch) []string {
	after := e.Clone()
	patch.ApplyTo(after)

	var fields []string
	add := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	add("plan", e.Plan != after.Plan)
	add("status", e.Status != after.Status)
	add("billing_interval", e.BillingInterval != after.BillingInterval)
	add("provider_subscription_ref", e.ProviderSubscriptionRef != after.ProviderSubscriptionRef)
	add("current_period_end", !timeEqual(e.CurrentPeriodEnd, after.CurrentPeriodEnd))
	add("trial_ends_at", !timeEqual(e.TrialEndsAt, after.TrialEndsAt))
	add("cancel_at_period_end", e.CancelAtPeriodEnd != after.CancelAtPeriodEnd)
	add("pending_downgrade_plan", !ptrEqual(e.PendingDowngradePlan, after.PendingDowngradePlan))
	add("extra_seats", e.ExtraSeats != after.ExtraSeats)
	add("payment_failed_at", (e.PaymentFailedAt == nil) != (after.PaymentFailedAt == nil))
	slices.Sort(fields)
	return fields
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
