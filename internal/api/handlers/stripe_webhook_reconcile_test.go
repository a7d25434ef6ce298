package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratplan/internal/billing"
	"stratplan/internal/external"
	"stratplan/internal/types"
)

// entitlementTable is an in-memory billing.EntitlementStore.
type entitlementTable struct {
	mu      sync.Mutex
	rows    map[string]*types.Entitlement
	upserts int
}

func (s *entitlementTable) Get(_ context.Context, tenantID string) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rows[tenantID]; ok {
		return e.Clone(), nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
}

func (s *entitlementTable) Upsert(_ context.Context, tenantID string, patch types.EntitlementPatch) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[tenantID]
	if !ok {
		e = types.NewEntitlement(tenantID)
		s.rows[tenantID] = e
	}
	patch.ApplyTo(e)
	s.upserts++
	return e.Clone(), nil
}

func (s *entitlementTable) find(match func(*types.Entitlement) bool) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if match(e) {
			return e.Clone(), nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
}

func (s *entitlementTable) FindByProviderCustomerRef(_ context.Context, ref string) (*types.Entitlement, error) {
	return s.find(func(e *types.Entitlement) bool { return e.ProviderCustomerRef == ref })
}

func (s *entitlementTable) FindByProviderSubscriptionRef(_ context.Context, ref string) (*types.Entitlement, error) {
	return s.find(func(e *types.Entitlement) bool { return e.ProviderSubscriptionRef == ref })
}

type historyLog struct {
	mu      sync.Mutex
	entries []*types.BillingHistoryEntry
}

func (h *historyLog) Append(_ context.Context, entry *types.BillingHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

// singleSubscriptionProvider reports only the subscription being
// delivered, so no stacked cleanup runs. Other provider calls are not
// expected on this path.
type singleSubscriptionProvider struct {
	external.PaymentProvider
}

func (singleSubscriptionProvider) ListSubscriptions(context.Context, string) ([]types.ProviderSubscription, error) {
	return []types.ProviderSubscription{{ID: "sub_1", CustomerRef: "cus_1", Status: "active"}}, nil
}

func TestStripeWebhook_RedeliveryReconcilesOnce(t *testing.T) {
	catalog, err := billing.NewCatalog([]billing.CatalogEntry{
		{PriceRef: "price_pro_m", Plan: types.PlanPro, Interval: types.IntervalMonthly, Mode: billing.ModeLive, Kind: billing.KindBase},
	}, billing.ModeLive)
	require.NoError(t, err)

	seed := types.NewEntitlement("ten_1")
	seed.ProviderCustomerRef = "cus_1"
	ents := &entitlementTable{rows: map[string]*types.Entitlement{"ten_1": seed}}
	history := &historyLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reconciler := billing.NewReconciler(billing.ReconcilerDeps{
		Entitlements: ents,
		History:      history,
		Provider:     singleSubscriptionProvider{},
		Catalog:      catalog,
		Logger:       logger,
	}, billing.ReconcilerConfig{})

	ledger := newMemLedger()
	metrics := &recordingWebhookMetrics{}
	f := &webhookFixture{
		handler: NewStripeWebhookHandler(external.NewStripeVerifier(testWebhookSecret), ledger, reconciler, metrics, logger),
		ledger:  ledger,
		metrics: metrics,
	}

	payload := eventPayload("evt_redeliver", external.EventSubscriptionUpdated, subscriptionObject())
	first := f.deliver(payload, testWebhookSecret)
	second := f.deliver(payload, testWebhookSecret)

	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"status":"processed"}`, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, second.Body.String())

	assert.Equal(t, 1, ents.upserts)
	require.Len(t, history.entries, 1)
	assert.Equal(t, "evt_redeliver", history.entries[0].ProviderEventID)
	assert.Equal(t, types.HistorySubscriptionUpdated, history.entries[0].EventType)

	ent := ents.rows["ten_1"]
	assert.Equal(t, types.PlanPro, ent.Plan)
	assert.Equal(t, "sub_1", ent.ProviderSubscriptionRef)
	assert.Equal(t, []types.WebhookOutcome{types.WebhookProcessed, types.WebhookDuplicate}, f.outcomes())
}
