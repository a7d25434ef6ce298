package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratplan/internal/external"
	"stratplan/internal/types"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	base := func(ref string, plan types.PlanTier, interval types.BillingInterval, mode CatalogMode) CatalogEntry {
		return CatalogEntry{PriceRef: ref, Plan: plan, Interval: interval, Mode: mode, Kind: KindBase}
	}
	c, err := NewCatalog([]CatalogEntry{
		base("price_starter_m", types.PlanStarter, types.IntervalMonthly, ModeLive),
		base("price_starter_a", types.PlanStarter, types.IntervalAnnual, ModeLive),
		base("price_pro_m", types.PlanPro, types.IntervalMonthly, ModeLive),
		base("price_pro_a", types.PlanPro, types.IntervalAnnual, ModeLive),
		base("price_team_m", types.PlanTeam, types.IntervalMonthly, ModeLive),
		base("price_team_a", types.PlanTeam, types.IntervalAnnual, ModeLive),
		{PriceRef: "price_seat", Mode: ModeLive, Kind: KindSeat},
		base("price_test_pro_m", types.PlanPro, types.IntervalMonthly, ModeTest),
		{PriceRef: "price_test_seat", Mode: ModeTest, Kind: KindSeat},
	}, ModeLive)
	require.NoError(t, err)
	return c
}

// --- Entitlement store ---

type memEntitlements struct {
	mu      sync.Mutex
	rows    map[string]*types.Entitlement
	upserts int
	synced  map[string]time.Time
	err     error
}

func newMemEntitlements(rows ...*types.Entitlement) *memEntitlements {
	m := &memEntitlements{rows: map[string]*types.Entitlement{}, synced: map[string]time.Time{}}
	for _, r := range rows {
		m.rows[r.TenantID] = r.Clone()
	}
	return m
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
}

func (m *memEntitlements) Get(_ context.Context, tenantID string) (*types.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[tenantID]; ok {
		return e.Clone(), nil
	}
	return nil, notFound()
}

func (m *memEntitlements) Upsert(_ context.Context, tenantID string, patch types.EntitlementPatch) (*types.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.rows[tenantID]
	if !ok {
		e = types.NewEntitlement(tenantID)
		m.rows[tenantID] = e
	}
	patch.ApplyTo(e)
	e.UpdatedAt = testNow
	m.upserts++
	return e.Clone(), nil
}

func (m *memEntitlements) find(match func(*types.Entitlement) bool) (*types.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.rows {
		if match(e) {
			return e.Clone(), nil
		}
	}
	return nil, notFound()
}

func (m *memEntitlements) FindByProviderCustomerRef(_ context.Context, ref string) (*types.Entitlement, error) {
	return m.find(func(e *types.Entitlement) bool { return e.ProviderCustomerRef == ref })
}

func (m *memEntitlements) FindByProviderSubscriptionRef(_ context.Context, ref string) (*types.Entitlement, error) {
	return m.find(func(e *types.Entitlement) bool { return e.ProviderSubscriptionRef == ref })
}

func (m *memEntitlements) ListForSync(_ context.Context, staleBefore time.Time, limit int) ([]*types.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Entitlement
	for id, e := range m.rows {
		if e.ProviderCustomerRef == "" {
			continue
		}
		if at, ok := m.synced[id]; ok && !at.Before(staleBefore) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEntitlements) MarkSynced(_ context.Context, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced[tenantID] = at
	return nil
}

func (m *memEntitlements) row(t *testing.T, tenantID string) *types.Entitlement {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[tenantID]
	require.True(t, ok, "no entitlement for %s", tenantID)
	return e.Clone()
}

// --- History ---

type memHistory struct {
	mu      sync.Mutex
	entries []*types.BillingHistoryEntry
	err     error
}

func (h *memHistory) Append(_ context.Context, e *types.BillingHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	c := *e
	c.ID = int64(len(h.entries) + 1)
	h.entries = append(h.entries, &c)
	return nil
}

func (h *memHistory) ListByTenant(_ context.Context, tenantID string, limit int) ([]*types.BillingHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*types.BillingHistoryEntry
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if h.entries[i].TenantID == tenantID {
			out = append(out, h.entries[i])
		}
	}
	return out, nil
}

func (h *memHistory) ofType(kind types.HistoryEventType) []*types.BillingHistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*types.BillingHistoryEntry
	for _, e := range h.entries {
		if e.EventType == kind {
			out = append(out, e)
		}
	}
	return out
}

// --- Directory and provisioning ---

type memDirectory struct {
	mu      sync.Mutex
	tenants map[string]*types.Tenant
	users   []*types.User
}

func newMemDirectory() *memDirectory {
	return &memDirectory{tenants: map[string]*types.Tenant{}}
}

func (d *memDirectory) addTenant(id string, legacy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[id] = &types.Tenant{ID: id, Name: "Org " + id, IsLegacy: legacy}
}

func (d *memDirectory) addUser(u *types.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, u)
}

func (d *memDirectory) GetTenant(_ context.Context, id string) (*types.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tenants[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
}

func (d *memDirectory) GetUserByEmail(_ context.Context, email string) (*types.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
}

func (d *memDirectory) GetTenantOwner(_ context.Context, tenantID string) (*types.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.TenantID == tenantID && (u.Role == types.RoleOwner || u.Role == types.RoleAdmin) {
			c := *u
			return &c, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundUser, "tenant has no owner", nil)
}

type memProvisioner struct {
	dir      *memDirectory
	ents     *memEntitlements
	requests []ProvisionRequest
	err      error
}

func (p *memProvisioner) Provision(_ context.Context, req ProvisionRequest) error {
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, req)
	p.dir.mu.Lock()
	p.dir.tenants[req.Tenant.ID] = req.Tenant
	p.dir.users = append(p.dir.users, req.Owner)
	p.dir.mu.Unlock()
	p.ents.mu.Lock()
	p.ents.rows[req.Tenant.ID] = req.Entitlement.Clone()
	p.ents.mu.Unlock()
	return nil
}

type fixedCredentials struct{}

func (fixedCredentials) Issue() (string, string, error) { return "Temp-Pass-123", "hashed", nil }

// --- Side channels ---

type recordingEmail struct {
	mu   sync.Mutex
	sent []types.SendInput
	err  error
}

func (e *recordingEmail) Send(_ context.Context, in types.SendInput) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.sent = append(e.sent, in)
	return "msg_1", nil
}

type recordingDunning struct {
	mu      sync.Mutex
	notices []types.DunningNotice
	err     error
}

func (d *recordingDunning) Publish(_ context.Context, n types.DunningNotice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.notices = append(d.notices, n)
	return nil
}

type recordingMetrics struct {
	mu             sync.Mutex
	drift          []string
	providerErrors []string
}

func (m *recordingMetrics) RecordDrift(_ context.Context, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift = append(m.drift, field)
}

func (m *recordingMetrics) RecordProviderError(_ context.Context, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerErrors = append(m.providerErrors, op)
}

type fakeUsage struct {
	users, strategies, projects int
	list                        []types.Strategy
	err                         error
}

func (u *fakeUsage) CountUsers(context.Context, string) (int, error)      { return u.users, u.err }
func (u *fakeUsage) CountStrategies(context.Context, string) (int, error) { return u.strategies, u.err }
func (u *fakeUsage) CountProjects(context.Context, string) (int, error)   { return u.projects, u.err }
func (u *fakeUsage) ListStrategies(context.Context, string) ([]types.Strategy, error) {
	return u.list, u.err
}

// --- Provider ---

var errProviderDown = types.NewAppError(types.ErrCodeUpstreamStripe, "stripe unavailable", errors.New("connection reset"))

// fakeProvider is the in-memory stub with per-operation failure injection
// and a call log.
type fakeProvider struct {
	*external.StubPaymentProvider
	mu    sync.Mutex
	fail  map[string]error
	calls []string

	lastCheckout types.CheckoutParams
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		StubPaymentProvider: external.NewStubPaymentProvider(discardLogger()),
		fail:                map[string]error{},
	}
}

func (p *fakeProvider) enter(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	return p.fail[op]
}

func (p *fakeProvider) called(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, tenantID, email, name string) (string, error) {
	if err := p.enter("CreateCustomer"); err != nil {
		return "", err
	}
	return p.StubPaymentProvider.CreateCustomer(ctx, tenantID, email, name)
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, params types.CheckoutParams) (*types.CheckoutSession, error) {
	if err := p.enter("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.lastCheckout = params
	p.mu.Unlock()
	return p.StubPaymentProvider.CreateCheckoutSession(ctx, params)
}

func (p *fakeProvider) GetSubscription(ctx context.Context, ref string) (*types.ProviderSubscription, error) {
	if err := p.enter("GetSubscription"); err != nil {
		return nil, err
	}
	return p.StubPaymentProvider.GetSubscription(ctx, ref)
}

func (p *fakeProvider) ListSubscriptions(ctx context.Context, customerRef string) ([]types.ProviderSubscription, error) {
	if err := p.enter("ListSubscriptions"); err != nil {
		return nil, err
	}
	return p.StubPaymentProvider.ListSubscriptions(ctx, customerRef)
}

func (p *fakeProvider) CreateSubscription(ctx context.Context, params types.SubscriptionParams) (*types.ProviderSubscription, error) {
	if err := p.enter("CreateSubscription"); err != nil {
		return nil, err
	}
	return p.StubPaymentProvider.CreateSubscription(ctx, params)
}

func (p *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) (*types.ProviderSubscription, error) {
	if err := p.enter("SetCancelAtPeriodEnd"); err != nil {
		return nil, err
	}
	return p.StubPaymentProvider.SetCancelAtPeriodEnd(ctx, ref, cancel)
}

func (p *fakeProvider) CancelSubscription(ctx context.Context, ref string) error {
	if err := p.enter("CancelSubscription"); err != nil {
		return err
	}
	return p.StubPaymentProvider.CancelSubscription(ctx, ref)
}

func (p *fakeProvider) AddSubscriptionItem(ctx context.Context, subRef, priceRef string, q int64, prorate bool) (*types.ProviderSubscriptionItem, error) {
	if err := p.enter("AddSubscriptionItem"); err != nil {
		return nil, err
	}
	return p.StubPaymentProvider.AddSubscriptionItem(ctx, subRef, priceRef, q, prorate)
}

func (p *fakeProvider) UpdateSubscriptionItem(ctx context.Context, itemID string, q int64, prorate bool) error {
	if err := p.enter("UpdateSubscriptionItem"); err != nil {
		return err
	}
	return p.StubPaymentProvider.UpdateSubscriptionItem(ctx, itemID, q, prorate)
}

func (p *fakeProvider) DeleteSubscriptionItem(ctx context.Context, itemID string, prorate bool) error {
	if err := p.enter("DeleteSubscriptionItem"); err != nil {
		return err
	}
	return p.StubPaymentProvider.DeleteSubscriptionItem(ctx, itemID, prorate)
}

// seedSubscription creates a live subscription for customerRef on the
// given prices.
func (p *fakeProvider) seedSubscription(t *testing.T, customerRef, tenantID string, prices ...string) *types.ProviderSubscription {
	t.Helper()
	items := make([]types.ProviderSubscriptionItem, 0, len(prices))
	for _, ref := range prices {
		items = append(items, types.ProviderSubscriptionItem{PriceRef: ref, Quantity: 1})
	}
	sub, err := p.StubPaymentProvider.CreateSubscription(context.Background(), types.SubscriptionParams{
		CustomerRef: customerRef,
		TenantID:    tenantID,
		Items:       items,
	})
	require.NoError(t, err)
	return sub
}

func (p *fakeProvider) setStatus(t *testing.T, ref, status string) {
	t.Helper()
	require.True(t, p.StubPaymentProvider.SetStatus(ref, status), "unknown subscription %s", ref)
}

// --- Harness ---

type harness struct {
	ents     *memEntitlements
	history  *memHistory
	dir      *memDirectory
	prov     *memProvisioner
	provider *fakeProvider
	email    *recordingEmail
	dunning  *recordingDunning
	metrics  *recordingMetrics
	usage    *fakeUsage
	catalog  *Catalog
	rec      *Reconciler
	svc      *Service
}

func newHarness(t *testing.T, rows ...*types.Entitlement) *harness {
	t.Helper()
	h := &harness{
		ents:     newMemEntitlements(rows...),
		history:  &memHistory{},
		dir:      newMemDirectory(),
		provider: newFakeProvider(),
		email:    &recordingEmail{},
		dunning:  &recordingDunning{},
		metrics:  &recordingMetrics{},
		usage:    &fakeUsage{},
		catalog:  testCatalog(t),
	}
	for _, r := range rows {
		h.dir.addTenant(r.TenantID, false)
	}
	h.prov = &memProvisioner{dir: h.dir, ents: h.ents}
	clock := types.FixedClock{T: testNow}

	h.rec = NewReconciler(ReconcilerDeps{
		Entitlements: h.ents,
		History:      h.history,
		Directory:    h.dir,
		Provisioner:  h.prov,
		Credentials:  fixedCredentials{},
		Provider:     h.provider,
		Email:        h.email,
		Dunning:      h.dunning,
		Metrics:      h.metrics,
		Catalog:      h.catalog,
		Clock:        clock,
		Logger:       discardLogger(),
	}, ReconcilerConfig{
		GracePeriod:  DefaultGracePeriod,
		DashboardURL: "https://app.example.com",
		Sender:       types.SenderIdentity{Name: "StratPlan", Address: "billing@example.com"},
	})
	h.svc = NewService(ServiceDeps{
		Entitlements: h.ents,
		History:      h.history,
		Directory:    h.dir,
		Usage:        h.usage,
		Provider:     h.provider,
		Metrics:      h.metrics,
		Catalog:      h.catalog,
		Clock:        clock,
		Logger:       discardLogger(),
	}, 14)
	return h
}

func env(id, eventType string) Envelope {
	return Envelope{ID: id, Type: eventType, Created: testNow}
}

// subscribed returns an entitlement billed on sub.
func subscribed(tenantID string, plan types.PlanTier, sub *types.ProviderSubscription) *types.Entitlement {
	e := types.NewEntitlement(tenantID)
	e.Plan = plan
	e.ProviderCustomerRef = sub.CustomerRef
	e.ProviderSubscriptionRef = sub.ID
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	e.CurrentPeriodStart = &start
	e.CurrentPeriodEnd = &end
	return e
}

// seed stores e and registers its tenant.
func (h *harness) seed(e *types.Entitlement) {
	h.ents.mu.Lock()
	h.ents.rows[e.TenantID] = e.Clone()
	h.ents.mu.Unlock()
	h.dir.addTenant(e.TenantID, false)
}
