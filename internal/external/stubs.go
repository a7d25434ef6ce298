package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stratplan/internal/types"
)

// ---------------------------------------------------------------------------
// Stub implementations
//
// Stubs let the service boot locally without provider credentials. They log
// every call and keep just enough in-memory state for the billing flows to
// round-trip.
// ---------------------------------------------------------------------------

// StubPaymentProvider implements PaymentProvider in memory.
type StubPaymentProvider struct {
	logger *slog.Logger
	clock  types.Clock

	mu   sync.Mutex
	subs map[string]*types.ProviderSubscription
}

// NewStubPaymentProvider creates a new StubPaymentProvider.
func NewStubPaymentProvider(logger *slog.Logger) *StubPaymentProvider {
	return &StubPaymentProvider{
		logger: logger,
		clock:  types.RealClock{},
		subs:   make(map[string]*types.ProviderSubscription),
	}
}

func (s *StubPaymentProvider) CreateCustomer(ctx context.Context, tenantID, email, name string) (string, error) {
	s.logger.InfoContext(ctx, "stub: CreateCustomer called", "tenant_id", tenantID, "email", email)
	return fmt.Sprintf("cus_stub_%s", tenantID), nil
}

func (s *StubPaymentProvider) CreateCheckoutSession(ctx context.Context, p types.CheckoutParams) (*types.CheckoutSession, error) {
	s.logger.InfoContext(ctx, "stub: CreateCheckoutSession called",
		"tenant_id", p.TenantID,
		"price_ref", p.PriceRef,
	)
	id := "cs_stub_" + uuid.NewString()
	return &types.CheckoutSession{
		ID:        id,
		URL:       "https://checkout.stub.local/" + id,
		ExpiresAt: s.clock.Now().Add(24 * time.Hour),
	}, nil
}

func (s *StubPaymentProvider) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	s.logger.InfoContext(ctx, "stub: CreatePortalSession called", "customer_ref", customerRef, "return_url", returnURL)
	return "https://portal.stub.local/session", nil
}

func (s *StubPaymentProvider) GetSubscription(ctx context.Context, ref string) (*types.ProviderSubscription, error) {
	s.logger.InfoContext(ctx, "stub: GetSubscription called", "subscription_ref", ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[ref]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription: "+ref, nil)
	}
	return cloneSub(sub), nil
}

func (s *StubPaymentProvider) ListSubscriptions(ctx context.Context, customerRef string) ([]types.ProviderSubscription, error) {
	s.logger.InfoContext(ctx, "stub: ListSubscriptions called", "customer_ref", customerRef)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ProviderSubscription
	for _, sub := range s.subs {
		if sub.CustomerRef == customerRef && sub.Status != "canceled" {
			out = append(out, *cloneSub(sub))
		}
	}
	return out, nil
}

func (s *StubPaymentProvider) CreateSubscription(ctx context.Context, p types.SubscriptionParams) (*types.ProviderSubscription, error) {
	s.logger.InfoContext(ctx, "stub: CreateSubscription called",
		"tenant_id", p.TenantID,
		"customer_ref", p.CustomerRef,
		"items", len(p.Items),
	)
	now := s.clock.Now()
	sub := &types.ProviderSubscription{
		ID:                 "sub_stub_" + uuid.NewString(),
		CustomerRef:        p.CustomerRef,
		Status:             "active",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Created:            now,
		Metadata:           map[string]string{"tenant_id": p.TenantID},
	}
	for _, it := range p.Items {
		it.ID = "si_stub_" + uuid.NewString()
		sub.Items = append(sub.Items, it)
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return cloneSub(sub), nil
}

func (s *StubPaymentProvider) SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) (*types.ProviderSubscription, error) {
	s.logger.InfoContext(ctx, "stub: SetCancelAtPeriodEnd called", "subscription_ref", ref, "cancel", cancel)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[ref]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription: "+ref, nil)
	}
	sub.CancelAtPeriodEnd = cancel
	return cloneSub(sub), nil
}

func (s *StubPaymentProvider) CancelSubscription(ctx context.Context, ref string) error {
	s.logger.InfoContext(ctx, "stub: CancelSubscription called", "subscription_ref", ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[ref]; ok {
		sub.Status = "canceled"
	}
	return nil
}

func (s *StubPaymentProvider) AddSubscriptionItem(ctx context.Context, subRef, priceRef string, quantity int64, prorate bool) (*types.ProviderSubscriptionItem, error) {
	s.logger.InfoContext(ctx, "stub: AddSubscriptionItem called",
		"subscription_ref", subRef,
		"price_ref", priceRef,
		"quantity", quantity,
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subRef]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription: "+subRef, nil)
	}
	item := types.ProviderSubscriptionItem{ID: "si_stub_" + uuid.NewString(), PriceRef: priceRef, Quantity: quantity}
	sub.Items = append(sub.Items, item)
	return &item, nil
}

func (s *StubPaymentProvider) UpdateSubscriptionItem(ctx context.Context, itemID string, quantity int64, prorate bool) error {
	s.logger.InfoContext(ctx, "stub: UpdateSubscriptionItem called", "item_id", itemID, "quantity", quantity)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		for i := range sub.Items {
			if sub.Items[i].ID == itemID {
				sub.Items[i].Quantity = quantity
				return nil
			}
		}
	}
	return nil
}

func (s *StubPaymentProvider) DeleteSubscriptionItem(ctx context.Context, itemID string, prorate bool) error {
	s.logger.InfoContext(ctx, "stub: DeleteSubscriptionItem called", "item_id", itemID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		for i := range sub.Items {
			if sub.Items[i].ID == itemID {
				sub.Items = append(sub.Items[:i], sub.Items[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func cloneSub(sub *types.ProviderSubscription) *types.ProviderSubscription {
	c := *sub
	c.Items = append([]types.ProviderSubscriptionItem(nil), sub.Items...)
	return &c
}

// StubEmailProvider implements EmailProvider by logging the message.
type StubEmailProvider struct {
	logger *slog.Logger
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send called",
		"to", input.To,
		"subject", input.Subject,
		"template_id", input.TemplateID,
		"reference_id", input.ReferenceID,
	)
	return "msg_stub_" + uuid.NewString(), nil
}

var (
	_ PaymentProvider = (*StubPaymentProvider)(nil)
	_ PaymentProvider = (*StripeClient)(nil)
	_ EmailProvider   = (*StubEmailProvider)(nil)
)

// SetStatus overrides the provider status of a stored subscription, for
// simulating dunning and missed events locally.
func (s *StubPaymentProvider) SetStatus(ref, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[ref]
	if ok {
		sub.Status = status
	}
	return ok
}
