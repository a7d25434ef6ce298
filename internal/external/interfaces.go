package external

import (
	"context"
	"encoding/json"
	"time"

	"stratplan/internal/types"
)

// ---------------------------------------------------------------------------
// Payment provider (Stripe)
// ---------------------------------------------------------------------------

// PaymentProvider abstracts the provider operations billing needs. All
// methods return *types.AppError on failure.
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, tenantID, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, p types.CheckoutParams) (*types.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)

	GetSubscription(ctx context.Context, ref string) (*types.ProviderSubscription, error)
	// ListSubscriptions returns the customer's subscriptions that are not
	// canceled or expired.
	ListSubscriptions(ctx context.Context, customerRef string) ([]types.ProviderSubscription, error)
	CreateSubscription(ctx context.Context, p types.SubscriptionParams) (*types.ProviderSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) (*types.ProviderSubscription, error)
	CancelSubscription(ctx context.Context, ref string) error

	AddSubscriptionItem(ctx context.Context, subRef, priceRef string, quantity int64, prorate bool) (*types.ProviderSubscriptionItem, error)
	UpdateSubscriptionItem(ctx context.Context, itemID string, quantity int64, prorate bool) error
	DeleteSubscriptionItem(ctx context.Context, itemID string, prorate bool) error
}

// VerifiedEvent is a webhook envelope whose signature has been checked.
type VerifiedEvent struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object of the event.
	Object json.RawMessage
}

// EventVerifier checks a webhook signature and, only on success, decodes
// the envelope.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (*VerifiedEvent, error)
}

// Stripe event type constants prevent magic strings in webhook handling.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceSucceeded    = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

// ---------------------------------------------------------------------------
// Email delivery (AWS SES or SendGrid)
// ---------------------------------------------------------------------------

// EmailProvider transmits a single email. Implementations accept either
// pre-rendered content or a provider template id with data.
type EmailProvider interface {
	// Send returns the provider's message id.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}
