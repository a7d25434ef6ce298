package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"stratplan/internal/external"
	"stratplan/internal/types"
)

// Event is a verified provider event decoded into one of a closed set of
// variants. Types the reconciler does not act on decode to Unhandled.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	event()
}

// Envelope carries the fields every event shares.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e Envelope) EventID() string       { return e.ID }
func (e Envelope) EventType() string     { return e.Type }
func (e Envelope) OccurredAt() time.Time { return e.Created }
func (Envelope) event()                  {}

// CheckoutCompleted is a finished hosted checkout.
type CheckoutCompleted struct {
	Envelope
	Session types.ProviderCheckoutSession
}

// SubscriptionChanged covers subscription creation and every later update.
type SubscriptionChanged struct {
	Envelope
	Created      bool
	Subscription types.ProviderSubscription
}

// SubscriptionDeleted means the subscription has ended at the provider.
type SubscriptionDeleted struct {
	Envelope
	Subscription types.ProviderSubscription
}

// InvoicePaid is a successful invoice payment.
type InvoicePaid struct {
	Envelope
	Invoice types.ProviderInvoice
}

// InvoicePaymentFailed is a failed charge attempt on an invoice.
type InvoicePaymentFailed struct {
	Envelope
	Invoice types.ProviderInvoice
}

// Unhandled is any event type outside the reconciled set.
type Unhandled struct {
	Envelope
}

// DecodeEvent maps a verified envelope and its raw data.object to a typed
// variant. Only the object of a handled type is parsed.
func DecodeEvent(id, eventType string, created time.Time, raw json.RawMessage) (Event, error) {
	env := Envelope{ID: id, Type: eventType, Created: created}

	switch eventType {
	case external.EventCheckoutCompleted:
		s, err := external.ParseCheckoutSession(raw)
		if err != nil {
			return nil, decodeErr(env, err)
		}
		return CheckoutCompleted{Envelope: env, Session: *s}, nil

	case external.EventSubscriptionCreated, external.EventSubscriptionUpdated:
		s, err := external.ParseSubscription(raw)
		if err != nil {
			return nil, decodeErr(env, err)
		}
		return SubscriptionChanged{
			Envelope:     env,
			Created:      eventType == external.EventSubscriptionCreated,
			Subscription: *s,
		}, nil

	case external.EventSubscriptionDeleted:
		s, err := external.ParseSubscription(raw)
		if err != nil {
			return nil, decodeErr(env, err)
		}
		return SubscriptionDeleted{Envelope: env, Subscription: *s}, nil

	case external.EventInvoicePaid, external.EventInvoiceSucceeded:
		inv, err := external.ParseInvoice(raw)
		if err != nil {
			return nil, decodeErr(env, err)
		}
		return InvoicePaid{Envelope: env, Invoice: *inv}, nil

	case external.EventInvoiceFailed:
		inv, err := external.ParseInvoice(raw)
		if err != nil {
			return nil, decodeErr(env, err)
		}
		return InvoicePaymentFailed{Envelope: env, Invoice: *inv}, nil
	}
	return Unhandled{Envelope: env}, nil
}

func decodeErr(env Envelope, err error) error {
	return types.NewAppError(
		types.ErrCodeValidationInvalidPayload,
		fmt.Sprintf("event %s (%s) has an undecodable object", env.ID, env.Type),
		err,
	)
}
