package external

import (
	"encoding/json"
	"time"

	"stratplan/internal/types"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeVerifier verifies the Stripe-Signature header (HMAC-SHA256 over
// timestamp and body) against the endpoint signing secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier with the library's default five
// minute timestamp tolerance.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify rejects unsigned, forged or stale payloads before anything in the
// body is interpreted. The account's API version is not required to match
// the library's, since object decoding is tolerant of both layouts.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*VerifiedEvent, error) {
	if signatureHeader == "" {
		return nil, types.NewAppError(types.ErrCodeAuthSignature, "missing Stripe-Signature header", nil)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthSignature, "webhook signature verification failed", err)
	}
	return envelope(&event)
}

// ParseStoredEvent decodes a body that was verified when it was first
// received, such as a payload kept in the event ledger. It performs no
// signature check.
func ParseStoredEvent(payload []byte) (*VerifiedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "stored event is not valid JSON", err)
	}
	return envelope(&event)
}

func envelope(event *stripe.Event) (*VerifiedEvent, error) {
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "webhook envelope is incomplete", nil)
	}
	return &VerifiedEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		Object:  event.Data.Raw,
	}, nil
}
