package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratplan/internal/types"
)

func TestDecodeEvent(t *testing.T) {
	sub := json.RawMessage(`{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"metadata": {"tenant_id": "t1"},
		"items": {"data": [{"id": "si_1", "quantity": 1, "price": {"id": "price_pro_m"},
			"current_period_start": 1767225600, "current_period_end": 1769904000}]}
	}`)

	tests := []struct {
		eventType string
		raw       json.RawMessage
		check     func(t *testing.T, ev Event)
	}{
		{"checkout.session.completed", json.RawMessage(`{"id":"cs_1","customer":"cus_1","subscription":"sub_1","mode":"subscription","customer_details":{"email":"a@example.com","name":"Ada"}}`),
			func(t *testing.T, ev Event) {
				c, ok := ev.(CheckoutCompleted)
				require.True(t, ok)
				assert.Equal(t, "a@example.com", c.Session.Email)
				assert.Equal(t, "sub_1", c.Session.SubscriptionRef)
			}},
		{"customer.subscription.created", sub, func(t *testing.T, ev Event) {
			c, ok := ev.(SubscriptionChanged)
			require.True(t, ok)
			assert.True(t, c.Created)
			assert.False(t, c.Subscription.CurrentPeriodEnd.IsZero(), "period read from the first item")
		}},
		{"customer.subscription.updated", sub, func(t *testing.T, ev Event) {
			c, ok := ev.(SubscriptionChanged)
			require.True(t, ok)
			assert.False(t, c.Created)
		}},
		{"customer.subscription.deleted", sub, func(t *testing.T, ev Event) {
			_, ok := ev.(SubscriptionDeleted)
			assert.True(t, ok)
		}},
		{"invoice.paid", json.RawMessage(`{"id":"in_1","customer":"cus_1","amount_paid":4900,"currency":"usd"}`), func(t *testing.T, ev Event) {
			c, ok := ev.(InvoicePaid)
			require.True(t, ok)
			assert.Equal(t, int64(4900), c.Invoice.AmountPaid)
		}},
		{"invoice.payment_succeeded", json.RawMessage(`{"id":"in_1","customer":"cus_1"}`), func(t *testing.T, ev Event) {
			_, ok := ev.(InvoicePaid)
			assert.True(t, ok)
		}},
		{"invoice.payment_failed", json.RawMessage(`{"id":"in_2","customer":{"id":"cus_1"},"amount_due":4900}`), func(t *testing.T, ev Event) {
			c, ok := ev.(InvoicePaymentFailed)
			require.True(t, ok)
			assert.Equal(t, "cus_1", c.Invoice.CustomerRef)
		}},
		{"customer.updated", json.RawMessage(`{"not":"parsed"`), func(t *testing.T, ev Event) {
			_, ok := ev.(Unhandled)
			assert.True(t, ok, "unhandled types are never parsed")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			ev, err := DecodeEvent("evt_1", tt.eventType, testNow, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, "evt_1", ev.EventID())
			assert.Equal(t, tt.eventType, ev.EventType())
			assert.Equal(t, testNow, ev.OccurredAt())
			tt.check(t, ev)
		})
	}
}

func TestDecodeEvent_BadObject(t *testing.T) {
	_, err := DecodeEvent("evt_1", "customer.subscription.updated", testNow, json.RawMessage(`{"status":"active"}`))
	assert.Equal(t, types.ErrCodeValidationInvalidPayload, types.CodeOf(err))

	_, err = DecodeEvent("evt_2", "invoice.paid", testNow, json.RawMessage(`[]`))
	assert.Equal(t, types.ErrCodeValidationInvalidPayload, types.CodeOf(err))
}
