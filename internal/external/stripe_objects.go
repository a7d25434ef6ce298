package external

import (
	"encoding/json"
	"fmt"
	"time"

	"stratplan/internal/types"
)

// expandableID decodes a reference that the provider sends either as a bare
// id or as an expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("expandable reference: %w", err)
	}
	*e = expandableID(obj.ID)
	return nil
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionItem struct {
	ID                 string `json:"id"`
	Quantity           int64  `json:"quantity"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

type stripeList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	ExpiresAt         int64             `json:"expires_at"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

type stripeInvoice struct {
	ID               string       `json:"id"`
	Customer         expandableID `json:"customer"`
	Subscription     expandableID `json:"subscription"`
	BillingReason    string       `json:"billing_reason"`
	AmountDue        int64        `json:"amount_due"`
	AmountPaid       int64        `json:"amount_paid"`
	Currency         string       `json:"currency"`
	HostedInvoiceURL string       `json:"hosted_invoice_url"`
	AttemptCount     int64        `json:"attempt_count"`
	NextPaymentAt    int64        `json:"next_payment_attempt"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (s *stripeSubscription) toDomain() *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ID:                 s.ID,
		CustomerRef:        string(s.Customer),
		Status:             s.Status,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
		TrialEnd:           unixPtr(s.TrialEnd),
		Created:            unixTime(s.Created),
		Metadata:           s.Metadata,
	}
	for _, it := range s.Items.Data {
		out.Items = append(out.Items, types.ProviderSubscriptionItem{
			ID:       it.ID,
			PriceRef: it.Price.ID,
			Quantity: it.Quantity,
		})
	}
	// Newer API versions moved the billing period onto the items.
	if s.CurrentPeriodEnd == 0 && len(s.Items.Data) > 0 {
		out.CurrentPeriodStart = unixTime(s.Items.Data[0].CurrentPeriodStart)
		out.CurrentPeriodEnd = unixTime(s.Items.Data[0].CurrentPeriodEnd)
	}
	return out
}

// ParseSubscription decodes a subscription object from an API response or
// webhook event.
func ParseSubscription(raw []byte) (*types.ProviderSubscription, error) {
	var s stripeSubscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("decode subscription: missing id")
	}
	return s.toDomain(), nil
}

// ParseCheckoutSession decodes a checkout.session object.
func ParseCheckoutSession(raw []byte) (*types.ProviderCheckoutSession, error) {
	var s stripeCheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("decode checkout session: missing id")
	}
	out := &types.ProviderCheckoutSession{
		ID:                s.ID,
		CustomerRef:       string(s.Customer),
		SubscriptionRef:   string(s.Subscription),
		ClientReferenceID: s.ClientReferenceID,
		Email:             s.CustomerEmail,
		Mode:              s.Mode,
		Metadata:          s.Metadata,
	}
	if s.CustomerDetails != nil {
		if s.CustomerDetails.Email != "" {
			out.Email = s.CustomerDetails.Email
		}
		out.Name = s.CustomerDetails.Name
	}
	return out, nil
}

// ParseInvoice decodes an invoice object, reading the subscription from
// either the legacy top-level field or the parent details.
func ParseInvoice(raw []byte) (*types.ProviderInvoice, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("decode invoice: missing id")
	}
	sub := string(inv.Subscription)
	if sub == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		sub = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return &types.ProviderInvoice{
		ID:               inv.ID,
		CustomerRef:      string(inv.Customer),
		SubscriptionRef:  sub,
		BillingReason:    inv.BillingReason,
		AmountDue:        inv.AmountDue,
		AmountPaid:       inv.AmountPaid,
		Currency:         inv.Currency,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		AttemptCount:     inv.AttemptCount,
		NextAttemptAt:    unixPtr(inv.NextPaymentAt),
	}, nil
}
