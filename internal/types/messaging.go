package types

import "time"

// DunningNotice is the SQS payload consumed by the payment follow-up workers
// (reminder emails, in-app banners). JSON tags use snake_case to match the
// other queue payloads.
type DunningNotice struct {
	Kind             DunningKind `json:"kind"`
	TenantID         string      `json:"tenant_id"`
	ProviderEventID  string      `json:"provider_event_id"`
	CustomerRef      string      `json:"customer_ref"`
	InvoiceRef       string      `json:"invoice_ref,omitempty"`
	AmountDue        int64       `json:"amount_due,omitempty"`
	Currency         string      `json:"currency,omitempty"`
	HostedInvoiceURL string      `json:"hosted_invoice_url,omitempty"`
	FailedAt         *time.Time  `json:"failed_at,omitempty"`
	GraceEndsAt      *time.Time  `json:"grace_ends_at,omitempty"`
	OccurredAt       time.Time   `json:"occurred_at"`

	// TraceID carries the request id of the webhook delivery that produced
	// the notice.
	TraceID string `json:"trace_id,omitempty"`
}
