package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAPILatency        = "APILatency"
	MetricAPIRequestCount   = "APIRequestCount"
	MetricWebhookEvent      = "BillingWebhookEvent"
	MetricBillingDrift      = "BillingStateDrift"
	MetricProviderCallError = "ProviderCallFailure"

	// Dimension Keys
	DimEndpoint  = "Endpoint"
	DimMethod    = "Method"
	DimStatus    = "Status"
	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimProvider  = "Provider"

	// Metric Namespace
	MetricNamespace = "StratPlan"
)

// WebhookOutcome is the Outcome dimension of MetricWebhookEvent.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookFailed    WebhookOutcome = "failed"
	WebhookRejected  WebhookOutcome = "rejected"
	WebhookIgnored   WebhookOutcome = "ignored"
)
