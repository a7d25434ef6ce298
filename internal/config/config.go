// Package config defines the process configuration of the billing service.
// Configuration is loaded once at startup (or Lambda cold start) and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails the load.
package config

import (
	"strings"
	"time"

	"stratplan/internal/types"
)

// SecretString is an alias for types.SecretString so secrets never print.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"stratplan-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Email         EmailConfig
	Sync          SyncConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// DashboardURL is used for checkout/portal return links and welcome
	// emails (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`

	// AutoMigrate applies the embedded schema on startup. Local use only.
	AutoMigrate bool `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DunningQueue receives payment failure and recovery notices. Empty
	// disables publishing.
	DunningQueue string `envconfig:"SQS_DUNNING_QUEUE" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds the payment provider credentials, price catalog and
// plan-access policy.
type BillingConfig struct {
	StripeSecretKey      SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret  SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripePublishableKey string       `envconfig:"STRIPE_PUBLISHABLE_KEY"`
	StripeAPIBaseURL     string       `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com/v1" validate:"url"`
	// StripeMaxRetries bounds client-side retries of provider calls. Failed
	// user actions surface immediately by default.
	StripeMaxRetries int `envconfig:"STRIPE_MAX_RETRIES" default:"0" validate:"min=0,max=5"`

	// Price catalog, one set per provider mode. Empty entries are omitted.
	LiveStarterMonthly string `envconfig:"STRIPE_LIVE_PRICE_STARTER_MONTHLY"`
	LiveStarterAnnual  string `envconfig:"STRIPE_LIVE_PRICE_STARTER_ANNUAL"`
	LiveProMonthly     string `envconfig:"STRIPE_LIVE_PRICE_PRO_MONTHLY"`
	LiveProAnnual      string `envconfig:"STRIPE_LIVE_PRICE_PRO_ANNUAL"`
	LiveTeamMonthly    string `envconfig:"STRIPE_LIVE_PRICE_TEAM_MONTHLY"`
	LiveTeamAnnual     string `envconfig:"STRIPE_LIVE_PRICE_TEAM_ANNUAL"`
	LiveSeat           string `envconfig:"STRIPE_LIVE_PRICE_SEAT"`
	TestStarterMonthly string `envconfig:"STRIPE_TEST_PRICE_STARTER_MONTHLY"`
	TestStarterAnnual  string `envconfig:"STRIPE_TEST_PRICE_STARTER_ANNUAL"`
	TestProMonthly     string `envconfig:"STRIPE_TEST_PRICE_PRO_MONTHLY"`
	TestProAnnual      string `envconfig:"STRIPE_TEST_PRICE_PRO_ANNUAL"`
	TestTeamMonthly    string `envconfig:"STRIPE_TEST_PRICE_TEAM_MONTHLY"`
	TestTeamAnnual     string `envconfig:"STRIPE_TEST_PRICE_TEAM_ANNUAL"`
	TestSeat           string `envconfig:"STRIPE_TEST_PRICE_SEAT"`

	// FreeAccessTenantIDs bypass every plan limit.
	FreeAccessTenantIDs []string      `envconfig:"BILLING_FREE_ACCESS_TENANT_IDS"`
	GracePeriod         time.Duration `envconfig:"BILLING_GRACE_PERIOD" default:"720h"`
	TrialDays           int           `envconfig:"TRIAL_DAYS" default:"0" validate:"min=0,max=90"`
}

// TestMode reports whether the secret key addresses the provider's test
// environment.
func (b BillingConfig) TestMode() bool {
	key := b.StripeSecretKey.Unmask()
	return strings.HasPrefix(key, "sk_test_") || strings.HasPrefix(key, "rk_test_")
}

// PriceSet lists the provider price identifiers of one catalog mode.
type PriceSet struct {
	StarterMonthly string
	StarterAnnual  string
	ProMonthly     string
	ProAnnual      string
	TeamMonthly    string
	TeamAnnual     string
	Seat           string
}

// LivePrices returns the live-mode price set.
func (b BillingConfig) LivePrices() PriceSet {
	return PriceSet{
		StarterMonthly: b.LiveStarterMonthly,
		StarterAnnual:  b.LiveStarterAnnual,
		ProMonthly:     b.LiveProMonthly,
		ProAnnual:      b.LiveProAnnual,
		TeamMonthly:    b.LiveTeamMonthly,
		TeamAnnual:     b.LiveTeamAnnual,
		Seat:           b.LiveSeat,
	}
}

// TestPrices returns the test-mode price set.
func (b BillingConfig) TestPrices() PriceSet {
	return PriceSet{
		StarterMonthly: b.TestStarterMonthly,
		StarterAnnual:  b.TestStarterAnnual,
		ProMonthly:     b.TestProMonthly,
		ProAnnual:      b.TestProAnnual,
		TeamMonthly:    b.TestTeamMonthly,
		TeamAnnual:     b.TestTeamAnnual,
		Seat:           b.TestSeat,
	}
}

// EmailConfig holds email delivery provider credentials and templates.
type EmailConfig struct {
	Provider          string       `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid"`
	SendGridAPIKey    SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SESConfigSet      string       `envconfig:"SES_CONFIGURATION_SET"`
	FromAddress       string       `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@stratplan.app" validate:"email"`
	FromName          string       `envconfig:"EMAIL_FROM_NAME" default:"StratPlan"`
	WelcomeTemplateID string       `envconfig:"WELCOME_TEMPLATE_ID"`
}

// SyncConfig tunes the periodic subscription resync and ledger retention.
type SyncConfig struct {
	Staleness   time.Duration `envconfig:"SYNC_STALENESS" default:"24h"`
	BatchLimit  int           `envconfig:"SYNC_BATCH_LIMIT" default:"200" validate:"min=1"`
	Concurrency int           `envconfig:"SYNC_CONCURRENCY" default:"4" validate:"min=1,max=32"`
	// Schedule is a cron spec for the in-process sweep of the API server.
	// Empty leaves scheduling to the maintenance Lambda.
	Schedule        string        `envconfig:"SYNC_SCHEDULE"`
	LedgerRetention time.Duration `envconfig:"LEDGER_RETENTION" default:"2160h"`
}

// SecurityConfig holds CORS and session settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	SessionDuration    time.Duration `envconfig:"SESSION_DURATION" default:"168h"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"StratPlan"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
