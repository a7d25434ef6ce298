package external

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"stratplan/internal/config"
)

// ClientRegistry holds every external client the service uses. In local
// mode the payment provider and email are stubs; webhook verification is
// always real so signed test deliveries exercise the same path as
// production.
type ClientRegistry struct {
	Payments PaymentProvider
	Email    EmailProvider
	Verifier EventVerifier
}

// RegistryOption is a functional option for configuring a ClientRegistry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	awsCfg     *aws.Config
	httpClient *http.Client
}

// WithAWSConfig supplies the AWS config used by the SES client.
func WithAWSConfig(cfg aws.Config) RegistryOption {
	return func(rc *registryConfig) { rc.awsCfg = &cfg }
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(rc *registryConfig) { rc.httpClient = c }
}

// NewClientRegistry initializes all external service clients from cfg.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger, opts ...RegistryOption) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &registryConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	reg := &ClientRegistry{
		Verifier: NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask()),
	}

	if cfg.Environment == "local" {
		logger.Info("initializing external clients in STUB mode", "environment", cfg.Environment)
		stubLogger := logger.With("mode", "stub")
		reg.Payments = NewStubPaymentProvider(stubLogger)
		reg.Email = NewStubEmailProvider(stubLogger)
		return reg, nil
	}

	logger.Info("initializing external clients",
		"environment", cfg.Environment,
		"stripe_test_mode", cfg.Billing.TestMode(),
		"email_provider", cfg.Email.Provider,
	)

	stripeHTTP := rc.httpClient
	if stripeHTTP == nil {
		stripeHTTP = &http.Client{Timeout: 20 * time.Second}
	}
	reg.Payments = NewStripeClient(stripeHTTP, StripeClientConfig{
		SecretKey:  cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:    cfg.Billing.StripeAPIBaseURL,
		MaxRetries: cfg.Billing.StripeMaxRetries,
		Logger:     logger.With("client", "stripe"),
	})

	switch cfg.Email.Provider {
	case "sendgrid":
		mailHTTP := rc.httpClient
		if mailHTTP == nil {
			mailHTTP = &http.Client{Timeout: 10 * time.Second}
		}
		reg.Email = NewSendGridClient(NewBaseClient(mailHTTP, "sendgrid", sendGridRetry, userAgent), SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger.With("client", "sendgrid"),
		})
	default:
		if rc.awsCfg == nil {
			logger.Warn("no AWS config supplied; email delivery falls back to stub")
			reg.Email = NewStubEmailProvider(logger.With("mode", "stub"))
			break
		}
		reg.Email = NewSESClient(*rc.awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger.With("client", "ses"),
		})
	}

	return reg, nil
}
