// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Outside APP_ENV=local, resolve every FOO_SSM_PARAM pointer into FOO.
//  4. Populate Config via envconfig, then BuildInfo from ldflags.
//  5. Validate with go-playground/validator plus cross-field billing checks.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
// SSM path of DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// ssmResolveTimeout bounds the whole batch resolution at startup.
const ssmResolveTimeout = 30 * time.Second

// env abstracts the process environment so tests do not mutate globals.
type env struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func osEnv() env {
	return env{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// LoadConfig loads and validates the service configuration. provider may be
// nil for local development; outside local it is required whenever any
// _SSM_PARAM pointer is present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfig(provider, osEnv())
}

func loadConfig(provider SecretProvider, e env) (*Config, error) {
	time.Local = time.UTC

	// godotenv never overrides variables that are already set.
	_ = godotenv.Load()

	if appEnv, _ := e.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, e); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := validateBilling(cfg.Billing); err != nil {
		return nil, err
	}
	// Each sync worker holds one connection for its tenant transaction;
	// at least one must stay free for webhooks and the API.
	if cfg.Sync.Concurrency >= cfg.Database.MaxConns {
		return nil, &ConfigError{
			Type: ErrValidation,
			Message: fmt.Sprintf("SYNC_CONCURRENCY (%d) must be lower than DB_MAX_CONNS (%d)",
				cfg.Sync.Concurrency, cfg.Database.MaxConns),
		}
	}

	return &cfg, nil
}

// validateBilling checks the rules struct tags cannot express: the active
// provider mode needs at least one base plan price, and a price id may not
// appear twice within one mode.
func validateBilling(b BillingConfig) error {
	active := b.LivePrices()
	mode := "live"
	if b.TestMode() {
		active = b.TestPrices()
		mode = "test"
	}

	base := []string{
		active.StarterMonthly, active.StarterAnnual,
		active.ProMonthly, active.ProAnnual,
		active.TeamMonthly, active.TeamAnnual,
	}
	seen := make(map[string]bool, len(base)+1)
	for _, ref := range append(base, active.Seat) {
		if ref == "" {
			continue
		}
		if seen[ref] {
			return &ConfigError{
				Type:    ErrValidation,
				Message: fmt.Sprintf("price %s is configured more than once in %s mode", ref, mode),
			}
		}
		seen[ref] = true
	}

	for _, ref := range base {
		if ref != "" {
			return nil
		}
	}
	return &ConfigError{
		Type:    ErrMissingEnv,
		Message: fmt.Sprintf("no base plan price configured for %s mode", mode),
	}
}

// ResolveSecrets performs only the SSM resolution step. Lambda entry points
// call it before reading individual variables with os.Getenv. It is a no-op
// in the local environment.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, osEnv())
}

// resolveSSMParams fetches every FOO_SSM_PARAM pointer whose target FOO is
// not already set and writes the values back into the environment.
func resolveSSMParams(provider SecretProvider, e env) error {
	targets := make(map[string]string) // ssm path -> env var
	for _, entry := range e.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := e.lookup(target); set {
			continue
		}
		targets[path] = target
	}
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for path := range targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if provider == nil {
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, targets[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targets[path])
			continue
		}
		if err := e.set(targets[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
