package core

import (
	"context"
	"time"

	"stratplan/internal/types"
)

// Authenticator decouples the HTTP layer from session storage, allowing for
// easy mocking in tests.
type Authenticator interface {
	// ResolveToken returns the Actor behind a bearer token. Errors carry
	// auth_token_invalid, auth_token_expired or auth_session_expired; any
	// other error is treated as an internal failure.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one response. endpoint is
	// the chi route pattern, never the raw path.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// HealthProbe is a subsystem health check.
type HealthProbe interface {
	// Name returns the component key reported by /health ("database").
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	Component string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.Component }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }
