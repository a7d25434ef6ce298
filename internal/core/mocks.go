package core

import (
	"context"
	"sync"
	"time"

	"stratplan/internal/types"
)

// MockAuthenticator implements Authenticator for tests of this package and
// of the handlers.
//
//	auth := &MockAuthenticator{Actor: &types.Actor{ID: "usr_1", TenantID: "ten_1", Role: types.RoleAdmin}}
//	auth := &MockAuthenticator{Err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", nil)}
type MockAuthenticator struct {
	Actor *types.Actor
	Err   error

	// ResolveTokenFunc takes precedence over Actor and Err.
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

// ResolveToken records the token and returns the configured outcome.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// RecordedRequest is one MockMetrics observation.
type RecordedRequest struct {
	Method, Endpoint, Status string
	Duration                 time.Duration
}

// MockMetrics records RecordRequest calls.
type MockMetrics struct {
	mu       sync.Mutex
	Requests []RecordedRequest
}

func (m *MockMetrics) RecordRequest(method, endpoint, status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RecordedRequest{method, endpoint, status, d})
}

// Snapshot returns a copy of the recorded requests.
func (m *MockMetrics) Snapshot() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.Requests...)
}

var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ MetricsCollector = (*MockMetrics)(nil)
)
