package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stratplan/internal/types"

	"github.com/sony/gobreaker/v2"
)

func noWait(context.Context, time.Duration) error { return nil }

func testPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: 10 * time.Millisecond, MaxWait: 5 * time.Second}
}

func newTestBaseClient(retries int, opts ...BaseClientOption) *BaseClient {
	opts = append([]BaseClientOption{WithWaitFunc(noWait)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test", testPolicy(retries), "StratPlan-Test/1.0", opts...)
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "StratPlan-Test/1.0" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Write([]byte(`ok`))
	}))
	defer server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := newTestBaseClient(0).Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_PropagatesRequestID(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
	}))
	defer server.Close()

	ctx := types.WithRequestID(context.Background(), "req-42")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := newTestBaseClient(0).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if got != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", got)
	}
}

func TestDo_RetriesServerErrorsAndReplaysBody(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "quantity=3" {
			t.Errorf("attempt %d body = %q", atomic.LoadInt32(&calls)+1, body)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader("quantity=3"))
	resp, err := newTestBaseClient(2).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustedRetriesMapToAppError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   types.ErrorCode
	}{
		{"server error", http.StatusInternalServerError, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
			_, err := newTestBaseClient(1).Do(req)
			if got := types.CodeOf(err); got != tc.want {
				t.Fatalf("code = %q, want %q (err=%v)", got, tc.want, err)
			}
			if calls != 2 {
				t.Errorf("calls = %d, want 2", calls)
			}
		})
	}
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := newTestBaseClient(3).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || calls != 1 {
		t.Errorf("status = %d calls = %d", resp.StatusCode, calls)
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	client := newTestBaseClient(0, WithBreaker(cb))

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		_, err := client.Do(req)
		if types.CodeOf(err) != types.ErrCodeUpstreamUnavailable {
			t.Fatalf("call %d: code = %q", i, types.CodeOf(err))
		}
		if i == 1 && !errors.Is(err, gobreaker.ErrOpenState) {
			t.Errorf("second call should fail on the open breaker, got %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("server calls = %d, want 1", calls)
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var waited []time.Duration
	client := newTestBaseClient(1, WithWaitFunc(func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if len(waited) != 1 || waited[0] != 2*time.Second {
		t.Errorf("waited = %v, want [2s]", waited)
	}
}

func TestDo_CanceledWaitStopsRetrying(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestBaseClient(5, WithWaitFunc(func(context.Context, time.Duration) error {
		return context.Canceled
	}))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoff_StaysWithinBounds(t *testing.T) {
	c := newTestBaseClient(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := c.backoff(attempt, nil)
		if d < c.retry.MinWait || d > c.retry.MaxWait {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, c.retry.MinWait, c.retry.MaxWait)
		}
	}
}
