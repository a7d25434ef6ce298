// Package external is the anti-corruption layer between billing logic and
// vendor APIs (payment provider, email delivery). Outbound HTTP goes through
// BaseClient, which adds circuit breaking, bounded retries and error mapping
// to types.AppError.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"stratplan/internal/types"

	"github.com/sony/gobreaker/v2"
)

// userAgent identifies outbound provider calls.
const userAgent = "StratPlan-Billing/1.0"

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used by background integrations.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// BaseClient wraps an *http.Client with a circuit breaker and retry policy.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	wait      func(ctx context.Context, d time.Duration) error
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithWaitFunc overrides how the client waits between attempts. Tests use it
// to skip real delays.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) { c.wait = fn }
}

// WithBreaker shares a caller-provided circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// NewBaseClient creates a BaseClient. The breaker opens after five
// consecutive failures and half-opens after thirty seconds.
func NewBaseClient(httpClient *http.Client, breakerName string, retry RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		client:    httpClient,
		retry:     retry,
		userAgent: userAgent,
		wait:      sleepCtx,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errRetryableStatus marks 429 and 5xx responses as breaker failures.
var errRetryableStatus = errors.New("retryable upstream status")

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do executes req through the breaker, retrying 429 and 5xx responses up to
// the policy limit. Any other response is returned to the caller, who must
// close its body. Exhausted retries, an open breaker and transport failures
// come back as *types.AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if retryable(r.StatusCode) {
				return r, fmt.Errorf("%w: %d", errRetryableStatus, r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp, lastErr = resp, err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == attempts-1 {
			break
		}
		if werr := c.wait(req.Context(), c.backoff(attempt, resp)); werr != nil {
			lastErr = werr
			break
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// backoff honors Retry-After (seconds or HTTP date) and otherwise draws a
// jittered delay in [MinWait, MinWait*2^attempt] capped at MaxWait.
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, c.retry.MaxWait)
			}
			if t, err := http.ParseTime(ra); err == nil {
				return max(min(time.Until(t), c.retry.MaxWait), c.retry.MinWait)
			}
		}
	}

	ceiling := min(c.retry.MinWait<<attempt, c.retry.MaxWait)
	if ceiling <= c.retry.MinWait {
		return c.retry.MinWait
	}
	return c.retry.MinWait + time.Duration(rand.Int64N(int64(ceiling-c.retry.MinWait)))
}

func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker is open; upstream service unavailable", err)
	}
	if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		}
		if resp.StatusCode >= 500 {
			return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream returned %d", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}
