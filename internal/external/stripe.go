package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stratplan/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL, including the version
// path segment.
const stripeAPIBase = "https://api.stripe.com/v1"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey  string
	BaseURL    string // Override for testing; defaults to stripeAPIBase
	MaxRetries int
	Logger     *slog.Logger
}

// StripeClient talks to the Stripe REST API through BaseClient. Every call
// is a single logical round trip; failures are returned to the caller as
// *types.AppError and never retried beyond the configured policy.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. MaxRetries of zero means a failed
// call surfaces immediately, so user actions report errors without delay.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		userAgent,
		opts...,
	)
	return newStripeClientWithBase(base, cfg)
}

func newStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Customers and hosted sessions
// ---------------------------------------------------------------------------

// CreateCustomer creates a customer tagged with the tenant id. The tenant id
// doubles as the idempotency key, so a retried call returns the same
// customer.
func (s *StripeClient) CreateCustomer(ctx context.Context, tenantID, email, name string) (string, error) {
	params := url.Values{}
	params.Set("email", email)
	if name != "" {
		params.Set("name", name)
	}
	params.Set("metadata[tenant_id]", tenantID)

	var c stripeCustomer
	if err := s.call(ctx, http.MethodPost, "/customers", params, "customer-"+tenantID, "CreateCustomer", &c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// CreateCheckoutSession creates a subscription-mode hosted checkout page.
// The tenant id travels as client_reference_id and metadata, on both the
// session and the resulting subscription.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p types.CheckoutParams) (*types.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("customer", p.CustomerRef)
	params.Set("client_reference_id", p.TenantID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceRef)
	params.Set("line_items[0][quantity]", strconv.FormatInt(max(p.Quantity, 1), 10))
	params.Set("metadata[tenant_id]", p.TenantID)
	params.Set("subscription_data[metadata][tenant_id]", p.TenantID)
	if p.Plan != "" {
		params.Set("metadata[plan]", string(p.Plan))
		params.Set("metadata[interval]", string(p.Interval))
	}
	if p.TrialDays > 0 {
		params.Set("subscription_data[trial_period_days]", strconv.Itoa(p.TrialDays))
	}

	var cs stripeCheckoutSession
	if err := s.call(ctx, http.MethodPost, "/checkout/sessions", params, "", "CreateCheckoutSession", &cs); err != nil {
		return nil, err
	}
	return &types.CheckoutSession{ID: cs.ID, URL: cs.URL, ExpiresAt: unixTime(cs.ExpiresAt)}, nil
}

// CreatePortalSession returns a self-service billing portal URL.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("return_url", returnURL)

	var ps stripePortalSession
	if err := s.call(ctx, http.MethodPost, "/billing_portal/sessions", params, "", "CreatePortalSession", &ps); err != nil {
		return "", err
	}
	return ps.URL, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// GetSubscription retrieves one subscription by id.
func (s *StripeClient) GetSubscription(ctx context.Context, ref string) (*types.ProviderSubscription, error) {
	var sub stripeSubscription
	if err := s.call(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(ref), nil, "", "GetSubscription", &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

// ListSubscriptions returns every non-terminal subscription of a customer,
// following pagination.
func (s *StripeClient) ListSubscriptions(ctx context.Context, customerRef string) ([]types.ProviderSubscription, error) {
	var out []types.ProviderSubscription
	startingAfter := ""
	for {
		params := url.Values{}
		params.Set("customer", customerRef)
		params.Set("status", "all")
		params.Set("limit", "100")
		if startingAfter != "" {
			params.Set("starting_after", startingAfter)
		}

		var page stripeList[stripeSubscription]
		if err := s.call(ctx, http.MethodGet, "/subscriptions", params, "", "ListSubscriptions", &page); err != nil {
			return nil, err
		}
		for i := range page.Data {
			switch page.Data[i].Status {
			case "canceled", "incomplete_expired":
				continue
			}
			out = append(out, *page.Data[i].toDomain())
		}
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}

// CreateSubscription creates a subscription charged to the customer's
// default payment method.
func (s *StripeClient) CreateSubscription(ctx context.Context, p types.SubscriptionParams) (*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerRef)
	params.Set("metadata[tenant_id]", p.TenantID)
	params.Set("off_session", "true")
	for i, it := range p.Items {
		params.Set(fmt.Sprintf("items[%d][price]", i), it.PriceRef)
		params.Set(fmt.Sprintf("items[%d][quantity]", i), strconv.FormatInt(max(it.Quantity, 1), 10))
	}

	var sub stripeSubscription
	if err := s.call(ctx, http.MethodPost, "/subscriptions", params, p.IdempotencyKey, "CreateSubscription", &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

// SetCancelAtPeriodEnd schedules or lifts the end-of-period cancellation.
func (s *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) (*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	var sub stripeSubscription
	if err := s.call(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(ref), params, "", "SetCancelAtPeriodEnd", &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

// CancelSubscription cancels a subscription immediately without proration.
func (s *StripeClient) CancelSubscription(ctx context.Context, ref string) error {
	params := url.Values{}
	params.Set("prorate", "false")
	return s.call(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(ref), params, "", "CancelSubscription", nil)
}

// ---------------------------------------------------------------------------
// Subscription items (seats)
// ---------------------------------------------------------------------------

func prorationBehavior(prorate bool) string {
	if prorate {
		return "create_prorations"
	}
	return "none"
}

// AddSubscriptionItem attaches a new priced line to a subscription.
func (s *StripeClient) AddSubscriptionItem(ctx context.Context, subRef, priceRef string, quantity int64, prorate bool) (*types.ProviderSubscriptionItem, error) {
	params := url.Values{}
	params.Set("subscription", subRef)
	params.Set("price", priceRef)
	params.Set("quantity", strconv.FormatInt(quantity, 10))
	params.Set("proration_behavior", prorationBehavior(prorate))

	var it stripeSubscriptionItem
	if err := s.call(ctx, http.MethodPost, "/subscription_items", params, "", "AddSubscriptionItem", &it); err != nil {
		return nil, err
	}
	return &types.ProviderSubscriptionItem{ID: it.ID, PriceRef: it.Price.ID, Quantity: it.Quantity}, nil
}

// UpdateSubscriptionItem changes the quantity of an item.
func (s *StripeClient) UpdateSubscriptionItem(ctx context.Context, itemID string, quantity int64, prorate bool) error {
	params := url.Values{}
	params.Set("quantity", strconv.FormatInt(quantity, 10))
	params.Set("proration_behavior", prorationBehavior(prorate))
	return s.call(ctx, http.MethodPost, "/subscription_items/"+url.PathEscape(itemID), params, "", "UpdateSubscriptionItem", nil)
}

// DeleteSubscriptionItem removes an item from its subscription.
func (s *StripeClient) DeleteSubscriptionItem(ctx context.Context, itemID string, prorate bool) error {
	params := url.Values{}
	params.Set("proration_behavior", prorationBehavior(prorate))
	return s.call(ctx, http.MethodDelete, "/subscription_items/"+url.PathEscape(itemID), params, "", "DeleteSubscriptionItem", nil)
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// call performs one authenticated request and decodes a 2xx body into out
// when out is non-nil. Form parameters go in the query string for GET and
// DELETE and in the body otherwise.
func (s *StripeClient) call(ctx context.Context, method, path string, params url.Values, idempotencyKey, operation string, out any) error {
	reqURL := s.baseURL + path
	var body io.Reader
	if len(params) > 0 {
		if method == http.MethodGet || method == http.MethodDelete {
			reqURL += "?" + params.Encode()
		} else {
			body = strings.NewReader(params.Encode())
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": building request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapTransportError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.handleErrorResponse(resp, operation)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, operation+": undecodable response", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var se stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &se); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	s.logger.Warn("stripe request rejected",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_code", se.Error.Code,
		"stripe_type", se.Error.Type,
	)
	return mapStripeError(operation, resp.StatusCode, &se.Error)
}

func mapStripeError(operation string, status int, se *stripeErrorBody) error {
	if se.Code == "card_declined" || se.DeclineCode != "" || se.Type == "card_error" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("Payment was declined: %s", se.Message),
			nil,
			map[string]any{"decline_code": se.DeclineCode, "stripe_code": se.Code},
		)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, operation+": Stripe rate limit exceeded", nil)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("%s: Stripe server error: %s", operation, se.Message), nil)
	case status == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundSubscription, fmt.Sprintf("%s: Stripe resource not found: %s", operation, se.Message), nil)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, status, se.Message),
			nil,
			map[string]any{"stripe_code": se.Code, "param": se.Param},
		)
	}
}

// wrapTransportError keeps BaseClient AppErrors (breaker open, retries
// exhausted) and wraps anything else as an upstream failure.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, fmt.Sprintf("%s: Stripe request failed", operation), err)
}
