// Package handlers contains the HTTP handlers of the billing API.
//
// This file implements the tenant-facing billing endpoints mounted under
// /v1/billing: read projections for the settings page and plan guards, and
// the admin actions that start checkout, open the portal, schedule
// downgrades and change seat counts.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stratplan/internal/billing"
	"stratplan/internal/core"
	"stratplan/internal/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// --- Service Interfaces ---
//
// Defined here so tests can inject fakes; *billing.Service and
// *billing.LimitsService satisfy them.

// BillingActions are the state-changing billing operations.
type BillingActions interface {
	StartCheckout(ctx context.Context, req billing.CheckoutRequest) (*types.CheckoutSession, error)
	OpenPortal(ctx context.Context, tenantID, returnURL string) (string, error)
	RequestDowngrade(ctx context.Context, tenantID string, target types.PlanTier) (*types.Entitlement, error)
	CancelDowngrade(ctx context.Context, tenantID string) (*types.Entitlement, error)
	AddSeats(ctx context.Context, tenantID string, n int) (*types.Entitlement, error)
	RemoveSeats(ctx context.Context, tenantID string, n int) (*types.Entitlement, error)
	History(ctx context.Context, tenantID string, limit int) ([]*types.BillingHistoryEntry, error)
}

// BillingReader answers the read-only billing questions.
type BillingReader interface {
	CheckPlanLimits(ctx context.Context, tenantID string, r types.ResourceType) (*billing.LimitCheck, error)
	GetEditableStrategyIDs(ctx context.Context, tenantID string) (*billing.EditableStrategies, error)
	GetOrganizationBillingInfo(ctx context.Context, tenantID string) (*billing.BillingInfo, error)
}

// --- Request/Response Models ---

// CheckoutSessionRequest is the body of POST /v1/billing/checkout-session.
// Redirect URLs default to the dashboard billing page and, when given, must
// share the dashboard origin.
type CheckoutSessionRequest struct {
	Plan       types.PlanTier        `json:"plan" validate:"required,plan_tier"`
	Interval   types.BillingInterval `json:"interval" validate:"omitempty,billing_interval"`
	SuccessURL string                `json:"success_url" validate:"omitempty,return_url"`
	CancelURL  string                `json:"cancel_url" validate:"omitempty,return_url"`
}

// CheckoutSessionResponse carries the hosted checkout page.
type CheckoutSessionResponse struct {
	CheckoutURL string    `json:"checkout_url"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PortalSessionRequest is the body of POST /v1/billing/portal-session. An
// empty body is accepted.
type PortalSessionRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,return_url"`
}

// PortalSessionResponse carries the self-service portal URL.
type PortalSessionResponse struct {
	PortalURL string `json:"portal_url"`
}

// DowngradeRequest is the body of POST /v1/billing/downgrade.
type DowngradeRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,plan_tier"`
}

// SeatsRequest is the body of POST /v1/billing/seats. A negative delta
// removes seats at the next renewal.
type SeatsRequest struct {
	Delta int `json:"delta" validate:"min=-500,max=500"`
}

// --- Billing Handler ---

// BillingHandler serves the authenticated billing API.
type BillingHandler struct {
	actions      BillingActions
	reader       BillingReader
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewBillingHandler creates a BillingHandler. dashboardURL builds the
// default checkout and portal return URLs.
func NewBillingHandler(
	actions BillingActions,
	reader BillingReader,
	v *core.Validator,
	dashboardURL string,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(dashboardURL)
	}
	return &BillingHandler{
		actions:      actions,
		reader:       reader,
		validator:    v,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       l,
	}
}

// RegisterRoutes mounts the billing endpoints on the /v1 router. Reads are
// open to every member; mutations require admin or above.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/", h.GetBillingInfo)
		r.Get("/limits/{resource}", h.CheckLimits)
		r.Get("/strategies/editable", h.GetEditableStrategies)
		r.Get("/history", h.GetHistory)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireRole(types.RoleAdmin))
			r.Post("/checkout-session", h.CreateCheckoutSession)
			r.Post("/portal-session", h.CreatePortalSession)
			r.Post("/downgrade", h.ScheduleDowngrade)
			r.Delete("/downgrade", h.CancelDowngrade)
			r.Post("/seats", h.ChangeSeats)
		})
	})
}

// tenantID returns the tenant of the authenticated actor, writing a 401 when
// the context carries none.
func tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := types.GetTenantID(r.Context())
	if !ok || id == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
			"Tenant context is required", nil))
		return "", false
	}
	return id, true
}

func (h *BillingHandler) log(ctx context.Context) *slog.Logger {
	return types.LoggerFromContext(ctx, h.logger)
}

// GetBillingInfo handles GET /v1/billing.
func (h *BillingHandler) GetBillingInfo(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	info, err := h.reader.GetOrganizationBillingInfo(r.Context(), tid)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, info)
}

// CheckLimits handles GET /v1/billing/limits/{resource}.
func (h *BillingHandler) CheckLimits(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	resource := types.ResourceType(chi.URLParam(r, "resource"))
	check, err := h.reader.CheckPlanLimits(r.Context(), tid, resource)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, check)
}

// GetEditableStrategies handles GET /v1/billing/strategies/editable.
func (h *BillingHandler) GetEditableStrategies(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	out, err := h.reader.GetEditableStrategyIDs(r.Context(), tid)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, out)
}

// GetHistory handles GET /v1/billing/history?limit=N.
func (h *BillingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
				"limit must be between 1 and 200", err, map[string]any{"field": "limit"}))
			return
		}
		limit = n
	}

	entries, err := h.actions.History(r.Context(), tid, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: entries,
		Meta: &types.ResponseMeta{Pagination: &types.PageInfo{HasMore: len(entries) == limit}},
	})
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutSessionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}

	if req.SuccessURL == "" {
		req.SuccessURL = h.dashboardURL + "/settings/billing?checkout=success"
	}
	if req.CancelURL == "" {
		req.CancelURL = h.dashboardURL + "/settings/billing?checkout=canceled"
	}

	session, err := h.actions.StartCheckout(r.Context(), billing.CheckoutRequest{
		TenantID:   tid,
		Plan:       req.Plan,
		Interval:   req.Interval,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.log(r.Context()).InfoContext(r.Context(), "checkout session created",
		"tenant_id", tid,
		"plan", req.Plan,
		"session_id", session.ID,
	)
	core.OK(w, r, CheckoutSessionResponse{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
		ExpiresAt:   session.ExpiresAt,
	})
}

// CreatePortalSession handles POST /v1/billing/portal-session.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req PortalSessionRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	if req.ReturnURL == "" {
		req.ReturnURL = h.dashboardURL + "/settings/billing"
	}

	url, err := h.actions.OpenPortal(r.Context(), tid, req.ReturnURL)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, PortalSessionResponse{PortalURL: url})
}

// ScheduleDowngrade handles POST /v1/billing/downgrade.
func (h *BillingHandler) ScheduleDowngrade(w http.ResponseWriter, r *http.Request) {
	var req DowngradeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}

	ent, err := h.actions.RequestDowngrade(r.Context(), tid, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, ent)
}

// CancelDowngrade handles DELETE /v1/billing/downgrade.
func (h *BillingHandler) CancelDowngrade(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	ent, err := h.actions.CancelDowngrade(r.Context(), tid)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, ent)
}

// ChangeSeats handles POST /v1/billing/seats. Additions apply immediately
// with proration; removals take effect at renewal.
func (h *BillingHandler) ChangeSeats(w http.ResponseWriter, r *http.Request) {
	var req SeatsRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Delta == 0 {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidSeats,
			"delta must not be zero", nil, map[string]any{"field": "delta"}))
		return
	}
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}

	var (
		ent *types.Entitlement
		err error
	)
	if req.Delta > 0 {
		ent, err = h.actions.AddSeats(r.Context(), tid, req.Delta)
	} else {
		ent, err = h.actions.RemoveSeats(r.Context(), tid, -req.Delta)
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, ent)
}
