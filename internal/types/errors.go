package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan    ErrorCode = "validation_invalid_plan"
	ErrCodeValidationInvalidSeats   ErrorCode = "validation_invalid_seat_count"
	ErrCodeValidationDowngradeTier  ErrorCode = "validation_downgrade_not_lower_tier"
	ErrCodeValidationInvalidPayload ErrorCode = "validation_invalid_payload"
	ErrCodeValidationUnknownPrice   ErrorCode = "validation_unknown_price"

	// Auth (401)
	ErrCodeAuthTokenMissing   ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid   ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired   ErrorCode = "auth_token_expired"
	ErrCodeAuthSignature      ErrorCode = "auth_signature_invalid"
	ErrCodeAuthSessionExpired ErrorCode = "auth_session_expired"

	// Permission (403)
	ErrCodePermissionRole ErrorCode = "permission_role_insufficient"

	// Limits (403)
	ErrCodeLimitSeats ErrorCode = "limit_seats_exceeded"

	// Not Found (404)
	ErrCodeNotFoundTenant       ErrorCode = "not_found_tenant"
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundEntitlement  ErrorCode = "not_found_entitlement"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundEvent        ErrorCode = "not_found_event"
	ErrCodeNotFoundSession      ErrorCode = "not_found_session"

	// Conflict (409)
	ErrCodeConflictEmail           ErrorCode = "conflict_email_exists"
	ErrCodeConflictNoDowngrade     ErrorCode = "conflict_no_pending_downgrade"
	ErrCodeConflictNoSubscription  ErrorCode = "conflict_no_active_subscription"
	ErrCodeConflictSubscriptionEnd ErrorCode = "conflict_subscription_canceled"
	ErrCodeConflictLegacyPlan      ErrorCode = "conflict_legacy_plan"
	ErrCodeConflictAlreadyOnPlan   ErrorCode = "conflict_already_on_plan"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe        ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamQueue         ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
	ErrCodeEmailBlocked    ErrorCode = "email_blocked"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"), strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "payment_"):
		return http.StatusPaymentRequired // 402
	case s == string(ErrCodeEmailBlocked):
		return http.StatusForbidden // 403
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type.
// Domain and handler errors are expressed as AppError so the API layer can
// format them consistently and map them to HTTP statuses.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsNotFound reports whether err is an AppError in the not_found_ family.
func IsNotFound(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return strings.HasPrefix(string(appErr.Code), "not_found_")
}

// CodeOf returns the ErrorCode of err, or an empty code when err is not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ""
	}
	return appErr.Code
}
