package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies the Error() method produces "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationDowngradeTier,
		Message: "downgrade target must be a lower tier",
	}

	expected := "validation_downgrade_not_lower_tier: downgrade target must be a lower tier"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

// TestAppErrorUnwrap verifies the error chain support via Unwrap.
func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := NewAppError(ErrCodeInternalDB, "failed to load entitlement", underlying)

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() returned unexpected error: got %v, want %v", appErr.Unwrap(), underlying)
	}
	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error")
	}
}

// TestAppErrorErrorsAs verifies that errors.As can extract AppError from an error chain.
func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodeUpstreamStripe, "provider unavailable", nil)
	wrapped := fmt.Errorf("seat change failed: %w", appErr)

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should extract *AppError from wrapped error")
	}
	if target.Code != ErrCodeUpstreamStripe {
		t.Errorf("extracted code = %q, want %q", target.Code, ErrCodeUpstreamStripe)
	}
	if CodeOf(wrapped) != ErrCodeUpstreamStripe {
		t.Errorf("CodeOf() = %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf() on a plain error should be empty")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("lookup: %w", NewAppError(ErrCodeNotFoundEntitlement, "missing", nil))) {
		t.Error("expected not_found_entitlement to be a not-found error")
	}
	if IsNotFound(NewAppError(ErrCodeInternalDB, "boom", nil)) {
		t.Error("internal_db is not a not-found error")
	}
	if IsNotFound(nil) {
		t.Error("nil is not a not-found error")
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidPlan, http.StatusBadRequest},
		{ErrCodeValidationDowngradeTier, http.StatusBadRequest},
		{ErrCodeAuthSignature, http.StatusUnauthorized},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodePermissionRole, http.StatusForbidden},
		{ErrCodeLimitSeats, http.StatusForbidden},
		{ErrCodeNotFoundTenant, http.StatusNotFound},
		{ErrCodeConflictNoDowngrade, http.StatusConflict},
		{ErrCodePaymentDeclined, http.StatusPaymentRequired},
		{ErrCodeEmailBlocked, http.StatusForbidden},
		{ErrCodeUpstreamRateLimited, http.StatusServiceUnavailable},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeUpstreamQueue, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorWithDetails(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodeLimitSeats, "seat limit reached", nil, map[string]any{"limit": 3})
	extended := base.WithDetails(map[string]any{"current": 3})

	if len(base.Details) != 1 {
		t.Errorf("original details mutated: %v", base.Details)
	}
	if extended.Details["limit"] != 3 || extended.Details["current"] != 3 {
		t.Errorf("merged details = %v", extended.Details)
	}
	if extended.Code != base.Code || extended.Message != base.Message {
		t.Error("WithDetails must preserve code and message")
	}
}
