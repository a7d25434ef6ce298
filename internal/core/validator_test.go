package core

import (
	"testing"

	"stratplan/internal/types"
)

type checkoutBody struct {
	Plan       types.PlanTier        `json:"plan" validate:"required,plan_tier"`
	Interval   types.BillingInterval `json:"interval" validate:"required,billing_interval"`
	SuccessURL string                `json:"success_url" validate:"required,return_url"`
	Seats      int                   `json:"seats" validate:"omitempty,min=1,max=500"`
}

func TestValidator(t *testing.T) {
	v := NewValidator("https://app.stratplan.test/dashboard")

	valid := checkoutBody{Plan: types.PlanPro, Interval: types.IntervalAnnual, SuccessURL: "https://app.stratplan.test/billing?ok=1"}

	tests := []struct {
		name   string
		mutate func(*checkoutBody)
		code   types.ErrorCode
		field  string
	}{
		{"valid", func(*checkoutBody) {}, "", ""},
		{"missing plan", func(b *checkoutBody) { b.Plan = "" }, types.ErrCodeValidationMissingField, "plan"},
		{"legacy plan", func(b *checkoutBody) { b.Plan = types.PlanLegacy }, types.ErrCodeValidationInvalidPlan, "plan"},
		{"unknown interval", func(b *checkoutBody) { b.Interval = "weekly" }, types.ErrCodeValidationInvalidPlan, "interval"},
		{"foreign origin", func(b *checkoutBody) { b.SuccessURL = "https://evil.test/billing" }, types.ErrCodeValidationInvalidPayload, "success_url"},
		{"relative url", func(b *checkoutBody) { b.SuccessURL = "/billing" }, types.ErrCodeValidationInvalidPayload, "success_url"},
		{"too many seats", func(b *checkoutBody) { b.Seats = 501 }, types.ErrCodeValidationInvalidPayload, "seats"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := valid
			tt.mutate(&body)
			err := v.ValidateStruct(body)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := types.CodeOf(err); got != tt.code {
				t.Fatalf("code = %q, want %q (err %v)", got, tt.code, err)
			}
			appErr := err.(*types.AppError)
			if appErr.Details["field"] != tt.field {
				t.Errorf("field = %v, want %s", appErr.Details["field"], tt.field)
			}
		})
	}
}

func TestValidator_NoDashboardAcceptsAnyAbsoluteURL(t *testing.T) {
	v := NewValidator("")
	body := checkoutBody{Plan: types.PlanTeam, Interval: types.IntervalMonthly, SuccessURL: "http://localhost:3000/done"}
	if err := v.ValidateStruct(body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body.SuccessURL = "ftp://localhost/done"
	if got := types.CodeOf(v.ValidateStruct(body)); got != types.ErrCodeValidationInvalidPayload {
		t.Fatal("expected ftp URL to be rejected")
	}
}
