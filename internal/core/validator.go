package core

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"stratplan/internal/types"
)

// Validator wraps go-playground/validator with the billing request tags:
//
//	plan_tier         a purchasable tier (starter, pro, team)
//	billing_interval  monthly or annual
//	return_url        absolute http(s) URL on the dashboard origin
type Validator struct {
	v            *validator.Validate
	dashboardURL *url.URL
}

// NewValidator creates a Validator. Return URLs must share the origin of
// dashboardURL; an empty or unparsable dashboardURL only requires an
// absolute http(s) URL.
func NewValidator(dashboardURL string) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	val := &Validator{v: v}
	if u, err := url.Parse(dashboardURL); err == nil && u.Host != "" {
		val.dashboardURL = u
	}

	_ = v.RegisterValidation("plan_tier", func(fl validator.FieldLevel) bool {
		switch types.PlanTier(fl.Field().String()) {
		case types.PlanStarter, types.PlanPro, types.PlanTeam:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("billing_interval", func(fl validator.FieldLevel) bool {
		switch types.BillingInterval(fl.Field().String()) {
		case types.IntervalMonthly, types.IntervalAnnual:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("return_url", val.validReturnURL)
	return val
}

func (val *Validator) validReturnURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if val.dashboardURL == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, val.dashboardURL.Scheme) && strings.EqualFold(u.Host, val.dashboardURL.Host)
}

// ValidateStruct checks s and maps the first failing field to an AppError.
// Unknown tiers map to validation_invalid_plan; everything else to
// validation_missing_required_field or validation_invalid_payload with the
// field name in Details.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid request", err)
	}

	fe := verrs[0]
	details := map[string]any{"field": fe.Field(), "rule": fe.Tag()}
	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fe.Field()+" is required", nil, details)
	case "plan_tier", "billing_interval":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"unsupported "+fe.Field(), nil, details)
	case "return_url":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
			fe.Field()+" must be a dashboard URL", nil, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
		fe.Field()+" is invalid", nil, details)
}
