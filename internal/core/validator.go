package core

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"propcanvas/internal/types"
)

// Validator wraps go-playground/validator with the domain-specific tags used
// by request structs.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers custom validation tags:
//
//	plan_tier      - a known plan tier name
//	billing_period - "monthly" or "annual"
//	provider       - a known payment provider name
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	_ = v.RegisterValidation("plan_tier", func(fl validator.FieldLevel) bool {
		switch types.PlanTier(fl.Field().String()) {
		case types.PlanFree, types.PlanSolo, types.PlanTeam, types.PlanBrokerage,
			types.PlanAPIStarter, types.PlanAPIGrowth, types.PlanAPIEnterprise:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("billing_period", func(fl validator.FieldLevel) bool {
		switch types.BillingPeriod(fl.Field().String()) {
		case types.PeriodMonthly, types.PeriodAnnual:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
		return types.ProviderType(fl.Field().String()).Valid()
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates a request struct against its tags, returning a
// 400-mapped AppError listing every failing field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// An InvalidValidationError means the caller passed a non-struct;
		// that is a programming error, not client input.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field())] = violationMessage(fe)
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		nil,
		map[string]any{"fields": fields},
	)
}

// violationMessage renders a human-readable reason for a single violation.
func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "plan_tier":
		return "is not a known plan tier"
	case "billing_period":
		return "must be monthly or annual"
	case "provider":
		return "is not a supported payment provider"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
