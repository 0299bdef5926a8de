package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error codes. The prefix of a code determines its HTTP status, so new codes
// must pick a prefix from the HTTPStatus switch below.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan  ErrorCode = "validation_invalid_plan"
	ErrCodeValidationFreeTier     ErrorCode = "validation_free_tier_not_billable"
	ErrCodeValidationProvider     ErrorCode = "validation_unsupported_provider"

	// Billing configuration (400)
	// Raised when no external plan id is resolvable for a
	// tier/provider/period combination.
	ErrCodePlanNotConfigured ErrorCode = "billing_plan_not_configured"

	// Signature verification (401)
	// Always this single code; the response never leaks which part of
	// verification failed.
	ErrCodeSignatureInvalid ErrorCode = "auth_signature_invalid"
	ErrCodeSignatureMissing ErrorCode = "auth_signature_missing"

	// Missing authenticated identity (401). The auth layer in front of
	// this service normally guarantees a user id in the request context.
	ErrCodeAuthRequired ErrorCode = "auth_required"

	// Not Found (404)
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundOrg          ErrorCode = "not_found_organization"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundPayment      ErrorCode = "not_found_payment"
	ErrCodeNotFoundEvent        ErrorCode = "not_found_event"

	// Conflict (409)
	ErrCodeConflictActiveSub  ErrorCode = "conflict_subscription_active"
	ErrCodeConflictTerminal   ErrorCode = "conflict_subscription_terminal"
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Limits (403)
	ErrCodeQuotaExceeded ErrorCode = "limit_monthly_quota_exceeded"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamRazorpay    ErrorCode = "upstream_razorpay_error"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
)

// HTTPStatus derives the HTTP status from the code's prefix. Unrecognized
// codes fall through to 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "billing_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodePaymentDeclined):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the error type every domain operation returns. It carries the
// machine-readable code that the API layer maps to an HTTP status, an
// operator-facing cause chain via Err, and optional structured details for
// the client.
//
// Provider errors are carried verbatim: Message holds the provider's own
// error description when one is present, so the caller retains the provider's
// detail instead of a generic wrapper.
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

// WithDetails returns a copy with details merged in, leaving the original
// untouched so shared sentinel-style errors stay immutable.
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

// NewAppError is the standard constructor for domain errors. err may be nil
// when there is no underlying cause.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails constructs an AppError carrying structured details
// for the client, such as the failing field list from validation.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsErrorCode reports whether err is (or wraps) an AppError with the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
