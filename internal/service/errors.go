package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/digkill/astronote-billing/internal/backend"
)

// Input errors, rejected before any backend call.
var (
	ErrInvalidKind     = errors.New("unsupported purchase kind")
	ErrInvalidPlan     = errors.New("invalid subscription plan")
	ErrInvalidPackage  = errors.New("credit package is required")
	ErrInvalidCredits  = errors.New("invalid credit amount")
	ErrCreditsLimit    = errors.New("credit amount exceeds per-purchase maximum")
	ErrInvalidCurrency = errors.New("unsupported currency")
)

// Business-rule conflicts reported by the backend.
var (
	ErrSubscriptionRequired = errors.New("active subscription required")
	ErrAlreadySubscribed    = errors.New("already subscribed")
	ErrMissingPrice         = errors.New("price configuration missing")
	ErrMissingCustomer      = errors.New("no payment customer for shop")
)

// Hard failures.
var (
	ErrMissingCheckoutURL = errors.New("backend returned no checkout url")
	ErrMissingPortalURL   = errors.New("backend returned no portal url")
	ErrBackend            = errors.New("billing backend failure")
	ErrAttemptNotFound    = errors.New("checkout attempt not found")
)

// CreditsLimitError carries the per-purchase maximum that was exceeded.
type CreditsLimitError struct {
	Max int
}

func (e *CreditsLimitError) Error() string {
	return fmt.Sprintf("%s: maximum %d", ErrCreditsLimit, e.Max)
}

func (e *CreditsLimitError) Unwrap() error { return ErrCreditsLimit }

var backendCodes = map[string]error{
	"SUBSCRIPTION_REQUIRED": ErrSubscriptionRequired,
	"ALREADY_SUBSCRIBED":    ErrAlreadySubscribed,
	"INVALID_PLAN_TYPE":     ErrInvalidPlan,
	"MISSING_PRICE_ID":      ErrMissingPrice,
	"MISSING_CUSTOMER_ID":   ErrMissingCustomer,
}

// translateBackendError attaches the matching sentinel to a backend failure so
// callers can branch with errors.Is while the original error stays wrapped.
func translateBackendError(err error) error {
	if err == nil {
		return nil
	}
	if sentinel, ok := backendCodes[backend.CodeOf(err)]; ok {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return fmt.Errorf("%w: %w", ErrBackend, err)
}

type ErrorClass int

const (
	ClassHard ErrorClass = iota
	ClassInput
	ClassConflict
)

// Classify places err in the billing error taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrInvalidKind),
		errors.Is(err, ErrInvalidPlan),
		errors.Is(err, ErrInvalidPackage),
		errors.Is(err, ErrInvalidCredits),
		errors.Is(err, ErrCreditsLimit),
		errors.Is(err, ErrInvalidCurrency):
		return ClassInput
	case errors.Is(err, ErrSubscriptionRequired),
		errors.Is(err, ErrAlreadySubscribed),
		errors.Is(err, ErrMissingPrice),
		errors.Is(err, ErrMissingCustomer):
		return ClassConflict
	default:
		return ClassHard
	}
}

// HTTPStatus is the response status the web layer uses for err.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case ClassInput:
		return http.StatusBadRequest
	case ClassConflict:
		return http.StatusConflict
	}
	if errors.Is(err, ErrAttemptNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// ErrorCode is the stable machine-readable code exposed to the dashboard.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKind):
		return "INVALID_PURCHASE_TYPE"
	case errors.Is(err, ErrInvalidPlan):
		return "INVALID_PLAN_TYPE"
	case errors.Is(err, ErrInvalidPackage):
		return "INVALID_PACKAGE"
	case errors.Is(err, ErrInvalidCredits), errors.Is(err, ErrCreditsLimit):
		return "INVALID_CREDITS"
	case errors.Is(err, ErrInvalidCurrency):
		return "INVALID_CURRENCY"
	case errors.Is(err, ErrSubscriptionRequired):
		return "SUBSCRIPTION_REQUIRED"
	case errors.Is(err, ErrAlreadySubscribed):
		return "ALREADY_SUBSCRIBED"
	case errors.Is(err, ErrMissingPrice):
		return "MISSING_PRICE_ID"
	case errors.Is(err, ErrMissingCustomer):
		return "MISSING_CUSTOMER_ID"
	case errors.Is(err, ErrMissingCheckoutURL):
		return "MISSING_CHECKOUT_URL"
	case errors.Is(err, ErrMissingPortalURL):
		return "MISSING_PORTAL_URL"
	case errors.Is(err, ErrAttemptNotFound):
		return "ATTEMPT_NOT_FOUND"
	default:
		return "BACKEND_ERROR"
	}
}
