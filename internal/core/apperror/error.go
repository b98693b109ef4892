// Package apperror provides structured error handling for API responses.
// Every business failure crossing the HTTP boundary is an *AppError.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal       = "INTERNAL_ERROR"
	CodePaymentGateway = "PAYMENT_GATEWAY_ERROR"

	// Request context errors (400)
	CodeValidation      = "VALIDATION_ERROR"
	CodeNoTenantContext = "NO_TENANT_CONTEXT"

	// Business rule violations (422)
	CodeBusinessRule          = "BUSINESS_RULE_VIOLATION"
	CodeLicenseLimitExceeded  = "LICENSE_LIMIT_EXCEEDED"
	CodeInvalidPlanTransition = "INVALID_PLAN_TRANSITION"
	CodePaymentDeclined       = "PAYMENT_DECLINED"

	// Authorization errors (401, 403)
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeTenantNotActive  = "TENANT_NOT_ACTIVE"
	CodeTenantDBNotReady = "TENANT_DATABASE_NOT_CONFIGURED"
	CodeModuleDisabled   = "MODULE_DISABLED"

	// Not found (404)
	CodeNotFound             = "NOT_FOUND"
	CodeTenantNotFound       = "TENANT_NOT_FOUND"
	CodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"

	// Conflict (409)
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeConflict               = "CONFLICT"
	CodeIdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyMismatch    = "IDEMPOTENCY_KEY_MISMATCH"
)

// AppError is the standard error type for the platform.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, limits, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a request validation error (400).
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewUnprocessable creates a semantic validation error (422).
func NewUnprocessable(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewNoTenantContext is returned when a tenant-scoped route has no tenant identifier.
func NewNoTenantContext() *AppError {
	return &AppError{
		Code:       CodeNoTenantContext,
		Message:    "tenant identifier required",
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewTenantNotFound is fatal for the request and never retried.
func NewTenantNotFound(slug string) *AppError {
	return &AppError{
		Code:       CodeTenantNotFound,
		Message:    "tenant not found",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"tenant": slug},
	}
}

// NewTenantDatabaseNotConfigured signals missing database coordinates.
// The message is meant for administrators, so it names the tenant.
func NewTenantDatabaseNotConfigured(slug string) *AppError {
	return &AppError{
		Code:       CodeTenantDBNotReady,
		Message:    fmt.Sprintf("tenant database not configured for %q", slug),
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"tenant": slug},
	}
}

// NewTenantNotActive rejects requests for suspended or deactivated tenants.
func NewTenantNotActive(slug, status string) *AppError {
	return &AppError{
		Code:       CodeTenantNotActive,
		Message:    "tenant is not active",
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]any{"tenant": slug, "status": status},
	}
}

// NewSubscriptionNotFound creates a missing-subscription error (404).
func NewSubscriptionNotFound(tenantID string) *AppError {
	return &AppError{
		Code:       CodeSubscriptionNotFound,
		Message:    "subscription not found",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"tenant_id": tenantID},
	}
}

// NewBusinessRule creates a business rule violation error (422)
func NewBusinessRule(code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewLicenseLimitExceeded is returned when a seat limit cannot hold the active users.
func NewLicenseLimitExceeded(limit, active int) *AppError {
	return &AppError{
		Code:       CodeLicenseLimitExceeded,
		Message:    fmt.Sprintf("user limit %d is below the %d active users", limit, active),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"user_limit": limit, "active_users": active},
	}
}

// NewInvalidPlanTransition creates a state machine violation error (422).
func NewInvalidPlanTransition(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidPlanTransition,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewPaymentDeclined reports a gateway refusal. The snapshot is already marked failed.
func NewPaymentDeclined(reason string) *AppError {
	return &AppError{
		Code:       CodePaymentDeclined,
		Message:    "payment was not successful",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"reason": reason},
	}
}

// NewPaymentGateway wraps an unreachable or misbehaving gateway (hides details from client).
func NewPaymentGateway(err error) *AppError {
	return &AppError{
		Code:       CodePaymentGateway,
		Message:    "payment provider unavailable",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewConcurrentModification creates an optimistic locking error
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeConcurrentModification,
		Message:    "Record was modified concurrently. Please refresh and try again.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewModuleDisabled is returned when the tenant's plan does not include feature.
func NewModuleDisabled(feature string) *AppError {
	return &AppError{
		Code:       CodeModuleDisabled,
		Message:    "feature is not included in the current plan",
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]any{"feature": feature},
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewIdempotencyConflict is returned while another request holds the same key.
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyConflict,
		Message:    "request with this idempotency key is in progress",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch is returned when a key is reused for a different request.
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyMismatch,
		Message:    "idempotency key was used for a different request",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
