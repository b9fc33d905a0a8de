package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
)

// Booking and reservation error kinds.
var (
	ErrInvalidBooking       = errors.New("invalid booking")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrLimitExceeded        = errors.New("limit exceeded")
	ErrDuplicateBooking     = errors.New("duplicate booking")
	ErrMergeConflict        = errors.New("merge conflict")
	ErrTransient            = errors.New("transient failure")
	ErrUnsupported          = errors.New("unsupported")
)

// AppError represents a structured application error with HTTP status mapping.
// Details carries machine-readable context (current vs. max, requested vs.
// available) so callers can render an actionable message without a round trip.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Status  int            `json:"-"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// Conflict creates a 409 error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// InvalidBooking creates a 422 error for booking parameters that violate the
// product's configured bounds. reason is a stable machine-readable code such
// as "too_short" or "above_capacity".
func InvalidBooking(reason, message string) *AppError {
	return &AppError{
		Code:    "INVALID_BOOKING",
		Message: message,
		Details: map[string]any{"reason": reason},
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrInvalidBooking,
	}
}

// InsufficientCapacity creates a 409 error reporting requested vs. available units.
func InsufficientCapacity(key string, requested, available int) *AppError {
	return &AppError{
		Code:    "INSUFFICIENT_CAPACITY",
		Message: fmt.Sprintf("only %d of %d requested units are available for %s", available, requested, key),
		Details: map[string]any{"key": key, "requested": requested, "available": available},
		Status:  http.StatusConflict,
		Err:     ErrInsufficientCapacity,
	}
}

// LimitExceeded creates an error naming the exceeded limit with current vs. max.
// Rate limits map to 429, all other limits to 422.
func LimitExceeded(limit string, current, max any) *AppError {
	status := http.StatusUnprocessableEntity
	if limit == "rate_per_minute" {
		status = http.StatusTooManyRequests
	}
	return &AppError{
		Code:    "LIMIT_EXCEEDED",
		Message: fmt.Sprintf("%s limit exceeded: %v exceeds max %v", limit, current, max),
		Details: map[string]any{"limit": limit, "current": current, "max": max},
		Status:  status,
		Err:     ErrLimitExceeded,
	}
}

// DuplicateBooking creates a 409 error for a natural-key collision.
func DuplicateBooking(key string) *AppError {
	return &AppError{
		Code:    "DUPLICATE_BOOKING",
		Message: fmt.Sprintf("a booking for %s already exists", key),
		Details: map[string]any{"key": key},
		Status:  http.StatusConflict,
		Err:     ErrDuplicateBooking,
	}
}

// MergeConflict creates a 409 error listing every offending item.
func MergeConflict(message string, conflicts any) *AppError {
	return &AppError{
		Code:    "MERGE_CONFLICT",
		Message: message,
		Details: map[string]any{"conflicts": conflicts},
		Status:  http.StatusConflict,
		Err:     ErrMergeConflict,
	}
}

// Transient creates a 503 error for a retryable storage or network failure.
func Transient(message string, cause error) *AppError {
	return &AppError{
		Code:    "TRANSIENT",
		Message: message,
		Status:  http.StatusServiceUnavailable,
		Err:     errors.Join(ErrTransient, cause),
	}
}

// Unsupported creates a 422 error, used for currency mismatches and unknown product types.
func Unsupported(message string) *AppError {
	return &AppError{
		Code:    "UNSUPPORTED",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrUnsupported,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrServiceUnavail)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicateBooking), errors.Is(err, ErrMergeConflict),
		errors.Is(err, ErrInsufficientCapacity):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidBooking), errors.Is(err, ErrLimitExceeded), errors.Is(err, ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTransient), errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
