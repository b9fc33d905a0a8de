package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/logger"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/validator"
)

// Response is the standard JSON response envelope.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse represents an error in the standard response format.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]any    `json:"details,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a standardized error response. AppErrors keep their code,
// message and details; bare sentinels are mapped through apperrors.HTTPStatus.
// 5xx responses are logged with the request-scoped logger when one is present.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}

	requestID := logger.CorrelationIDFromContext(r.Context())

	resp := &ErrorResponse{RequestID: requestID}
	var status int

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status = appErr.Status
		resp.Code = appErr.Code
		resp.Message = appErr.Message
		resp.Details = appErr.Details
	} else {
		status = apperrors.HTTPStatus(err)
		resp.Code, resp.Message = sentinelCode(err, status)
	}

	if status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	WriteJSON(w, status, Response{Error: resp})
}

func sentinelCode(err error, status int) (string, string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return "NOT_FOUND", "resource not found"
	case errors.Is(err, apperrors.ErrAlreadyExists):
		return "ALREADY_EXISTS", "resource already exists"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return "INVALID_INPUT", err.Error()
	case errors.Is(err, apperrors.ErrConflict):
		return "CONFLICT", "the resource was modified concurrently"
	case status == http.StatusServiceUnavailable:
		return "TRANSIENT", "temporarily unavailable, retry later"
	default:
		return "INTERNAL_ERROR", "an internal error occurred"
	}
}

// WriteValidationError writes a 400 with field-level errors for a
// validator.ValidationError, or a plain INVALID_INPUT otherwise.
func WriteValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "request validation failed",
				Fields:  valErr.Fields(),
			},
		})
		return
	}

	WriteJSON(w, http.StatusBadRequest, Response{
		Error: &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()},
	})
}

// ParseUUID validates that the given string is a valid UUID and returns it.
// If invalid, it writes a 400 INVALID_PARAMETER response and returns false.
func ParseUUID(w http.ResponseWriter, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(param)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    "INVALID_PARAMETER",
				Message: "invalid UUID: " + param,
			},
		})
		return uuid.Nil, false
	}
	return id, true
}
