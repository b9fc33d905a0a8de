package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// DownstreamErrorResponse mirrors the httputil error envelope so structured
// errors from catalog and order services keep their code and message.
type DownstreamErrorResponse struct {
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx response and translates it
// into an AppError. The body is fully consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Transient(serviceName+" response unreadable", err)
	}

	code, message := "", string(bodyBytes)
	var downstream DownstreamErrorResponse
	if json.Unmarshal(bodyBytes, &downstream) == nil && downstream.Error != nil {
		code, message = downstream.Error.Code, downstream.Error.Message
	}
	return mapDownstreamError(resp.StatusCode, code, message, serviceName)
}

func mapDownstreamError(status int, code, message, serviceName string) error {
	qualifiedMsg := fmt.Sprintf("%s: %s", serviceName, message)

	switch {
	case status == http.StatusNotFound:
		return apperrors.NotFound(serviceName, message)
	case status == http.StatusBadRequest:
		return apperrors.InvalidInput(qualifiedMsg)
	case status == http.StatusConflict:
		return apperrors.Conflict(qualifiedMsg)
	case status == http.StatusUnauthorized:
		return apperrors.Unauthorized(qualifiedMsg)
	case status == http.StatusForbidden:
		return apperrors.Forbidden(qualifiedMsg)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.Transient(qualifiedMsg, fmt.Errorf("status %d %s", status, code))
	default:
		if code == "" {
			code = "DOWNSTREAM_ERROR"
		}
		return &apperrors.AppError{Code: code, Message: qualifiedMsg, Status: status}
	}
}

// TranslateTransportError turns a failure from Client or CircuitBreakerClient
// (network error, exhausted 5xx retries, open circuit) into a transient
// AppError. Context cancellation is returned as is.
func TranslateTransportError(err error, serviceName string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, ErrCircuitOpen) {
		return apperrors.Transient(serviceName+" circuit open", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Transient(serviceName+" unavailable", err)
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
