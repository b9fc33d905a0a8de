package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/logger"
)

// CorrelationIDHeader carries the request correlation ID in both directions.
const CorrelationIDHeader = "X-Correlation-ID"

// RequestLogging assigns a correlation ID (taken from the request or
// generated) and logs every request with status, duration and size.
func RequestLogging(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := r.Header.Get(CorrelationIDHeader)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			ctx := logger.WithCorrelationID(r.Context(), correlationID)
			r = r.WithContext(ctx)
			w.Header().Set(CorrelationIDHeader, correlationID)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			if rec.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			l.LogAttrs(ctx, level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("correlation_id", correlationID),
			)
		})
	}
}
