package middleware

import (
	"log/slog"
	"net/http"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/logger"
)

// Identity headers set by the gateway (user) or the storefront (guest session).
const (
	UserIDHeader     = "X-User-ID"
	SessionKeyHeader = "X-Session-Key"
)

// RequestLogger stores a request-scoped logger in context, enriched with
// correlation_id, user_id, session_key, trace_id and span_id. Mount it after
// RequestLogging and Tracing. Handlers retrieve it with logger.FromContext.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if userID := r.Header.Get(UserIDHeader); userID != "" {
				ctx = logger.WithUserID(ctx, userID)
			}
			if key := r.Header.Get(SessionKeyHeader); key != "" {
				ctx = logger.WithSessionKey(ctx, key)
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
