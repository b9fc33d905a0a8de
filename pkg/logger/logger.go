package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	serviceKey       contextKey = "service"
	userIDKey        contextKey = "user_id"
	sessionKeyKey    contextKey = "session_key"
	cartIDKey        contextKey = "cart_id"
	loggerKey        contextKey = "logger"
)

// New creates a new structured logger with the given service name and level.
func New(serviceName, level string) *slog.Logger {
	return NewWithWriter(serviceName, level, os.Stdout)
}

// NewWithWriter creates a new structured logger writing to the given writer.
func NewWithWriter(serviceName, level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})

	return slog.New(handler).With(
		slog.String("service", serviceName),
	)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation ID from the context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID returns a new context with the user ID set for logging.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext extracts the user ID stored by the logger package from context.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSessionKey returns a new context carrying the guest session key for logging.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// SessionKeyFromContext extracts the guest session key from context.
func SessionKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(sessionKeyKey).(string); ok {
		return key
	}
	return ""
}

// WithCartID returns a new context carrying the cart being operated on.
func WithCartID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cartIDKey, id)
}

// CartIDFromContext extracts the cart ID from context.
func CartIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(cartIDKey).(string); ok {
		return id
	}
	return ""
}

// maskSessionKey keeps only a short prefix of a session key in logs.
func maskSessionKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}

// NewContext returns a new context with the given logger stored in it.
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the request-scoped logger stored in context.
// Returns slog.Default() if no logger is stored.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WithContext returns a logger with the context-derived fields that are set:
// correlation_id, user_id, session_key (masked), cart_id, trace_id and span_id.
func WithContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := CorrelationIDFromContext(ctx); id != "" {
		l = l.With(slog.String("correlation_id", id))
	}

	if id := UserIDFromContext(ctx); id != "" {
		l = l.With(slog.String("user_id", id))
	}

	if key := SessionKeyFromContext(ctx); key != "" {
		l = l.With(slog.String("session_key", maskSessionKey(key)))
	}

	if id := CartIDFromContext(ctx); id != "" {
		l = l.With(slog.String("cart_id", id))
	}

	// Inject OpenTelemetry trace context if a valid span is present.
	if spanCtx := trace.SpanFromContext(ctx).SpanContext(); spanCtx.IsValid() {
		l = l.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return l
}
