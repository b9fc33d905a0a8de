package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerPrefix = "github.com/istanbulplusir-blip/plusistanbul-sub002/"

// Tracing starts a server span per request and continues any W3C trace the
// caller sent. The span is renamed to the matched chi route once the handler
// returns; 5xx responses mark it as failed.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracerPrefix + serviceName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			finishSpan(span, r, rec.statusCode)
		})
	}
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.HTTPMethod(r.Method),
		semconv.HTTPTarget(r.URL.RequestURI()),
		semconv.HTTPScheme(scheme(r)),
		semconv.UserAgentOriginal(r.UserAgent()),
		attribute.String("http.client_ip", r.RemoteAddr),
	}
	if id := r.Header.Get(CorrelationIDHeader); id != "" {
		attrs = append(attrs, attribute.String("correlation_id", id))
	}
	return attrs
}

// finishSpan names the span after the route chi matched and records the
// response status.
func finishSpan(span trace.Span, r *http.Request, status int) {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(attribute.String("http.route", pattern))
		}
	}
	span.SetAttributes(semconv.HTTPStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// scheme prefers the TLS state, then X-Forwarded-Proto.
func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
