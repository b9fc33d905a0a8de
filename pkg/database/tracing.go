package database

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/database"

var queryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "travelcart_db_query_duration_seconds",
		Help:    "Duration of traced database operations",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"operation", "outcome"},
)

type slowQueryConfig struct {
	threshold time.Duration
	logger    *slog.Logger
}

var slowQueries atomic.Pointer[slowQueryConfig]

// SetSlowQueryLogging configures slow query detection. Operations exceeding
// the threshold are logged as warnings. A zero threshold or nil logger
// disables it.
func SetSlowQueryLogging(threshold time.Duration, logger *slog.Logger) {
	if threshold <= 0 || logger == nil {
		slowQueries.Store(nil)
		return
	}
	slowQueries.Store(&slowQueryConfig{threshold: threshold, logger: logger})
}

// TraceQuery starts a span for a database operation and returns the function
// that ends it; call it with the operation's error:
//
//	ctx, end := database.TraceQuery(ctx, "ReserveCapacity", "capacity_slots FOR UPDATE")
//	defer func() { end(err) }()
//
// The duration is also recorded in travelcart_db_query_duration_seconds.
func TraceQuery(ctx context.Context, operation, statement string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.statement", statement),
		),
	)

	return ctx, func(err error) {
		elapsed := time.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		queryDuration.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())

		cfg := slowQueries.Load()
		if cfg == nil || elapsed < cfg.threshold {
			return
		}
		attrs := []any{
			slog.String("operation", operation),
			slog.String("statement", statement),
			slog.Duration("duration", elapsed),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		cfg.logger.WarnContext(ctx, "slow query detected", attrs...)
	}
}
