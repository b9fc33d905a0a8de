package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/tracing"
)

var tracer = tracing.Tracer("github.com/istanbulplusir-blip/plusistanbul-sub002/internal/service")

// startSpan opens a span for an engine operation; the returned function
// records err and ends it.
func startSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

var (
	reservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelcart_reservations_total",
			Help: "Capacity holds taken, resized or released by the cart engine",
		},
		[]string{"product_type", "action"},
	)

	capacityFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelcart_capacity_failures_total",
			Help: "Reservations rejected for insufficient capacity",
		},
		[]string{"product_type"},
	)

	mergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelcart_merges_total",
			Help: "Guest-to-user cart merges by outcome",
		},
		[]string{"outcome"},
	)

	sweptItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelcart_swept_items_total",
			Help: "Cart items and carts processed by the reservation sweep",
		},
		[]string{"kind"},
	)

	limitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelcart_limit_rejections_total",
			Help: "Operations rejected by a per-identity limit",
		},
		[]string{"limit", "class"},
	)
)
