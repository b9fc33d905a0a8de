package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	pkgkafka "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/kafka"
)

// TopicOrderPlaced is published by the order service once checkout created
// an order from a cart.
var TopicOrderPlaced = pkgkafka.Topic("order", "placed")

// OrderPlacedData is the payload of an order.placed event.
type OrderPlacedData struct {
	OrderID string `json:"order_id"`
	CartID  string `json:"cart_id"`
	UserID  string `json:"user_id"`
}

// CartConverter turns a checked-out cart into bookings.
type CartConverter interface {
	ConvertCart(ctx context.Context, cartID string) (*domain.Cart, error)
}

// OrderPlacedHandler converts the ordered cart. Only transient failures are
// returned so the consumer retries them; anything else cannot succeed on
// retry and is logged instead.
func OrderPlacedHandler(converter CartConverter, logger *slog.Logger) pkgkafka.Handler {
	return func(ctx context.Context, event *pkgkafka.Event) error {
		var data OrderPlacedData
		if err := event.UnmarshalData(&data); err != nil {
			logger.ErrorContext(ctx, "malformed order.placed payload, skipping",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if data.CartID == "" {
			logger.WarnContext(ctx, "order.placed without cart_id, skipping",
				slog.String("order_id", data.OrderID),
			)
			return nil
		}

		cart, err := converter.ConvertCart(ctx, data.CartID)
		switch {
		case err == nil:
			logger.InfoContext(ctx, "cart converted from order",
				slog.String("order_id", data.OrderID),
				slog.String("cart_id", cart.ID),
			)
			return nil
		case apperrors.IsTransient(err):
			return fmt.Errorf("convert cart %s: %w", data.CartID, err)
		case errors.Is(err, apperrors.ErrNotFound):
			logger.WarnContext(ctx, "ordered cart no longer exists",
				slog.String("order_id", data.OrderID),
				slog.String("cart_id", data.CartID),
			)
			return nil
		default:
			logger.ErrorContext(ctx, "failed to convert ordered cart",
				slog.String("order_id", data.OrderID),
				slog.String("cart_id", data.CartID),
				slog.String("error", err.Error()),
			)
			return nil
		}
	}
}

// NewOrderConsumer builds the order.placed consumer. Redelivered events are
// dropped through store.
func NewOrderConsumer(cfg pkgkafka.ConsumerConfig, converter CartConverter, store pkgkafka.IdempotencyStore, logger *slog.Logger) *pkgkafka.Consumer {
	cfg.Topic = TopicOrderPlaced
	handler := pkgkafka.IdempotentHandler(store, OrderPlacedHandler(converter, logger), logger)
	return pkgkafka.NewConsumer(cfg, handler, logger)
}
