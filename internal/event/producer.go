package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	pkgkafka "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/kafka"
)

// Aggregate type constant.
const AggregateTypeCart = "cart"

// Source identifier for events originating from the cart service.
const SourceCartService = "travelcart"

// Kafka topics for cart domain events.
var (
	TopicItemAdded          = pkgkafka.Topic("cart", "item_added")
	TopicItemUpdated        = pkgkafka.Topic("cart", "item_updated")
	TopicItemRemoved        = pkgkafka.Topic("cart", "item_removed")
	TopicCartCleared        = pkgkafka.Topic("cart", "cleared")
	TopicCartMerged         = pkgkafka.Topic("cart", "merged")
	TopicReservationExpired = pkgkafka.Topic("cart", "reservation_expired")
	TopicCartConverted      = pkgkafka.Topic("cart", "converted")
)

// CartRef identifies the cart an event belongs to.
type CartRef struct {
	CartID     string `json:"cart_id"`
	UserID     string `json:"user_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Version    int    `json:"version"`
}

// ItemData is the item payload within cart events.
type ItemData struct {
	ItemID           string                  `json:"item_id"`
	ProductType      domain.ProductType      `json:"product_type"`
	ProductID        string                  `json:"product_id"`
	VariantID        string                  `json:"variant_id,omitempty"`
	NaturalKey       string                  `json:"natural_key"`
	Quantity         int                     `json:"quantity"`
	TotalPrice       decimal.Decimal         `json:"total_price"`
	Currency         string                  `json:"currency"`
	ReservationState domain.ReservationState `json:"reservation_state"`
	HoldToken        string                  `json:"hold_token,omitempty"`
}

// ItemChangedData is the payload of item_added, item_updated and item_removed.
type ItemChangedData struct {
	CartRef
	Item      ItemData        `json:"item"`
	ItemCount int             `json:"item_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	CartRef
	Released int `json:"released"`
}

// CartMergedData is the payload for a cart.merged event.
type CartMergedData struct {
	CartRef
	GuestCartID string `json:"guest_cart_id"`
	Merged      int    `json:"merged"`
	Moved       int    `json:"moved"`
	Skipped     int    `json:"skipped"`
}

// ReservationExpiredData is the payload for a cart.reservation_expired event.
type ReservationExpiredData struct {
	CartRef
	Item ItemData `json:"item"`
}

// CartConvertedData is the payload for a cart.converted event.
type CartConvertedData struct {
	CartRef
	Items    []ItemData      `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Currency string          `json:"currency"`
}

// Producer publishes cart domain events to Kafka. Events are keyed by cart
// ID so every event of one cart keeps its order.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
	now    func() time.Time
}

// NewProducer creates a new event producer for the cart service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
		now:    time.Now,
	}
}

func refOf(cart *domain.Cart) CartRef {
	return CartRef{
		CartID:     cart.ID,
		UserID:     cart.UserID,
		SessionKey: cart.SessionKey,
		Version:    cart.Version,
	}
}

func itemOf(item *domain.CartItem) ItemData {
	return ItemData{
		ItemID:           item.ID,
		ProductType:      item.ProductType,
		ProductID:        item.ProductID,
		VariantID:        item.VariantID,
		NaturalKey:       string(item.NaturalKey()),
		Quantity:         item.Quantity,
		TotalPrice:       item.TotalPrice,
		Currency:         item.Currency,
		ReservationState: item.ReservationState,
		HoldToken:        item.HoldToken,
	}
}

func (p *Producer) publish(ctx context.Context, topic, cartID string, data any) error {
	event, err := pkgkafka.NewEventAt(p.now(), topic, cartID, AggregateTypeCart, SourceCartService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published cart event",
		slog.String("topic", topic),
		slog.String("cart_id", cartID),
	)
	return nil
}

// PublishItemChanged publishes item_added, item_updated or item_removed.
func (p *Producer) PublishItemChanged(ctx context.Context, action string, cart *domain.Cart, item *domain.CartItem) error {
	topic := pkgkafka.Topic("cart", action)
	switch topic {
	case TopicItemAdded, TopicItemUpdated, TopicItemRemoved:
	default:
		return fmt.Errorf("unknown item action %q", action)
	}
	return p.publish(ctx, topic, cart.ID, ItemChangedData{
		CartRef:   refOf(cart),
		Item:      itemOf(item),
		ItemCount: cart.ItemCount(),
		Subtotal:  cart.Subtotal(),
	})
}

// PublishCartCleared publishes a cart.cleared event.
func (p *Producer) PublishCartCleared(ctx context.Context, cart *domain.Cart, released int) error {
	return p.publish(ctx, TopicCartCleared, cart.ID, CartClearedData{
		CartRef:  refOf(cart),
		Released: released,
	})
}

// PublishCartMerged publishes a cart.merged event on the user cart.
func (p *Producer) PublishCartMerged(ctx context.Context, userCart *domain.Cart, guestCartID string, merged, moved, skipped int) error {
	return p.publish(ctx, TopicCartMerged, userCart.ID, CartMergedData{
		CartRef:     refOf(userCart),
		GuestCartID: guestCartID,
		Merged:      merged,
		Moved:       moved,
		Skipped:     skipped,
	})
}

// PublishReservationExpired publishes a cart.reservation_expired event.
func (p *Producer) PublishReservationExpired(ctx context.Context, cart *domain.Cart, item *domain.CartItem) error {
	return p.publish(ctx, TopicReservationExpired, cart.ID, ReservationExpiredData{
		CartRef: refOf(cart),
		Item:    itemOf(item),
	})
}

// PublishCartConverted publishes a cart.converted event.
func (p *Producer) PublishCartConverted(ctx context.Context, cart *domain.Cart) error {
	items := make([]ItemData, len(cart.Items))
	for i := range cart.Items {
		items[i] = itemOf(&cart.Items[i])
	}
	return p.publish(ctx, TopicCartConverted, cart.ID, CartConvertedData{
		CartRef:  refOf(cart),
		Items:    items,
		Subtotal: cart.Subtotal(),
		Currency: cart.Currency,
	})
}
