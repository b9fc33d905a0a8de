package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	pkgkafka "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/kafka"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestProducer(w *fakeWriter) *Producer {
	p := NewProducer(pkgkafka.NewProducerWithWriter(w, nil, testLogger()), testLogger())
	p.now = func() time.Time { return time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC) }
	return p
}

func sampleCart() *domain.Cart {
	return &domain.Cart{
		ID:         "cart-1",
		SessionKey: "sess-1",
		Currency:   "USD",
		Version:    3,
		IsActive:   true,
		Items: []domain.CartItem{{
			ID:               "item-1",
			ProductType:      domain.ProductTour,
			ProductID:        "bosphorus",
			VariantID:        "std",
			Quantity:         2,
			TotalPrice:       decimal.NewFromInt(100),
			Currency:         "USD",
			ReservationState: domain.ReservationReserved,
			HoldToken:        "hold-1",
			IsReserved:       true,
			BookingData: domain.BookingData{
				Type: domain.ProductTour,
				Tour: &domain.TourBooking{ScheduleID: "sched-1", Participants: domain.Participants{Adult: 2}},
			},
		}},
	}
}

func decode(t *testing.T, msg kafka.Message) *pkgkafka.Event {
	t.Helper()
	event, err := pkgkafka.UnmarshalEvent(msg.Value)
	require.NoError(t, err)
	return event
}

// --- Producer ---

func TestProducer_ItemChanged(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)
	cart := sampleCart()

	require.NoError(t, p.PublishItemChanged(context.Background(), "item_added", cart, &cart.Items[0]))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "travelcart.cart.item_added", msg.Topic)
	assert.Equal(t, "cart-1", string(msg.Key))

	event := decode(t, msg)
	assert.Equal(t, AggregateTypeCart, event.AggregateType)
	assert.Equal(t, SourceCartService, event.Source)

	var data ItemChangedData
	require.NoError(t, event.UnmarshalData(&data))
	assert.Equal(t, "cart-1", data.CartID)
	assert.Equal(t, 3, data.Version)
	assert.Equal(t, "item-1", data.Item.ItemID)
	assert.Equal(t, "tour|bosphorus|std|sched-1", data.Item.NaturalKey)
	assert.Equal(t, 2, data.ItemCount)
	assert.True(t, decimal.NewFromInt(100).Equal(data.Subtotal))
}

func TestProducer_ItemChanged_UnknownAction(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)
	cart := sampleCart()

	err := p.PublishItemChanged(context.Background(), "exploded", cart, &cart.Items[0])
	require.Error(t, err)
	assert.Empty(t, w.msgs)
}

func TestProducer_Topics(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(w)
	ctx := context.Background()
	cart := sampleCart()

	require.NoError(t, p.PublishCartCleared(ctx, cart, 1))
	require.NoError(t, p.PublishCartMerged(ctx, cart, "guest-1", 1, 2, 0))
	require.NoError(t, p.PublishReservationExpired(ctx, cart, &cart.Items[0]))
	require.NoError(t, p.PublishCartConverted(ctx, cart))

	var topics []string
	for _, msg := range w.msgs {
		topics = append(topics, msg.Topic)
	}
	assert.Equal(t, []string{
		"travelcart.cart.cleared",
		"travelcart.cart.merged",
		"travelcart.cart.reservation_expired",
		"travelcart.cart.converted",
	}, topics)

	var merged CartMergedData
	require.NoError(t, decode(t, w.msgs[1]).UnmarshalData(&merged))
	assert.Equal(t, "guest-1", merged.GuestCartID)
	assert.Equal(t, 2, merged.Moved)

	var converted CartConvertedData
	require.NoError(t, decode(t, w.msgs[3]).UnmarshalData(&converted))
	require.Len(t, converted.Items, 1)
	assert.Equal(t, "USD", converted.Currency)
}

func TestProducer_WriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newTestProducer(w)

	err := p.PublishCartCleared(context.Background(), sampleCart(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "travelcart.cart.cleared")
}

// --- Order consumer ---

type fakeConverter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeConverter) ConvertCart(_ context.Context, cartID string) (*domain.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cartID)
	if c.err != nil {
		return nil, c.err
	}
	return &domain.Cart{ID: cartID}, nil
}

func orderPlaced(t *testing.T, data OrderPlacedData) *pkgkafka.Event {
	t.Helper()
	event, err := pkgkafka.NewEvent(TopicOrderPlaced, data.OrderID, "order", "orders", data)
	require.NoError(t, err)
	return event
}

func TestOrderPlacedHandler_ConvertsCart(t *testing.T) {
	conv := &fakeConverter{}
	handler := OrderPlacedHandler(conv, testLogger())

	err := handler(context.Background(), orderPlaced(t, OrderPlacedData{OrderID: "o-1", CartID: "cart-1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"cart-1"}, conv.calls)
}

func TestOrderPlacedHandler_RetriesOnlyTransient(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"transient", apperrors.Transient("redis down", errors.New("dial tcp")), true},
		{"not found", apperrors.NotFound("cart", "cart-1"), false},
		{"expired reservation", apperrors.Conflict("reservation expired"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := OrderPlacedHandler(&fakeConverter{err: tt.err}, testLogger())
			err := handler(context.Background(), orderPlaced(t, OrderPlacedData{OrderID: "o-1", CartID: "cart-1"}))
			if tt.wantErr {
				assert.True(t, apperrors.IsTransient(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderPlacedHandler_SkipsEventWithoutCart(t *testing.T) {
	conv := &fakeConverter{}
	handler := OrderPlacedHandler(conv, testLogger())

	require.NoError(t, handler(context.Background(), orderPlaced(t, OrderPlacedData{OrderID: "o-1"})))
	assert.Empty(t, conv.calls)
}

func TestOrderPlacedHandler_IdempotentRedelivery(t *testing.T) {
	conv := &fakeConverter{}
	store := pkgkafka.NewMemoryIdempotencyStore(time.Hour)
	handler := pkgkafka.IdempotentHandler(store, OrderPlacedHandler(conv, testLogger()), testLogger())

	event := orderPlaced(t, OrderPlacedData{OrderID: "o-1", CartID: "cart-1"})
	require.NoError(t, handler(context.Background(), event))
	require.NoError(t, handler(context.Background(), event))
	assert.Len(t, conv.calls, 1)
}
