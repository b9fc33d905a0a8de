// Package capacity defines the inventory hold contract used by the cart engine.
package capacity

import (
	"context"
	"strings"
	"time"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// Key identifies one reservable slot, such as a tour schedule for a variant
// or a transfer date for a vehicle type.
type Key struct {
	ProductType domain.ProductType
	ProductID   string
	SlotKey     string
	VariantKey  string
}

func (k Key) String() string {
	return strings.Join([]string{string(k.ProductType), k.ProductID, k.SlotKey, k.VariantKey}, ":")
}

// HoldToken references one reservation hold.
type HoldToken string

// HoldStatus is the lifecycle state of a hold.
type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
	HoldConverted HoldStatus = "converted"
)

// Gateway reserves and releases capacity. Reserve is an atomic
// check-and-decrement that never reserves a partial amount; Release credits
// a hold back at most once no matter how often it is called.
type Gateway interface {
	// GetAvailable is a best-effort read; Reserve re-validates.
	GetAvailable(ctx context.Context, key Key) (int, error)
	Reserve(ctx context.Context, key Key, n int, ttl time.Duration) (HoldToken, error)
	Release(ctx context.Context, token HoldToken) error
	// Adjust resizes an active hold to n units and extends it by ttl. Growth
	// is re-validated against availability; shrinking always succeeds.
	Adjust(ctx context.Context, token HoldToken, n int, ttl time.Duration) error
	// Absorb folds the active hold from into the active hold into, which must
	// cover the same key. from ends released without crediting its units.
	Absorb(ctx context.Context, into, from HoldToken, ttl time.Duration) error
	// Confirm converts an active hold into a booking; it is never credited back.
	Confirm(ctx context.Context, token HoldToken) error
	// ExpireHolds releases every active hold past its expiry and returns how many.
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}

// KeyFor returns the capacity key of a cart item, or false when the product
// type does not consume capacity.
func KeyFor(item *domain.CartItem) (Key, bool) {
	switch item.ProductType {
	case domain.ProductTour:
		if item.BookingData.Tour == nil {
			return Key{}, false
		}
		return Key{
			ProductType: item.ProductType,
			ProductID:   item.ProductID,
			SlotKey:     item.BookingData.Tour.ScheduleID,
			VariantKey:  item.VariantID,
		}, true
	case domain.ProductTransfer:
		t := item.BookingData.Transfer
		if t == nil {
			return Key{}, false
		}
		return Key{
			ProductType: item.ProductType,
			ProductID:   item.ProductID,
			SlotKey:     t.BookingDate() + "/" + t.VehicleType,
			VariantKey:  item.VariantID,
		}, true
	default:
		return Key{}, false
	}
}
