// Package orders describes what the cart engine needs to know about orders
// that are placed but not yet fulfilled.
package orders

import (
	"context"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// PendingOrders lists the bookings a user already has in flight. A guest
// line matching one of them must not be merged into the user's cart.
type PendingOrders interface {
	PendingBookingKeys(ctx context.Context, userID string) ([]domain.NaturalKey, error)
}

// None reports no pending orders. It backs deployments without an order
// service and unit tests that do not exercise merge conflicts.
type None struct{}

// PendingBookingKeys always returns an empty list.
func (None) PendingBookingKeys(context.Context, string) ([]domain.NaturalKey, error) {
	return nil, nil
}
