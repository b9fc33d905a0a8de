package repository

import (
	"context"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// Unlock releases a cart lock. It is safe to call on every exit path.
type Unlock func(ctx context.Context)

// CartStore defines the interface for cart persistence operations.
type CartStore interface {
	// Get retrieves a cart by its ID, active or not.
	Get(ctx context.Context, cartID string) (*domain.Cart, error)

	// FindActiveByUser returns the user's active cart or ErrNotFound.
	FindActiveByUser(ctx context.Context, userID string) (*domain.Cart, error)

	// FindActiveBySession returns the session's active cart or ErrNotFound.
	FindActiveBySession(ctx context.Context, sessionKey string) (*domain.Cart, error)

	// Create stores a new cart and claims its owner index in one atomic step.
	// It returns ErrAlreadyExists when another active cart owns the user or
	// session key.
	Create(ctx context.Context, cart *domain.Cart) error

	// SaveIfVersion persists the cart only if the stored version still equals
	// expectedVersion, then bumps cart.Version. Inactive carts give up their
	// owner index.
	SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error)

	// Delete removes the cart and every index pointing at it.
	Delete(ctx context.Context, cart *domain.Cart) error

	// CountActiveByClient counts active carts created for a client fingerprint.
	CountActiveByClient(ctx context.Context, clientID string) (int, error)

	// ListActive returns the IDs of every active cart.
	ListActive(ctx context.Context) ([]string, error)

	// DropActive removes an ID from the active listing. The sweep uses it for
	// carts whose document is gone.
	DropActive(ctx context.Context, cartID string) error

	// Lock acquires the per-cart mutual exclusion scope.
	Lock(ctx context.Context, cartID string) (Unlock, error)
}
