// Package settings supplies the per-identity-class limits the cart engine
// enforces. Reads go through Cache, which hands out an immutable snapshot
// refreshed in the background rather than per request.
package settings

import (
	"context"
	"fmt"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// Store reads limits for one identity class.
type Store interface {
	GetLimits(ctx context.Context, class domain.IdentityClass) (domain.SystemLimits, error)
}

// Static serves limits fixed at startup, typically from configuration.
type Static map[domain.IdentityClass]domain.SystemLimits

// GetLimits returns the configured limits for class.
func (s Static) GetLimits(_ context.Context, class domain.IdentityClass) (domain.SystemLimits, error) {
	limits, ok := s[class]
	if !ok {
		return domain.SystemLimits{}, apperrors.NotFound("system limits", string(class))
	}
	return limits, nil
}

// Snapshot is an immutable set of limits for every identity class.
type Snapshot struct {
	Guest domain.SystemLimits
	User  domain.SystemLimits
}

// For returns the limits of class.
func (s *Snapshot) For(class domain.IdentityClass) domain.SystemLimits {
	if class == domain.ClassUser {
		return s.User
	}
	return s.Guest
}

func load(ctx context.Context, store Store) (*Snapshot, error) {
	guest, err := store.GetLimits(ctx, domain.ClassGuest)
	if err != nil {
		return nil, fmt.Errorf("load guest limits: %w", err)
	}
	user, err := store.GetLimits(ctx, domain.ClassUser)
	if err != nil {
		return nil, fmt.Errorf("load user limits: %w", err)
	}
	return &Snapshot{Guest: guest, User: user}, nil
}
