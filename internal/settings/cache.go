package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// Cache holds the current Snapshot. Readers never block on the store: they
// get whatever snapshot was last loaded. Concurrent refreshes collapse into
// one store round trip.
type Cache struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

// NewCache creates a cache that reloads from store every interval once Run
// is started. fallback is served until the first successful load.
func NewCache(store Store, interval time.Duration, fallback Snapshot, logger *slog.Logger) *Cache {
	c := &Cache{store: store, interval: interval, logger: logger}
	c.current.Store(&fallback)
	return c
}

// Snapshot returns the current limits.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Limits returns the current limits of class.
func (c *Cache) Limits(class domain.IdentityClass) domain.SystemLimits {
	return c.Snapshot().For(class)
}

// Refresh loads a new snapshot. On failure the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		snap, err := load(ctx, c.store)
		if err != nil {
			return nil, err
		}
		c.current.Store(snap)
		return snap, nil
	})
	return err
}

// Run refreshes on every tick until ctx is canceled.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial settings load failed, serving defaults", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("settings refresh failed, keeping previous snapshot",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
