// Package expirer runs the periodic reservation sweep.
package expirer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/service"
)

// Sweeper releases expired holds from carts.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*service.SweepResult, error)
}

// HoldExpirer marks expired holds in the capacity store. It catches holds
// whose cart is gone, which no cart sweep would ever visit.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}

// Expirer ticks the cart sweep and the capacity hold expiry.
type Expirer struct {
	sweeper  Sweeper
	holds    HoldExpirer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an expirer. holds may be nil.
func New(sweeper Sweeper, holds HoldExpirer, interval time.Duration, logger *slog.Logger) *Expirer {
	return &Expirer{
		sweeper:  sweeper,
		holds:    holds,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce performs one pass. Carts are swept before holds so their items
// are removed together with the hold.
func (x *Expirer) RunOnce(ctx context.Context) error {
	now := x.now().UTC()

	result, err := x.sweeper.Sweep(ctx, now)
	if err != nil {
		return err
	}
	if result.ItemsExpired > 0 || result.CartsDeactivated > 0 || result.Failures > 0 {
		x.logger.InfoContext(ctx, "reservation sweep finished",
			slog.Int("carts_scanned", result.CartsScanned),
			slog.Int("items_expired", result.ItemsExpired),
			slog.Int("carts_deactivated", result.CartsDeactivated),
			slog.Int("failures", result.Failures),
		)
	}

	if x.holds == nil {
		return nil
	}
	n, err := x.holds.ExpireHolds(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		x.logger.InfoContext(ctx, "orphaned holds expired", slog.Int("holds", n))
	}
	return nil
}

// Run sweeps on every tick until ctx is canceled.
func (x *Expirer) Run(ctx context.Context) {
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := x.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				x.logger.Warn("reservation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
