package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// holdChange records what a mutation did to capacity, so it can either be
// completed after the cart is saved or undone when the save fails.
type holdChange struct {
	productType domain.ProductType

	// reserved is a new hold taken for the item.
	reserved capacity.HoldToken
	// adjusted is the item's existing hold, resized from prevUnits.
	adjusted  capacity.HoldToken
	prevUnits int
	// release is an old hold to give back once the save succeeded.
	release capacity.HoldToken
}

// holdFor makes sure next holds capacity for its quantity. When prev already
// holds the same slot the hold is resized in place; otherwise a new hold is
// taken and prev's hold is scheduled for release.
func (e *Engine) holdFor(ctx context.Context, prev, next *domain.CartItem) (*holdChange, error) {
	change := &holdChange{productType: next.ProductType}
	now := e.now().UTC()

	var prevToken capacity.HoldToken
	if prev != nil && prev.IsReserved && prev.HoldToken != "" {
		prevToken = capacity.HoldToken(prev.HoldToken)
	}

	key, bound := capacity.KeyFor(next)
	if !bound {
		change.release = prevToken
		return change, nil
	}
	expiresAt := now.Add(e.cfg.ReservationTTL)

	if prevToken != "" && !prev.HoldExpired(now) {
		if prevKey, ok := capacity.KeyFor(prev); ok && prevKey == key {
			err := e.capacity.Adjust(ctx, prevToken, next.Quantity, e.cfg.ReservationTTL)
			switch {
			case err == nil:
				change.adjusted = prevToken
				change.prevUnits = prev.Quantity
				next.MarkReserved(string(prevToken), expiresAt)
				reservationsTotal.WithLabelValues(string(next.ProductType), "adjust").Inc()
				return change, nil
			case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrNotFound):
				// The hold died underneath the item; take a fresh one.
				prevToken = ""
			default:
				e.countCapacityFailure(next.ProductType, err)
				return nil, err
			}
		}
	}

	token, err := e.capacity.Reserve(ctx, key, next.Quantity, e.cfg.ReservationTTL)
	if err != nil {
		e.countCapacityFailure(next.ProductType, err)
		return nil, err
	}
	reservationsTotal.WithLabelValues(string(next.ProductType), "reserve").Inc()

	change.reserved = token
	change.release = prevToken
	next.MarkReserved(string(token), expiresAt)
	return change, nil
}

func (e *Engine) countCapacityFailure(pt domain.ProductType, err error) {
	if errors.Is(err, apperrors.ErrInsufficientCapacity) {
		capacityFailuresTotal.WithLabelValues(string(pt)).Inc()
	}
}

// commitHold gives back the superseded hold. A failure only delays the
// release until the hold expires, so it is logged.
func (e *Engine) commitHold(ctx context.Context, change *holdChange) {
	if change == nil || change.release == "" {
		return
	}
	if err := e.capacity.Release(context.WithoutCancel(ctx), change.release); err != nil {
		e.logger.WarnContext(ctx, "failed to release superseded hold",
			slog.String("hold", string(change.release)),
			slog.String("error", err.Error()),
		)
		return
	}
	reservationsTotal.WithLabelValues(string(change.productType), "release").Inc()
}

// compensate undoes change after cause made the mutation fail. If the undo
// fails too, the result is Transient and still matches cause with errors.Is.
func (e *Engine) compensate(ctx context.Context, cause error, change *holdChange) error {
	if change == nil {
		return cause
	}
	err := e.undoHold(ctx, change)
	if err == nil {
		return cause
	}

	e.logger.ErrorContext(ctx, "failed to undo capacity hold",
		slog.String("reserved", string(change.reserved)),
		slog.String("adjusted", string(change.adjusted)),
		slog.String("cause", cause.Error()),
		slog.String("error", err.Error()),
	)
	return apperrors.Transient(
		fmt.Sprintf("operation failed and its capacity hold could not be restored: %v", cause),
		errors.Join(cause, err),
	)
}

// undoHold releases a new hold or shrinks a resized one back.
func (e *Engine) undoHold(ctx context.Context, change *holdChange) error {
	ctx = context.WithoutCancel(ctx)
	switch {
	case change.reserved != "":
		return e.capacity.Release(ctx, change.reserved)
	case change.adjusted != "" && change.prevUnits > 0:
		return e.capacity.Adjust(ctx, change.adjusted, change.prevUnits, e.cfg.ReservationTTL)
	}
	return nil
}

// release gives an item's hold back and reports whether it succeeded.
func (e *Engine) release(ctx context.Context, item *domain.CartItem) bool {
	if item.HoldToken == "" {
		return false
	}
	if err := e.capacity.Release(context.WithoutCancel(ctx), capacity.HoldToken(item.HoldToken)); err != nil {
		e.logger.WarnContext(ctx, "failed to release hold",
			slog.String("item_id", item.ID),
			slog.String("hold", item.HoldToken),
			slog.String("error", err.Error()),
		)
		return false
	}
	reservationsTotal.WithLabelValues(string(item.ProductType), "release").Inc()
	return true
}
