package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/orders"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

// Skip and conflict reasons reported by Merge.
const (
	ReasonPendingOrder     = "pending_order"
	ReasonMaxQuantity      = "max_quantity_per_item"
	ReasonCurrencyMismatch = "currency_mismatch"
	ReasonConverted        = "converted"
	ReasonRetriesExhausted = "retries_exhausted"
)

// ItemReport names one guest item and why it was skipped or conflicted.
type ItemReport struct {
	ItemID     string `json:"item_id"`
	NaturalKey string `json:"natural_key"`
	Reason     string `json:"reason"`
}

// MergeResult reports a guest-to-user merge. Merged counts lines folded into
// an existing user line, Moved counts lines carried over as they were.
type MergeResult struct {
	UserCartID  string       `json:"user_cart_id"`
	GuestCartID string       `json:"guest_cart_id,omitempty"`
	Merged      int          `json:"merged"`
	Moved       int          `json:"moved"`
	Skipped     []ItemReport `json:"skipped"`
}

// MergeCoordinator moves a guest cart into a user cart at login.
type MergeCoordinator struct {
	engine *Engine
	orders orders.PendingOrders
	policy retry.Policy
	logger *slog.Logger
}

// NewMergeCoordinator creates a merge coordinator. pending may be nil when no
// order service is configured.
func NewMergeCoordinator(engine *Engine, pending orders.PendingOrders, logger *slog.Logger) *MergeCoordinator {
	if pending == nil {
		pending = orders.None{}
	}
	return &MergeCoordinator{
		engine: engine,
		orders: pending,
		policy: retry.Policy{
			Attempts:       3,
			BaseDelay:      50 * time.Millisecond,
			MaxDelay:       500 * time.Millisecond,
			JitterFraction: 0.25,
		},
		logger: logger,
	}
}

// WithRetryPolicy replaces the per-item retry policy.
func (m *MergeCoordinator) WithRetryPolicy(p retry.Policy) *MergeCoordinator {
	m.policy = p
	return m
}

// Merge folds the active cart of sessionKey into the active cart of userID.
// Conflicts and limits are checked before anything changes; once mutation
// starts, items that cannot be merged are skipped and reported.
func (m *MergeCoordinator) Merge(ctx context.Context, sessionKey, userID string) (_ *MergeResult, err error) {
	ctx, end := startSpan(ctx, "MergeCoordinator.Merge")
	defer func() { end(err) }()

	if sessionKey == "" || userID == "" {
		return nil, apperrors.InvalidInput("both a session key and a user id are required to merge")
	}
	e := m.engine

	userCart, err := e.GetOrCreateCart(ctx, domain.Identity{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	result := &MergeResult{UserCartID: userCart.ID, Skipped: []ItemReport{}}

	guestCart, err := e.findCart(ctx, domain.Identity{SessionKey: sessionKey})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			mergesTotal.WithLabelValues("nothing_to_merge").Inc()
			return result, nil
		}
		return nil, fmt.Errorf("merge: find guest cart: %w", err)
	}
	result.GuestCartID = guestCart.ID

	// Fixed order: user cart first, then guest cart.
	unlockUser, err := e.carts.Lock(ctx, userCart.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	defer unlockUser(ctx)
	unlockGuest, err := e.carts.Lock(ctx, guestCart.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	defer unlockGuest(ctx)

	user, err := e.carts.Get(ctx, userCart.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: reload user cart: %w", err)
	}
	guest, err := e.carts.Get(ctx, guestCart.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: reload guest cart: %w", err)
	}
	if !guest.IsActive {
		mergesTotal.WithLabelValues("nothing_to_merge").Inc()
		return result, nil
	}
	if !user.IsActive {
		return nil, apperrors.Conflict("user cart was deactivated during merge, please retry")
	}

	limits := e.limits.Limits(domain.ClassUser)
	if err := m.precheck(ctx, userID, user, guest, limits); err != nil {
		mergesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	userExpected := user.Version
	var (
		changes  []*mergeHold
		releases []domain.CartItem
	)
	for _, item := range guest.Items {
		outcome, change, err := m.mergeItem(ctx, user, item, limits)
		if change != nil {
			changes = append(changes, change)
		}
		switch {
		case err != nil:
			result.Skipped = append(result.Skipped, ItemReport{
				ItemID:     item.ID,
				NaturalKey: string(item.NaturalKey()),
				Reason:     skipReason(err),
			})
			if item.IsReserved {
				releases = append(releases, item)
			}
		case outcome == outcomeMoved:
			result.Moved++
		case outcome == outcomeMerged:
			result.Merged++
			if item.IsReserved && (change == nil || !change.absorbed) {
				releases = append(releases, item)
			}
		}
	}

	if err := e.save(ctx, user, userExpected); err != nil {
		var undoErr error
		for _, change := range changes {
			undoErr = errors.Join(undoErr, e.undoMergeHold(ctx, change))
		}
		mergesTotal.WithLabelValues("failed").Inc()
		if undoErr != nil {
			return nil, apperrors.Transient("merge failed and capacity holds could not be restored", errors.Join(err, undoErr))
		}
		return nil, fmt.Errorf("merge: %w", err)
	}
	for _, change := range changes {
		e.commitHold(ctx, &change.holdChange)
	}
	for i := range releases {
		e.release(ctx, &releases[i])
	}

	m.discardGuest(ctx, guest)

	mergesTotal.WithLabelValues("merged").Inc()
	e.logPublish(ctx, "merged", user.ID, e.events.PublishCartMerged(ctx, user, guest.ID, result.Merged, result.Moved, len(result.Skipped)))

	m.logger.InfoContext(ctx, "guest cart merged",
		slog.String("user_cart_id", user.ID),
		slog.String("guest_cart_id", guest.ID),
		slog.Int("merged", result.Merged),
		slog.Int("moved", result.Moved),
		slog.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

// precheck rejects the merge before any mutation when a guest item is part
// of a pending order or the combined cart would break the user's limits.
func (m *MergeCoordinator) precheck(ctx context.Context, userID string, user, guest *domain.Cart, limits domain.SystemLimits) error {
	var pending []domain.NaturalKey
	err := retry.Do(ctx, m.policy, apperrors.IsTransient, func(ctx context.Context) error {
		keys, err := m.orders.PendingBookingKeys(ctx, userID)
		if err != nil {
			return err
		}
		pending = keys
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge: load pending orders: %w", err)
	}

	if len(pending) > 0 {
		inOrder := make(map[domain.NaturalKey]struct{}, len(pending))
		for _, k := range pending {
			inOrder[k] = struct{}{}
		}
		var conflicts []ItemReport
		for i := range guest.Items {
			key := guest.Items[i].NaturalKey()
			if _, ok := inOrder[key]; ok {
				conflicts = append(conflicts, ItemReport{
					ItemID:     guest.Items[i].ID,
					NaturalKey: string(key),
					Reason:     ReasonPendingOrder,
				})
			}
		}
		if len(conflicts) > 0 {
			return apperrors.MergeConflict(
				fmt.Sprintf("%d guest cart item(s) are already part of a pending order", len(conflicts)), conflicts)
		}
	}

	combined := user.ItemCount() + guest.ItemCount()
	if limits.MaxItems > 0 && combined > limits.MaxItems {
		limitRejectionsTotal.WithLabelValues("max_items", string(domain.ClassUser)).Inc()
		return apperrors.LimitExceeded("max_items", combined, limits.MaxItems)
	}
	total := user.Subtotal().Add(guest.Subtotal())
	if limits.MaxTotal.IsPositive() && total.GreaterThan(limits.MaxTotal) {
		limitRejectionsTotal.WithLabelValues("max_total", string(domain.ClassUser)).Inc()
		return apperrors.LimitExceeded("max_total", total.StringFixed(2), limits.MaxTotal.StringFixed(2))
	}
	return nil
}

const (
	outcomeMoved  = "moved"
	outcomeMerged = "merged"
)

// mergeHold is a holdChange that may have absorbed the guest item's hold.
// origUnits is what the user line held before the merge.
type mergeHold struct {
	holdChange
	absorbed  bool
	origUnits int
}

// mergeItem applies one guest item to the in-memory user cart.
func (m *MergeCoordinator) mergeItem(ctx context.Context, user *domain.Cart, item domain.CartItem, limits domain.SystemLimits) (string, *mergeHold, error) {
	e := m.engine
	if item.ReservationState == domain.ReservationConverted {
		return "", nil, skip(ReasonConverted)
	}
	if len(user.Items) == 0 && item.Currency != "" {
		user.Currency = item.Currency
	}
	if item.Currency != "" && item.Currency != user.Currency {
		return "", nil, skip(ReasonCurrencyMismatch)
	}

	idx := user.FindByNaturalKey(item.NaturalKey())
	if idx < 0 {
		user.Items = append(user.Items, item)
		return outcomeMoved, nil, nil
	}

	existing := user.Items[idx]
	if existing.ReservationState == domain.ReservationConverted {
		return "", nil, skip(ReasonConverted)
	}

	next := existing
	next.BookingData = mergeBooking(existing.BookingData, item.BookingData)
	next.SelectedOptions = existing.SelectedOptions

	err := retry.Do(ctx, m.policy, apperrors.IsTransient, func(ctx context.Context) error {
		product, err := e.loadProduct(ctx, next.ProductType, next.ProductID, next.SelectedOptions)
		if err != nil {
			return err
		}
		return e.price(product, user.Currency, &next)
	})
	if err != nil {
		return "", nil, err
	}
	if limits.MaxQuantityPerItem > 0 && next.Quantity > limits.MaxQuantityPerItem {
		return "", nil, skip(ReasonMaxQuantity)
	}
	next.UpdatedAt = e.now().UTC()

	change := &mergeHold{origUnits: existing.Quantity}
	prev := existing
	err = retry.Do(ctx, m.policy, apperrors.IsTransient, func(ctx context.Context) error {
		if !change.absorbed && canAbsorb(&existing, &item, e.now()) {
			err := e.capacity.Absorb(ctx, capacity.HoldToken(existing.HoldToken), capacity.HoldToken(item.HoldToken), e.cfg.ReservationTTL)
			if err != nil && !errors.Is(err, apperrors.ErrConflict) {
				return err
			}
			if err == nil {
				change.absorbed = true
				prev.Quantity = existing.Quantity + item.Quantity
			}
		}
		hc, err := e.holdFor(ctx, &prev, &next)
		if err != nil {
			return err
		}
		change.holdChange = *hc
		return nil
	})
	if err != nil {
		if change.absorbed {
			// The guest units now live in the user hold; give them back.
			if aerr := e.capacity.Adjust(context.WithoutCancel(ctx), capacity.HoldToken(existing.HoldToken), change.origUnits, e.cfg.ReservationTTL); aerr != nil {
				m.logger.WarnContext(ctx, "failed to shrink user hold after skipped merge",
					slog.String("item_id", existing.ID),
					slog.String("error", aerr.Error()),
				)
			}
		}
		return "", nil, err
	}

	user.Items[idx] = next
	return outcomeMerged, change, nil
}

func canAbsorb(existing, item *domain.CartItem, now time.Time) bool {
	if !existing.IsReserved || !item.IsReserved || existing.HoldToken == "" || item.HoldToken == "" {
		return false
	}
	if existing.HoldExpired(now) || item.HoldExpired(now) {
		return false
	}
	a, okA := capacity.KeyFor(existing)
	b, okB := capacity.KeyFor(item)
	return okA && okB && a == b
}

// undoMergeHold reverses what mergeItem did to capacity after the user cart
// could not be saved.
func (e *Engine) undoMergeHold(ctx context.Context, change *mergeHold) error {
	hc := change.holdChange
	if change.absorbed && hc.adjusted != "" {
		hc.prevUnits = change.origUnits
	}
	return e.undoHold(ctx, &hc)
}

// discardGuest deletes the guest cart, falling back to removing its items one
// by one when the delete fails.
func (m *MergeCoordinator) discardGuest(ctx context.Context, guest *domain.Cart) {
	e := m.engine
	err := e.carts.Delete(ctx, guest)
	if err == nil {
		return
	}
	m.logger.WarnContext(ctx, "failed to delete merged guest cart, clearing items instead",
		slog.String("cart_id", guest.ID),
		slog.String("error", err.Error()),
	)

	for len(guest.Items) > 0 {
		expected := guest.Version
		guest.RemoveItem(0)
		ok, err := e.carts.SaveIfVersion(ctx, guest, expected)
		if err != nil || !ok {
			m.logger.ErrorContext(ctx, "failed to clear merged guest cart",
				slog.String("cart_id", guest.ID),
				slog.Int("remaining", len(guest.Items)+1),
			)
			return
		}
	}
}

// skipError marks a guest item as deliberately skipped.
type skipError struct{ reason string }

func (e *skipError) Error() string { return "skipped: " + e.reason }

func skip(reason string) error { return &skipError{reason: reason} }

// skipReason turns an item error into a stable reason string.
func skipReason(err error) string {
	var se *skipError
	if errors.As(err, &se) {
		return se.reason
	}
	if apperrors.IsTransient(err) {
		return ReasonRetriesExhausted
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return strings.ToLower(appErr.Code)
	}
	return "error"
}
