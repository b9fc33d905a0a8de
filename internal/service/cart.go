package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/catalog"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/pricing"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/ratelimit"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/repository"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

// Item change actions reported to the EventPublisher.
const (
	ActionItemAdded   = "item_added"
	ActionItemUpdated = "item_updated"
	ActionItemRemoved = "item_removed"
)

// SweepPolicy decides what happens to an item whose hold expired.
type SweepPolicy string

const (
	// SweepDelete removes the expired item from the cart.
	SweepDelete SweepPolicy = "delete"
	// SweepDeactivate keeps the item but deactivates the whole cart.
	SweepDeactivate SweepPolicy = "deactivate"
)

// LimitsSource returns the limits currently in force for an identity class.
// settings.Cache satisfies it.
type LimitsSource interface {
	Limits(class domain.IdentityClass) domain.SystemLimits
}

// EventPublisher receives cart domain events. Publish failures are logged by
// the engine and never fail the operation.
type EventPublisher interface {
	PublishItemChanged(ctx context.Context, action string, cart *domain.Cart, item *domain.CartItem) error
	PublishCartCleared(ctx context.Context, cart *domain.Cart, released int) error
	PublishCartMerged(ctx context.Context, userCart *domain.Cart, guestCartID string, merged, moved, skipped int) error
	PublishReservationExpired(ctx context.Context, cart *domain.Cart, item *domain.CartItem) error
	PublishCartConverted(ctx context.Context, cart *domain.Cart) error
}

// Config holds the engine's time and currency settings.
type Config struct {
	ReservationTTL  time.Duration
	CartTTL         time.Duration
	SweepPolicy     SweepPolicy
	DefaultCurrency string
}

// Deps are the collaborators of the Engine.
type Deps struct {
	Carts    repository.CartStore
	Catalog  catalog.Catalog
	Capacity capacity.Gateway
	Pricing  *pricing.Registry
	Limits   LimitsSource
	Limiter  ratelimit.Limiter
	Events   EventPublisher
	Logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConfirmPolicy sets how transient failures to confirm a hold at
// conversion are retried.
func WithConfirmPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.confirmPolicy = p }
}

// Engine implements the cart operations. Every mutation runs under the
// cart's lock and is saved with a version check; capacity taken during a
// mutation that then fails is given back before the error is returned.
type Engine struct {
	carts    repository.CartStore
	catalog  catalog.Catalog
	capacity capacity.Gateway
	pricing  *pricing.Registry
	limits   LimitsSource
	limiter  ratelimit.Limiter
	events   EventPublisher
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	confirmPolicy retry.Policy
}

// NewEngine creates a cart engine.
func NewEngine(deps Deps, cfg Config, opts ...Option) *Engine {
	if cfg.SweepPolicy == "" {
		cfg.SweepPolicy = SweepDelete
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	e := &Engine{
		carts:    deps.Carts,
		catalog:  deps.Catalog,
		capacity: deps.Capacity,
		pricing:  deps.Pricing,
		limits:   deps.Limits,
		limiter:  deps.Limiter,
		events:   deps.Events,
		logger:   deps.Logger,
		cfg:      cfg,
		now:      time.Now,
	}
	e.confirmPolicy = retry.Policy{
		Attempts:       3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		JitterFraction: 0.25,
	}
	if e.pricing == nil {
		e.pricing = pricing.DefaultRegistry()
	}
	if e.events == nil {
		e.events = nopPublisher{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddItemInput holds the parameters for adding an item to a cart. The
// booking data is already decoded for ProductType.
type AddItemInput struct {
	ProductType domain.ProductType
	ProductID   string
	VariantID   string
	BookingData domain.BookingData
	Options     []domain.SelectedOption
}

func (in AddItemInput) validate() error {
	if !in.ProductType.Valid() {
		return apperrors.Unsupported(fmt.Sprintf("unknown product type %q", in.ProductType))
	}
	if in.ProductID == "" {
		return apperrors.InvalidInput("product_id is required")
	}
	if in.BookingData.Type != in.ProductType {
		return apperrors.InvalidInput(fmt.Sprintf("booking_data is for %q, expected %q", in.BookingData.Type, in.ProductType))
	}
	return in.BookingData.Validate()
}

// UpdateItemInput changes an existing item. Nil fields keep their current
// value; a non-nil empty Options slice removes every option.
type UpdateItemInput struct {
	VariantID   *string
	BookingData *domain.BookingData
	Options     []domain.SelectedOption
}

// ClearResult reports what Clear did. Residual counts items still present
// after the clear was saved; it is zero unless something went wrong.
type ClearResult struct {
	CartID   string `json:"cart_id"`
	Removed  int    `json:"removed"`
	Released int    `json:"released"`
	Residual int    `json:"residual"`
}

// SweepResult reports one Sweep run.
type SweepResult struct {
	CartsScanned     int `json:"carts_scanned"`
	ItemsExpired     int `json:"items_expired"`
	CartsDeactivated int `json:"carts_deactivated"`
	Failures         int `json:"failures"`
}

// ---------------------------------------------------------------------------
// Cart lookup
// ---------------------------------------------------------------------------

// GetOrCreateCart returns the caller's active cart, creating it when missing.
// A user never gets a session cart here; that only happens through merge.
func (e *Engine) GetOrCreateCart(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	cart, err := e.findCart(ctx, identity)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("get cart: %w", err)
	}

	if identity.IsGuest() {
		if err := e.checkConcurrentCarts(ctx, identity); err != nil {
			return nil, err
		}
	}

	cart = e.newCart(identity)
	err = e.carts.Create(ctx, cart)
	if err == nil {
		e.logger.InfoContext(ctx, "cart created",
			slog.String("cart_id", cart.ID),
			slog.String("owner", identity.Key()),
		)
		return cart, nil
	}
	if !errors.Is(err, apperrors.ErrAlreadyExists) {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	// Lost the creation race: the winner's cart is the caller's cart.
	if winner, ferr := e.findCart(ctx, identity); ferr == nil {
		return winner, nil
	}
	if !identity.IsGuest() {
		return nil, apperrors.Conflict("cart was created concurrently, please retry")
	}

	cart.SessionKey = identity.SessionKey + "-" + uuid.New().String()[:8]
	if err := e.carts.Create(ctx, cart); err != nil {
		return nil, fmt.Errorf("create cart with disambiguated session: %w", err)
	}
	e.logger.WarnContext(ctx, "session key collided, cart created under a new session key",
		slog.String("cart_id", cart.ID),
		slog.String("session_key", cart.SessionKey),
	)
	return cart, nil
}

// findCart returns the identity's active cart. A cart past its expiry that
// the sweep has not reached yet is retired here and reported as missing.
func (e *Engine) findCart(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	var (
		cart *domain.Cart
		err  error
	)
	if identity.UserID != "" {
		cart, err = e.carts.FindActiveByUser(ctx, identity.UserID)
	} else {
		cart, err = e.carts.FindActiveBySession(ctx, identity.SessionKey)
	}
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if !cart.IsExpired(now) {
		return cart, nil
	}
	if _, _, err := e.sweepCart(ctx, cart.ID, now); err != nil {
		return nil, fmt.Errorf("retire expired cart %s: %w", cart.ID, err)
	}
	return nil, apperrors.NotFound("cart", identity.Key())
}

func (e *Engine) existingCart(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	cart, err := e.findCart(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return cart, nil
}

func (e *Engine) checkConcurrentCarts(ctx context.Context, identity domain.Identity) error {
	max := e.limits.Limits(domain.ClassGuest).MaxConcurrentCarts
	if identity.ClientID == "" || max <= 0 {
		return nil
	}
	count, err := e.carts.CountActiveByClient(ctx, identity.ClientID)
	if err != nil {
		return fmt.Errorf("count client carts: %w", err)
	}
	if count >= max {
		limitRejectionsTotal.WithLabelValues("concurrent_carts", string(domain.ClassGuest)).Inc()
		return apperrors.LimitExceeded("concurrent_carts", count+1, max)
	}
	return nil
}

func (e *Engine) newCart(identity domain.Identity) *domain.Cart {
	now := e.now().UTC()
	cart := &domain.Cart{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		ClientID:  identity.ClientID,
		Items:     []domain.CartItem{},
		Currency:  e.cfg.DefaultCurrency,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(e.cfg.CartTTL),
	}
	if identity.IsGuest() {
		cart.SessionKey = identity.SessionKey
	}
	return cart
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// AddItem prices a booking and puts it in the caller's cart. A booking whose
// natural key is already in the cart updates that line in place: tour
// participants are added up, other products take the new parameters.
func (e *Engine) AddItem(ctx context.Context, identity domain.Identity, input AddItemInput) (_ *domain.CartItem, err error) {
	ctx, end := startSpan(ctx, "Engine.AddItem")
	defer func() { end(err) }()

	if err := identity.Validate(); err != nil {
		return nil, err
	}
	limits := e.limits.Limits(identity.Class())
	if err := e.checkRate(ctx, identity, limits); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	product, err := e.loadProduct(ctx, input.ProductType, input.ProductID, input.Options)
	if err != nil {
		return nil, fmt.Errorf("add item: %w", err)
	}

	cart, err := e.GetOrCreateCart(ctx, identity)
	if err != nil {
		return nil, err
	}

	var (
		result *domain.CartItem
		saved  *domain.Cart
		action = ActionItemAdded
	)
	err = e.withLockedCart(ctx, cart.ID, func(cart *domain.Cart) error {
		expected := cart.Version
		now := e.now().UTC()

		key := input.BookingData.NaturalKey(input.ProductType, input.ProductID, input.VariantID)
		idx := cart.FindByNaturalKey(key)

		var prev *domain.CartItem
		next := domain.CartItem{
			ID:               uuid.New().String(),
			ProductType:      input.ProductType,
			ProductID:        input.ProductID,
			VariantID:        input.VariantID,
			BookingData:      input.BookingData,
			SelectedOptions:  input.Options,
			ReservationState: domain.ReservationUnreserved,
			CreatedAt:        now,
		}
		if idx >= 0 {
			existing := cart.Items[idx]
			if existing.ReservationState == domain.ReservationConverted {
				return apperrors.DuplicateBooking(string(key))
			}
			prev = &existing
			next = existing
			next.BookingData = mergeBooking(existing.BookingData, input.BookingData)
			if input.Options != nil {
				next.SelectedOptions = input.Options
			}
			action = ActionItemUpdated
		}

		currency := cartCurrency(cart, product, idx)
		if err := e.price(product, currency, &next); err != nil {
			return err
		}
		next.UpdatedAt = now

		projected := replaceItem(cart.Items, idx, next)
		if err := e.checkLimits(identity.Class(), limits, projected, &next); err != nil {
			return err
		}

		change, err := e.holdFor(ctx, prev, &next)
		if err != nil {
			return err
		}

		cart.Items = replaceItem(cart.Items, idx, next)
		cart.Currency = currency
		if err := e.save(ctx, cart, expected); err != nil {
			return e.compensate(ctx, err, change)
		}
		e.commitHold(ctx, change)

		result = &next
		saved = cart
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add item: %w", err)
	}

	e.logPublish(ctx, action, saved.ID, e.events.PublishItemChanged(ctx, action, saved, result))

	e.logger.InfoContext(ctx, "item added to cart",
		slog.String("cart_id", saved.ID),
		slog.String("item_id", result.ID),
		slog.String("product_type", string(result.ProductType)),
		slog.String("product_id", result.ProductID),
		slog.Int("quantity", result.Quantity),
		slog.Bool("merged_in_place", action == ActionItemUpdated),
	)

	return result, nil
}

// UpdateItem reprices an item from current catalog data and moves its
// capacity hold when the reserved slot or quantity changed. Converted items
// cannot change.
func (e *Engine) UpdateItem(ctx context.Context, identity domain.Identity, itemID string, input UpdateItemInput) (*domain.CartItem, error) {
	if itemID == "" {
		return nil, apperrors.InvalidInput("item id is required")
	}
	cart, err := e.existingCart(ctx, identity)
	if err != nil {
		return nil, err
	}
	limits := e.limits.Limits(identity.Class())
	if err := e.checkRate(ctx, identity, limits); err != nil {
		return nil, err
	}

	var (
		result *domain.CartItem
		saved  *domain.Cart
	)
	err = e.withLockedCart(ctx, cart.ID, func(cart *domain.Cart) error {
		expected := cart.Version
		idx := cart.FindItem(itemID)
		if idx < 0 {
			return apperrors.NotFound("cart item", itemID)
		}
		prev := cart.Items[idx]
		if prev.ReservationState == domain.ReservationConverted {
			return apperrors.Conflict(fmt.Sprintf("item %s has been converted and can no longer change", itemID))
		}

		next := prev
		if input.VariantID != nil {
			next.VariantID = *input.VariantID
		}
		if input.BookingData != nil {
			if input.BookingData.Type != prev.ProductType {
				return apperrors.InvalidInput(fmt.Sprintf("booking_data is for %q, expected %q", input.BookingData.Type, prev.ProductType))
			}
			if err := input.BookingData.Validate(); err != nil {
				return err
			}
			next.BookingData = *input.BookingData
		}
		if input.Options != nil {
			next.SelectedOptions = input.Options
		}
		if dup := cart.FindByNaturalKey(next.NaturalKey()); dup >= 0 && dup != idx {
			return apperrors.DuplicateBooking(string(next.NaturalKey()))
		}

		product, err := e.loadProduct(ctx, next.ProductType, next.ProductID, next.SelectedOptions)
		if err != nil {
			return err
		}
		currency := cartCurrency(cart, product, idx)
		if err := e.price(product, currency, &next); err != nil {
			return err
		}
		next.UpdatedAt = e.now().UTC()

		projected := replaceItem(cart.Items, idx, next)
		if err := e.checkLimits(identity.Class(), limits, projected, &next); err != nil {
			return err
		}

		change, err := e.holdFor(ctx, &prev, &next)
		if err != nil {
			return err
		}

		cart.Items = replaceItem(cart.Items, idx, next)
		cart.Currency = currency
		if err := e.save(ctx, cart, expected); err != nil {
			return e.compensate(ctx, err, change)
		}
		e.commitHold(ctx, change)

		result = &next
		saved = cart
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}

	e.logPublish(ctx, ActionItemUpdated, saved.ID, e.events.PublishItemChanged(ctx, ActionItemUpdated, saved, result))

	e.logger.InfoContext(ctx, "cart item updated",
		slog.String("cart_id", saved.ID),
		slog.String("item_id", itemID),
		slog.Int("quantity", result.Quantity),
	)

	return result, nil
}

// RemoveItem deletes an item and gives its hold back.
func (e *Engine) RemoveItem(ctx context.Context, identity domain.Identity, itemID string) error {
	if itemID == "" {
		return apperrors.InvalidInput("item id is required")
	}
	cart, err := e.existingCart(ctx, identity)
	if err != nil {
		return err
	}

	var (
		removed domain.CartItem
		saved   *domain.Cart
	)
	err = e.withLockedCart(ctx, cart.ID, func(cart *domain.Cart) error {
		expected := cart.Version
		idx := cart.FindItem(itemID)
		if idx < 0 {
			return apperrors.NotFound("cart item", itemID)
		}
		removed = cart.Items[idx]
		if removed.ReservationState == domain.ReservationConverted {
			return apperrors.Conflict(fmt.Sprintf("item %s has been converted and can no longer change", itemID))
		}

		cart.RemoveItem(idx)
		if err := e.save(ctx, cart, expected); err != nil {
			return err
		}
		if removed.IsReserved {
			e.release(ctx, &removed)
		}
		saved = cart
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}

	removed.MarkReleased()
	e.logPublish(ctx, ActionItemRemoved, saved.ID, e.events.PublishItemChanged(ctx, ActionItemRemoved, saved, &removed))

	e.logger.InfoContext(ctx, "item removed from cart",
		slog.String("cart_id", saved.ID),
		slog.String("item_id", itemID),
	)
	return nil
}

// Clear releases every hold and empties the cart, then re-reads the cart to
// verify that nothing remains. Leftovers are logged and reported as Residual.
func (e *Engine) Clear(ctx context.Context, identity domain.Identity) (*ClearResult, error) {
	cart, err := e.existingCart(ctx, identity)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return &ClearResult{}, nil
		}
		return nil, err
	}

	result := &ClearResult{CartID: cart.ID}
	var saved *domain.Cart
	err = e.withLockedCart(ctx, cart.ID, func(cart *domain.Cart) error {
		expected := cart.Version
		items := cart.Items
		for i := range items {
			if items[i].ReservationState == domain.ReservationConverted {
				return apperrors.Conflict(fmt.Sprintf("item %s has been converted and can no longer change", items[i].ID))
			}
		}

		cart.Items = []domain.CartItem{}
		if err := e.save(ctx, cart, expected); err != nil {
			return err
		}
		result.Removed = len(items)
		for i := range items {
			if items[i].IsReserved && e.release(ctx, &items[i]) {
				result.Released++
			}
		}

		after, err := e.carts.Get(ctx, cart.ID)
		if err != nil {
			return fmt.Errorf("verify cleared cart: %w", err)
		}
		result.Residual = len(after.Items)
		saved = cart
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	if result.Residual > 0 {
		e.logger.WarnContext(ctx, "cart still has items after clear",
			slog.String("cart_id", result.CartID),
			slog.Int("residual", result.Residual),
		)
	}

	e.logPublish(ctx, "cleared", saved.ID, e.events.PublishCartCleared(ctx, saved, result.Released))

	e.logger.InfoContext(ctx, "cart cleared",
		slog.String("cart_id", result.CartID),
		slog.Int("removed", result.Removed),
		slog.Int("released", result.Released),
	)
	return result, nil
}

// Summarize returns the checkout totals of the caller's cart.
func (e *Engine) Summarize(ctx context.Context, identity domain.Identity) (*domain.CartTotals, error) {
	cart, err := e.GetOrCreateCart(ctx, identity)
	if err != nil {
		return nil, err
	}
	return Totals(cart, e.limits.Limits(identity.Class())), nil
}

// Totals aggregates stored item totals. The service fee is a percentage of
// the subtotal; tax is a percentage of subtotal plus fee minus discount.
func Totals(cart *domain.Cart, limits domain.SystemLimits) *domain.CartTotals {
	subtotal := cart.Subtotal().Round(2)
	fee := subtotal.Mul(limits.ServiceFeePercent).Div(decimal.NewFromInt(100)).Round(2)
	discount := decimal.Zero
	taxable := subtotal.Add(fee).Sub(discount)
	tax := taxable.Mul(limits.TaxPercent).Div(decimal.NewFromInt(100)).Round(2)

	return &domain.CartTotals{
		CartID:     cart.ID,
		ItemCount:  cart.ItemCount(),
		LineCount:  cart.LineCount(),
		Subtotal:   subtotal,
		ServiceFee: fee,
		Discount:   discount,
		Tax:        tax,
		GrandTotal: taxable.Add(tax),
		Currency:   cart.Currency,
	}
}

// MarkConverted hands the caller's cart over to checkout.
func (e *Engine) MarkConverted(ctx context.Context, identity domain.Identity) (*domain.Cart, error) {
	cart, err := e.existingCart(ctx, identity)
	if err != nil {
		return nil, err
	}
	return e.ConvertCart(ctx, cart.ID)
}

// ConvertCart marks the cart's items converted, deactivates it and confirms
// every hold. Converting an already converted cart only re-confirms its holds.
func (e *Engine) ConvertCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	unlock, err := e.carts.Lock(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("convert cart: %w", err)
	}
	defer unlock(ctx)

	cart, err := e.carts.Get(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("convert cart: %w", err)
	}
	if !cart.IsActive {
		if len(cart.Items) > 0 && allConverted(cart.Items) {
			// finish confirmations an earlier attempt left behind
			if _, err := e.confirmHolds(ctx, cart); err != nil {
				return nil, fmt.Errorf("convert cart: %w", err)
			}
			return cart, nil
		}
		return nil, apperrors.Conflict(fmt.Sprintf("cart %s is no longer active", cartID))
	}
	if len(cart.Items) == 0 {
		return nil, apperrors.InvalidInput("cart is empty")
	}

	now := e.now().UTC()
	for i := range cart.Items {
		item := &cart.Items[i]
		if !item.ProductType.CapacityBound() {
			continue
		}
		if !item.IsReserved || item.HoldExpired(now) {
			return nil, apperrors.Conflict(fmt.Sprintf("reservation for item %s has expired", item.ID))
		}
	}

	// Items are persisted as converted before any hold is confirmed. Converted
	// items are never released, and a repeated ConvertCart confirms the rest.
	expected := cart.Version
	for i := range cart.Items {
		item := &cart.Items[i]
		item.IsReserved = false
		item.ReservationExpiresAt = nil
		item.ReservationState = domain.ReservationConverted
		item.UpdatedAt = now
	}
	cart.IsActive = false
	if err := e.save(ctx, cart, expected); err != nil {
		return nil, fmt.Errorf("convert cart: %w", err)
	}

	confirmed, err := e.confirmHolds(ctx, cart)
	if err != nil {
		return nil, fmt.Errorf("convert cart: %w", err)
	}
	for i := range confirmed {
		reservationsTotal.WithLabelValues(string(confirmed[i].ProductType), "confirm").Inc()
	}

	e.logPublish(ctx, "converted", cart.ID, e.events.PublishCartConverted(ctx, cart))

	e.logger.InfoContext(ctx, "cart converted",
		slog.String("cart_id", cart.ID),
		slog.Int("items", len(cart.Items)),
	)
	return cart, nil
}

// ---------------------------------------------------------------------------
// Sweep
// ---------------------------------------------------------------------------

// Sweep releases holds that expired by now. With SweepDelete the affected
// items are removed; with SweepDeactivate the cart is deactivated and all of
// its holds released. Carts past their own expiry are deactivated either way.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (_ *SweepResult, err error) {
	ctx, end := startSpan(ctx, "Engine.Sweep")
	defer func() { end(err) }()

	ids, err := e.carts.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	result := &SweepResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.CartsScanned++

		expired, deactivated, err := e.sweepCart(ctx, id, now)
		if err != nil {
			result.Failures++
			e.logger.WarnContext(ctx, "failed to sweep cart",
				slog.String("cart_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.ItemsExpired += expired
		if deactivated {
			result.CartsDeactivated++
		}
	}

	sweptItemsTotal.WithLabelValues("items_expired").Add(float64(result.ItemsExpired))
	sweptItemsTotal.WithLabelValues("carts_deactivated").Add(float64(result.CartsDeactivated))
	return result, nil
}

func (e *Engine) sweepCart(ctx context.Context, cartID string, now time.Time) (int, bool, error) {
	unlock, err := e.carts.Lock(ctx, cartID)
	if err != nil {
		return 0, false, err
	}
	defer unlock(ctx)

	cart, err := e.carts.Get(ctx, cartID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// the document outlived its retention; stop listing it
			return 0, false, e.carts.DropActive(ctx, cartID)
		}
		return 0, false, err
	}
	if !cart.IsActive {
		return 0, false, nil
	}
	expected := cart.Version

	var (
		release []domain.CartItem
		expired []domain.CartItem
	)
	if cart.IsExpired(now) {
		for i := range cart.Items {
			if cart.Items[i].IsReserved {
				release = append(release, cart.Items[i])
				cart.Items[i].MarkReleased()
			}
		}
		cart.IsActive = false
	} else {
		kept := make([]domain.CartItem, 0, len(cart.Items))
		for _, item := range cart.Items {
			if !item.HoldExpired(now) {
				kept = append(kept, item)
				continue
			}
			release = append(release, item)
			item.MarkReleased()
			expired = append(expired, item)
			if e.cfg.SweepPolicy == SweepDeactivate {
				kept = append(kept, item)
			}
		}
		if len(expired) == 0 {
			return 0, false, nil
		}
		cart.Items = kept

		if e.cfg.SweepPolicy == SweepDeactivate {
			for i := range cart.Items {
				if cart.Items[i].IsReserved {
					release = append(release, cart.Items[i])
					cart.Items[i].MarkReleased()
				}
			}
			cart.IsActive = false
		}
	}

	cart.UpdatedAt = now
	ok, err := e.carts.SaveIfVersion(ctx, cart, expected)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, apperrors.Conflict("cart was modified during sweep")
	}

	for i := range release {
		e.release(ctx, &release[i])
	}
	for i := range expired {
		e.logPublish(ctx, "reservation_expired", cart.ID, e.events.PublishReservationExpired(ctx, cart, &expired[i]))
	}

	if len(expired) > 0 || !cart.IsActive {
		e.logger.InfoContext(ctx, "cart swept",
			slog.String("cart_id", cart.ID),
			slog.Int("items_expired", len(expired)),
			slog.Bool("deactivated", !cart.IsActive),
		)
	}
	return len(expired), !cart.IsActive, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// withLockedCart runs fn on a fresh copy of the cart while holding its lock.
func (e *Engine) withLockedCart(ctx context.Context, cartID string, fn func(cart *domain.Cart) error) error {
	unlock, err := e.carts.Lock(ctx, cartID)
	if err != nil {
		return err
	}
	defer unlock(ctx)

	cart, err := e.carts.Get(ctx, cartID)
	if err != nil {
		return err
	}
	if !cart.IsActive {
		return apperrors.Conflict(fmt.Sprintf("cart %s is no longer active", cartID))
	}
	return fn(cart)
}

func (e *Engine) save(ctx context.Context, cart *domain.Cart, expectedVersion int) error {
	now := e.now().UTC()
	cart.UpdatedAt = now
	cart.ExpiresAt = now.Add(e.cfg.CartTTL)

	ok, err := e.carts.SaveIfVersion(ctx, cart, expectedVersion)
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	if !ok {
		return apperrors.Conflict("cart was modified concurrently, please retry")
	}
	return nil
}

func (e *Engine) checkRate(ctx context.Context, identity domain.Identity, limits domain.SystemLimits) error {
	allowed, err := e.limiter.Allow(ctx, identity, limits.RateLimitPerMinute)
	if err != nil {
		e.logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
			slog.String("identity", identity.Key()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !allowed {
		limitRejectionsTotal.WithLabelValues("rate_per_minute", string(identity.Class())).Inc()
		return apperrors.LimitExceeded("rate_per_minute", limits.RateLimitPerMinute+1, limits.RateLimitPerMinute)
	}
	return nil
}

// checkLimits validates the cart as it would look after the change.
func (e *Engine) checkLimits(class domain.IdentityClass, limits domain.SystemLimits, items []domain.CartItem, changed *domain.CartItem) error {
	reject := func(limit string, current, max any) error {
		limitRejectionsTotal.WithLabelValues(limit, string(class)).Inc()
		return apperrors.LimitExceeded(limit, current, max)
	}

	if limits.MaxQuantityPerItem > 0 && changed.Quantity > limits.MaxQuantityPerItem {
		return reject("quantity_per_item", changed.Quantity, limits.MaxQuantityPerItem)
	}

	count := 0
	total := decimal.Zero
	for _, item := range items {
		count += item.Quantity
		total = total.Add(item.TotalPrice)
	}
	if limits.MaxItems > 0 && count > limits.MaxItems {
		return reject("max_items", count, limits.MaxItems)
	}
	if limits.MaxTotal.IsPositive() && total.GreaterThan(limits.MaxTotal) {
		return reject("max_total", total.StringFixed(2), limits.MaxTotal.StringFixed(2))
	}
	return nil
}

// loadProduct fetches the product and resolves selected options the product
// snapshot does not carry through the catalog's option lookup.
func (e *Engine) loadProduct(ctx context.Context, pt domain.ProductType, productID string, selected []domain.SelectedOption) (*domain.Product, error) {
	product, err := e.catalog.GetPriceableProduct(ctx, pt, productID)
	if err != nil {
		return nil, err
	}
	for _, sel := range selected {
		if _, ok := product.Option(sel.OptionID); ok {
			continue
		}
		opt, err := e.catalog.GetOption(ctx, pt, sel.OptionID)
		if err != nil {
			return nil, err
		}
		product.Options = append(product.Options, *opt)
	}
	return product, nil
}

// price recomputes every derived field of item from the product.
func (e *Engine) price(product *domain.Product, currency string, item *domain.CartItem) error {
	b, err := e.pricing.Price(product, pricing.Request{
		VariantID: item.VariantID,
		Currency:  currency,
		Booking:   item.BookingData,
		Options:   item.SelectedOptions,
		Now:       e.now(),
	})
	if err != nil {
		return err
	}

	item.ProductTitle = product.Title
	item.Quantity = b.Quantity
	item.UnitPrice = b.UnitPrice
	item.OptionsTotal = b.OptionsTotal
	item.TotalPrice = b.Total
	item.Currency = b.Currency
	if item.Currency == "" {
		item.Currency = currency
	}
	item.SelectedOptions = b.Options
	item.PriceBreakdown = b.Lines
	return nil
}

// cartCurrency is the cart's currency, or the product's when the item at
// idx would be the only line.
func cartCurrency(cart *domain.Cart, product *domain.Product, idx int) string {
	others := len(cart.Items)
	if idx >= 0 {
		others--
	}
	if others == 0 && product.Currency != "" {
		return product.Currency
	}
	return cart.Currency
}

// mergeBooking combines a repeated booking with the existing line: tour
// participants add up, every other product takes the new parameters.
func mergeBooking(existing, incoming domain.BookingData) domain.BookingData {
	if incoming.Type != domain.ProductTour || existing.Tour == nil || incoming.Tour == nil {
		return incoming
	}
	tour := *incoming.Tour
	tour.Participants = domain.Participants{
		Adult:  existing.Tour.Participants.Adult + incoming.Tour.Participants.Adult,
		Child:  existing.Tour.Participants.Child + incoming.Tour.Participants.Child,
		Infant: existing.Tour.Participants.Infant + incoming.Tour.Participants.Infant,
	}
	merged := incoming
	merged.Tour = &tour
	return merged
}

// replaceItem returns a copy of items with next at idx, or appended when idx
// is negative.
func replaceItem(items []domain.CartItem, idx int, next domain.CartItem) []domain.CartItem {
	out := make([]domain.CartItem, len(items), len(items)+1)
	copy(out, items)
	if idx >= 0 {
		out[idx] = next
		return out
	}
	return append(out, next)
}

// confirmHolds confirms the hold of every converted item. Confirming a hold
// twice is a no-op, so it is safe to repeat after a partial failure.
func (e *Engine) confirmHolds(ctx context.Context, cart *domain.Cart) ([]domain.CartItem, error) {
	var confirmed []domain.CartItem
	for i := range cart.Items {
		item := cart.Items[i]
		if item.HoldToken == "" {
			continue
		}
		token := capacity.HoldToken(item.HoldToken)
		err := retry.Do(ctx, e.confirmPolicy, apperrors.IsTransient, func(ctx context.Context) error {
			return e.capacity.Confirm(ctx, token)
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to confirm hold of converted item",
				slog.String("cart_id", cart.ID),
				slog.String("item_id", item.ID),
				slog.String("hold_token", item.HoldToken),
				slog.String("error", err.Error()),
			)
			return confirmed, fmt.Errorf("confirm hold for item %s: %w", item.ID, err)
		}
		confirmed = append(confirmed, item)
	}
	return confirmed, nil
}

func allConverted(items []domain.CartItem) bool {
	for i := range items {
		if items[i].ReservationState != domain.ReservationConverted {
			return false
		}
	}
	return true
}

func (e *Engine) logPublish(ctx context.Context, event, cartID string, err error) {
	if err == nil {
		return
	}
	e.logger.ErrorContext(ctx, "failed to publish "+event+" event",
		slog.String("cart_id", cartID),
		slog.String("error", err.Error()),
	)
}

type nopPublisher struct{}

func (nopPublisher) PublishItemChanged(context.Context, string, *domain.Cart, *domain.CartItem) error {
	return nil
}
func (nopPublisher) PublishCartCleared(context.Context, *domain.Cart, int) error { return nil }
func (nopPublisher) PublishCartMerged(context.Context, *domain.Cart, string, int, int, int) error {
	return nil
}
func (nopPublisher) PublishReservationExpired(context.Context, *domain.Cart, *domain.CartItem) error {
	return nil
}
func (nopPublisher) PublishCartConverted(context.Context, *domain.Cart) error { return nil }
