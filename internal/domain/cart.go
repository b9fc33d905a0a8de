package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState tracks a cart item's capacity hold.
type ReservationState string

const (
	ReservationUnreserved ReservationState = "unreserved"
	ReservationReserved   ReservationState = "reserved"
	ReservationReleased   ReservationState = "released"
	ReservationConverted  ReservationState = "converted"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationState) Terminal() bool {
	return s == ReservationReleased || s == ReservationConverted
}

// Cart is a mutable collection of prospective bookings owned by exactly one
// guest session or one user.
type Cart struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id,omitempty"`
	SessionKey string     `json:"session_key,omitempty"`
	ClientID   string     `json:"client_id,omitempty"`
	Items      []CartItem `json:"items"`
	Currency   string     `json:"currency"`
	IsActive   bool       `json:"is_active"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// SelectedOption is one add-on chosen for a cart item. ResolvedPrice is the
// line amount computed by pricing, never taken from the caller.
type SelectedOption struct {
	OptionID      string          `json:"option_id" validate:"required"`
	Quantity      int             `json:"quantity" validate:"gte=1"`
	ResolvedPrice decimal.Decimal `json:"resolved_price"`
}

// PriceLine is one itemized row of a price breakdown.
type PriceLine struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

// CartItem is one line in a cart.
type CartItem struct {
	ID                   string           `json:"id"`
	ProductType          ProductType      `json:"product_type"`
	ProductID            string           `json:"product_id"`
	VariantID            string           `json:"variant_id,omitempty"`
	ProductTitle         string           `json:"product_title,omitempty"`
	Quantity             int              `json:"quantity"`
	UnitPrice            decimal.Decimal  `json:"unit_price"`
	OptionsTotal         decimal.Decimal  `json:"options_total"`
	TotalPrice           decimal.Decimal  `json:"total_price"`
	Currency             string           `json:"currency"`
	SelectedOptions      []SelectedOption `json:"selected_options"`
	BookingData          BookingData      `json:"booking_data"`
	PriceBreakdown       []PriceLine      `json:"price_breakdown,omitempty"`
	IsReserved           bool             `json:"is_reserved"`
	ReservationState     ReservationState `json:"reservation_state"`
	HoldToken            string           `json:"hold_token,omitempty"`
	ReservationExpiresAt *time.Time       `json:"reservation_expires_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// NaturalKey returns the key that identifies the same booking.
func (i *CartItem) NaturalKey() NaturalKey {
	return i.BookingData.NaturalKey(i.ProductType, i.ProductID, i.VariantID)
}

// HoldExpired reports whether the item holds capacity past its expiry.
func (i *CartItem) HoldExpired(now time.Time) bool {
	return i.IsReserved && i.ReservationExpiresAt != nil && !now.Before(*i.ReservationExpiresAt)
}

// MarkReserved records a successful capacity hold.
func (i *CartItem) MarkReserved(token string, expiresAt time.Time) {
	i.IsReserved = true
	i.HoldToken = token
	i.ReservationState = ReservationReserved
	i.ReservationExpiresAt = &expiresAt
}

// MarkReleased records that the hold was given back.
func (i *CartItem) MarkReleased() {
	i.IsReserved = false
	i.HoldToken = ""
	i.ReservationState = ReservationReleased
	i.ReservationExpiresAt = nil
}

// Owner returns the identity that owns the cart.
func (c *Cart) Owner() Identity {
	return Identity{UserID: c.UserID, SessionKey: c.SessionKey, ClientID: c.ClientID}
}

// ItemCount returns the sum of item quantities.
func (c *Cart) ItemCount() int {
	var count int
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

// LineCount returns the number of distinct lines.
func (c *Cart) LineCount() int {
	return len(c.Items)
}

// Subtotal sums the stored item totals.
func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.TotalPrice)
	}
	return total
}

// FindItem returns the index of the item with the given ID, or -1.
func (c *Cart) FindItem(itemID string) int {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// FindByNaturalKey returns the index of the item booking the same thing, or -1.
func (c *Cart) FindByNaturalKey(key NaturalKey) int {
	for i := range c.Items {
		if c.Items[i].NaturalKey() == key {
			return i
		}
	}
	return -1
}

// RemoveItem drops the item at index i.
func (c *Cart) RemoveItem(i int) {
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
}

// IsExpired reports whether the cart is past its expiry.
func (c *Cart) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CartTotals is the checkout summary of a cart.
type CartTotals struct {
	CartID     string          `json:"cart_id"`
	ItemCount  int             `json:"item_count"`
	LineCount  int             `json:"line_count"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	ServiceFee decimal.Decimal `json:"service_fee"`
	Discount   decimal.Decimal `json:"discount"`
	Tax        decimal.Decimal `json:"tax"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	Currency   string          `json:"currency"`
}
