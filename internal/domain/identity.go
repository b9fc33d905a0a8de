package domain

import (
	"github.com/shopspring/decimal"

	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// IdentityClass separates anonymous from authenticated callers for limits.
type IdentityClass string

const (
	ClassGuest IdentityClass = "guest"
	ClassUser  IdentityClass = "user"
)

// Identity is the caller a cart belongs to. A non-empty UserID makes the
// identity authenticated; SessionKey is then ignored outside of merge.
// ClientID is an optional device fingerprint used to cap guest carts.
type Identity struct {
	UserID     string
	SessionKey string
	ClientID   string
}

// Class returns the limit class of the identity.
func (i Identity) Class() IdentityClass {
	if i.UserID != "" {
		return ClassUser
	}
	return ClassGuest
}

// IsGuest reports whether the identity is anonymous.
func (i Identity) IsGuest() bool {
	return i.UserID == ""
}

// Key is a stable string for per-identity state such as rate limits.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "guest:" + i.SessionKey
}

// Validate checks that the identity can own a cart.
func (i Identity) Validate() error {
	if i.UserID == "" && i.SessionKey == "" {
		return apperrors.Unauthorized("a user id or session key is required")
	}
	return nil
}

// SystemLimits are the caps applied to one identity class.
type SystemLimits struct {
	MaxItems           int             `json:"max_items"`
	MaxTotal           decimal.Decimal `json:"max_total"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute"`
	MaxConcurrentCarts int             `json:"max_concurrent_carts"`
	MaxQuantityPerItem int             `json:"max_quantity_per_item"`
	ServiceFeePercent  decimal.Decimal `json:"service_fee_percent"`
	TaxPercent         decimal.Decimal `json:"tax_percent"`
}
