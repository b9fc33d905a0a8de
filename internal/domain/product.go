package domain

import (
	"github.com/shopspring/decimal"
)

// ProductType is the family a bookable product belongs to.
type ProductType string

const (
	ProductTour      ProductType = "tour"
	ProductEvent     ProductType = "event"
	ProductTransfer  ProductType = "transfer"
	ProductCarRental ProductType = "car_rental"
)

// Valid reports whether t is a known product type.
func (t ProductType) Valid() bool {
	switch t {
	case ProductTour, ProductEvent, ProductTransfer, ProductCarRental:
		return true
	}
	return false
}

// CapacityBound reports whether adding the product must reserve capacity.
func (t ProductType) CapacityBound() bool {
	return t == ProductTour || t == ProductTransfer
}

// OptionPriceType controls how an option is billed.
type OptionPriceType string

const (
	OptionFixed      OptionPriceType = "fixed"
	OptionPerDay     OptionPriceType = "per_day"
	OptionPercentage OptionPriceType = "percentage"
)

// Option is a catalog add-on.
type Option struct {
	ID          string          `json:"id"`
	ProductType ProductType     `json:"product_type"`
	Name        string          `json:"name"`
	PriceType   OptionPriceType `json:"price_type"`
	Price       decimal.Decimal `json:"price"`
	Percentage  decimal.Decimal `json:"percentage"`
	MaxQuantity int             `json:"max_quantity"`
}

// Age groups used for tour pricing.
const (
	AgeAdult  = "adult"
	AgeChild  = "child"
	AgeInfant = "infant"
)

// Variant is a priced flavour of a product, such as a tour package tier.
type Variant struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	BasePrice decimal.Decimal            `json:"base_price"`
	Capacity  int                        `json:"capacity"`
	AgePrices map[string]decimal.Decimal `json:"age_prices,omitempty"`
}

// TourConfig holds tour booking bounds.
type TourConfig struct {
	DurationDays    int `json:"duration_days"`
	MinParticipants int `json:"min_participants"`
	MaxParticipants int `json:"max_participants"`
}

// Section is a priced seating area of an event venue.
type Section struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// EventConfig holds event booking bounds.
type EventConfig struct {
	MaxSeatsPerBooking int       `json:"max_seats_per_booking"`
	Sections           []Section `json:"sections,omitempty"`
}

// TransferConfig holds vehicle limits and time-of-day pricing.
type TransferConfig struct {
	VehicleType              string          `json:"vehicle_type"`
	MaxPassengers            int             `json:"max_passengers"`
	MaxLuggage               int             `json:"max_luggage"`
	ReturnPrice              decimal.Decimal `json:"return_price"`
	PeakSurchargePercent     decimal.Decimal `json:"peak_surcharge_percent"`
	MidnightSurchargePercent decimal.Decimal `json:"midnight_surcharge_percent"`
	RoundTripDiscountEnabled bool            `json:"round_trip_discount_enabled"`
	RoundTripDiscountPercent decimal.Decimal `json:"round_trip_discount_percent"`
}

// CarRentalConfig holds rental rates and duration bounds.
type CarRentalConfig struct {
	HourlyRate             decimal.Decimal `json:"hourly_rate"`
	AllowHourly            bool            `json:"allow_hourly"`
	MinHours               int             `json:"min_hours"`
	MaxHours               int             `json:"max_hours"`
	MinDays                int             `json:"min_days"`
	MaxDays                int             `json:"max_days"`
	WeeklyDiscountPercent  decimal.Decimal `json:"weekly_discount_percent"`
	MonthlyDiscountPercent decimal.Decimal `json:"monthly_discount_percent"`
	InsurancePerDay        decimal.Decimal `json:"insurance_per_day"`
	AdvanceBookingDays     int             `json:"advance_booking_days"`
}

// Product is the priceable snapshot of a catalog product. BasePrice is the
// per-person price for tours, the vehicle price for transfers and the daily
// rate for car rentals. Only the config matching Type is set.
type Product struct {
	Type      ProductType      `json:"type"`
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Currency  string           `json:"currency"`
	BasePrice decimal.Decimal  `json:"base_price"`
	Variants  []Variant        `json:"variants,omitempty"`
	Options   []Option         `json:"options,omitempty"`
	Tour      *TourConfig      `json:"tour,omitempty"`
	Event     *EventConfig     `json:"event,omitempty"`
	Transfer  *TransferConfig  `json:"transfer,omitempty"`
	CarRental *CarRentalConfig `json:"car_rental,omitempty"`
}

// Variant returns the variant with the given ID.
func (p *Product) Variant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// Option returns the catalog option with the given ID.
func (p *Product) Option(id string) (*Option, bool) {
	for i := range p.Options {
		if p.Options[i].ID == id {
			return &p.Options[i], true
		}
	}
	return nil, false
}

// Section returns the event section with the given ID.
func (c *EventConfig) Section(id string) (*Section, bool) {
	for i := range c.Sections {
		if c.Sections[i].ID == id {
			return &c.Sections[i], true
		}
	}
	return nil, false
}
