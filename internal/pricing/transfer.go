package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// Band is a time-of-day surcharge band.
type Band string

const (
	BandNone     Band = "none"
	BandPeak     Band = "peak"
	BandMidnight Band = "midnight"
)

// SurchargeBand returns the band for an hour of the day (0-23).
func SurchargeBand(hour int) Band {
	switch {
	case hour >= 7 && hour <= 9, hour >= 17 && hour <= 19:
		return BandPeak
	case hour >= 22, hour <= 6:
		return BandMidnight
	default:
		return BandNone
	}
}

// TransferRule prices vehicle transfers.
type TransferRule struct{}

func (TransferRule) ProductType() domain.ProductType { return domain.ProductTransfer }

func (TransferRule) Price(product *domain.Product, req Request) (*Breakdown, error) {
	return PriceTransfer(product, req)
}

// PriceTransfer prices the outbound leg, the optional return leg, applies the
// round-trip discount to that pre-options subtotal and then adds options.
// Surcharges are percentages of the leg's base price.
func PriceTransfer(product *domain.Product, req Request) (*Breakdown, error) {
	booking := req.Booking.Transfer
	if booking == nil {
		return nil, apperrors.InvalidInput("transfer booking_data is required")
	}
	cfg := product.Transfer
	if cfg == nil {
		cfg = &domain.TransferConfig{}
	}

	base := product.BasePrice
	if req.VariantID != "" {
		v, ok := product.Variant(req.VariantID)
		if !ok {
			return nil, apperrors.NotFound("transfer variant", req.VariantID)
		}
		base = v.BasePrice
	}

	if booking.Passengers < 1 {
		return nil, apperrors.InvalidBooking("below_min_participants", "at least one passenger is required")
	}
	if cfg.MaxPassengers > 0 && booking.Passengers > cfg.MaxPassengers {
		return nil, apperrors.InvalidBooking("above_capacity",
			fmt.Sprintf("vehicle carries at most %d passengers", cfg.MaxPassengers))
	}
	if cfg.MaxLuggage > 0 && booking.Luggage > cfg.MaxLuggage {
		return nil, apperrors.InvalidBooking("luggage_exceeded",
			fmt.Sprintf("vehicle carries at most %d pieces of luggage", cfg.MaxLuggage))
	}
	roundTrip := booking.TripType == domain.TripRoundTrip
	if roundTrip && (booking.ReturnAt == nil || !booking.ReturnAt.After(booking.PickupAt)) {
		return nil, apperrors.InvalidBooking("invalid_dates", "round trip requires a return time after pickup")
	}

	b := &Breakdown{Quantity: 1}
	addLeg := func(name string, legBase decimal.Decimal, hour int) {
		legBase = money(legBase)
		b.Lines = append(b.Lines, domain.PriceLine{Label: name, Amount: legBase})
		b.BaseTotal = b.BaseTotal.Add(legBase)

		var pct decimal.Decimal
		band := SurchargeBand(hour)
		switch band {
		case BandPeak:
			pct = cfg.PeakSurchargePercent
		case BandMidnight:
			pct = cfg.MidnightSurchargePercent
		}
		if pct.IsPositive() {
			surcharge := money(percentOf(legBase, pct))
			b.Lines = append(b.Lines, domain.PriceLine{Label: fmt.Sprintf("%s %s surcharge", name, band), Amount: surcharge})
			b.BaseTotal = b.BaseTotal.Add(surcharge)
		}
	}

	addLeg("outbound", base, booking.PickupAt.Hour())
	if roundTrip {
		returnBase := base
		if cfg.ReturnPrice.IsPositive() {
			returnBase = cfg.ReturnPrice
		}
		addLeg("return", returnBase, booking.ReturnAt.Hour())

		if cfg.RoundTripDiscountEnabled && cfg.RoundTripDiscountPercent.IsPositive() {
			discount := money(percentOf(b.BaseTotal, cfg.RoundTripDiscountPercent))
			b.Lines = append(b.Lines, domain.PriceLine{Label: "round trip discount", Amount: discount.Neg()})
			b.BaseTotal = b.BaseTotal.Sub(discount)
		}
	}

	opts, lines, optTotal, err := priceOptions(product, req.Options, optionBasis{base: base})
	if err != nil {
		return nil, err
	}
	b.Options = opts
	b.Lines = append(b.Lines, lines...)
	b.OptionsTotal = optTotal

	return finish(b, product.Currency), nil
}
