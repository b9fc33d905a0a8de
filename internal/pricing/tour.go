package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// TourRule prices tours by age group.
type TourRule struct{}

func (TourRule) ProductType() domain.ProductType { return domain.ProductTour }

func (TourRule) Price(product *domain.Product, req Request) (*Breakdown, error) {
	return PriceTour(product, req)
}

// PriceTour sums per-age-group prices. Infants are always free. A group
// without its own price falls back to the variant base price.
func PriceTour(product *domain.Product, req Request) (*Breakdown, error) {
	booking := req.Booking.Tour
	if booking == nil {
		return nil, apperrors.InvalidInput("tour booking_data is required")
	}

	base := product.BasePrice
	var ages map[string]decimal.Decimal
	capacity := 0
	if len(product.Variants) > 0 || req.VariantID != "" {
		v, ok := product.Variant(req.VariantID)
		if !ok {
			return nil, apperrors.NotFound("tour variant", req.VariantID)
		}
		base = v.BasePrice
		ages = v.AgePrices
		capacity = v.Capacity
	}

	p := booking.Participants
	cfg := product.Tour
	if cfg == nil {
		cfg = &domain.TourConfig{}
	}
	if p.NonInfant() < 1 {
		return nil, apperrors.InvalidBooking("below_min_participants", "at least one adult or child is required")
	}
	if cfg.MinParticipants > 0 && p.Total() < cfg.MinParticipants {
		return nil, apperrors.InvalidBooking("below_min_participants",
			fmt.Sprintf("tour requires at least %d participants", cfg.MinParticipants))
	}
	if cfg.MaxParticipants > 0 && p.Total() > cfg.MaxParticipants {
		return nil, apperrors.InvalidBooking("above_max_participants",
			fmt.Sprintf("tour allows at most %d participants", cfg.MaxParticipants))
	}
	if capacity > 0 && p.NonInfant() > capacity {
		return nil, apperrors.InvalidBooking("above_capacity",
			fmt.Sprintf("variant %s seats at most %d", req.VariantID, capacity))
	}

	b := &Breakdown{Quantity: p.NonInfant()}
	for _, group := range []struct {
		name  string
		count int
	}{{domain.AgeAdult, p.Adult}, {domain.AgeChild, p.Child}, {domain.AgeInfant, p.Infant}} {
		if group.count == 0 {
			continue
		}
		unit := decimal.Zero
		if group.name != domain.AgeInfant {
			unit = base
			if price, ok := ages[group.name]; ok {
				unit = price
			}
		}
		amount := money(unit.Mul(decimal.NewFromInt(int64(group.count))))
		b.Lines = append(b.Lines, domain.PriceLine{
			Label:  fmt.Sprintf("%s x%d", group.name, group.count),
			Amount: amount,
		})
		b.BaseTotal = b.BaseTotal.Add(amount)
	}

	opts, lines, optTotal, err := priceOptions(product, req.Options, optionBasis{
		days:        cfg.DurationDays,
		base:        b.BaseTotal,
		allowPerDay: true,
	})
	if err != nil {
		return nil, err
	}
	b.Options = opts
	b.Lines = append(b.Lines, lines...)
	b.OptionsTotal = optTotal

	return finish(b, product.Currency), nil
}
