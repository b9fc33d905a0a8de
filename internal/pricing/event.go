package pricing

import (
	"fmt"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// EventRule prices events seat by seat.
type EventRule struct{}

func (EventRule) ProductType() domain.ProductType { return domain.ProductEvent }

func (EventRule) Price(product *domain.Product, req Request) (*Breakdown, error) {
	return PriceEvent(product, req)
}

// PriceEvent sums seat prices plus options. When the catalog prices a seat's
// section, the catalog price wins over the price quoted with the seat.
func PriceEvent(product *domain.Product, req Request) (*Breakdown, error) {
	booking := req.Booking.Event
	if booking == nil {
		return nil, apperrors.InvalidInput("event booking_data is required")
	}
	cfg := product.Event
	if cfg == nil {
		cfg = &domain.EventConfig{}
	}

	if len(booking.Seats) == 0 {
		return nil, apperrors.InvalidBooking("no_seats", "at least one seat is required")
	}
	if cfg.MaxSeatsPerBooking > 0 && len(booking.Seats) > cfg.MaxSeatsPerBooking {
		return nil, apperrors.InvalidBooking("too_many_seats",
			fmt.Sprintf("at most %d seats per booking", cfg.MaxSeatsPerBooking))
	}

	b := &Breakdown{Quantity: len(booking.Seats)}
	seen := make(map[string]struct{}, len(booking.Seats))
	for _, seat := range booking.Seats {
		if _, dup := seen[seat.SeatID]; dup {
			return nil, apperrors.InvalidInput(fmt.Sprintf("seat %s selected twice", seat.SeatID))
		}
		seen[seat.SeatID] = struct{}{}

		price := seat.Price
		if seat.SectionID != "" {
			section, ok := cfg.Section(seat.SectionID)
			if !ok {
				return nil, apperrors.NotFound("section", seat.SectionID)
			}
			if section.Price.IsPositive() {
				price = section.Price
			}
		}
		if price.IsNegative() {
			return nil, apperrors.InvalidInput(fmt.Sprintf("seat %s has a negative price", seat.SeatID))
		}
		price = money(price)
		b.Lines = append(b.Lines, domain.PriceLine{Label: "seat:" + seat.SeatID, Amount: price})
		b.BaseTotal = b.BaseTotal.Add(price)
	}

	opts, lines, optTotal, err := priceOptions(product, req.Options, optionBasis{base: b.BaseTotal})
	if err != nil {
		return nil, err
	}
	b.Options = opts
	b.Lines = append(b.Lines, lines...)
	b.OptionsTotal = optTotal

	return finish(b, product.Currency), nil
}
