package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// CarRentalRule prices car rentals by the hour or by the day.
type CarRentalRule struct{}

func (CarRentalRule) ProductType() domain.ProductType { return domain.ProductCarRental }

func (CarRentalRule) Price(product *domain.Product, req Request) (*Breakdown, error) {
	return PriceCarRental(product, req)
}

// RentalSpan is the billable length of a rental. Days is the number of
// calendar days between pickup and dropoff; a zero-day rental is billed by
// the started hour.
type RentalSpan struct {
	Days  int
	Hours int
}

// SpanOf measures a rental in the pickup's location.
func SpanOf(pickup, dropoff time.Time) RentalSpan {
	dropoff = dropoff.In(pickup.Location())
	py, pm, pd := pickup.Date()
	dy, dm, dd := dropoff.Date()
	start := time.Date(py, pm, pd, 0, 0, 0, 0, time.UTC)
	end := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours() / 24)

	hours := int(math.Ceil(dropoff.Sub(pickup).Hours()))
	return RentalSpan{Days: days, Hours: hours}
}

// DailyRate applies the duration discount to the base daily rate: monthly
// for 30 days or more, otherwise weekly for 7 days or more. The two never
// stack.
func DailyRate(base decimal.Decimal, days int, weeklyPct, monthlyPct decimal.Decimal) decimal.Decimal {
	switch {
	case days >= 30 && monthlyPct.IsPositive():
		return base.Sub(percentOf(base, monthlyPct))
	case days >= 7 && weeklyPct.IsPositive():
		return base.Sub(percentOf(base, weeklyPct))
	default:
		return base
	}
}

// PriceCarRental prices a rental. Insurance is billed per day with a
// one-day minimum, including hourly rentals.
func PriceCarRental(product *domain.Product, req Request) (*Breakdown, error) {
	booking := req.Booking.CarRental
	if booking == nil {
		return nil, apperrors.InvalidInput("car_rental booking_data is required")
	}
	cfg := product.CarRental
	if cfg == nil {
		cfg = &domain.CarRentalConfig{}
	}

	dailyBase := product.BasePrice
	if req.VariantID != "" {
		v, ok := product.Variant(req.VariantID)
		if !ok {
			return nil, apperrors.NotFound("car variant", req.VariantID)
		}
		dailyBase = v.BasePrice
	}

	if !booking.DropoffAt.After(booking.PickupAt) {
		return nil, apperrors.InvalidBooking("invalid_dates", "dropoff must be after pickup")
	}
	if !req.Now.IsZero() {
		if booking.PickupAt.Before(req.Now) {
			return nil, apperrors.InvalidBooking("invalid_dates", "pickup is in the past")
		}
		if cfg.AdvanceBookingDays > 0 && booking.PickupAt.After(req.Now.AddDate(0, 0, cfg.AdvanceBookingDays)) {
			return nil, apperrors.InvalidBooking("invalid_dates",
				fmt.Sprintf("pickup must be within %d days", cfg.AdvanceBookingDays))
		}
	}

	span := SpanOf(booking.PickupAt, booking.DropoffAt)
	b := &Breakdown{Quantity: 1}

	if span.Days == 0 {
		if !cfg.AllowHourly {
			return nil, apperrors.InvalidBooking("hourly_not_allowed", "this car cannot be rented by the hour")
		}
		if cfg.MinHours > 0 && span.Hours < cfg.MinHours {
			return nil, apperrors.InvalidBooking("below_min_hours",
				fmt.Sprintf("hourly rentals last at least %d hours", cfg.MinHours))
		}
		if cfg.MaxHours > 0 && span.Hours > cfg.MaxHours {
			return nil, apperrors.InvalidBooking("above_max_hours",
				fmt.Sprintf("hourly rentals last at most %d hours", cfg.MaxHours))
		}
		amount := money(cfg.HourlyRate.Mul(decimal.NewFromInt(int64(span.Hours))))
		b.Lines = append(b.Lines, domain.PriceLine{Label: fmt.Sprintf("%d hours", span.Hours), Amount: amount})
		b.BaseTotal = amount
	} else {
		if cfg.MinDays > 0 && span.Days < cfg.MinDays {
			return nil, apperrors.InvalidBooking("too_short",
				fmt.Sprintf("rental must be at least %d days", cfg.MinDays))
		}
		if cfg.MaxDays > 0 && span.Days > cfg.MaxDays {
			return nil, apperrors.InvalidBooking("too_long",
				fmt.Sprintf("rental must be at most %d days", cfg.MaxDays))
		}
		rate := DailyRate(dailyBase, span.Days, cfg.WeeklyDiscountPercent, cfg.MonthlyDiscountPercent)
		amount := money(rate.Mul(decimal.NewFromInt(int64(span.Days))))
		b.Lines = append(b.Lines, domain.PriceLine{Label: fmt.Sprintf("%d days", span.Days), Amount: amount})
		b.BaseTotal = amount
	}

	billableDays := span.Days
	if billableDays < 1 {
		billableDays = 1
	}
	if booking.IncludeInsurance && cfg.InsurancePerDay.IsPositive() {
		insurance := money(cfg.InsurancePerDay.Mul(decimal.NewFromInt(int64(billableDays))))
		b.Lines = append(b.Lines, domain.PriceLine{Label: "insurance", Amount: insurance})
		b.BaseTotal = b.BaseTotal.Add(insurance)
	}

	opts, lines, optTotal, err := priceOptions(product, req.Options, optionBasis{
		days:        billableDays,
		base:        b.Lines[0].Amount,
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
