package pricing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	reason, _ := appErr.Details["reason"].(string)
	return reason
}

var pickup = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

// --- Car rental ---

func carProduct(cfg domain.CarRentalConfig, opts ...domain.Option) *domain.Product {
	return &domain.Product{
		Type:      domain.ProductCarRental,
		ID:        "car-1",
		Currency:  "USD",
		BasePrice: d("100"),
		CarRental: &cfg,
		Options:   opts,
	}
}

func carRequest(days int, opts ...domain.SelectedOption) Request {
	return Request{
		Currency: "USD",
		Booking: domain.BookingData{Type: domain.ProductCarRental, CarRental: &domain.CarRentalBooking{
			PickupAt:  pickup,
			DropoffAt: pickup.AddDate(0, 0, days),
		}},
		Options: opts,
	}
}

func TestPriceCarRental_DurationDiscounts(t *testing.T) {
	tests := []struct {
		name string
		days int
		cfg  domain.CarRentalConfig
		want string
	}{
		{"three days no discount", 3, domain.CarRentalConfig{}, "300.00"},
		{"weekly discount", 7, domain.CarRentalConfig{WeeklyDiscountPercent: d("10")}, "630.00"},
		{"six days below weekly", 6, domain.CarRentalConfig{WeeklyDiscountPercent: d("10")}, "600.00"},
		{"monthly wins without stacking", 30, domain.CarRentalConfig{
			WeeklyDiscountPercent:  d("10"),
			MonthlyDiscountPercent: d("20"),
		}, "2400.00"},
		{"weekly when monthly unset", 30, domain.CarRentalConfig{WeeklyDiscountPercent: d("10")}, "2700.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := PriceCarRental(carProduct(tt.cfg), carRequest(tt.days))
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Total.StringFixed(2))
		})
	}
}

func TestPriceCarRental_PerDayOptionScenario(t *testing.T) {
	gps := domain.Option{ID: "gps", PriceType: domain.OptionPerDay, Price: d("10"), MaxQuantity: 2}

	b, err := PriceCarRental(carProduct(domain.CarRentalConfig{}, gps),
		carRequest(3, domain.SelectedOption{OptionID: "gps", Quantity: 1}))
	require.NoError(t, err)

	assert.Equal(t, "300.00", b.BaseTotal.StringFixed(2))
	assert.Equal(t, "30.00", b.OptionsTotal.StringFixed(2))
	assert.Equal(t, "330.00", b.Total.StringFixed(2))
	require.Len(t, b.Options, 1)
	assert.Equal(t, "30.00", b.Options[0].ResolvedPrice.StringFixed(2))
}

func TestPriceCarRental_OptionKinds(t *testing.T) {
	opts := []domain.Option{
		{ID: "seat", PriceType: domain.OptionFixed, Price: d("15")},
		{ID: "fuel", PriceType: domain.OptionPercentage, Percentage: d("5")},
		{ID: "chains", PriceType: domain.OptionFixed, Price: d("1"), MaxQuantity: 4},
	}
	product := carProduct(domain.CarRentalConfig{}, opts...)

	b, err := PriceCarRental(product, carRequest(2,
		domain.SelectedOption{OptionID: "seat", Quantity: 2},
		domain.SelectedOption{OptionID: "fuel", Quantity: 1},
	))
	require.NoError(t, err)
	// 2 x 15 + 5% of 200
	assert.Equal(t, "40.00", b.OptionsTotal.StringFixed(2))

	_, err = PriceCarRental(product, carRequest(2, domain.SelectedOption{OptionID: "chains", Quantity: 5}))
	assert.Equal(t, "option_quantity_exceeded", reasonOf(t, err))

	_, err = PriceCarRental(product, carRequest(2, domain.SelectedOption{OptionID: "wifi", Quantity: 1}))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPriceCarRental_Hourly(t *testing.T) {
	cfg := domain.CarRentalConfig{
		HourlyRate:      d("20"),
		AllowHourly:     true,
		MinHours:        2,
		MaxHours:        8,
		InsurancePerDay: d("12"),
	}
	req := Request{Booking: domain.BookingData{Type: domain.ProductCarRental, CarRental: &domain.CarRentalBooking{
		PickupAt:         pickup,
		DropoffAt:        pickup.Add(4*time.Hour + 10*time.Minute),
		IncludeInsurance: true,
	}}}

	b, err := PriceCarRental(carProduct(cfg), req)
	require.NoError(t, err)
	// 5 started hours x 20, plus one day of insurance
	assert.Equal(t, "112.00", b.Total.StringFixed(2))

	req.Booking.CarRental.DropoffAt = pickup.Add(time.Hour)
	_, err = PriceCarRental(carProduct(cfg), req)
	assert.Equal(t, "below_min_hours", reasonOf(t, err))

	req.Booking.CarRental.DropoffAt = pickup.Add(10 * time.Hour)
	_, err = PriceCarRental(carProduct(cfg), req)
	assert.Equal(t, "above_max_hours", reasonOf(t, err))

	cfg.AllowHourly = false
	req.Booking.CarRental.DropoffAt = pickup.Add(3 * time.Hour)
	_, err = PriceCarRental(carProduct(cfg), req)
	assert.Equal(t, "hourly_not_allowed", reasonOf(t, err))
}

func TestPriceCarRental_Bounds(t *testing.T) {
	cfg := domain.CarRentalConfig{MinDays: 2, MaxDays: 10, AdvanceBookingDays: 90}

	_, err := PriceCarRental(carProduct(cfg), carRequest(1))
	assert.Equal(t, "too_short", reasonOf(t, err))

	_, err = PriceCarRental(carProduct(cfg), carRequest(11))
	assert.Equal(t, "too_long", reasonOf(t, err))

	req := carRequest(3)
	req.Now = pickup.AddDate(0, 0, -120)
	_, err = PriceCarRental(carProduct(cfg), req)
	assert.Equal(t, "invalid_dates", reasonOf(t, err))

	req.Now = pickup.Add(time.Hour)
	_, err = PriceCarRental(carProduct(cfg), req)
	assert.Equal(t, "invalid_dates", reasonOf(t, err))
}

func TestSpanOf_CalendarDays(t *testing.T) {
	late := time.Date(2026, 7, 1, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, RentalSpan{Days: 1, Hours: 4}, SpanOf(late, late.Add(4*time.Hour)))
	assert.Equal(t, RentalSpan{Days: 0, Hours: 2}, SpanOf(pickup, pickup.Add(90*time.Minute)))
	assert.Equal(t, 3, SpanOf(pickup, pickup.AddDate(0, 0, 3)).Days)
}

// --- Tour ---

func tourProduct() *domain.Product {
	return &domain.Product{
		Type:     domain.ProductTour,
		ID:       "tour-1",
		Currency: "USD",
		Variants: []domain.Variant{
			{
				ID:        "std",
				BasePrice: d("50"),
				Capacity:  10,
				AgePrices: map[string]decimal.Decimal{
					domain.AgeAdult:  d("60"),
					domain.AgeChild:  d("40"),
					domain.AgeInfant: d("25"),
				},
			},
			{ID: "budget", BasePrice: d("30")},
		},
		Tour: &domain.TourConfig{DurationDays: 3, MinParticipants: 1, MaxParticipants: 12},
		Options: []domain.Option{
			{ID: "lunch", PriceType: domain.OptionFixed, Price: d("12.5")},
			{ID: "guide", PriceType: domain.OptionPerDay, Price: d("20")},
		},
	}
}

func tourRequest(variant string, p domain.Participants, opts ...domain.SelectedOption) Request {
	return Request{
		VariantID: variant,
		Currency:  "USD",
		Booking: domain.BookingData{Type: domain.ProductTour, Tour: &domain.TourBooking{
			ScheduleID:   "sched-1",
			Participants: p,
		}},
		Options: opts,
	}
}

func TestPriceTour_AgeGroupsAndOptions(t *testing.T) {
	b, err := PriceTour(tourProduct(), tourRequest("std",
		domain.Participants{Adult: 2, Child: 1, Infant: 1},
		domain.SelectedOption{OptionID: "lunch", Quantity: 1},
		domain.SelectedOption{OptionID: "guide", Quantity: 1},
	))
	require.NoError(t, err)

	assert.Equal(t, 3, b.Quantity)
	assert.Equal(t, "160.00", b.BaseTotal.StringFixed(2))
	// lunch once regardless of participants, guide per tour day
	assert.Equal(t, "72.50", b.OptionsTotal.StringFixed(2))
	assert.Equal(t, "232.50", b.Total.StringFixed(2))
	assert.Equal(t, "53.33", b.UnitPrice.StringFixed(2))
}

func TestPriceTour_InfantsAlwaysFree(t *testing.T) {
	for _, variant := range []string{"std", "budget"} {
		t.Run(variant, func(t *testing.T) {
			withInfants, err := PriceTour(tourProduct(), tourRequest(variant, domain.Participants{Adult: 1, Infant: 3}))
			require.NoError(t, err)
			without, err := PriceTour(tourProduct(), tourRequest(variant, domain.Participants{Adult: 1}))
			require.NoError(t, err)

			assert.True(t, withInfants.Total.Equal(without.Total))
			assert.Equal(t, 1, withInfants.Quantity)
		})
	}
}

func TestPriceTour_FallbackToVariantBase(t *testing.T) {
	b, err := PriceTour(tourProduct(), tourRequest("budget", domain.Participants{Adult: 2, Child: 2}))
	require.NoError(t, err)
	assert.Equal(t, "120.00", b.Total.StringFixed(2))
}

func TestPriceTour_Bounds(t *testing.T) {
	_, err := PriceTour(tourProduct(), tourRequest("std", domain.Participants{Infant: 2}))
	assert.Equal(t, "below_min_participants", reasonOf(t, err))

	_, err = PriceTour(tourProduct(), tourRequest("std", domain.Participants{Adult: 9, Child: 2, Infant: 2}))
	assert.Equal(t, "above_max_participants", reasonOf(t, err))

	_, err = PriceTour(tourProduct(), tourRequest("std", domain.Participants{Adult: 11}))
	assert.Equal(t, "above_capacity", reasonOf(t, err))

	_, err = PriceTour(tourProduct(), tourRequest("vip", domain.Participants{Adult: 1}))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// --- Event ---

func TestPriceEvent_SectionPriceWins(t *testing.T) {
	product := &domain.Product{
		Type:     domain.ProductEvent,
		ID:       "concert-1",
		Currency: "USD",
		Event: &domain.EventConfig{
			MaxSeatsPerBooking: 4,
			Sections:           []domain.Section{{ID: "floor", Price: d("80")}},
		},
		Options: []domain.Option{{ID: "program", PriceType: domain.OptionFixed, Price: d("5")}},
	}
	req := Request{
		Booking: domain.BookingData{Type: domain.ProductEvent, Event: &domain.EventBooking{
			PerformanceID: "perf-1",
			Seats: []domain.Seat{
				{SeatID: "A1", SectionID: "floor", Price: d("70")},
				{SeatID: "B1", Price: d("45.5")},
			},
		}},
		Options: []domain.SelectedOption{{OptionID: "program", Quantity: 2}},
	}

	b, err := PriceEvent(product, req)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Quantity)
	assert.Equal(t, "125.50", b.BaseTotal.StringFixed(2))
	assert.Equal(t, "135.50", b.Total.StringFixed(2))

	req.Booking.Event.Seats = nil
	_, err = PriceEvent(product, req)
	assert.Equal(t, "no_seats", reasonOf(t, err))

	req.Booking.Event.Seats = []domain.Seat{{SeatID: "1"}, {SeatID: "2"}, {SeatID: "3"}, {SeatID: "4"}, {SeatID: "5"}}
	_, err = PriceEvent(product, req)
	assert.Equal(t, "too_many_seats", reasonOf(t, err))

	req.Booking.Event.Seats = []domain.Seat{{SeatID: "1", SectionID: "balcony"}}
	_, err = PriceEvent(product, req)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// --- Transfer ---

func transferProduct() *domain.Product {
	return &domain.Product{
		Type:      domain.ProductTransfer,
		ID:        "airport-1",
		Currency:  "USD",
		BasePrice: d("100"),
		Transfer: &domain.TransferConfig{
			VehicleType:              "sedan",
			MaxPassengers:            3,
			MaxLuggage:               3,
			PeakSurchargePercent:     d("20"),
			MidnightSurchargePercent: d("50"),
			RoundTripDiscountEnabled: true,
			RoundTripDiscountPercent: d("10"),
		},
		Options: []domain.Option{
			{ID: "child-seat", PriceType: domain.OptionFixed, Price: d("15")},
			{ID: "meet-greet", PriceType: domain.OptionPercentage, Percentage: d("10")},
		},
	}
}

func transferRequest(at time.Time, returnAt *time.Time, opts ...domain.SelectedOption) Request {
	trip := domain.TripOneWay
	if returnAt != nil {
		trip = domain.TripRoundTrip
	}
	return Request{
		Booking: domain.BookingData{Type: domain.ProductTransfer, Transfer: &domain.TransferBooking{
			PickupAt:   at,
			TripType:   trip,
			ReturnAt:   returnAt,
			Passengers: 2,
			Luggage:    2,
		}},
		Options: opts,
	}
}

func TestSurchargeBand(t *testing.T) {
	tests := []struct {
		hour int
		want Band
	}{
		{0, BandMidnight}, {6, BandMidnight}, {7, BandPeak}, {8, BandPeak}, {9, BandPeak},
		{10, BandNone}, {14, BandNone}, {16, BandNone}, {17, BandPeak}, {19, BandPeak},
		{20, BandNone}, {21, BandNone}, {22, BandMidnight}, {23, BandMidnight},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SurchargeBand(tt.hour), "hour %d", tt.hour)
	}
}

func TestPriceTransfer_OneWayBands(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{8, "120.00"},
		{23, "150.00"},
		{14, "100.00"},
	}
	for _, tt := range tests {
		at := time.Date(2026, 7, 1, tt.hour, 30, 0, 0, time.UTC)
		b, err := PriceTransfer(transferProduct(), transferRequest(at, nil))
		require.NoError(t, err)
		assert.Equal(t, tt.want, b.Total.StringFixed(2), "hour %d", tt.hour)
	}
}

func TestPriceTransfer_RoundTripDiscountBeforeOptions(t *testing.T) {
	out := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	back := time.Date(2026, 7, 5, 23, 0, 0, 0, time.UTC)

	b, err := PriceTransfer(transferProduct(), transferRequest(out, &back,
		domain.SelectedOption{OptionID: "child-seat", Quantity: 2},
		domain.SelectedOption{OptionID: "meet-greet", Quantity: 1},
	))
	require.NoError(t, err)

	// (120 + 150) less 10% = 243, then 30 + 10 of options untouched by the discount
	assert.Equal(t, "243.00", b.BaseTotal.StringFixed(2))
	assert.Equal(t, "40.00", b.OptionsTotal.StringFixed(2))
	assert.Equal(t, "283.00", b.Total.StringFixed(2))
}

func TestPriceTransfer_Bounds(t *testing.T) {
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	req := transferRequest(at, nil)
	req.Booking.Transfer.Passengers = 4
	_, err := PriceTransfer(transferProduct(), req)
	assert.Equal(t, "above_capacity", reasonOf(t, err))

	req = transferRequest(at, nil)
	req.Booking.Transfer.Luggage = 5
	_, err = PriceTransfer(transferProduct(), req)
	assert.Equal(t, "luggage_exceeded", reasonOf(t, err))

	earlier := at.Add(-time.Hour)
	_, err = PriceTransfer(transferProduct(), transferRequest(at, &earlier))
	assert.Equal(t, "invalid_dates", reasonOf(t, err))
}

// --- Registry ---

func TestRegistry_Dispatch(t *testing.T) {
	reg := DefaultRegistry()

	rule, err := reg.Rule(domain.ProductTransfer)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductTransfer, rule.ProductType())

	_, err = NewRegistry(TourRule{}).Rule(domain.ProductEvent)
	assert.ErrorIs(t, err, apperrors.ErrUnsupported)

	b, err := reg.Price(carProduct(domain.CarRentalConfig{}), carRequest(3))
	require.NoError(t, err)
	assert.Equal(t, "USD", b.Currency)
}

func TestRegistry_CurrencyMismatchIsUnsupported(t *testing.T) {
	req := carRequest(3)
	req.Currency = "EUR"

	_, err := DefaultRegistry().Price(carProduct(domain.CarRentalConfig{}), req)
	assert.ErrorIs(t, err, apperrors.ErrUnsupported)
}

func TestRegistry_BookingTypeMismatch(t *testing.T) {
	req := carRequest(3)
	_, err := DefaultRegistry().Price(tourProduct(), req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestPrice_Deterministic(t *testing.T) {
	out := time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC)
	back := out.Add(48 * time.Hour)
	reg := DefaultRegistry()
	req := transferRequest(out, &back, domain.SelectedOption{OptionID: "meet-greet", Quantity: 2})

	first, err := reg.Price(transferProduct(), req)
	require.NoError(t, err)
	second, err := reg.Price(transferProduct(), req)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
