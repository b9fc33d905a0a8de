package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/validator"
)

// NaturalKey identifies "the same booking" within a cart.
type NaturalKey string

// TripType is the shape of a transfer booking.
type TripType string

const (
	TripOneWay    TripType = "one_way"
	TripRoundTrip TripType = "round_trip"
)

// Participants counts tour travellers by age group.
type Participants struct {
	Adult  int `json:"adult" validate:"gte=0"`
	Child  int `json:"child" validate:"gte=0"`
	Infant int `json:"infant" validate:"gte=0"`
}

// NonInfant is the number of participants that occupy a seat.
func (p Participants) NonInfant() int { return p.Adult + p.Child }

// Total counts every participant.
func (p Participants) Total() int { return p.Adult + p.Child + p.Infant }

// TourBooking books a scheduled tour departure.
type TourBooking struct {
	ScheduleID   string       `json:"schedule_id" validate:"required"`
	Participants Participants `json:"participants"`
}

// Seat is one selected event seat with the price quoted at selection time.
type Seat struct {
	SeatID    string          `json:"seat_id" validate:"required"`
	SectionID string          `json:"section_id"`
	Price     decimal.Decimal `json:"price"`
}

// EventBooking books seats at one performance.
type EventBooking struct {
	PerformanceID string `json:"performance_id" validate:"required"`
	Seats         []Seat `json:"seats" validate:"dive"`
}

// TransferBooking books a vehicle for one or two legs.
type TransferBooking struct {
	PickupAt    time.Time  `json:"pickup_at" validate:"required"`
	TripType    TripType   `json:"trip_type" validate:"required,oneof=one_way round_trip"`
	ReturnAt    *time.Time `json:"return_at"`
	VehicleType string     `json:"vehicle_type"`
	Passengers  int        `json:"passengers" validate:"gte=1"`
	Luggage     int        `json:"luggage" validate:"gte=0"`
}

// BookingDate is the calendar date of the outbound leg.
func (b *TransferBooking) BookingDate() string {
	return b.PickupAt.Format(time.DateOnly)
}

// CarRentalBooking books a car between two instants.
type CarRentalBooking struct {
	PickupAt         time.Time `json:"pickup_at" validate:"required"`
	DropoffAt        time.Time `json:"dropoff_at" validate:"required"`
	PickupLocation   string    `json:"pickup_location"`
	DropoffLocation  string    `json:"dropoff_location"`
	IncludeInsurance bool      `json:"include_insurance"`
}

// BookingData is a tagged union of product-specific booking parameters.
// Exactly the member matching Type is set. Keys a client sent that no member
// knows about are preserved in Extra.
type BookingData struct {
	Type      ProductType
	Tour      *TourBooking
	Event     *EventBooking
	Transfer  *TransferBooking
	CarRental *CarRentalBooking
	Extra     map[string]json.RawMessage
}

// ParseBookingData decodes raw booking parameters for the given product type.
func ParseBookingData(pt ProductType, raw []byte) (BookingData, error) {
	bd := BookingData{Type: pt}

	var target any
	switch pt {
	case ProductTour:
		bd.Tour = &TourBooking{}
		target = bd.Tour
	case ProductEvent:
		bd.Event = &EventBooking{}
		target = bd.Event
	case ProductTransfer:
		bd.Transfer = &TransferBooking{}
		target = bd.Transfer
	case ProductCarRental:
		bd.CarRental = &CarRentalBooking{}
		target = bd.CarRental
	default:
		return bd, apperrors.Unsupported(fmt.Sprintf("unknown product type %q", pt))
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return bd, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return bd, apperrors.InvalidInput("booking_data must be a JSON object")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return bd, apperrors.InvalidInput(fmt.Sprintf("invalid %s booking_data: %v", pt, err))
	}

	known, err := knownKeys(target)
	if err != nil {
		return bd, err
	}
	for k, v := range fields {
		if _, ok := known[k]; ok || k == "type" {
			continue
		}
		if bd.Extra == nil {
			bd.Extra = make(map[string]json.RawMessage)
		}
		bd.Extra[k] = v
	}

	return bd, nil
}

func knownKeys(v any) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal booking data: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal booking data: %w", err)
	}
	return m, nil
}

func (b BookingData) member() any {
	switch b.Type {
	case ProductTour:
		if b.Tour != nil {
			return b.Tour
		}
	case ProductEvent:
		if b.Event != nil {
			return b.Event
		}
	case ProductTransfer:
		if b.Transfer != nil {
			return b.Transfer
		}
	case ProductCarRental:
		if b.CarRental != nil {
			return b.CarRental
		}
	}
	return nil
}

// Validate checks the structural shape of the booking parameters. Product
// bounds are checked later by pricing.
func (b BookingData) Validate() error {
	if !b.Type.Valid() {
		return apperrors.Unsupported(fmt.Sprintf("unknown product type %q", b.Type))
	}
	m := b.member()
	if m == nil {
		return apperrors.InvalidInput(fmt.Sprintf("booking_data for %s is required", b.Type))
	}
	if err := validator.Validate(m); err != nil {
		return err
	}

	if t := b.Transfer; t != nil && t.TripType == TripRoundTrip {
		if t.ReturnAt == nil || !t.ReturnAt.After(t.PickupAt) {
			return apperrors.InvalidBooking("invalid_dates", "round trip requires a return time after pickup")
		}
	}
	if c := b.CarRental; c != nil && !c.DropoffAt.After(c.PickupAt) {
		return apperrors.InvalidBooking("invalid_dates", "dropoff must be after pickup")
	}
	return nil
}

// NaturalKey builds the duplicate-detection key for a booking.
func (b BookingData) NaturalKey(pt ProductType, productID, variantID string) NaturalKey {
	parts := []string{string(pt), productID}
	switch {
	case pt == ProductTour && b.Tour != nil:
		parts = append(parts, variantID, b.Tour.ScheduleID)
	case pt == ProductEvent && b.Event != nil:
		seats := make([]string, 0, len(b.Event.Seats))
		for _, s := range b.Event.Seats {
			seats = append(seats, s.SeatID)
		}
		sort.Strings(seats)
		parts = append(parts, b.Event.PerformanceID, strings.Join(seats, ","))
	case pt == ProductTransfer && b.Transfer != nil:
		parts = append(parts, b.Transfer.BookingDate(), b.Transfer.VehicleType, string(b.Transfer.TripType))
	case pt == ProductCarRental && b.CarRental != nil:
		parts = append(parts, variantID,
			b.CarRental.PickupAt.UTC().Format(time.RFC3339),
			b.CarRental.DropoffAt.UTC().Format(time.RFC3339))
	default:
		parts = append(parts, variantID)
	}
	return NaturalKey(strings.Join(parts, "|"))
}

// MarshalJSON writes the active member's fields, the preserved extras and a
// "type" discriminator into one flat object.
func (b BookingData) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.Extra)+8)
	for k, v := range b.Extra {
		out[k] = v
	}
	if m := b.member(); m != nil {
		fields, err := knownKeys(m)
		if err != nil {
			return nil, err
		}
		for k, v := range fields {
			out[k] = v
		}
	}
	t, err := json.Marshal(b.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = t
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (b *BookingData) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ProductType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Type == "" {
		*b = BookingData{}
		return nil
	}
	parsed, err := ParseBookingData(head.Type, data)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
