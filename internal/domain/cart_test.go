package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/validator"
)

func tourItem(id, scheduleID string, qty int, total string) CartItem {
	return CartItem{
		ID:          id,
		ProductType: ProductTour,
		ProductID:   "tour-1",
		VariantID:   "std",
		Quantity:    qty,
		TotalPrice:  decimal.RequireFromString(total),
		BookingData: BookingData{
			Type: ProductTour,
			Tour: &TourBooking{ScheduleID: scheduleID, Participants: Participants{Adult: qty}},
		},
	}
}

func TestCart_Totals(t *testing.T) {
	cart := &Cart{Items: []CartItem{
		tourItem("a", "s1", 2, "100.50"),
		tourItem("b", "s2", 3, "49.50"),
	}}

	assert.Equal(t, 5, cart.ItemCount())
	assert.Equal(t, 2, cart.LineCount())
	assert.Equal(t, "150.00", cart.Subtotal().StringFixed(2))
}

func TestCart_FindItemAndNaturalKey(t *testing.T) {
	cart := &Cart{Items: []CartItem{tourItem("a", "s1", 1, "10"), tourItem("b", "s2", 1, "10")}}

	assert.Equal(t, 1, cart.FindItem("b"))
	assert.Equal(t, -1, cart.FindItem("missing"))

	lookup := tourItem("c", "s2", 4, "0")
	assert.Equal(t, 1, cart.FindByNaturalKey(lookup.NaturalKey()))

	other := tourItem("d", "s3", 1, "0")
	assert.Equal(t, -1, cart.FindByNaturalKey(other.NaturalKey()))

	cart.RemoveItem(0)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "b", cart.Items[0].ID)
}

func TestCart_IsExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Cart{}).IsExpired(now))
	assert.True(t, (&Cart{ExpiresAt: now.Add(-time.Second)}).IsExpired(now))
	assert.False(t, (&Cart{ExpiresAt: now.Add(time.Minute)}).IsExpired(now))
}

func TestCartItem_ReservationTransitions(t *testing.T) {
	now := time.Now()
	item := tourItem("a", "s1", 1, "10")

	item.MarkReserved("hold-1", now.Add(20*time.Minute))
	assert.True(t, item.IsReserved)
	assert.Equal(t, ReservationReserved, item.ReservationState)
	assert.False(t, item.HoldExpired(now))
	assert.True(t, item.HoldExpired(now.Add(21*time.Minute)))
	assert.False(t, item.ReservationState.Terminal())

	item.MarkReleased()
	assert.False(t, item.IsReserved)
	assert.Empty(t, item.HoldToken)
	assert.True(t, item.ReservationState.Terminal())
	assert.True(t, ReservationConverted.Terminal())
}

func TestIdentity(t *testing.T) {
	guest := Identity{SessionKey: "sess-1"}
	user := Identity{UserID: "u1", SessionKey: "sess-1"}

	assert.Equal(t, ClassGuest, guest.Class())
	assert.True(t, guest.IsGuest())
	assert.Equal(t, "guest:sess-1", guest.Key())

	assert.Equal(t, ClassUser, user.Class())
	assert.Equal(t, "user:u1", user.Key())

	assert.NoError(t, guest.Validate())
	err := Identity{}.Validate()
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestProductType(t *testing.T) {
	assert.True(t, ProductCarRental.Valid())
	assert.False(t, ProductType("cruise").Valid())
	assert.True(t, ProductTour.CapacityBound())
	assert.True(t, ProductTransfer.CapacityBound())
	assert.False(t, ProductEvent.CapacityBound())
	assert.False(t, ProductCarRental.CapacityBound())
}

func TestParseBookingData_KeepsUnknownKeys(t *testing.T) {
	raw := []byte(`{"schedule_id":"s1","participants":{"adult":2,"infant":1},"pickup_hotel":"Pera Palace"}`)

	bd, err := ParseBookingData(ProductTour, raw)
	require.NoError(t, err)
	require.NotNil(t, bd.Tour)
	assert.Equal(t, "s1", bd.Tour.ScheduleID)
	assert.Equal(t, 2, bd.Tour.Participants.NonInfant())
	assert.Equal(t, 3, bd.Tour.Participants.Total())
	assert.JSONEq(t, `"Pera Palace"`, string(bd.Extra["pickup_hotel"]))
	assert.NotContains(t, bd.Extra, "schedule_id")
}

func TestParseBookingData_Errors(t *testing.T) {
	_, err := ParseBookingData("cruise", []byte(`{}`))
	assert.ErrorIs(t, err, apperrors.ErrUnsupported)

	_, err = ParseBookingData(ProductTour, []byte(`[1,2]`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = ParseBookingData(ProductTour, []byte(`{"participants":{"adult":"two"}}`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBookingData_JSONRoundTripPreservesExtra(t *testing.T) {
	bd, err := ParseBookingData(ProductCarRental,
		[]byte(`{"pickup_at":"2026-05-01T10:00:00Z","dropoff_at":"2026-05-04T10:00:00Z","flight_no":"TK1"}`))
	require.NoError(t, err)

	item := CartItem{ID: "i1", ProductType: ProductCarRental, BookingData: bd}
	data, err := json.Marshal(item)
	require.NoError(t, err)

	var decoded CartItem
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.BookingData.CarRental)
	assert.Equal(t, ProductCarRental, decoded.BookingData.Type)
	assert.True(t, bd.CarRental.DropoffAt.Equal(decoded.BookingData.CarRental.DropoffAt))
	assert.JSONEq(t, `"TK1"`, string(decoded.BookingData.Extra["flight_no"]))
}

func TestBookingData_Validate(t *testing.T) {
	pickup := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	before := pickup.Add(-time.Hour)

	tests := []struct {
		name    string
		data    BookingData
		wantErr error
	}{
		{
			name: "valid tour",
			data: BookingData{Type: ProductTour, Tour: &TourBooking{ScheduleID: "s1", Participants: Participants{Adult: 1}}},
		},
		{
			name:    "missing member",
			data:    BookingData{Type: ProductEvent},
			wantErr: apperrors.ErrInvalidInput,
		},
		{
			name:    "unknown type",
			data:    BookingData{Type: "cruise"},
			wantErr: apperrors.ErrUnsupported,
		},
		{
			name: "round trip return before pickup",
			data: BookingData{Type: ProductTransfer, Transfer: &TransferBooking{
				PickupAt: pickup, TripType: TripRoundTrip, ReturnAt: &before, Passengers: 2,
			}},
			wantErr: apperrors.ErrInvalidBooking,
		},
		{
			name: "dropoff before pickup",
			data: BookingData{Type: ProductCarRental, CarRental: &CarRentalBooking{
				PickupAt: pickup, DropoffAt: before,
			}},
			wantErr: apperrors.ErrInvalidBooking,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.data.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBookingData_Validate_FieldErrors(t *testing.T) {
	bd := BookingData{Type: ProductTransfer, Transfer: &TransferBooking{
		PickupAt: time.Now(), TripType: "sideways", Passengers: 0,
	}}

	err := bd.Validate()
	var valErr *validator.ValidationError
	require.ErrorAs(t, err, &valErr)
	fields := valErr.Fields()
	assert.Contains(t, fields, "trip_type")
	assert.Contains(t, fields, "passengers")
}

func TestNaturalKey_PerProductType(t *testing.T) {
	pickup := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
	dropoff := pickup.Add(72 * time.Hour)

	event := BookingData{Type: ProductEvent, Event: &EventBooking{
		PerformanceID: "p1",
		Seats:         []Seat{{SeatID: "B2"}, {SeatID: "A1"}},
	}}
	reordered := BookingData{Type: ProductEvent, Event: &EventBooking{
		PerformanceID: "p1",
		Seats:         []Seat{{SeatID: "A1"}, {SeatID: "B2"}},
	}}
	assert.Equal(t, NaturalKey("event|e1|p1|A1,B2"), event.NaturalKey(ProductEvent, "e1", ""))
	assert.Equal(t, event.NaturalKey(ProductEvent, "e1", ""), reordered.NaturalKey(ProductEvent, "e1", ""))

	transfer := BookingData{Type: ProductTransfer, Transfer: &TransferBooking{
		PickupAt: pickup, TripType: TripOneWay, VehicleType: "van",
	}}
	assert.Equal(t, NaturalKey("transfer|tr1|2026-06-01|van|one_way"), transfer.NaturalKey(ProductTransfer, "tr1", ""))

	car := BookingData{Type: ProductCarRental, CarRental: &CarRentalBooking{PickupAt: pickup, DropoffAt: dropoff}}
	assert.Equal(t,
		NaturalKey("car_rental|c1|eco|2026-06-01T08:30:00Z|2026-06-04T08:30:00Z"),
		car.NaturalKey(ProductCarRental, "c1", "eco"))

	tour := BookingData{Type: ProductTour, Tour: &TourBooking{ScheduleID: "s9"}}
	assert.Equal(t, NaturalKey("tour|t1|std|s9"), tour.NaturalKey(ProductTour, "t1", "std"))
}

func TestProduct_Lookups(t *testing.T) {
	p := &Product{
		Variants: []Variant{{ID: "std"}},
		Options:  []Option{{ID: "lunch"}},
	}
	_, ok := p.Variant("std")
	assert.True(t, ok)
	_, ok = p.Variant("vip")
	assert.False(t, ok)
	_, ok = p.Option("lunch")
	assert.True(t, ok)

	ec := &EventConfig{Sections: []Section{{ID: "floor"}}}
	_, ok = ec.Section("floor")
	assert.True(t, ok)
	_, ok = ec.Section("balcony")
	assert.False(t, ok)
}
