package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/httpclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := httpclient.New(httpclient.Config{
		Timeout:      time.Second,
		MaxRetries:   1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
	return NewClient(base, srv.URL, discardLogger())
}

func TestGetPriceableProduct(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/catalog/car_rental/car-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{
			"type":"car_rental","id":"car-1","title":"Compact","currency":"USD","base_price":"100",
			"car_rental":{"weekly_discount_percent":"10","allow_hourly":true},
			"options":[{"id":"gps","price_type":"per_day","price":"10"}]
		}}`))
	})

	p, err := c.GetPriceableProduct(context.Background(), domain.ProductCarRental, "car-1")
	require.NoError(t, err)
	assert.Equal(t, "Compact", p.Title)
	assert.Equal(t, "100.00", p.BasePrice.StringFixed(2))
	require.NotNil(t, p.CarRental)
	assert.True(t, p.CarRental.AllowHourly)
	assert.Equal(t, "10", p.CarRental.WeeklyDiscountPercent.String())
	_, ok := p.Option("gps")
	assert.True(t, ok)
}

func TestGetPriceableProduct_NotFoundIsDistinctFromTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.GetPriceableProduct(context.Background(), domain.ProductTour, "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, apperrors.IsTransient(err))

	c = newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err = c.GetPriceableProduct(context.Background(), domain.ProductTour, "t1")
	assert.True(t, apperrors.IsTransient(err))
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetPriceableProduct_TypeMismatchIsNotFound(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"type":"event","id":"t1"}}`))
	})
	_, err := c.GetPriceableProduct(context.Background(), domain.ProductTour, "t1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetPriceableProduct_GarbledBodyIsTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":`))
	})
	_, err := c.GetPriceableProduct(context.Background(), domain.ProductTour, "t1")
	assert.True(t, apperrors.IsTransient(err))
}

func TestGetOption(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/catalog/transfer/options/child-seat", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"name":"Child seat","price_type":"fixed","price":"15","max_quantity":2}}`))
	})

	opt, err := c.GetOption(context.Background(), domain.ProductTransfer, "child-seat")
	require.NoError(t, err)
	assert.Equal(t, "child-seat", opt.ID)
	assert.Equal(t, domain.ProductTransfer, opt.ProductType)
	assert.Equal(t, domain.OptionFixed, opt.PriceType)
	assert.Equal(t, 2, opt.MaxQuantity)
}

func TestGetOption_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	base := httpclient.New(httpclient.Config{Timeout: 100 * time.Millisecond, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond})
	c := NewClient(base, url, discardLogger())

	_, err := c.GetOption(context.Background(), domain.ProductEvent, "program")
	assert.True(t, apperrors.IsTransient(err))
}
