package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

func TestCatalog_AddAndGet(t *testing.T) {
	c := New()
	c.Add(domain.Product{
		Type:      domain.ProductTour,
		ID:        "bosphorus",
		Currency:  "USD",
		BasePrice: decimal.NewFromInt(50),
		Variants:  []domain.Variant{{ID: "std", BasePrice: decimal.NewFromInt(50), Capacity: 20}},
		Options:   []domain.Option{{ID: "lunch", PriceType: domain.OptionFixed, Price: decimal.NewFromInt(12)}},
	})

	p, err := c.GetPriceableProduct(context.Background(), domain.ProductTour, "bosphorus")
	require.NoError(t, err)
	assert.Equal(t, "bosphorus", p.ID)

	// mutating the copy leaves the catalog untouched
	p.Variants[0].Capacity = 1
	again, _ := c.GetPriceableProduct(context.Background(), domain.ProductTour, "bosphorus")
	assert.Equal(t, 20, again.Variants[0].Capacity)

	opt, err := c.GetOption(context.Background(), domain.ProductTour, "lunch")
	require.NoError(t, err)
	assert.Equal(t, domain.ProductTour, opt.ProductType)
}

func TestCatalog_NotFound(t *testing.T) {
	c := New()
	c.Add(domain.Product{Type: domain.ProductEvent, ID: "concert"})

	_, err := c.GetPriceableProduct(context.Background(), domain.ProductTour, "concert")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = c.GetOption(context.Background(), domain.ProductEvent, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCatalog_AddOption(t *testing.T) {
	c := New()
	c.AddOption(domain.Option{ID: "child-seat", ProductType: domain.ProductTransfer, PriceType: domain.OptionFixed, Price: decimal.NewFromInt(15)})

	opt, err := c.GetOption(context.Background(), domain.ProductTransfer, "child-seat")
	require.NoError(t, err)
	assert.True(t, opt.Price.Equal(decimal.NewFromInt(15)))
}

func TestCatalog_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	seed := `[
		{"type":"car_rental","id":"compact","currency":"USD","base_price":"100","car_rental":{"weekly_discount_percent":"10"}},
		{"type":"transfer","id":"airport","currency":"USD","base_price":"100","transfer":{"max_passengers":4}}
	]`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	c := New()
	n, err := c.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := c.GetPriceableProduct(context.Background(), domain.ProductTransfer, "airport")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Transfer.MaxPassengers)
}

func TestCatalog_LoadFile_RejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"cruise","id":"x"}]`), 0o600))

	_, err := New().LoadFile(path)
	assert.ErrorContains(t, err, "unknown type")
}
