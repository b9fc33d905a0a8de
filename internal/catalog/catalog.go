// Package catalog describes the product lookups the cart engine prices from.
package catalog

import (
	"context"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// Catalog returns priceable product snapshots. Implementations report an
// unknown product or option with apperrors.ErrNotFound and a failed lookup
// with apperrors.ErrTransient, so callers can tell the two apart.
type Catalog interface {
	GetPriceableProduct(ctx context.Context, productType domain.ProductType, productID string) (*domain.Product, error)
	GetOption(ctx context.Context, productType domain.ProductType, optionID string) (*domain.Option, error)
}
