// Package memory is an in-process catalog used for local development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

type productKey struct {
	productType domain.ProductType
	id          string
}

// Catalog holds product snapshots in memory.
type Catalog struct {
	mu       sync.RWMutex
	products map[productKey]domain.Product
	options  map[productKey]domain.Option
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		products: make(map[productKey]domain.Product),
		options:  make(map[productKey]domain.Option),
	}
}

// Add stores or replaces a product. Its embedded options become resolvable
// through GetOption as well.
func (c *Catalog) Add(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.products[productKey{p.Type, p.ID}] = p
	for _, opt := range p.Options {
		if opt.ProductType == "" {
			opt.ProductType = p.Type
		}
		c.options[productKey{opt.ProductType, opt.ID}] = opt
	}
}

// AddOption stores a standalone option.
func (c *Catalog) AddOption(opt domain.Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options[productKey{opt.ProductType, opt.ID}] = opt
}

// LoadFile reads a JSON array of products, as served by the catalog API.
func (c *Catalog) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}

	var products []domain.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return 0, fmt.Errorf("decode catalog seed: %w", err)
	}
	for _, p := range products {
		if !p.Type.Valid() {
			return 0, fmt.Errorf("catalog seed: product %s has unknown type %q", p.ID, p.Type)
		}
		c.Add(p)
	}
	return len(products), nil
}

// GetPriceableProduct returns a copy of the stored product.
func (c *Catalog) GetPriceableProduct(_ context.Context, productType domain.ProductType, productID string) (*domain.Product, error) {
	c.mu.RLock()
	p, ok := c.products[productKey{productType, productID}]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound(string(productType), productID)
	}

	// copy slices so pricing can never alias catalog state
	p.Variants = append([]domain.Variant(nil), p.Variants...)
	p.Options = append([]domain.Option(nil), p.Options...)
	return &p, nil
}

// GetOption returns the option registered for the product type.
func (c *Catalog) GetOption(_ context.Context, productType domain.ProductType, optionID string) (*domain.Option, error) {
	c.mu.RLock()
	opt, ok := c.options[productKey{productType, optionID}]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("option", optionID)
	}
	return &opt, nil
}
