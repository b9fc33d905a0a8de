// Package pricing computes deterministic price breakdowns for cart items.
// Rules are pure: they never perform I/O and never mutate their inputs.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// Request carries the booking parameters to price.
type Request struct {
	VariantID string
	Currency  string
	Booking   domain.BookingData
	Options   []domain.SelectedOption
	// Now anchors date bounds such as advance booking windows.
	Now time.Time
}

// Breakdown is the output of a rule. Total = BaseTotal + OptionsTotal.
type Breakdown struct {
	Quantity     int
	UnitPrice    decimal.Decimal
	BaseTotal    decimal.Decimal
	OptionsTotal decimal.Decimal
	Total        decimal.Decimal
	Currency     string
	Lines        []domain.PriceLine
	Options      []domain.SelectedOption
}

// Rule prices one product type.
type Rule interface {
	ProductType() domain.ProductType
	Price(product *domain.Product, req Request) (*Breakdown, error)
}

// Registry dispatches to the rule registered for a product type.
type Registry struct {
	rules map[domain.ProductType]Rule
}

// NewRegistry builds a registry from rules; later rules replace earlier ones
// for the same product type.
func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{rules: make(map[domain.ProductType]Rule, len(rules))}
	for _, rule := range rules {
		r.rules[rule.ProductType()] = rule
	}
	return r
}

// DefaultRegistry returns a registry with every built-in rule.
func DefaultRegistry() *Registry {
	return NewRegistry(TourRule{}, EventRule{}, TransferRule{}, CarRentalRule{})
}

// Rule returns the rule for pt.
func (r *Registry) Rule(pt domain.ProductType) (Rule, error) {
	rule, ok := r.rules[pt]
	if !ok {
		return nil, apperrors.Unsupported(fmt.Sprintf("no pricing rule for product type %q", pt))
	}
	return rule, nil
}

// Price checks that the product, booking and currency agree, then prices
// with the matching rule.
func (r *Registry) Price(product *domain.Product, req Request) (*Breakdown, error) {
	rule, err := r.Rule(product.Type)
	if err != nil {
		return nil, err
	}
	if req.Booking.Type != product.Type {
		return nil, apperrors.InvalidInput(fmt.Sprintf(
			"booking_data is for %q but product %s is a %q", req.Booking.Type, product.ID, product.Type))
	}
	if req.Currency != "" && product.Currency != "" && req.Currency != product.Currency {
		return nil, apperrors.Unsupported(fmt.Sprintf(
			"product %s is priced in %s, cart uses %s", product.ID, product.Currency, req.Currency))
	}
	return rule.Price(product, req)
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func percentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// finish fills the derived fields of a breakdown.
func finish(b *Breakdown, currency string) *Breakdown {
	b.BaseTotal = money(b.BaseTotal)
	b.OptionsTotal = money(b.OptionsTotal)
	b.Total = b.BaseTotal.Add(b.OptionsTotal)
	b.Currency = currency
	if b.Quantity > 0 {
		b.UnitPrice = money(b.BaseTotal.Div(decimal.NewFromInt(int64(b.Quantity))))
	}
	return b
}

// optionBasis tells priceOptions what a per-day and a percentage option are
// measured against.
type optionBasis struct {
	days        int
	base        decimal.Decimal
	allowPerDay bool
}

// priceOptions resolves each selected option against the product's option
// catalog and returns the priced selections and their sum.
func priceOptions(product *domain.Product, selected []domain.SelectedOption, basis optionBasis) ([]domain.SelectedOption, []domain.PriceLine, decimal.Decimal, error) {
	total := decimal.Zero
	priced := make([]domain.SelectedOption, 0, len(selected))
	var lines []domain.PriceLine

	for _, sel := range selected {
		opt, ok := product.Option(sel.OptionID)
		if !ok {
			return nil, nil, decimal.Zero, apperrors.NotFound("option", sel.OptionID)
		}
		if sel.Quantity < 1 {
			return nil, nil, decimal.Zero, apperrors.InvalidInput(fmt.Sprintf("option %s quantity must be at least 1", sel.OptionID))
		}
		if opt.MaxQuantity > 0 && sel.Quantity > opt.MaxQuantity {
			return nil, nil, decimal.Zero, apperrors.InvalidBooking("option_quantity_exceeded",
				fmt.Sprintf("option %s allows at most %d, got %d", opt.ID, opt.MaxQuantity, sel.Quantity))
		}

		qty := decimal.NewFromInt(int64(sel.Quantity))
		var amount decimal.Decimal
		switch opt.PriceType {
		case domain.OptionPercentage:
			amount = percentOf(basis.base, opt.Percentage).Mul(qty)
		case domain.OptionPerDay:
			if !basis.allowPerDay {
				amount = opt.Price.Mul(qty)
				break
			}
			days := basis.days
			if days < 1 {
				days = 1
			}
			amount = opt.Price.Mul(qty).Mul(decimal.NewFromInt(int64(days)))
		default:
			amount = opt.Price.Mul(qty)
		}
		amount = money(amount)

		priced = append(priced, domain.SelectedOption{
			OptionID:      opt.ID,
			Quantity:      sel.Quantity,
			ResolvedPrice: amount,
		})
		lines = append(lines, domain.PriceLine{Label: "option:" + opt.ID, Amount: amount})
		total = total.Add(amount)
	}

	return priced, lines, total, nil
}
