package product

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = apperr.New(apperr.NotFound, "product not found")

// Status is the catalog lifecycle state of a product.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDraft    Status = "draft"
)

// Product is the catalog snapshot checkout needs: owning store, price and
// sellable variants. Catalog CRUD lives outside this service.
type Product struct {
	ID       string
	StoreID  string
	Name     string
	Price    decimal.Decimal
	Status   Status
	Variants []Variant
}

// Variant is a purchasable option of a product. A zero Price means the
// product price applies.
type Variant struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Active reports whether the product can be sold.
func (p *Product) Active() bool {
	return p.Status == StatusActive
}

// PriceFor returns the unit price of the given variant, or the product price
// when variantID is empty. The second result is false for unknown variants.
func (p *Product) PriceFor(variantID string) (decimal.Decimal, bool) {
	if variantID == "" {
		return p.Price, true
	}
	for _, v := range p.Variants {
		if v.ID != variantID {
			continue
		}
		if v.Price.IsPositive() {
			return v.Price, true
		}
		return p.Price, true
	}
	return decimal.Zero, false
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// Index maps products by id.
func Index(products []Product) map[string]*Product {
	idx := make(map[string]*Product, len(products))
	for i := range products {
		idx[products[i].ID] = &products[i]
	}
	return idx
}
