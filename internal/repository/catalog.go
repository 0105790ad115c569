package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog writes products and their stock levels. It backs seeding.
type Catalog struct {
	*ProductRepository
	inventory *InventoryRepository
}

// NewCatalog creates a Catalog.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{
		ProductRepository: NewProductRepository(pool),
		inventory:         NewInventoryRepository(pool),
	}
}

// SetStock sets the owned quantity of a product or variant.
func (c *Catalog) SetStock(ctx context.Context, productID, variantID string, qty int) error {
	return c.inventory.SetStock(ctx, productID, variantID, qty)
}
