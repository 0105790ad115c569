package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/memstore"
	"github.com/xenking/kart-checkout/internal/notify"
	"github.com/xenking/kart-checkout/internal/repository"
	"github.com/xenking/kart-checkout/internal/seed"
)

// cartStore is what the cart service and the abandonment job need.
type cartStore interface {
	cart.Repository
	MarkAbandoned(ctx context.Context, idleSince time.Time) (int, error)
}

// stores is one storage backend seen through the domain repositories.
type stores struct {
	Products  product.Repository
	Inventory inventory.Repository
	Coupons   coupon.Repository
	Carts     cartStore
	Wallets   wallet.Repository
	Orders    order.Repository
	Checkouts checkout.Repository
	Outbox    notify.Store
	Catalog   seed.Catalog

	// Pool is nil for the in-memory backend.
	Pool *pgxpool.Pool
}

// openPostgres connects to PostgreSQL and applies the schema.
func openPostgres(ctx context.Context, url string) (*stores, error) {
	pool, err := repository.NewPool(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &stores{
		Products:  repository.NewProductRepository(pool),
		Inventory: repository.NewInventoryRepository(pool),
		Coupons:   repository.NewCouponRepository(pool),
		Carts:     repository.NewCartRepository(pool),
		Wallets:   repository.NewWalletRepository(pool),
		Orders:    repository.NewOrderRepository(pool),
		Checkouts: repository.NewCheckoutRepository(pool),
		Outbox:    repository.NewOutboxRepository(pool),
		Catalog:   repository.NewCatalog(pool),
		Pool:      pool,
	}, nil
}

// openMemory returns a process-local backend. State is lost on restart.
func openMemory() *stores {
	st := memstore.New()
	return &stores{
		Products:  st.Products(),
		Inventory: st.Inventory(),
		Coupons:   st.Coupons(),
		Carts:     st.Carts(),
		Wallets:   st.Wallets(),
		Orders:    st.Orders(),
		Checkouts: st.Checkouts(),
		Outbox:    st.Outbox(),
		Catalog:   memCatalog{st: st},
	}
}

func (s *stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// memCatalog adapts the in-memory store to seed.Catalog.
type memCatalog struct {
	st *memstore.Store
}

func (c memCatalog) Upsert(_ context.Context, p product.Product) error {
	c.st.Products().Put(p)
	return nil
}

func (c memCatalog) SetStock(_ context.Context, productID, variantID string, qty int) error {
	c.st.Inventory().SetStock(productID, variantID, qty)
	return nil
}
