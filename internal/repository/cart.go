package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	cartColumns = `id, user_id, items, coupons, subtotal, discount, tax, shipping, total,
		status, version, created_at, updated_at, completed_at`

	getActiveCartSQL = `SELECT ` + cartColumns + ` FROM carts WHERE user_id = $1 AND status = 'active'`

	getCartSQL = `SELECT ` + cartColumns + ` FROM carts WHERE id = $1`

	insertCartSQL = `INSERT INTO carts (id, user_id, items, coupons, subtotal, discount, tax, shipping,
		total, status, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	// saveCartSQL is the optimistic write: it only matches the version the
	// cart was loaded with.
	saveCartSQL = `UPDATE carts SET items = $3, coupons = $4, subtotal = $5, discount = $6, tax = $7,
		shipping = $8, total = $9, status = $10, version = version + 1, updated_at = $11,
		completed_at = $12
		WHERE id = $1 AND version = $2`

	abandonCartsSQL = `UPDATE carts SET status = 'abandoned', version = version + 1, updated_at = now()
		WHERE status = 'active' AND updated_at < $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL. Items
// and coupons are stored as JSONB documents.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

func (r *CartRepository) Active(ctx context.Context, userID string) (*cart.Cart, error) {
	return r.one(ctx, getActiveCartSQL, userID)
}

func (r *CartRepository) Get(ctx context.Context, id string) (*cart.Cart, error) {
	return r.one(ctx, getCartSQL, id)
}

func (r *CartRepository) one(ctx context.Context, sql, arg string) (*cart.Cart, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting cart: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart: %w", err)
	}
	return &c, nil
}

// Create stores a new cart. The partial unique index on active carts turns
// a second active cart into cart.ErrVersionConflict.
func (r *CartRepository) Create(ctx context.Context, c *cart.Cart) error {
	items, coupons, err := marshalCart(c)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, insertCartSQL,
		c.ID, c.UserID, items, coupons, c.Totals.Subtotal, c.Totals.Discount, c.Totals.Tax,
		c.Totals.Shipping, c.Totals.Total, string(c.Status), c.Version, c.CreatedAt, c.UpdatedAt,
		c.CompletedAt,
	)
	if err != nil {
		if uniqueViolation(err, "carts_one_active_idx") {
			return cart.ErrVersionConflict
		}
		return fmt.Errorf("creating cart %q: %w", c.ID, err)
	}
	return nil
}

func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	return saveCart(ctx, r.pool, c)
}

func saveCart(ctx context.Context, q querier, c *cart.Cart) error {
	items, coupons, err := marshalCart(c)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, saveCartSQL,
		c.ID, c.Version, items, coupons, c.Totals.Subtotal, c.Totals.Discount, c.Totals.Tax,
		c.Totals.Shipping, c.Totals.Total, string(c.Status), c.UpdatedAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("saving cart %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrVersionConflict
	}
	c.Version++
	return nil
}

func (r *CartRepository) MarkAbandoned(ctx context.Context, idleSince time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, abandonCartsSQL, idleSince)
	if err != nil {
		return 0, fmt.Errorf("abandoning idle carts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type cartItemDoc struct {
	ID             string            `json:"id"`
	ProductID      string            `json:"product_id"`
	VariantID      string            `json:"variant_id,omitempty"`
	StoreID        string            `json:"store_id"`
	Name           string            `json:"name"`
	UnitPrice      decimal.Decimal   `json:"unit_price"`
	Quantity       int               `json:"quantity"`
	Customizations map[string]string `json:"customizations,omitempty"`
	AddedAt        time.Time         `json:"added_at"`
}

type cartCouponDoc struct {
	Code      string              `json:"code"`
	Type      coupon.DiscountType `json:"type"`
	Amount    decimal.Decimal     `json:"amount"`
	AppliedAt time.Time           `json:"applied_at"`
}

func marshalCart(c *cart.Cart) (items, coupons []byte, err error) {
	itemDocs := make([]cartItemDoc, 0, len(c.Items))
	for _, it := range c.Items {
		itemDocs = append(itemDocs, cartItemDoc(it))
	}
	couponDocs := make([]cartCouponDoc, 0, len(c.Coupons))
	for _, ac := range c.Coupons {
		couponDocs = append(couponDocs, cartCouponDoc(ac))
	}
	if items, err = json.Marshal(itemDocs); err != nil {
		return nil, nil, fmt.Errorf("marshaling cart items: %w", err)
	}
	if coupons, err = json.Marshal(couponDocs); err != nil {
		return nil, nil, fmt.Errorf("marshaling cart coupons: %w", err)
	}
	return items, coupons, nil
}

func scanCart(row pgx.CollectableRow) (cart.Cart, error) {
	var (
		c              cart.Cart
		items, coupons []byte
		status         string
	)
	err := row.Scan(&c.ID, &c.UserID, &items, &coupons, &c.Totals.Subtotal, &c.Totals.Discount,
		&c.Totals.Tax, &c.Totals.Shipping, &c.Totals.Total, &status, &c.Version,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err != nil {
		return c, err
	}
	c.Status = cart.Status(status)

	var itemDocs []cartItemDoc
	if err := json.Unmarshal(items, &itemDocs); err != nil {
		return c, fmt.Errorf("decoding items of cart %q: %w", c.ID, err)
	}
	for _, d := range itemDocs {
		c.Items = append(c.Items, cart.Item(d))
	}
	var couponDocs []cartCouponDoc
	if err := json.Unmarshal(coupons, &couponDocs); err != nil {
		return c, fmt.Errorf("decoding coupons of cart %q: %w", c.ID, err)
	}
	for _, d := range couponDocs {
		c.Coupons = append(c.Coupons, cart.AppliedCoupon(d))
	}
	return c, nil
}
