package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	couponColumns = `id, code, description, status, discount_type, value, max_discount_amount,
		apply_to, product_ids, buy_quantity, get_quantity, get_discount_type, get_discount_value,
		starts_at, expires_at, min_order_amount, min_quantity, store_id, eligible_users, excluded_users,
		usage_limit, per_user_limit, used, created_at, updated_at`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	countUserRedemptionsSQL = `SELECT count(*) FROM coupon_redemptions WHERE code = $1 AND user_id = $2`

	insertCouponSQL = `INSERT INTO coupons (id, code, description, status, discount_type, value,
		max_discount_amount, apply_to, product_ids, buy_quantity, get_quantity, get_discount_type,
		get_discount_value, starts_at, expires_at, min_order_amount, min_quantity, store_id,
		eligible_users, excluded_users, usage_limit, per_user_limit, used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, 0, $23, $23)`

	// updateCouponSQL leaves used alone; usage is owned by redemptions.
	updateCouponSQL = `UPDATE coupons SET description = $2, status = $3, discount_type = $4, value = $5,
		max_discount_amount = $6, apply_to = $7, product_ids = $8, buy_quantity = $9, get_quantity = $10,
		get_discount_type = $11, get_discount_value = $12, starts_at = $13, expires_at = $14,
		min_order_amount = $15, min_quantity = $16, store_id = $17, eligible_users = $18,
		excluded_users = $19, usage_limit = $20, per_user_limit = $21, updated_at = $22
		WHERE code = $1`

	listCouponCodesSQL = `SELECT code FROM coupons`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, coupon.NormalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// UserUsage counts the redemptions of code by userID.
func (r *CouponRepository) UserUsage(ctx context.Context, code, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countUserRedemptionsSQL, coupon.NormalizeCode(code), userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting redemptions of %q: %w", code, err)
	}
	return n, nil
}

// Create stores a new coupon or returns coupon.ErrCodeTaken.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	c.Code = coupon.NormalizeCode(c.Code)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, insertCouponSQL,
		c.ID, c.Code, c.Description, string(c.Status), string(c.Type), c.Value,
		c.MaxDiscountAmount, string(c.ApplyTo), nonNil(c.ProductIDs), c.BuyQuantity, c.GetQuantity,
		string(c.GetDiscountType), c.GetDiscountValue, c.StartsAt, c.ExpiresAt, c.MinOrderAmount,
		c.MinQuantity, c.StoreID, nonNil(c.EligibleUsers), nonNil(c.ExcludedUsers),
		c.UsageLimit, c.PerUserLimit, c.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "coupons_code_key") {
			return coupon.ErrCodeTaken
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// Update overwrites the coupon definition. The usage counter is kept.
func (r *CouponRepository) Update(ctx context.Context, c *coupon.Coupon) error {
	tag, err := r.pool.Exec(ctx, updateCouponSQL,
		coupon.NormalizeCode(c.Code), c.Description, string(c.Status), string(c.Type), c.Value,
		c.MaxDiscountAmount, string(c.ApplyTo), nonNil(c.ProductIDs), c.BuyQuantity, c.GetQuantity,
		string(c.GetDiscountType), c.GetDiscountValue, c.StartsAt, c.ExpiresAt, c.MinOrderAmount,
		c.MinQuantity, c.StoreID, nonNil(c.EligibleUsers), nonNil(c.ExcludedUsers),
		c.UsageLimit, c.PerUserLimit, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating coupon %q: %w", c.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// Codes streams every stored coupon code to fn.
func (r *CouponRepository) Codes(ctx context.Context, fn func(code string)) error {
	rows, err := r.pool.Query(ctx, listCouponCodesSQL)
	if err != nil {
		return fmt.Errorf("listing coupon codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return fmt.Errorf("scanning coupon code: %w", err)
		}
		fn(code)
	}
	return rows.Err()
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c                                 coupon.Coupon
		status, typ, applyTo, getDiscount string
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &status, &typ, &c.Value, &c.MaxDiscountAmount,
		&applyTo, &c.ProductIDs, &c.BuyQuantity, &c.GetQuantity, &getDiscount, &c.GetDiscountValue,
		&c.StartsAt, &c.ExpiresAt, &c.MinOrderAmount, &c.MinQuantity, &c.StoreID, &c.EligibleUsers,
		&c.ExcludedUsers, &c.UsageLimit, &c.PerUserLimit, &c.Used, &c.CreatedAt, &c.UpdatedAt,
	)
	c.Status = coupon.Status(status)
	c.Type = coupon.DiscountType(typ)
	c.ApplyTo = coupon.ApplyTo(applyTo)
	c.GetDiscountType = coupon.GetDiscountType(getDiscount)
	return c, err
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
