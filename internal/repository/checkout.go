package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	attemptColumns = `id, user_id, cart_id, cart_version, idempotency_key, status, stage,
		payment_method, transaction_id, payment_status, order_ids, total, error, created_at, updated_at`

	insertAttemptSQL = `INSERT INTO checkout_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	getAttemptSQL = `SELECT ` + attemptColumns + ` FROM checkout_attempts WHERE id = $1`

	// findAttemptByKeySQL prefers committed or running attempts, then the newest.
	findAttemptByKeySQL = `SELECT ` + attemptColumns + ` FROM checkout_attempts
		WHERE user_id = $1 AND idempotency_key = $2
		ORDER BY (status IN ('committed', 'in_progress')) DESC, created_at DESC LIMIT 1`

	saveAttemptSQL = `UPDATE checkout_attempts SET status = $2, stage = $3, transaction_id = $4,
		payment_status = $5, order_ids = $6, total = $7, error = $8, updated_at = $9
		WHERE id = $1`

	lockAttemptStatusSQL = `SELECT status FROM checkout_attempts WHERE id = $1 FOR UPDATE`

	staleAttemptsSQL = `SELECT ` + attemptColumns + ` FROM checkout_attempts
		WHERE status IN ('in_progress', 'failed') AND updated_at < $1
		ORDER BY updated_at LIMIT $2`

	// commitCartSQL requires the cart to be unchanged and still active.
	commitCartSQL = `UPDATE carts SET items = $3, coupons = $4, subtotal = $5, discount = $6, tax = $7,
		shipping = $8, total = $9, status = $10, version = version + 1, updated_at = $11,
		completed_at = $12
		WHERE id = $1 AND version = $2 AND status = 'active'`

	countLapsedSQL = `SELECT count(*) FILTER (WHERE status = 'held'), count(*) FILTER (WHERE status <> 'held')
		FROM stock_reservations WHERE checkout_id = $1`

	commitReservationsSQL = `UPDATE stock_reservations SET status = 'committed', updated_at = now()
		WHERE checkout_id = $1 AND status = 'held'
		RETURNING product_id, variant_id, quantity`

	decrementStockSQL = `UPDATE stock SET quantity = quantity - $3, reserved = reserved - $3, updated_at = now()
		WHERE product_id = $1 AND variant_id = $2 AND reserved >= $3 AND quantity >= $3`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (code, user_id, checkout_id, order_ids, amount, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (checkout_id, code) DO NOTHING`

	// redeemCouponSQL is the conditional increment that keeps used within
	// the global limit.
	redeemCouponSQL = `UPDATE coupons SET used = used + 1, updated_at = now()
		WHERE code = $1 AND (usage_limit = 0 OR used < usage_limit)
		RETURNING per_user_limit`
)

var _ checkout.Repository = (*CheckoutRepository)(nil)

// CheckoutRepository implements checkout.Repository backed by PostgreSQL.
type CheckoutRepository struct {
	pool *pgxpool.Pool
}

// NewCheckoutRepository returns a CheckoutRepository that uses the given pool.
func NewCheckoutRepository(pool *pgxpool.Pool) *CheckoutRepository {
	return &CheckoutRepository{pool: pool}
}

// Begin stores a new attempt. The partial unique indexes on running carts
// and on live idempotency keys enforce the single-flight rules.
func (r *CheckoutRepository) Begin(ctx context.Context, a *checkout.Attempt) error {
	_, err := r.pool.Exec(ctx, insertAttemptSQL,
		a.ID, a.UserID, a.CartID, a.CartVersion, a.IdempotencyKey, string(a.Status), string(a.Stage),
		string(a.PaymentMethod), a.TransactionID, string(a.PaymentStatus), nonNil(a.OrderIDs), a.Total,
		a.Error, a.CreatedAt, a.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case uniqueViolation(err, "checkout_attempts_cart_running_idx"):
		return checkout.ErrInProgress
	case uniqueViolation(err, "checkout_attempts_key_idx"):
		return checkout.ErrDuplicateKey
	default:
		return fmt.Errorf("starting checkout %q: %w", a.ID, err)
	}
}

func (r *CheckoutRepository) Get(ctx context.Context, id string) (*checkout.Attempt, error) {
	return r.one(ctx, getAttemptSQL, id)
}

func (r *CheckoutRepository) FindByKey(ctx context.Context, userID, key string) (*checkout.Attempt, error) {
	return r.one(ctx, findAttemptByKeySQL, userID, key)
}

func (r *CheckoutRepository) one(ctx context.Context, sql string, args ...any) (*checkout.Attempt, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting checkout: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAttempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkout.ErrNotFound
		}
		return nil, fmt.Errorf("getting checkout: %w", err)
	}
	return &a, nil
}

func (r *CheckoutRepository) Save(ctx context.Context, a *checkout.Attempt) error {
	return saveAttempt(ctx, r.pool, a)
}

func saveAttempt(ctx context.Context, q querier, a *checkout.Attempt) error {
	tag, err := q.Exec(ctx, saveAttemptSQL,
		a.ID, string(a.Status), string(a.Stage), a.TransactionID, string(a.PaymentStatus),
		nonNil(a.OrderIDs), a.Total, a.Error, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving checkout %q: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return checkout.ErrNotFound
	}
	return nil
}

func (r *CheckoutRepository) Stale(ctx context.Context, before time.Time, limit int) ([]checkout.Attempt, error) {
	rows, err := r.pool.Query(ctx, staleAttemptsSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale checkouts: %w", err)
	}
	return pgx.CollectRows(rows, scanAttempt)
}

// Commit applies the plan in one transaction. Any failed precondition
// rolls back everything written before it.
func (r *CheckoutRepository) Commit(ctx context.Context, plan checkout.CommitPlan) error {
	a := plan.Attempt
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, lockAttemptStatusSQL, a.ID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return checkout.ErrNotFound
			}
			return fmt.Errorf("locking checkout %q: %w", a.ID, err)
		}
		if checkout.Status(status) != checkout.StatusInProgress {
			return apperr.Errorf(apperr.Conflict, "checkout %s is %s", a.ID, status)
		}

		if err := commitCart(ctx, tx, plan.Cart); err != nil {
			return err
		}
		if err := commitStock(ctx, tx, a.ID); err != nil {
			return err
		}
		for _, red := range plan.Redemptions {
			if err := redeem(ctx, tx, red); err != nil {
				return err
			}
		}
		for _, o := range plan.Orders {
			if err := updateOrder(ctx, tx, o, plan.Events[o.ID]); err != nil {
				return err
			}
		}
		return saveAttempt(ctx, tx, a)
	})
}

func commitCart(ctx context.Context, tx pgx.Tx, c *cart.Cart) error {
	items, coupons, err := marshalCart(c)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, commitCartSQL,
		c.ID, c.Version, items, coupons, c.Totals.Subtotal, c.Totals.Discount, c.Totals.Tax,
		c.Totals.Shipping, c.Totals.Total, string(c.Status), c.UpdatedAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("completing cart %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrVersionConflict
	}
	c.Version++
	return nil
}

// commitStock turns every held reservation of the checkout into a stock
// decrement. A released reservation means the hold lapsed.
func commitStock(ctx context.Context, tx pgx.Tx, checkoutID string) error {
	var held, other int
	if err := tx.QueryRow(ctx, countLapsedSQL, checkoutID).Scan(&held, &other); err != nil {
		return fmt.Errorf("checking reservations of %q: %w", checkoutID, err)
	}
	if held == 0 || other > 0 {
		return checkout.ErrReservationLapsed
	}

	rows, err := tx.Query(ctx, commitReservationsSQL, checkoutID)
	if err != nil {
		return fmt.Errorf("committing reservations of %q: %w", checkoutID, err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Line, error) {
		var l inventory.Line
		err := row.Scan(&l.ProductID, &l.VariantID, &l.Quantity)
		return l, err
	})
	if err != nil {
		return fmt.Errorf("committing reservations of %q: %w", checkoutID, err)
	}
	for _, l := range lines {
		tag, err := tx.Exec(ctx, decrementStockSQL, l.ProductID, l.VariantID, l.Quantity)
		if err != nil {
			return fmt.Errorf("decrementing stock of %q: %w", l.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return inventory.ErrUnderflow
		}
	}
	return nil
}

// redeem records red once per (checkout, code) and counts it against the
// coupon's limits.
func redeem(ctx context.Context, tx pgx.Tx, red coupon.Redemption) error {
	code := coupon.NormalizeCode(red.Code)
	tag, err := tx.Exec(ctx, insertRedemptionSQL,
		code, red.UserID, red.CheckoutID, nonNil(red.OrderIDs), red.Amount, red.RedeemedAt)
	if err != nil {
		return fmt.Errorf("recording redemption of %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	var perUser int
	if err := tx.QueryRow(ctx, redeemCouponSQL, code).Scan(&perUser); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("redeeming %q: %w", code, err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`, code).Scan(&exists); err != nil {
			return fmt.Errorf("redeeming %q: %w", code, err)
		}
		if !exists {
			return coupon.ErrNotFound
		}
		return coupon.ErrUsageLimitReached
	}
	if perUser == 0 {
		return nil
	}
	var used int
	if err := tx.QueryRow(ctx, countUserRedemptionsSQL, code, red.UserID).Scan(&used); err != nil {
		return fmt.Errorf("counting redemptions of %q: %w", code, err)
	}
	// used includes the redemption just inserted.
	if used > perUser {
		return coupon.ErrPerUserLimitReached
	}
	return nil
}

func scanAttempt(row pgx.CollectableRow) (checkout.Attempt, error) {
	var (
		a                                    checkout.Attempt
		status, stage, method, paymentStatus string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.CartID, &a.CartVersion, &a.IdempotencyKey, &status, &stage,
		&method, &a.TransactionID, &paymentStatus, &a.OrderIDs, &a.Total, &a.Error,
		&a.CreatedAt, &a.UpdatedAt)
	a.Status = checkout.Status(status)
	a.Stage = checkout.Stage(stage)
	a.PaymentMethod = payment.Method(method)
	a.PaymentStatus = payment.Status(paymentStatus)
	return a, err
}
