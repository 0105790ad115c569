package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

const (
	getStockSQL = `SELECT product_id, variant_id, quantity, reserved, updated_at
		FROM stock WHERE product_id = $1 AND variant_id = $2`

	// reserveStockSQL is the conditional increment that keeps
	// reserved <= quantity under concurrent checkouts.
	reserveStockSQL = `UPDATE stock SET reserved = reserved + $3, updated_at = now()
		WHERE product_id = $1 AND variant_id = $2 AND quantity - reserved >= $3`

	insertReservationSQL = `INSERT INTO stock_reservations
		(id, checkout_id, product_id, variant_id, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'held', now(), now())
		RETURNING created_at`

	releaseReservationsSQL = `UPDATE stock_reservations SET status = 'released', updated_at = now()
		WHERE checkout_id = $1 AND status = 'held'
		RETURNING product_id, variant_id, quantity`

	releaseStockSQL = `UPDATE stock SET reserved = GREATEST(reserved - $3, 0), updated_at = now()
		WHERE product_id = $1 AND variant_id = $2`

	reservationColumns = `id, checkout_id, product_id, variant_id, quantity, status, created_at, updated_at`

	listReservationsSQL = `SELECT ` + reservationColumns + ` FROM stock_reservations
		WHERE checkout_id = $1 ORDER BY created_at, id`

	staleReservationsSQL = `SELECT ` + reservationColumns + ` FROM stock_reservations
		WHERE status = 'held' AND created_at < $1 ORDER BY created_at LIMIT $2`

	addStockSQL = `INSERT INTO stock (product_id, variant_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variant_id) DO UPDATE
		SET quantity = stock.quantity + EXCLUDED.quantity, updated_at = now()`

	setStockSQL = `INSERT INTO stock (product_id, variant_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variant_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = now()`
)

var _ inventory.Repository = (*InventoryRepository)(nil)

// InventoryRepository implements inventory.Repository backed by PostgreSQL.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository returns an InventoryRepository that uses the given pool.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

// Availability returns the stock row for a product or variant.
func (r *InventoryRepository) Availability(ctx context.Context, productID, variantID string) (inventory.Stock, error) {
	var st inventory.Stock
	err := r.pool.QueryRow(ctx, getStockSQL, productID, variantID).Scan(
		&st.ProductID, &st.VariantID, &st.Quantity, &st.Reserved, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, inventory.ErrStockNotFound
		}
		return st, fmt.Errorf("getting stock of %q: %w", productID, err)
	}
	return st, nil
}

// Reserve increments reserved when enough units are available and records
// the reservation in the same transaction.
func (r *InventoryRepository) Reserve(ctx context.Context, checkoutID string, line inventory.Line) (inventory.Reservation, error) {
	if line.Quantity <= 0 {
		return inventory.Reservation{}, inventory.ErrInvalidQuantity
	}
	res := inventory.Reservation{
		ID:         uuid.NewString(),
		CheckoutID: checkoutID,
		ProductID:  line.ProductID,
		VariantID:  line.VariantID,
		Quantity:   line.Quantity,
		Status:     inventory.ReservationHeld,
	}
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, reserveStockSQL, line.ProductID, line.VariantID, line.Quantity)
		if err != nil {
			return fmt.Errorf("reserving %q: %w", line.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			insufficient := &inventory.InsufficientStockError{
				ProductID: line.ProductID,
				VariantID: line.VariantID,
				Name:      line.Name,
				Requested: line.Quantity,
			}
			var qty, reserved int
			err := tx.QueryRow(ctx, `SELECT quantity, reserved FROM stock WHERE product_id = $1 AND variant_id = $2`,
				line.ProductID, line.VariantID).Scan(&qty, &reserved)
			if err == nil {
				insufficient.Available = qty - reserved
			} else if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("reading stock of %q: %w", line.ProductID, err)
			}
			return insufficient
		}
		if err := tx.QueryRow(ctx, insertReservationSQL,
			res.ID, checkoutID, line.ProductID, line.VariantID, line.Quantity,
		).Scan(&res.CreatedAt); err != nil {
			return fmt.Errorf("recording reservation: %w", err)
		}
		res.UpdatedAt = res.CreatedAt
		return nil
	})
	if err != nil {
		return inventory.Reservation{}, err
	}
	return res, nil
}

// ReleaseCheckout releases every held reservation of a checkout.
func (r *InventoryRepository) ReleaseCheckout(ctx context.Context, checkoutID string) (int, error) {
	var released int
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		n, err := releaseHeld(ctx, tx, checkoutID)
		released = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func releaseHeld(ctx context.Context, tx pgx.Tx, checkoutID string) (int, error) {
	rows, err := tx.Query(ctx, releaseReservationsSQL, checkoutID)
	if err != nil {
		return 0, fmt.Errorf("releasing reservations of %q: %w", checkoutID, err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Line, error) {
		var l inventory.Line
		err := row.Scan(&l.ProductID, &l.VariantID, &l.Quantity)
		return l, err
	})
	if err != nil {
		return 0, fmt.Errorf("releasing reservations of %q: %w", checkoutID, err)
	}
	for _, l := range lines {
		if _, err := tx.Exec(ctx, releaseStockSQL, l.ProductID, l.VariantID, l.Quantity); err != nil {
			return 0, fmt.Errorf("returning stock of %q: %w", l.ProductID, err)
		}
	}
	return len(lines), nil
}

// Reservations lists reservations recorded for a checkout.
func (r *InventoryRepository) Reservations(ctx context.Context, checkoutID string) ([]inventory.Reservation, error) {
	rows, err := r.pool.Query(ctx, listReservationsSQL, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations of %q: %w", checkoutID, err)
	}
	return pgx.CollectRows(rows, scanReservation)
}

// StaleReservations lists held reservations created before the cutoff.
func (r *InventoryRepository) StaleReservations(ctx context.Context, before time.Time, limit int) ([]inventory.Reservation, error) {
	rows, err := r.pool.Query(ctx, staleReservationsSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale reservations: %w", err)
	}
	return pgx.CollectRows(rows, scanReservation)
}

// AddStock increases the owned quantity, creating the row when needed.
func (r *InventoryRepository) AddStock(ctx context.Context, productID, variantID string, qty int) error {
	if qty <= 0 {
		return inventory.ErrInvalidQuantity
	}
	if _, err := r.pool.Exec(ctx, addStockSQL, productID, variantID, qty); err != nil {
		return fmt.Errorf("adding stock to %q: %w", productID, err)
	}
	return nil
}

// SetStock overwrites the owned quantity. It is used for seeding.
func (r *InventoryRepository) SetStock(ctx context.Context, productID, variantID string, qty int) error {
	if _, err := r.pool.Exec(ctx, setStockSQL, productID, variantID, qty); err != nil {
		return fmt.Errorf("setting stock of %q: %w", productID, err)
	}
	return nil
}

func scanReservation(row pgx.CollectableRow) (inventory.Reservation, error) {
	var (
		res    inventory.Reservation
		status string
	)
	err := row.Scan(&res.ID, &res.CheckoutID, &res.ProductID, &res.VariantID, &res.Quantity,
		&status, &res.CreatedAt, &res.UpdatedAt)
	res.Status = inventory.ReservationStatus(status)
	return res, err
}
