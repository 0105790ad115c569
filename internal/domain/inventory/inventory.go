// Package inventory implements per-product stock counters with soft
// reservations.
//
// A Stock row owns Quantity units of which Reserved are promised to
// checkouts still in flight. Available = Quantity - Reserved, and Reserved
// never exceeds Quantity. Storage implementations must apply Reserve and
// Decrease as conditional atomic updates.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

var (
	// ErrInsufficientStock is matched by every InsufficientStockError.
	ErrInsufficientStock = apperr.New(apperr.Conflict, "insufficient inventory")
	// ErrStockNotFound is returned when no stock row exists for a product.
	ErrStockNotFound = apperr.New(apperr.NotFound, "stock record not found")
	// ErrReservationNotFound is returned for an unknown reservation id.
	ErrReservationNotFound = apperr.New(apperr.NotFound, "reservation not found")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = apperr.New(apperr.Validation, "quantity must be positive")
	// ErrUnderflow signals a decrement that would break reserved <= quantity.
	ErrUnderflow = apperr.New(apperr.Invariant, "stock reservation underflow")
)

// InsufficientStockError reports a failed reservation for one line.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.Name
	if name == "" {
		name = "requested item"
	}
	return fmt.Sprintf("insufficient inventory for %s", name)
}

// Kind implements apperr.Kinded.
func (e *InsufficientStockError) Kind() apperr.Kind { return apperr.Conflict }

// Is matches ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Stock is the counter pair for one product or product variant. An empty
// VariantID addresses the product itself.
type Stock struct {
	ProductID string
	VariantID string
	Quantity  int
	Reserved  int
	UpdatedAt time.Time
}

// Available returns the sellable quantity.
func (s Stock) Available() int {
	return s.Quantity - s.Reserved
}

// Reserve soft-locks n units when at least n are available.
func (s *Stock) Reserve(n int) error {
	if n <= 0 {
		return ErrInvalidQuantity
	}
	if s.Available() < n {
		return &InsufficientStockError{
			ProductID: s.ProductID,
			VariantID: s.VariantID,
			Requested: n,
			Available: s.Available(),
		}
	}
	s.Reserved += n
	return nil
}

// Release returns n reserved units. Reserved is floored at zero.
func (s *Stock) Release(n int) {
	s.Reserved -= n
	if s.Reserved < 0 {
		s.Reserved = 0
	}
}

// Decrease converts n reserved units into a permanent decrement.
func (s *Stock) Decrease(n int) error {
	if n <= 0 {
		return ErrInvalidQuantity
	}
	if s.Reserved < n || s.Quantity < n {
		return ErrUnderflow
	}
	s.Quantity -= n
	s.Reserved -= n
	return nil
}

// Add increases owned quantity, e.g. for returned goods.
func (s *Stock) Add(n int) error {
	if n <= 0 {
		return ErrInvalidQuantity
	}
	s.Quantity += n
	return nil
}

// ReservationStatus tracks a reservation through the checkout lifecycle.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationReleased  ReservationStatus = "released"
	ReservationCommitted ReservationStatus = "committed"
)

// Reservation records units reserved by one checkout attempt. It is the
// compensation log for the reserve stage: releasing a checkout releases
// exactly the reservations recorded for it.
type Reservation struct {
	ID         string
	CheckoutID string
	ProductID  string
	VariantID  string
	Quantity   int
	Status     ReservationStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Line is a reservation request.
type Line struct {
	ProductID string
	VariantID string
	Name      string
	Quantity  int
}

// Repository persists stock counters and reservations.
type Repository interface {
	// Availability returns the stock row for a product or variant.
	Availability(ctx context.Context, productID, variantID string) (Stock, error)
	// Reserve atomically increments reserved when enough units are available
	// and records the reservation under checkoutID.
	Reserve(ctx context.Context, checkoutID string, line Line) (Reservation, error)
	// ReleaseCheckout releases every held reservation of a checkout and
	// returns how many were released. Already released or committed
	// reservations are left alone.
	ReleaseCheckout(ctx context.Context, checkoutID string) (int, error)
	// Reservations lists reservations recorded for a checkout.
	Reservations(ctx context.Context, checkoutID string) ([]Reservation, error)
	// StaleReservations lists held reservations created before the cutoff.
	StaleReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
	// AddStock increases the owned quantity.
	AddStock(ctx context.Context, productID, variantID string, qty int) error
}
