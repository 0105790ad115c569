package inventory

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
)

// Service exposes stock operations to checkout and the HTTP layer.
type Service struct {
	repo Repository
}

// NewService creates a Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Availability returns the current stock counters.
func (s *Service) Availability(ctx context.Context, productID, variantID string) (Stock, error) {
	return s.repo.Availability(ctx, productID, variantID)
}

// ReserveAll reserves every line under checkoutID. When any line cannot be
// reserved, all reservations made so far for the checkout are released
// before the error is returned.
func (s *Service) ReserveAll(ctx context.Context, checkoutID string, lines []Line) ([]Reservation, error) {
	reserved := make([]Reservation, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, s.abort(ctx, checkoutID, ErrInvalidQuantity)
		}
		r, err := s.repo.Reserve(ctx, checkoutID, line)
		if err != nil {
			var insufficient *InsufficientStockError
			if errors.As(err, &insufficient) && insufficient.Name == "" {
				insufficient.Name = line.Name
			}
			return nil, s.abort(ctx, checkoutID, err)
		}
		reserved = append(reserved, r)
	}
	return reserved, nil
}

func (s *Service) abort(ctx context.Context, checkoutID string, cause error) error {
	if _, err := s.repo.ReleaseCheckout(ctx, checkoutID); err != nil {
		return multierr.Append(cause, errors.Wrap(err, "release reservations"))
	}
	return cause
}

// ReleaseAll releases every held reservation of a checkout.
func (s *Service) ReleaseAll(ctx context.Context, checkoutID string) (int, error) {
	n, err := s.repo.ReleaseCheckout(ctx, checkoutID)
	if err != nil {
		return 0, errors.Wrapf(err, "release checkout %s", checkoutID)
	}
	return n, nil
}

// Restock returns units to sale, e.g. after a refund with goods returned.
func (s *Service) Restock(ctx context.Context, productID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if err := s.repo.AddStock(ctx, productID, variantID, qty); err != nil {
		return errors.Wrap(err, "add stock")
	}
	return nil
}

// StaleReservations lists held reservations created before the cutoff.
func (s *Service) StaleReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	return s.repo.StaleReservations(ctx, before, limit)
}
