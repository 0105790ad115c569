package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RecoverStale compensates attempts that stopped making progress before the
// cutoff, e.g. because the process crashed mid-run. Failed attempts are
// retried too. It returns how many attempts reached the compensated state.
func (s *Saga) RecoverStale(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := s.attempts.Stale(ctx, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale attempts")
	}

	var (
		recovered int
		errs      error
	)
	for i := range stale {
		a := &stale[i]
		lg := zctx.From(ctx).With(
			zap.String("checkout_id", a.ID),
			zap.String("stage", string(a.Stage)),
			zap.String("status", string(a.Status)),
		)
		lg.Warn("Recovering stale checkout")

		var rollback error
		if err := s.refundSettlement(ctx, a); err != nil {
			rollback = multierr.Append(rollback, err)
		}
		if err := s.cancelOrders(ctx, a.ID, "checkout interrupted"); err != nil {
			rollback = multierr.Append(rollback, err)
		}
		if _, err := s.stock.ReleaseAll(ctx, a.ID); err != nil {
			rollback = multierr.Append(rollback, err)
		}

		a.Status = StatusCompensated
		if a.Error == "" {
			a.Error = "checkout interrupted"
		}
		if rollback != nil {
			a.Status = StatusFailed
			errs = multierr.Append(errs, errors.Wrapf(rollback, "recover %s", a.ID))
		}
		a.UpdatedAt = s.now()
		if err := s.attempts.Save(ctx, a); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "save %s", a.ID))
			continue
		}
		if a.Status == StatusCompensated {
			recovered++
		}
	}
	return recovered, errs
}

// ReleaseOrphans releases held reservations older than the cutoff whose
// checkout is no longer running. It returns how many reservations were
// released.
func (s *Saga) ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error) {
	held, err := s.stock.StaleReservations(ctx, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale reservations")
	}

	seen := make(map[string]struct{})
	var (
		released int
		errs     error
	)
	for _, r := range held {
		if _, ok := seen[r.CheckoutID]; ok {
			continue
		}
		seen[r.CheckoutID] = struct{}{}

		a, err := s.attempts.Get(ctx, r.CheckoutID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			errs = multierr.Append(errs, errors.Wrapf(err, "get attempt %s", r.CheckoutID))
			continue
		case a.Status == StatusInProgress:
			// RecoverStale owns running attempts.
			continue
		}

		n, err := s.stock.ReleaseAll(ctx, r.CheckoutID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		released += n
	}
	return released, errs
}
