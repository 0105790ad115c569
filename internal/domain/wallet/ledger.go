package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository persists wallets and their transactions. The Update family
// serializes on the wallet row: fn runs while the row is locked and its
// returned transactions are inserted with the wallet in one transaction.
// When fn fails nothing is written.
type Repository interface {
	Get(ctx context.Context, userID string) (*Wallet, error)
	// Create stores a new wallet or returns ErrExists.
	Create(ctx context.Context, w *Wallet) error
	Update(ctx context.Context, userID string, fn func(w *Wallet) ([]Transaction, error)) (*Wallet, error)
	// UpdatePair locks both wallets in a stable order.
	UpdatePair(ctx context.Context, fromUser, toUser string, fn func(from, to *Wallet) ([]Transaction, error)) error
	// UpdateHold locks the wallet owning holdID; changes fn makes to the
	// hold's status are persisted too.
	UpdateHold(ctx context.Context, holdID string, fn func(w *Wallet, hold *Transaction) ([]Transaction, error)) (*Wallet, error)
	// Transactions lists a wallet's entries oldest first. limit <= 0 lists all.
	Transactions(ctx context.Context, walletID string, limit int) ([]Transaction, error)
	// ExpiredHolds lists pending holds that expired before now.
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Transaction, error)
}

// Defaults configure lazily created wallets.
type Defaults struct {
	Currency string
	Limits   Limits
	HoldTTL  time.Duration
}

// Ledger is the wallet service.
type Ledger struct {
	repo     Repository
	defaults Defaults
	now      func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(repo Repository, defaults Defaults) *Ledger {
	if defaults.Currency == "" {
		defaults.Currency = "USD"
	}
	if defaults.HoldTTL <= 0 {
		defaults.HoldTTL = 24 * time.Hour
	}
	return &Ledger{repo: repo, defaults: defaults, now: time.Now}
}

// Wallet returns the user's wallet, creating it on first access.
func (l *Ledger) Wallet(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, errors.Wrap(ErrNotFound, "empty user id")
	}
	w, err := l.repo.Get(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "get wallet")
	}

	w = New(userID, l.defaults.Currency, l.defaults.Limits, l.now())
	if err := l.repo.Create(ctx, w); err != nil {
		if errors.Is(err, ErrExists) {
			return l.repo.Get(ctx, userID)
		}
		return nil, errors.Wrap(err, "create wallet")
	}
	return w, nil
}

// Credit adds money to the user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, e Entry) (*Transaction, error) {
	return l.single(ctx, userID, func(w *Wallet, now time.Time) (Transaction, error) {
		return w.Credit(TxCredit, amount, e, now)
	})
}

// Refund credits money returned for an order.
func (l *Ledger) Refund(ctx context.Context, userID string, amount decimal.Decimal, e Entry) (*Transaction, error) {
	return l.single(ctx, userID, func(w *Wallet, now time.Time) (Transaction, error) {
		return w.Credit(TxRefund, amount, e, now)
	})
}

// Debit takes money from the user's wallet.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, e Entry) (*Transaction, error) {
	return l.single(ctx, userID, func(w *Wallet, now time.Time) (Transaction, error) {
		return w.Debit(TxDebit, amount, e, now)
	})
}

// Hold reserves part of the available balance. ttl <= 0 uses the default
// hold TTL; expired holds are released by ReleaseExpiredHolds.
func (l *Ledger) Hold(ctx context.Context, userID string, amount decimal.Decimal, e Entry, ttl time.Duration) (*Transaction, error) {
	if ttl <= 0 {
		ttl = l.defaults.HoldTTL
	}
	return l.single(ctx, userID, func(w *Wallet, now time.Time) (Transaction, error) {
		return w.Hold(amount, e, now.Add(ttl), now)
	})
}

// ReleaseHold cancels a pending hold.
func (l *Ledger) ReleaseHold(ctx context.Context, holdID string) error {
	_, err := l.repo.UpdateHold(ctx, holdID, func(w *Wallet, hold *Transaction) ([]Transaction, error) {
		return nil, w.ReleaseHold(hold, l.now())
	})
	if err != nil {
		return errors.Wrapf(err, "release hold %s", holdID)
	}
	return nil
}

// CaptureHold converts a hold into a debit. A zero amount captures it fully.
func (l *Ledger) CaptureHold(ctx context.Context, holdID string, amount decimal.Decimal) (*Transaction, error) {
	var captured Transaction
	_, err := l.repo.UpdateHold(ctx, holdID, func(w *Wallet, hold *Transaction) ([]Transaction, error) {
		tx, err := w.CaptureHold(hold, amount, l.now())
		if err != nil {
			return nil, err
		}
		captured = tx
		return []Transaction{tx}, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "capture hold %s", holdID)
	}
	return &captured, nil
}

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Reference string
	Out       Transaction
	In        Transaction
}

// Transfer moves amount between two users' wallets as one debit and one
// credit sharing a reference. The destination wallet must already exist and
// be active; otherwise the transfer fails before either wallet changes.
func (l *Ledger) Transfer(ctx context.Context, fromUser, toUser string, amount decimal.Decimal, description string) (*TransferResult, error) {
	if fromUser == toUser {
		return nil, ErrSameWallet
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := l.Wallet(ctx, fromUser); err != nil {
		return nil, err
	}
	if _, err := l.repo.Get(ctx, toUser); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(ErrNotFound, "transfer recipient")
		}
		return nil, errors.Wrap(err, "get recipient wallet")
	}

	res := &TransferResult{Reference: newReference("TRF")}
	err := l.repo.UpdatePair(ctx, fromUser, toUser, func(from, to *Wallet) ([]Transaction, error) {
		if to.Status != StatusActive {
			return nil, &StatusError{Status: to.Status}
		}
		if from.Currency != to.Currency {
			return nil, ErrCurrencyMismatch
		}
		now := l.now()
		out, err := from.Debit(TxTransferOut, amount, Entry{
			Description: description,
			Reference:   res.Reference,
		}, now)
		if err != nil {
			return nil, err
		}
		in, err := to.Credit(TxTransferIn, amount, Entry{
			Description: description,
			Reference:   res.Reference,
		}, now)
		if err != nil {
			return nil, err
		}
		res.Out, res.In = out, in
		return []Transaction{out, in}, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "transfer")
	}
	return res, nil
}

// SetStatus freezes, suspends, closes or reactivates a wallet. Closing
// requires a zero balance and no pending holds.
func (l *Ledger) SetStatus(ctx context.Context, userID string, status Status) (*Wallet, error) {
	if !status.Valid() {
		return nil, errors.Wrapf(ErrInvalidStatus, "%q", status)
	}
	if _, err := l.Wallet(ctx, userID); err != nil {
		return nil, err
	}
	return l.repo.Update(ctx, userID, func(w *Wallet) ([]Transaction, error) {
		if w.Status == StatusClosed && status != StatusClosed {
			return nil, &StatusError{Status: w.Status}
		}
		if status == StatusClosed && (!w.Balance.IsZero() || !w.PendingDebit.IsZero()) {
			return nil, ErrNotEmpty
		}
		w.Status = status
		w.UpdatedAt = l.now()
		return nil, nil
	})
}

// SetLimits replaces the spending limits of a wallet.
func (l *Ledger) SetLimits(ctx context.Context, userID string, limits Limits) (*Wallet, error) {
	if limits.MinTransaction.IsNegative() || limits.MaxTransaction.IsNegative() ||
		limits.Daily.IsNegative() || limits.Monthly.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if _, err := l.Wallet(ctx, userID); err != nil {
		return nil, err
	}
	return l.repo.Update(ctx, userID, func(w *Wallet) ([]Transaction, error) {
		w.Limits = limits
		w.UpdatedAt = l.now()
		return nil, nil
	})
}

// Transactions returns the user's ledger entries, oldest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.repo.Transactions(ctx, w.ID, limit)
}

// Reconcile verifies that the user's balance equals the sum of its
// transaction deltas.
func (l *Ledger) Reconcile(ctx context.Context, userID string) error {
	w, err := l.repo.Get(ctx, userID)
	if err != nil {
		return err
	}
	txs, err := l.repo.Transactions(ctx, w.ID, 0)
	if err != nil {
		return errors.Wrap(err, "list transactions")
	}
	return Reconcile(w, txs)
}

// ReleaseExpiredHolds cancels up to limit holds whose expiry has passed and
// returns how many were released.
func (l *Ledger) ReleaseExpiredHolds(ctx context.Context, limit int) (int, error) {
	holds, err := l.repo.ExpiredHolds(ctx, l.now(), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list expired holds")
	}
	released := 0
	for _, h := range holds {
		if err := l.ReleaseHold(ctx, h.ID); err != nil {
			if errors.Is(err, ErrHoldNotPending) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

func (l *Ledger) single(ctx context.Context, userID string, op func(w *Wallet, now time.Time) (Transaction, error)) (*Transaction, error) {
	if _, err := l.Wallet(ctx, userID); err != nil {
		return nil, err
	}
	var out Transaction
	_, err := l.repo.Update(ctx, userID, func(w *Wallet) ([]Transaction, error) {
		tx, err := op(w, l.now())
		if err != nil {
			return nil, err
		}
		out = tx
		return []Transaction{tx}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// newReference returns an id like TRF-1718452800000-3F2A9C1B.
func newReference(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), id[:8])
}
