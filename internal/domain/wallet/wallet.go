// Package wallet implements the internal balance ledger: credits, debits,
// holds, captures and transfers with an append-only transaction trail.
//
// The Wallet methods are pure state transitions returning the transactions
// they produced. The Ledger runs them inside Repository.Update, which holds
// the wallet row lock and persists the wallet together with its new
// transactions, so a failed operation writes nothing.
package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Status is the operational state of a wallet.
type Status string

const (
	StatusActive    Status = "active"
	StatusFrozen    Status = "frozen"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFrozen, StatusSuspended, StatusClosed:
		return true
	}
	return false
}

// TxType is the kind of ledger entry.
type TxType string

const (
	TxCredit      TxType = "credit"
	TxDebit       TxType = "debit"
	TxTransferIn  TxType = "transfer_in"
	TxTransferOut TxType = "transfer_out"
	TxHold        TxType = "hold"
	TxCapture     TxType = "capture"
	TxFee         TxType = "fee"
	TxRefund      TxType = "refund"
)

// Sign returns +1 for entries that add to the balance, -1 for entries that
// take from it and 0 for holds.
func (t TxType) Sign() int {
	switch t {
	case TxCredit, TxTransferIn, TxRefund:
		return 1
	case TxDebit, TxTransferOut, TxCapture, TxFee:
		return -1
	}
	return 0
}

// TxStatus is the state of a ledger entry. Only holds move out of pending.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxCancelled TxStatus = "cancelled"
)

var (
	ErrNotFound          = apperr.New(apperr.NotFound, "wallet not found")
	ErrExists            = apperr.New(apperr.Conflict, "wallet already exists")
	ErrInvalidAmount     = apperr.New(apperr.Validation, "amount must be positive")
	ErrInsufficientFunds = apperr.New(apperr.Conflict, "insufficient funds")
	ErrLimitExceeded     = apperr.New(apperr.Conflict, "transaction limit exceeded")
	ErrNotActive         = apperr.New(apperr.Conflict, "wallet is not active")
	ErrHoldNotFound      = apperr.New(apperr.NotFound, "hold not found")
	ErrHoldNotPending    = apperr.New(apperr.Conflict, "hold is no longer pending")
	ErrSameWallet        = apperr.New(apperr.Validation, "cannot transfer to the same wallet")
	ErrCurrencyMismatch  = apperr.New(apperr.Validation, "wallet currencies differ")
	ErrInvalidStatus     = apperr.New(apperr.Validation, "invalid wallet status")
	ErrNotEmpty          = apperr.New(apperr.Conflict, "wallet has funds or pending holds")
	ErrReconciliation    = apperr.New(apperr.Invariant, "wallet balance does not match its transactions")
)

// LimitError names the limit a debit would exceed.
type LimitError struct {
	Limit string
	Value decimal.Decimal
}

func (e *LimitError) Error() string {
	switch e.Limit {
	case "min":
		return fmt.Sprintf("amount is below the minimum transaction of %s", e.Value.StringFixed(2))
	case "max":
		return fmt.Sprintf("amount exceeds the maximum transaction of %s", e.Value.StringFixed(2))
	default:
		return fmt.Sprintf("%s spending limit of %s exceeded", e.Limit, e.Value.StringFixed(2))
	}
}

// Kind implements apperr.Kinded.
func (e *LimitError) Kind() apperr.Kind { return apperr.Conflict }

// Is matches ErrLimitExceeded.
func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// StatusError reports an operation refused because of the wallet status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string { return fmt.Sprintf("wallet is %s", e.Status) }

// Kind implements apperr.Kinded.
func (e *StatusError) Kind() apperr.Kind { return apperr.Conflict }

// Is matches ErrNotActive.
func (e *StatusError) Is(target error) bool { return target == ErrNotActive }

// Limits bound outgoing money. Zero values are unlimited.
type Limits struct {
	MinTransaction decimal.Decimal
	MaxTransaction decimal.Decimal
	Daily          decimal.Decimal
	Monthly        decimal.Decimal
}

// Wallet is one user's balance account.
type Wallet struct {
	ID       string
	UserID   string
	Currency string
	Status   Status
	Limits   Limits

	Balance        decimal.Decimal
	PendingDebit   decimal.Decimal
	TotalEarnings  decimal.Decimal
	TotalSpendings decimal.Decimal

	// DailySpent and MonthlySpent count outgoing money for the calendar day
	// and month of CountersAt.
	DailySpent   decimal.Decimal
	MonthlySpent decimal.Decimal
	CountersAt   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns an empty active wallet.
func New(userID, currency string, limits Limits, now time.Time) *Wallet {
	return &Wallet{
		ID:         uuid.NewString(),
		UserID:     userID,
		Currency:   currency,
		Status:     StatusActive,
		Limits:     limits,
		CountersAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Available returns balance minus active holds.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.PendingDebit)
}

// Entry carries the descriptive fields of a ledger operation.
type Entry struct {
	Description string
	Reference   string
	OrderID     string
}

// Transaction is an immutable ledger entry. Delta equals the signed amount
// for every type except holds, whose delta is zero.
type Transaction struct {
	ID            string
	WalletID      string
	Type          TxType
	Status        TxStatus
	Amount        decimal.Decimal
	Currency      string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	Reference     string
	OrderID       string
	HoldID        string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Delta returns the balance change recorded by t.
func (t Transaction) Delta() decimal.Decimal {
	return t.BalanceAfter.Sub(t.BalanceBefore)
}

func (w *Wallet) newTx(typ TxType, amount decimal.Decimal, before decimal.Decimal, e Entry, now time.Time) Transaction {
	return Transaction{
		ID:            uuid.NewString(),
		WalletID:      w.ID,
		Type:          typ,
		Status:        TxCompleted,
		Amount:        amount,
		Currency:      w.Currency,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		Description:   e.Description,
		Reference:     e.Reference,
		OrderID:       e.OrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Credit adds amount to the balance. Any wallet that is not closed accepts
// credits. typ must be a crediting type.
func (w *Wallet) Credit(typ TxType, amount decimal.Decimal, e Entry, now time.Time) (Transaction, error) {
	if typ.Sign() <= 0 {
		return Transaction{}, apperr.Errorf(apperr.Invariant, "%s is not a crediting transaction", typ)
	}
	if !amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	if w.Status == StatusClosed {
		return Transaction{}, &StatusError{Status: w.Status}
	}
	w.rollover(now)

	before := w.Balance
	w.Balance = w.Balance.Add(amount)
	w.TotalEarnings = w.TotalEarnings.Add(amount)
	w.UpdatedAt = now
	return w.newTx(typ, amount, before, e, now), nil
}

// Debit takes amount from the balance. The wallet must be active, the
// amount within limits and available balance sufficient.
func (w *Wallet) Debit(typ TxType, amount decimal.Decimal, e Entry, now time.Time) (Transaction, error) {
	if typ.Sign() >= 0 {
		return Transaction{}, apperr.Errorf(apperr.Invariant, "%s is not a debiting transaction", typ)
	}
	if err := w.checkOutgoing(amount, now); err != nil {
		return Transaction{}, err
	}

	before := w.Balance
	w.Balance = w.Balance.Sub(amount)
	w.spend(amount)
	w.UpdatedAt = now
	return w.newTx(typ, amount, before, e, now), nil
}

// Hold reserves amount of the available balance until expiresAt. The
// balance is untouched; the hold entry is pending with a zero delta.
func (w *Wallet) Hold(amount decimal.Decimal, e Entry, expiresAt time.Time, now time.Time) (Transaction, error) {
	if err := w.checkOutgoing(amount, now); err != nil {
		return Transaction{}, err
	}

	w.PendingDebit = w.PendingDebit.Add(amount)
	w.UpdatedAt = now

	tx := w.newTx(TxHold, amount, w.Balance, e, now)
	tx.ID = "HOLD-" + tx.ID
	tx.Status = TxPending
	tx.ExpiresAt = &expiresAt
	return tx, nil
}

// ReleaseHold cancels a pending hold and restores available balance.
func (w *Wallet) ReleaseHold(hold *Transaction, now time.Time) error {
	if err := w.checkHold(hold); err != nil {
		return err
	}
	if err := w.unhold(hold.Amount); err != nil {
		return err
	}
	hold.Status = TxCancelled
	hold.UpdatedAt = now
	w.UpdatedAt = now
	return nil
}

// CaptureHold turns a pending hold into a debit of amount, which may be
// less than the held amount. A zero amount captures the whole hold. The
// uncaptured remainder returns to the available balance.
func (w *Wallet) CaptureHold(hold *Transaction, amount decimal.Decimal, now time.Time) (Transaction, error) {
	if err := w.checkHold(hold); err != nil {
		return Transaction{}, err
	}
	if amount.IsZero() {
		amount = hold.Amount
	}
	if amount.IsNegative() {
		return Transaction{}, ErrInvalidAmount
	}
	if amount.GreaterThan(hold.Amount) {
		return Transaction{}, apperr.Errorf(apperr.Validation,
			"capture amount %s exceeds held amount %s", amount.StringFixed(2), hold.Amount.StringFixed(2))
	}
	if w.Status != StatusActive {
		return Transaction{}, &StatusError{Status: w.Status}
	}
	w.rollover(now)
	if err := w.unhold(hold.Amount); err != nil {
		return Transaction{}, err
	}

	before := w.Balance
	w.Balance = w.Balance.Sub(amount)
	w.spend(amount)
	w.UpdatedAt = now
	hold.Status = TxCompleted
	hold.UpdatedAt = now

	tx := w.newTx(TxCapture, amount, before, Entry{
		Description: hold.Description,
		Reference:   hold.Reference,
		OrderID:     hold.OrderID,
	}, now)
	tx.HoldID = hold.ID
	return tx, nil
}

func (w *Wallet) checkHold(hold *Transaction) error {
	if hold == nil || hold.Type != TxHold || hold.WalletID != w.ID {
		return ErrHoldNotFound
	}
	if hold.Status != TxPending {
		return ErrHoldNotPending
	}
	return nil
}

func (w *Wallet) unhold(amount decimal.Decimal) error {
	if w.PendingDebit.LessThan(amount) {
		return apperr.Errorf(apperr.Invariant,
			"pending debit %s is below hold amount %s", w.PendingDebit.StringFixed(2), amount.StringFixed(2))
	}
	w.PendingDebit = w.PendingDebit.Sub(amount)
	return nil
}

// checkOutgoing validates amount, status, limits and available balance, in
// that order. Counters are rolled over first.
func (w *Wallet) checkOutgoing(amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if w.Status != StatusActive {
		return &StatusError{Status: w.Status}
	}
	w.rollover(now)

	l := w.Limits
	switch {
	case l.MinTransaction.IsPositive() && amount.LessThan(l.MinTransaction):
		return &LimitError{Limit: "min", Value: l.MinTransaction}
	case l.MaxTransaction.IsPositive() && amount.GreaterThan(l.MaxTransaction):
		return &LimitError{Limit: "max", Value: l.MaxTransaction}
	case l.Daily.IsPositive() && w.DailySpent.Add(w.PendingDebit).Add(amount).GreaterThan(l.Daily):
		return &LimitError{Limit: "daily", Value: l.Daily}
	case l.Monthly.IsPositive() && w.MonthlySpent.Add(w.PendingDebit).Add(amount).GreaterThan(l.Monthly):
		return &LimitError{Limit: "monthly", Value: l.Monthly}
	}

	if w.Available().LessThan(amount) {
		return ErrInsufficientFunds
	}
	return nil
}

func (w *Wallet) spend(amount decimal.Decimal) {
	w.TotalSpendings = w.TotalSpendings.Add(amount)
	w.DailySpent = w.DailySpent.Add(amount)
	w.MonthlySpent = w.MonthlySpent.Add(amount)
}

// rollover resets the spend counters when now falls on a later UTC
// calendar day or month than the last counted operation.
func (w *Wallet) rollover(now time.Time) {
	last, cur := w.CountersAt.UTC(), now.UTC()
	if last.Year() != cur.Year() || last.Month() != cur.Month() {
		w.MonthlySpent = decimal.Zero
		w.DailySpent = decimal.Zero
	} else if last.Day() != cur.Day() {
		w.DailySpent = decimal.Zero
	}
	if cur.After(last) {
		w.CountersAt = cur
	}
}

// Reconcile checks that the transaction trail explains the wallet state:
// each completed entry moves the balance by its signed amount, the entries
// chain before/after, the deltas sum to the balance and pending holds sum to
// the pending debit. txs must be in creation order.
func Reconcile(w *Wallet, txs []Transaction) error {
	sum := decimal.Zero
	held := decimal.Zero
	var prev *Transaction
	for i := range txs {
		tx := &txs[i]
		want := tx.Amount.Mul(decimal.NewFromInt(int64(tx.Type.Sign())))
		if !tx.Delta().Equal(want) {
			return apperr.Errorf(apperr.Invariant, "%w: transaction %s moved %s, expected %s",
				ErrReconciliation, tx.ID, tx.Delta(), want)
		}
		if prev != nil && tx.Type != TxHold && !tx.BalanceBefore.Equal(prev.BalanceAfter) {
			return apperr.Errorf(apperr.Invariant, "%w: transaction %s starts at %s after %s",
				ErrReconciliation, tx.ID, tx.BalanceBefore, prev.BalanceAfter)
		}
		if tx.Type != TxHold {
			prev = tx
		}
		sum = sum.Add(tx.Delta())
		if tx.Type == TxHold && tx.Status == TxPending {
			held = held.Add(tx.Amount)
		}
	}

	if !sum.Equal(w.Balance) {
		return apperr.Errorf(apperr.Invariant, "%w: balance %s, transactions sum to %s",
			ErrReconciliation, w.Balance, sum)
	}
	if !held.Equal(w.PendingDebit) {
		return apperr.Errorf(apperr.Invariant, "%w: pending debit %s, pending holds sum to %s",
			ErrReconciliation, w.PendingDebit, held)
	}
	if w.Available().IsNegative() {
		return apperr.Errorf(apperr.Invariant, "%w: available balance is negative", ErrReconciliation)
	}
	return nil
}
