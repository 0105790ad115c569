// Package checkout turns a user's cart into confirmed per-store orders.
//
// A checkout runs as a saga: validate, reserve, split, create_orders, settle
// and commit. Every stage registers its compensation before it runs, and a
// failure unwinds the registered compensations in reverse order before the
// error is returned. The commit stage is one storage transaction. An Attempt
// row records the progress of each run so that a crashed run can be
// compensated by RecoverStale.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Status is the outcome of a checkout attempt.
type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCommitted   Status = "committed"
	StatusCompensated Status = "compensated"
	// StatusFailed marks an attempt whose compensation did not complete.
	StatusFailed Status = "failed"
)

// Stage is a saga step.
type Stage string

const (
	StageValidate     Stage = "validate"
	StageReserve      Stage = "reserve"
	StageSplit        Stage = "split"
	StageCreateOrders Stage = "create_orders"
	StageSettle       Stage = "settle"
	StageCommit       Stage = "commit"
)

var (
	ErrNotFound          = apperr.New(apperr.NotFound, "checkout not found")
	ErrInProgress        = apperr.New(apperr.Conflict, "a checkout for this cart is already in progress")
	ErrDuplicateKey      = apperr.New(apperr.Conflict, "idempotency key was already used")
	ErrCartChanged       = apperr.New(apperr.Conflict, "cart changed during checkout, please review it and try again")
	ErrReservationLapsed = apperr.New(apperr.Conflict, "stock reservation expired, please try again")
	ErrCompensation      = apperr.New(apperr.Invariant, "checkout could not be fully rolled back")
)

// CompensationError reports a failed checkout whose rollback failed too.
// It matches ErrCompensation, the original cause and the rollback errors.
type CompensationError struct {
	Cause    error
	Rollback error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%s: %s (rollback: %s)", ErrCompensation, e.Cause, e.Rollback)
}

// Kind implements apperr.Kinded.
func (e *CompensationError) Kind() apperr.Kind { return apperr.Invariant }

func (e *CompensationError) Unwrap() []error {
	return []error{ErrCompensation, e.Cause, e.Rollback}
}

// Attempt is the durable record of one checkout run.
type Attempt struct {
	ID             string
	UserID         string
	CartID         string
	CartVersion    int64
	IdempotencyKey string
	Status         Status
	Stage          Stage
	PaymentMethod  payment.Method
	TransactionID  string
	PaymentStatus  payment.Status
	OrderIDs       []string
	Total          decimal.Decimal
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommitPlan is everything the commit stage writes. Storage applies it in
// one transaction:
//
//   - every order is stored with its appended events (and their outbox rows);
//   - each redemption is recorded once per (checkout, code) and the coupon's
//     usage counter is incremented only while below its limits;
//   - every held reservation of the attempt is converted into a stock
//     decrement;
//   - the cart is saved when its stored version equals Cart.Version;
//   - the attempt is saved as committed.
type CommitPlan struct {
	Attempt     *Attempt
	Orders      []*order.Order
	Events      map[string][]order.Event
	Redemptions []coupon.Redemption
	Cart        *cart.Cart
}

// Repository persists checkout attempts and applies commits.
type Repository interface {
	// Begin stores a new in-progress attempt. It fails with ErrInProgress
	// when the cart already has one and with ErrDuplicateKey when the user
	// already has an in-progress or committed attempt with the same key.
	Begin(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	FindByKey(ctx context.Context, userID, key string) (*Attempt, error)
	Save(ctx context.Context, a *Attempt) error
	Commit(ctx context.Context, plan CommitPlan) error
	// Stale lists in-progress and failed attempts last updated before the
	// cutoff, oldest first.
	Stale(ctx context.Context, before time.Time, limit int) ([]Attempt, error)
}

// Request starts a checkout.
type Request struct {
	UserID          string
	IdempotencyKey  string
	PaymentMethod   payment.Method
	PaymentDetails  map[string]string
	ShippingMethod  string
	ShippingAddress order.Address
	BillingAddress  order.Address
	Notes           string
}

// Result is the outcome of a successful checkout.
type Result struct {
	CheckoutID    string
	Orders        []order.Order
	Total         decimal.Decimal
	TransactionID string
	PaymentStatus payment.Status
	// Replayed is set when the result belongs to an earlier request with the
	// same idempotency key.
	Replayed bool
}
