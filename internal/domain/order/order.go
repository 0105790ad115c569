package order

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusDisputed   Status = "disputed"
	StatusResolved   Status = "resolved"
)

// transitions lists the legal next states of each status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {StatusDisputed},
	StatusDisputed:   {StatusResolved, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered,
		StatusCancelled, StatusRefunded, StatusDisputed, StatusResolved:
		return true
	}
	return false
}

var (
	ErrNotFound           = apperr.New(apperr.NotFound, "order not found")
	ErrVersionConflict    = apperr.New(apperr.Conflict, "order was modified concurrently")
	ErrInvalidRefund      = apperr.New(apperr.Validation, "refund amount must be positive")
	ErrRefundExceedsTotal = apperr.New(apperr.Validation, "refund exceeds the refundable amount")
	ErrNotRefundable      = apperr.New(apperr.Conflict, "order payment is not settled")
)

// TransitionError reports an illegal status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change order status from %s to %s", e.From, e.To)
}

// Kind implements apperr.Kinded.
func (e *TransitionError) Kind() apperr.Kind { return apperr.Conflict }

// Item is a frozen copy of a cart line taken at checkout.
type Item struct {
	ProductID      string
	VariantID      string
	Name           string
	UnitPrice      decimal.Decimal
	Quantity       int
	Customizations map[string]string
}

// Total returns UnitPrice * Quantity.
func (i Item) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Address is a postal address.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Payment is the settlement record of an order.
type Payment struct {
	Method        payment.Method
	Status        payment.Status
	TransactionID string
	Fee           decimal.Decimal
	PaidAt        *time.Time
}

// Shipping is the delivery record of an order.
type Shipping struct {
	Method         string
	Cost           decimal.Decimal
	Carrier        string
	TrackingNumber string
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// Totals are the money amounts of one order.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Event is one entry of the append-only status log.
type Event struct {
	From  Status
	To    Status
	Actor string
	Note  string
	At    time.Time
}

// RefundMethod selects where refunded money goes.
type RefundMethod string

const (
	// RefundWallet credits the customer's wallet.
	RefundWallet RefundMethod = "wallet"
	// RefundOriginal returns money to the original payment method.
	RefundOriginal RefundMethod = "original"
)

// Refund is a recorded refund.
type Refund struct {
	ID            string
	Amount        decimal.Decimal
	Reason        string
	Method        RefundMethod
	TransactionID string
	Status        payment.Status
	Actor         string
	CreatedAt     time.Time
}

// StockState tracks what happened to the inventory behind an order.
type StockState string

const (
	StockReserved  StockState = "reserved"
	StockCommitted StockState = "committed"
	StockReleased  StockState = "released"
	StockRestocked StockState = "restocked"
)

// Metadata links an order to the cart and checkout that produced it.
type Metadata struct {
	CartID      string
	CheckoutID  string
	CouponCodes []string
}

// Order is one store's share of a checkout.
type Order struct {
	ID              string
	Number          string
	UserID          string
	StoreID         string
	Status          Status
	Items           []Item
	ShippingAddress Address
	BillingAddress  Address
	Payment         Payment
	Shipping        Shipping
	Totals          Totals
	Events          []Event
	Refunds         []Refund
	Meta            Metadata
	StockState      StockState
	Notes           string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transition moves o to status to, stamping fulfilment timestamps and
// appending one event. An illegal transition leaves o unchanged.
func (o *Order) Transition(to Status, actor, note string, now time.Time) (Event, error) {
	if !CanTransition(o.Status, to) {
		return Event{}, &TransitionError{From: o.Status, To: to}
	}
	ev := Event{From: o.Status, To: to, Actor: actor, Note: note, At: now}
	switch to {
	case StatusShipped:
		o.Shipping.ShippedAt = &now
	case StatusDelivered:
		o.Shipping.DeliveredAt = &now
	}
	o.Status = to
	o.Events = append(o.Events, ev)
	o.UpdatedAt = now
	return ev, nil
}

// Refunded returns the sum of recorded refunds.
func (o *Order) Refunded() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range o.Refunds {
		sum = sum.Add(r.Amount)
	}
	return sum
}

// Refundable returns how much can still be refunded.
func (o *Order) Refundable() decimal.Decimal {
	left := o.Totals.Total.Sub(o.Refunded())
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// CheckRefund validates amount against the payment state and the
// refundable balance.
func (o *Order) CheckRefund(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidRefund
	}
	if !o.Payment.Status.Settled() {
		return ErrNotRefundable
	}
	if amount.GreaterThan(o.Refundable()) {
		return apperr.Errorf(apperr.Validation, "%w: at most $%s can be refunded",
			ErrRefundExceedsTotal, o.Refundable().StringFixed(2))
	}
	return nil
}

// AddRefund records r and updates the payment status.
func (o *Order) AddRefund(r Refund, now time.Time) error {
	if err := o.CheckRefund(r.Amount); err != nil {
		return err
	}
	r.Amount = r.Amount.Round(2)
	r.CreatedAt = now
	o.Refunds = append(o.Refunds, r)
	if o.Refundable().IsZero() {
		o.Payment.Status = payment.StatusRefunded
	} else {
		o.Payment.Status = payment.StatusPartiallyRefunded
	}
	o.UpdatedAt = now
	return nil
}

// Quantity returns the number of units in the order.
func (o *Order) Quantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

const numberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewNumber returns a human readable order number such as
// ORD-52800000-7QK2D built from the last 8 digits of the unix millisecond
// time and 5 random characters.
func NewNumber(now time.Time) string {
	suffix := make([]byte, 5)
	size := big.NewInt(int64(len(numberAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			n = big.NewInt(now.UnixNano() % int64(len(numberAlphabet)))
		}
		suffix[i] = numberAlphabet[n.Int64()]
	}
	return fmt.Sprintf("ORD-%08d-%s", now.UnixMilli()%100_000_000, suffix)
}

// Repository persists orders.
type Repository interface {
	// CreateBatch stores all orders of one checkout atomically.
	CreateBatch(ctx context.Context, orders []*Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	ListByCheckout(ctx context.Context, checkoutID string) ([]Order, error)
	// Update stores o when the stored version equals o.Version and bumps
	// it. events are the entries appended since o was loaded; storage
	// publishes them to the outbox in the same transaction.
	Update(ctx context.Context, o *Order, events []Event) error
	// UpdateWith loads the order under an exclusive lock, runs fn on it and
	// stores the result together with the events fn returns. No other
	// UpdateWith or Update of the same order proceeds until it is done. An
	// error from fn leaves the stored order untouched.
	UpdateWith(ctx context.Context, id string, fn func(o *Order) ([]Event, error)) (*Order, error)
}
