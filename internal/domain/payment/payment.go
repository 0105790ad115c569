// Package payment settles checkout totals through the supported payment
// methods and refunds them.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Method is a payment instrument.
type Method string

const (
	MethodWallet       Method = "wallet"
	MethodCard         Method = "card"
	MethodDebitCard    Method = "debit_card"
	MethodPayPal       Method = "paypal"
	MethodApplePay     Method = "apple_pay"
	MethodGooglePay    Method = "google_pay"
	MethodBankTransfer Method = "bank_transfer"
)

// Prefix returns the transaction id prefix of the method.
func (m Method) Prefix() string {
	switch m {
	case MethodWallet:
		return "WAL"
	case MethodCard:
		return "CARD"
	case MethodDebitCard:
		return "DC"
	case MethodPayPal:
		return "PP"
	case MethodApplePay:
		return "APL"
	case MethodGooglePay:
		return "GGL"
	case MethodBankTransfer:
		return "BT"
	}
	return "PAY"
}

// External reports whether the method settles through the payment gateway.
func (m Method) External() bool {
	switch m {
	case MethodCard, MethodDebitCard, MethodPayPal, MethodApplePay, MethodGooglePay:
		return true
	}
	return false
}

// Status is the settlement state of an order payment.
type Status string

const (
	StatusPending           Status = "pending"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Settled reports whether money was captured and may be refunded.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded
}

var (
	ErrUnsupportedMethod = apperr.New(apperr.Validation, "unsupported payment method")
	ErrInvalidAmount     = apperr.New(apperr.Validation, "payment amount must be positive")
	ErrDeclined          = apperr.New(apperr.External, "payment was declined")
	ErrGatewayTimeout    = apperr.New(apperr.External, "payment gateway timed out")
	ErrGatewayFailure    = apperr.New(apperr.External, "payment gateway is unavailable")
)

// Request asks for amount to be settled for one checkout.
type Request struct {
	CheckoutID  string
	UserID      string
	Method      Method
	Amount      decimal.Decimal
	Currency    string
	Description string
	// Details carries method specific fields such as a card token.
	Details map[string]string
}

// Result is the outcome of a settlement or refund.
type Result struct {
	TransactionID string
	Status        Status
	Fee           decimal.Decimal
}

// RefundRequest returns amount of a previous settlement.
type RefundRequest struct {
	UserID        string
	OrderID       string
	Method        Method
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// Settler settles and refunds money for one or more methods.
type Settler interface {
	Settle(ctx context.Context, req Request) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
}

// Registry dispatches to the Settler registered for a method.
type Registry struct {
	settlers map[Method]Settler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{settlers: make(map[Method]Settler)}
}

// Register binds s to the given methods.
func (r *Registry) Register(s Settler, methods ...Method) {
	for _, m := range methods {
		r.settlers[m] = s
	}
}

// Supports reports whether m has a settler.
func (r *Registry) Supports(m Method) bool {
	_, ok := r.settlers[m]
	return ok
}

func (r *Registry) settler(m Method) (Settler, error) {
	s, ok := r.settlers[m]
	if !ok {
		return nil, apperr.Errorf(apperr.Validation, "%w: %q", ErrUnsupportedMethod, m)
	}
	return s, nil
}

// Settle implements Settler.
func (r *Registry) Settle(ctx context.Context, req Request) (Result, error) {
	if !req.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	s, err := r.settler(req.Method)
	if err != nil {
		return Result{}, err
	}
	return s.Settle(ctx, req)
}

// Refund implements Settler.
func (r *Registry) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	if !req.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	s, err := r.settler(req.Method)
	if err != nil {
		return Result{}, err
	}
	return s.Refund(ctx, req)
}

// NewTransactionID returns an id like CARD-1718452800000-3F2A9C1B.
func NewTransactionID(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), id[:8])
}
