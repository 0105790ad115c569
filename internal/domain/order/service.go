package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// StockKeeper returns inventory behind cancelled orders.
type StockKeeper interface {
	ReleaseAll(ctx context.Context, checkoutID string) (int, error)
	Restock(ctx context.Context, productID, variantID string, qty int) error
}

// Refunder returns settled money.
type Refunder interface {
	Refund(ctx context.Context, req payment.RefundRequest) (payment.Result, error)
}

// TransitionRequest asks for a status change.
type TransitionRequest struct {
	To    Status
	Actor string
	Note  string
	// Carrier and TrackingNumber are recorded when shipping.
	Carrier        string
	TrackingNumber string
}

// RefundRequest asks for part of an order to be refunded.
type RefundRequest struct {
	Amount decimal.Decimal
	Reason string
	Method RefundMethod
	Actor  string
}

// Service runs fulfilment and refund operations on placed orders.
type Service struct {
	orders   Repository
	stock    StockKeeper
	payments Refunder
	now      func() time.Time
}

// NewService creates an order Service.
func NewService(orders Repository, stock StockKeeper, payments Refunder) *Service {
	return &Service{
		orders:   orders,
		stock:    stock,
		payments: payments,
		now:      time.Now,
	}
}

// Get returns an order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.Get(ctx, id)
}

// GetForUser returns an order owned by userID. Orders of other users are
// reported as not found.
func (s *Service) GetForUser(ctx context.Context, id, userID string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.orders.ListByUser(ctx, userID, limit)
}

// Transition applies a status change with its side effects. Cancelling
// returns stock and refunds a settled payment; moving a dispute to refunded
// refunds whatever is left.
func (s *Service) Transition(ctx context.Context, id string, req TransitionRequest) (*Order, error) {
	if !req.To.Valid() {
		return nil, apperr.Errorf(apperr.Validation, "unknown order status %q", req.To)
	}
	return s.update(ctx, id, func(o *Order) ([]Event, bool, error) {
		ev, err := o.Transition(req.To, actorOr(req.Actor), req.Note, s.now())
		if err != nil {
			return nil, false, err
		}

		moved := false
		switch req.To {
		case StatusShipped:
			if req.TrackingNumber != "" {
				o.Shipping.TrackingNumber = req.TrackingNumber
			}
			if req.Carrier != "" {
				o.Shipping.Carrier = req.Carrier
			}
		case StatusCancelled:
			switch {
			case o.Payment.Status.Settled() && o.Refundable().IsPositive():
				if err := s.refund(ctx, o, o.Refundable(), cancelReason(req.Note), RefundOriginal, ev.Actor); err != nil {
					return nil, false, err
				}
				moved = true
			case o.Payment.Status == payment.StatusPending:
				o.Payment.Status = payment.StatusFailed
			}
			if err := s.returnStock(ctx, o); err != nil {
				return nil, moved, persistError(err, moved, "return stock")
			}
		case StatusRefunded:
			if o.Payment.Status.Settled() && o.Refundable().IsPositive() {
				if err := s.refund(ctx, o, o.Refundable(), "dispute refunded", RefundOriginal, ev.Actor); err != nil {
					return nil, false, err
				}
				moved = true
			}
		}
		return []Event{ev}, moved, nil
	})
}

// ProcessRefund refunds part of a settled order. Cumulative refunds never
// exceed the order total, also under concurrent calls. Wallet refunds credit
// the customer's wallet.
func (s *Service) ProcessRefund(ctx context.Context, id string, req RefundRequest) (*Order, error) {
	if req.Method == "" {
		req.Method = RefundOriginal
	}
	if req.Method != RefundOriginal && req.Method != RefundWallet {
		return nil, apperr.Errorf(apperr.Validation, "unknown refund method %q", req.Method)
	}
	return s.update(ctx, id, func(o *Order) ([]Event, bool, error) {
		if err := s.refund(ctx, o, req.Amount.Round(2), req.Reason, req.Method, actorOr(req.Actor)); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	})
}

// update runs fn while holding the order and saves what it did. fn reports
// whether money moved, which turns a failed save into an invariant
// violation.
func (s *Service) update(ctx context.Context, id string, fn func(o *Order) ([]Event, bool, error)) (*Order, error) {
	var ran, moved, failed bool
	o, err := s.orders.UpdateWith(ctx, id, func(o *Order) ([]Event, error) {
		events, m, err := fn(o)
		ran, moved, failed = true, m, err != nil
		return events, err
	})
	switch {
	case err == nil:
		return o, nil
	case !ran || failed:
		return nil, err
	default:
		return nil, persistError(err, moved, "save order")
	}
}

func (s *Service) refund(ctx context.Context, o *Order, amount decimal.Decimal, reason string, method RefundMethod, actor string) error {
	if err := o.CheckRefund(amount); err != nil {
		return err
	}
	pm := o.Payment.Method
	if method == RefundWallet {
		pm = payment.MethodWallet
	}
	res, err := s.payments.Refund(ctx, payment.RefundRequest{
		UserID:        o.UserID,
		OrderID:       o.ID,
		Method:        pm,
		TransactionID: o.Payment.TransactionID,
		Amount:        amount,
		Reason:        reason,
	})
	if err != nil {
		return errors.Wrapf(err, "refund order %s", o.Number)
	}
	return o.AddRefund(Refund{
		ID:            uuid.NewString(),
		Amount:        amount,
		Reason:        reason,
		Method:        method,
		TransactionID: res.TransactionID,
		Status:        res.Status,
		Actor:         actor,
	}, s.now())
}

// returnStock releases reservations of an order that never committed and
// restocks the items of one that did.
func (s *Service) returnStock(ctx context.Context, o *Order) error {
	switch o.StockState {
	case StockReserved:
		if _, err := s.stock.ReleaseAll(ctx, o.Meta.CheckoutID); err != nil {
			return errors.Wrap(err, "release reservations")
		}
		o.StockState = StockReleased
	case StockCommitted:
		for _, it := range o.Items {
			if err := s.stock.Restock(ctx, it.ProductID, it.VariantID, it.Quantity); err != nil {
				return errors.Wrapf(err, "restock %s", it.Name)
			}
		}
		o.StockState = StockRestocked
	}
	return nil
}

// persistError reports a failure after money already moved as an
// invariant violation.
func persistError(err error, moved bool, action string) error {
	if moved {
		return apperr.Wrap(apperr.Invariant, err, action+" after refund")
	}
	return errors.Wrap(err, action)
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

func cancelReason(note string) string {
	if note == "" {
		return "order cancelled"
	}
	return note
}
