package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// CartSource loads the user's active cart.
type CartSource interface {
	Active(ctx context.Context, userID string) (*cart.Cart, error)
}

// CartPricer refreshes price snapshots and totals of a cart.
type CartPricer interface {
	Reprice(ctx context.Context, c *cart.Cart) error
}

// Stock reserves inventory for a checkout.
type Stock interface {
	ReserveAll(ctx context.Context, checkoutID string, lines []inventory.Line) ([]inventory.Reservation, error)
	ReleaseAll(ctx context.Context, checkoutID string) (int, error)
	StaleReservations(ctx context.Context, before time.Time, limit int) ([]inventory.Reservation, error)
}

// Payments settles and refunds checkout payments.
type Payments interface {
	payment.Settler
	Supports(m payment.Method) bool
}

// KeyStore is a shared fast path for idempotency keys. Keys are scoped by
// user.
type KeyStore interface {
	// Lock claims key. It reports false when the key is already claimed.
	Lock(ctx context.Context, scope, key string) (bool, error)
	// Remember maps a claimed key to the checkout that used it.
	Remember(ctx context.Context, scope, key, checkoutID string) error
	// Recall returns the checkout remembered for key.
	Recall(ctx context.Context, scope, key string) (string, bool, error)
	// Unlock frees a key whose checkout failed so it can be retried.
	Unlock(ctx context.Context, scope, key string) error
}

// Deps are the collaborators of a Saga. Keys, Metrics and Tracer are
// optional.
type Deps struct {
	Carts    CartSource
	Pricer   CartPricer
	Stock    Stock
	Orders   order.Repository
	Payments Payments
	Attempts Repository
	Pricing  pricing.Calculator
	Keys     KeyStore
	Metrics  *Metrics
	Tracer   trace.TracerProvider
}

// Config tunes a Saga.
type Config struct {
	Currency              string
	DefaultShippingMethod string
}

// Saga runs checkouts.
type Saga struct {
	carts    CartSource
	pricer   CartPricer
	stock    Stock
	orders   order.Repository
	payments Payments
	attempts Repository
	pricing  pricing.Calculator
	keys     KeyStore
	metrics  *Metrics
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
}

// New creates a Saga.
func New(deps Deps, cfg Config) *Saga {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.DefaultShippingMethod == "" {
		cfg.DefaultShippingMethod = pricing.MethodStandard
	}
	tp := deps.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Saga{
		carts:    deps.Carts,
		pricer:   deps.Pricer,
		stock:    deps.Stock,
		orders:   deps.Orders,
		payments: deps.Payments,
		attempts: deps.Attempts,
		pricing:  deps.Pricing,
		keys:     deps.Keys,
		metrics:  deps.Metrics,
		tracer:   tp.Tracer("kart-checkout/checkout"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Preview prices the split of the user's active cart without side effects.
func (s *Saga) Preview(ctx context.Context, userID, shippingMethod string) (*Preview, error) {
	if shippingMethod == "" {
		shippingMethod = s.cfg.DefaultShippingMethod
	}
	c, err := s.loadCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := Split(c, s.pricing, shippingMethod)
	return &p, nil
}

// Checkout converts the user's active cart into one confirmed order per
// store and settles the payment. On failure every completed stage is
// compensated. A repeated request with the same idempotency key returns
// the result of the first successful one.
func (s *Saga) Checkout(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	res, err := s.checkout(ctx, req)
	if s.metrics != nil {
		s.metrics.observe(ctx, string(req.PaymentMethod), err, s.now().Sub(start))
	}
	return res, err
}

func (s *Saga) checkout(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, apperr.New(apperr.Validation, "user id is required")
	}
	if !s.payments.Supports(req.PaymentMethod) {
		return nil, apperr.Errorf(apperr.Validation, "%w: %q", payment.ErrUnsupportedMethod, req.PaymentMethod)
	}
	if req.ShippingMethod == "" {
		req.ShippingMethod = s.cfg.DefaultShippingMethod
	}
	if req.IdempotencyKey == "" {
		return s.run(ctx, req)
	}

	if res, ok, err := s.replay(ctx, req.UserID, req.IdempotencyKey); ok || err != nil {
		return res, err
	}
	if s.keys == nil {
		return s.runOnce(ctx, req)
	}

	locked, err := s.keys.Lock(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		// The attempts table still enforces key uniqueness.
		zctx.From(ctx).Warn("Idempotency store unavailable", zap.Error(err))
		return s.runOnce(ctx, req)
	}
	if !locked {
		if res, ok, err := s.replay(ctx, req.UserID, req.IdempotencyKey); ok || err != nil {
			return res, err
		}
		return nil, ErrInProgress
	}

	res, err := s.runOnce(ctx, req)
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if uerr := s.keys.Unlock(ctx, req.UserID, req.IdempotencyKey); uerr != nil {
			zctx.From(ctx).Warn("Unlock idempotency key", zap.Error(uerr))
		}
		return nil, err
	}
	if err := s.keys.Remember(ctx, req.UserID, req.IdempotencyKey, res.CheckoutID); err != nil {
		zctx.From(ctx).Warn("Remember idempotency key", zap.Error(err))
	}
	return res, nil
}

// runOnce runs a keyed checkout and replays the winner when another request
// with the same key got there first.
func (s *Saga) runOnce(ctx context.Context, req Request) (*Result, error) {
	res, err := s.run(ctx, req)
	if errors.Is(err, ErrDuplicateKey) {
		if res, ok, rerr := s.replay(ctx, req.UserID, req.IdempotencyKey); ok || rerr != nil {
			return res, rerr
		}
	}
	return res, err
}

// replay looks up an earlier attempt with the same key. It reports false
// when there is none or when the earlier attempt failed and may be retried.
func (s *Saga) replay(ctx context.Context, userID, key string) (*Result, bool, error) {
	var (
		a   *Attempt
		err error
	)
	id := ""
	if s.keys != nil {
		if v, ok, kerr := s.keys.Recall(ctx, userID, key); kerr == nil && ok {
			id = v
		}
	}
	if id != "" {
		a, err = s.attempts.Get(ctx, id)
	} else {
		a, err = s.attempts.FindByKey(ctx, userID, key)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "find attempt")
	}
	if a.UserID != userID {
		return nil, false, nil
	}

	switch a.Status {
	case StatusCommitted:
		res, err := s.result(ctx, a)
		if err != nil {
			return nil, false, err
		}
		res.Replayed = true
		return res, true, nil
	case StatusInProgress:
		return nil, true, ErrInProgress
	default:
		return nil, false, nil
	}
}

func (s *Saga) result(ctx context.Context, a *Attempt) (*Result, error) {
	orders, err := s.orders.ListByCheckout(ctx, a.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return &Result{
		CheckoutID:    a.ID,
		Orders:        orders,
		Total:         a.Total,
		TransactionID: a.TransactionID,
		PaymentStatus: a.PaymentStatus,
	}, nil
}

func (s *Saga) loadCart(ctx context.Context, userID string) (*cart.Cart, error) {
	c, err := s.carts.Active(ctx, userID)
	if errors.Is(err, cart.ErrNotFound) {
		return nil, cart.ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	if len(c.Items) == 0 {
		return nil, cart.ErrEmpty
	}
	if err := s.pricer.Reprice(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Saga) run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Run", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("payment_method", string(req.PaymentMethod)),
	))
	defer span.End()

	c, err := s.loadCart(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	a := &Attempt{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		CartID:         c.ID,
		CartVersion:    c.Version,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusInProgress,
		Stage:          StageValidate,
		PaymentMethod:  req.PaymentMethod,
		Total:          c.Totals.Total,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.attempts.Begin(ctx, a); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("checkout_id", a.ID))
	ctx = zctx.With(ctx, zap.String("checkout_id", a.ID))
	lg := zctx.From(ctx)

	// The run completes or compensates even when the caller goes away.
	ctx = context.WithoutCancel(ctx)

	x := &execution{saga: s, attempt: a, cart: c, req: req}
	res, err := x.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, x.fail(ctx, err)
	}
	lg.Info("Checkout committed",
		zap.Int("orders", len(res.Orders)),
		zap.String("total", res.Total.StringFixed(2)),
	)
	return res, nil
}

type compensation struct {
	stage Stage
	fn    func(ctx context.Context) error
}

// execution is the state of one checkout run.
type execution struct {
	saga    *Saga
	attempt *Attempt
	cart    *cart.Cart
	req     Request
	preview Preview
	orders  []*order.Order
	settled payment.Result
	undo    []compensation
}

func (x *execution) onFailure(stage Stage, fn func(ctx context.Context) error) {
	x.undo = append(x.undo, compensation{stage: stage, fn: fn})
}

func (x *execution) execute(ctx context.Context) (*Result, error) {
	steps := []struct {
		stage Stage
		fn    func(ctx context.Context) error
	}{
		{StageReserve, x.reserve},
		{StageSplit, x.split},
		{StageCreateOrders, x.createOrders},
		{StageSettle, x.settle},
		{StageCommit, x.commit},
	}
	for _, step := range steps {
		if err := x.stage(ctx, step.stage, step.fn); err != nil {
			return nil, err
		}
	}

	res := &Result{
		CheckoutID:    x.attempt.ID,
		Orders:        make([]order.Order, 0, len(x.orders)),
		Total:         x.attempt.Total,
		TransactionID: x.attempt.TransactionID,
		PaymentStatus: x.attempt.PaymentStatus,
	}
	for _, o := range x.orders {
		res.Orders = append(res.Orders, *o)
	}
	return res, nil
}

func (x *execution) stage(ctx context.Context, st Stage, fn func(ctx context.Context) error) error {
	ctx, span := x.saga.tracer.Start(ctx, "checkout."+string(st))
	defer span.End()

	x.attempt.Stage = st
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (x *execution) save(ctx context.Context) error {
	x.attempt.UpdatedAt = x.saga.now()
	if err := x.saga.attempts.Save(ctx, x.attempt); err != nil {
		return errors.Wrap(err, "save attempt")
	}
	return nil
}

func (x *execution) reserve(ctx context.Context) error {
	x.onFailure(StageReserve, func(ctx context.Context) error {
		_, err := x.saga.stock.ReleaseAll(ctx, x.attempt.ID)
		return err
	})
	if err := x.save(ctx); err != nil {
		return err
	}

	lines := make([]inventory.Line, 0, len(x.cart.Items))
	for _, it := range x.cart.Items {
		lines = append(lines, inventory.Line{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
		})
	}
	_, err := x.saga.stock.ReserveAll(ctx, x.attempt.ID, lines)
	return err
}

func (x *execution) split(context.Context) error {
	x.preview = Split(x.cart, x.saga.pricing, x.req.ShippingMethod)
	if len(x.preview.Groups) == 0 {
		return cart.ErrEmpty
	}
	x.attempt.Total = x.preview.Total
	return nil
}

func (x *execution) createOrders(ctx context.Context) error {
	x.onFailure(StageCreateOrders, func(ctx context.Context) error {
		return x.saga.cancelOrders(ctx, x.attempt.ID, "checkout failed")
	})

	now := x.saga.now()
	billing := x.req.BillingAddress
	if billing == (order.Address{}) {
		billing = x.req.ShippingAddress
	}
	couponCodes := x.cart.CouponCodes()
	for _, g := range x.preview.Groups {
		o := &order.Order{
			ID:              uuid.NewString(),
			Number:          order.NewNumber(now),
			UserID:          x.attempt.UserID,
			StoreID:         g.StoreID,
			Status:          order.StatusPending,
			Items:           orderItems(g.Items),
			ShippingAddress: x.req.ShippingAddress,
			BillingAddress:  billing,
			Payment: order.Payment{
				Method: x.req.PaymentMethod,
				Status: payment.StatusPending,
			},
			Shipping: order.Shipping{
				Method: x.req.ShippingMethod,
				Cost:   g.Shipping,
			},
			Totals: order.Totals{
				Subtotal: g.Subtotal,
				Discount: g.Discount,
				Tax:      g.Tax,
				Shipping: g.Shipping,
				Total:    g.Total,
			},
			Meta: order.Metadata{
				CartID:      x.cart.ID,
				CheckoutID:  x.attempt.ID,
				CouponCodes: couponCodes,
			},
			StockState: order.StockReserved,
			Notes:      x.req.Notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		x.orders = append(x.orders, o)
		x.attempt.OrderIDs = append(x.attempt.OrderIDs, o.ID)
	}
	if err := x.saga.orders.CreateBatch(ctx, x.orders); err != nil {
		return errors.Wrap(err, "create orders")
	}
	return x.save(ctx)
}

func (x *execution) settle(ctx context.Context) error {
	x.onFailure(StageSettle, func(ctx context.Context) error {
		return x.saga.refundSettlement(ctx, x.attempt)
	})

	if !x.attempt.Total.IsPositive() {
		// Fully discounted carts have nothing to charge.
		x.settled = payment.Result{Status: payment.StatusCompleted}
	} else {
		res, err := x.saga.payments.Settle(ctx, payment.Request{
			CheckoutID:  x.attempt.ID,
			UserID:      x.attempt.UserID,
			Method:      x.req.PaymentMethod,
			Amount:      x.attempt.Total,
			Currency:    x.saga.cfg.Currency,
			Description: x.description(),
			Details:     x.req.PaymentDetails,
		})
		if err != nil {
			return err
		}
		x.settled = res
	}
	x.attempt.TransactionID = x.settled.TransactionID
	x.attempt.PaymentStatus = x.settled.Status
	return x.save(ctx)
}

func (x *execution) description() string {
	if len(x.orders) == 1 {
		return "Order " + x.orders[0].Number
	}
	d := "Orders"
	for i, o := range x.orders {
		if i > 0 {
			d += ","
		}
		d += " " + o.Number
	}
	return d
}

func (x *execution) commit(ctx context.Context) error {
	now := x.saga.now()
	a := x.attempt

	totals := make([]decimal.Decimal, len(x.orders))
	for i, o := range x.orders {
		totals[i] = o.Totals.Total
	}
	fees := Apportion(x.settled.Fee, totals)

	// Work on copies so that a failed commit leaves the run's view intact.
	orders := make([]*order.Order, len(x.orders))
	events := make(map[string][]order.Event, len(x.orders))
	for i, src := range x.orders {
		o := *src
		o.Events = append([]order.Event(nil), src.Events...)
		ev, err := o.Transition(order.StatusConfirmed, "system", "payment "+string(x.settled.Status), now)
		if err != nil {
			return err
		}
		o.Payment.Status = x.settled.Status
		o.Payment.TransactionID = x.settled.TransactionID
		o.Payment.Fee = fees[i]
		if x.settled.Status == payment.StatusCompleted {
			paid := now
			o.Payment.PaidAt = &paid
		}
		o.StockState = order.StockCommitted
		o.UpdatedAt = now
		orders[i] = &o
		events[o.ID] = []order.Event{ev}
	}

	redemptions := make([]coupon.Redemption, 0, len(x.cart.Coupons))
	for _, cp := range x.cart.Coupons {
		redemptions = append(redemptions, coupon.Redemption{
			Code:       cp.Code,
			UserID:     a.UserID,
			CheckoutID: a.ID,
			OrderIDs:   a.OrderIDs,
			Amount:     cp.Amount,
			RedeemedAt: now,
		})
	}

	c := *x.cart
	c.Status = cart.StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now

	done := *a
	done.Status = StatusCommitted
	done.UpdatedAt = now

	err := x.saga.attempts.Commit(ctx, CommitPlan{
		Attempt:     &done,
		Orders:      orders,
		Events:      events,
		Redemptions: redemptions,
		Cart:        &c,
	})
	switch {
	case errors.Is(err, cart.ErrVersionConflict):
		return ErrCartChanged
	case err != nil:
		return errors.Wrap(err, "commit")
	}

	*a = done
	*x.cart = c
	x.orders = orders
	return nil
}

// fail runs the registered compensations in reverse order and records the
// outcome on the attempt.
func (x *execution) fail(ctx context.Context, cause error) error {
	s := x.saga
	lg := zctx.From(ctx)

	var rollback error
	for i := len(x.undo) - 1; i >= 0; i-- {
		u := x.undo[i]
		if err := u.fn(ctx); err != nil {
			rollback = multierr.Append(rollback, errors.Wrapf(err, "compensate %s", u.stage))
		}
		if s.metrics != nil {
			s.metrics.compensated(ctx, u.stage)
		}
	}

	x.attempt.Error = cause.Error()
	x.attempt.Status = StatusCompensated
	if rollback != nil {
		x.attempt.Status = StatusFailed
	}
	if err := x.save(ctx); err != nil {
		rollback = multierr.Append(rollback, err)
	}

	if rollback != nil {
		lg.Error("Checkout compensation failed",
			zap.String("stage", string(x.attempt.Stage)),
			zap.NamedError("cause", cause),
			zap.Error(rollback),
		)
		return &CompensationError{Cause: cause, Rollback: rollback}
	}
	lg.Info("Checkout compensated",
		zap.String("stage", string(x.attempt.Stage)),
		zap.NamedError("cause", cause),
	)
	return cause
}

// cancelOrders cancels the pending orders of a checkout.
func (s *Saga) cancelOrders(ctx context.Context, checkoutID, reason string) error {
	orders, err := s.orders.ListByCheckout(ctx, checkoutID)
	if err != nil {
		return errors.Wrap(err, "list orders")
	}
	var errs error
	for i := range orders {
		o := &orders[i]
		if o.Status != order.StatusPending {
			continue
		}
		ev, err := o.Transition(order.StatusCancelled, "system", reason, s.now())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		o.Payment.Status = payment.StatusFailed
		o.StockState = order.StockReleased
		if err := s.orders.Update(ctx, o, []order.Event{ev}); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "cancel order %s", o.Number))
		}
	}
	return errs
}

// refundSettlement returns a completed payment of an attempt that did not
// commit.
func (s *Saga) refundSettlement(ctx context.Context, a *Attempt) error {
	if a.TransactionID == "" || a.PaymentStatus != payment.StatusCompleted {
		return nil
	}
	res, err := s.payments.Refund(ctx, payment.RefundRequest{
		UserID:        a.UserID,
		Method:        a.PaymentMethod,
		TransactionID: a.TransactionID,
		Amount:        a.Total,
		Currency:      s.cfg.Currency,
		Reason:        "checkout rolled back",
	})
	if err != nil {
		return errors.Wrapf(err, "refund %s", a.TransactionID)
	}
	a.PaymentStatus = payment.StatusRefunded
	zctx.From(ctx).Info("Checkout payment refunded",
		zap.String("transaction_id", a.TransactionID),
		zap.String("refund_id", res.TransactionID),
	)
	return nil
}

func orderItems(items []cart.Item) []order.Item {
	out := make([]order.Item, 0, len(items))
	for _, it := range items {
		out = append(out, order.Item{
			ProductID:      it.ProductID,
			VariantID:      it.VariantID,
			Name:           it.Name,
			UnitPrice:      it.UnitPrice,
			Quantity:       it.Quantity,
			Customizations: it.Customizations,
		})
	}
	return out
}
