package checkout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/idempotency"
	"github.com/xenking/kart-checkout/internal/memstore"
	"github.com/xenking/kart-checkout/internal/notify"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- Mock implementations ---

type fakeGateway struct {
	mu      sync.Mutex
	decline bool
	fee     decimal.Decimal
	charges []payment.Charge
	refunds []string
}

func (g *fakeGateway) Charge(_ context.Context, c payment.Charge) (payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decline {
		return payment.GatewayResult{Message: "card declined"}, nil
	}
	g.charges = append(g.charges, c)
	return payment.GatewayResult{Success: true, TransactionID: c.Reference, Fee: g.fee}, nil
}

func (g *fakeGateway) Refund(_ context.Context, txID string, _ decimal.Decimal) (payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, txID)
	return payment.GatewayResult{Success: true, TransactionID: "RFD-" + txID}, nil
}

type harness struct {
	deps    checkout.Deps
	store   *memstore.Store
	carts   *cart.Service
	ledger  *wallet.Ledger
	gateway *fakeGateway
	saga    *checkout.Saga
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	st.Products().Put(product.Product{ID: "p1", StoreID: "s1", Name: "Mug", Price: d("10"), Status: product.StatusActive})
	st.Products().Put(product.Product{ID: "p2", StoreID: "s2", Name: "Shirt", Price: d("5"), Status: product.StatusActive})
	st.Inventory().SetStock("p1", "", 10)
	st.Inventory().SetStock("p2", "", 10)

	calc := pricing.Flat{TaxRate: d("0.08")}
	inv := inventory.NewService(st.Inventory())
	carts := cart.NewService(st.Carts(), st.Products(), inv, coupon.NewValidator(st.Coupons()), calc)
	ledger := wallet.NewLedger(st.Wallets(), wallet.Defaults{})
	gw := &fakeGateway{}

	payments := payment.NewRegistry()
	payments.Register(payment.NewWalletSettler(ledger), payment.MethodWallet)
	payments.Register(payment.NewGatewaySettler(gw, time.Second), payment.MethodCard)

	deps := checkout.Deps{
		Carts:    st.Carts(),
		Pricer:   carts,
		Stock:    inv,
		Orders:   st.Orders(),
		Payments: payments,
		Attempts: st.Checkouts(),
		Pricing:  calc,
		Keys:     idempotency.NewMemoryStore(time.Hour),
	}
	return &harness{
		deps:    deps,
		store:   st,
		carts:   carts,
		ledger:  ledger,
		gateway: gw,
		saga:    checkout.New(deps, checkout.Config{}),
	}
}

func (h *harness) add(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	_, err := h.carts.AddItem(context.Background(), userID, cart.AddItemRequest{ProductID: productID, Quantity: qty})
	require.NoError(t, err)
}

func (h *harness) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), userID, d(amount), wallet.Entry{Description: "top up"})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := h.ledger.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (h *harness) stock(t *testing.T, productID string) inventory.Stock {
	t.Helper()
	s, err := h.store.Inventory().Availability(context.Background(), productID, "")
	require.NoError(t, err)
	return s
}

func (h *harness) attempt(t *testing.T, userID, key string) *checkout.Attempt {
	t.Helper()
	a, err := h.store.Checkouts().FindByKey(context.Background(), userID, key)
	require.NoError(t, err)
	return a
}

func (h *harness) assertRolledBack(t *testing.T, a *checkout.Attempt) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		assert.Zero(t, h.stock(t, id).Reserved, "reservations of %s are released", id)
		assert.Equal(t, 10, h.stock(t, id).Quantity)
	}

	c, err := h.store.Carts().Active(ctx, a.UserID)
	require.NoError(t, err, "cart stays active")
	assert.NotEmpty(t, c.Items)

	orders, err := h.store.Orders().ListByCheckout(ctx, a.ID)
	require.NoError(t, err)
	for _, o := range orders {
		assert.Equal(t, order.StatusCancelled, o.Status)
		assert.NotEqual(t, payment.StatusPending, o.Payment.Status, "no order is left payable")
		assert.Equal(t, order.StockReleased, o.StockState)
	}
}

func TestSaga_WalletCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 3)

	res, err := h.saga.Checkout(ctx, checkout.Request{
		UserID:          "u1",
		PaymentMethod:   payment.MethodWallet,
		ShippingAddress: order.Address{Name: "Ann", Line1: "1 Main St", City: "Springfield", Country: "US"},
	})
	require.NoError(t, err)

	assert.True(t, d("32.40").Equal(res.Total), "30.00 plus 8 percent tax")
	assert.Equal(t, payment.StatusCompleted, res.PaymentStatus)
	assert.Regexp(t, `^WAL-`, res.TransactionID)
	require.Len(t, res.Orders, 1)

	o := res.Orders[0]
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, "s1", o.StoreID)
	assert.Equal(t, order.StockCommitted, o.StockState)
	assert.NotNil(t, o.Payment.PaidAt)
	assert.Equal(t, "1 Main St", o.BillingAddress.Line1, "billing defaults to shipping")
	require.Len(t, o.Events, 1)
	assert.Equal(t, order.StatusPending, o.Events[0].From)

	assert.True(t, d("67.60").Equal(h.balance(t, "u1")))
	assert.Equal(t, inventory.Stock{ProductID: "p1", Quantity: 7}, withoutTime(h.stock(t, "p1")))

	_, err = h.store.Carts().Active(ctx, "u1")
	require.ErrorIs(t, err, cart.ErrNotFound, "cart is completed")

	stored, err := h.store.Orders().Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, stored.Status)

	msgs := h.store.Outbox().Messages()
	require.Len(t, msgs, 1)
	ev, err := notify.DecodeOrderEvent(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "order.confirmed", ev.Type)
	assert.Equal(t, o.ID, ev.OrderID)
}

func withoutTime(s inventory.Stock) inventory.Stock {
	s.UpdatedAt = time.Time{}
	return s
}

func TestSaga_SplitsOrdersByStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Coupons().Create(ctx, &coupon.Coupon{
		Code:   "SAVE10",
		Type:   coupon.DiscountFixed,
		Value:  d("10"),
		Status: coupon.StatusActive,
	}))
	h.gateway.fee = d("0.90")
	h.add(t, "u1", "p1", 2)
	h.add(t, "u1", "p2", 2)
	_, _, err := h.carts.ApplyCoupon(ctx, "u1", "SAVE10")
	require.NoError(t, err)

	preview, err := h.saga.Preview(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, preview.Groups, 2)
	assert.True(t, d("21.60").Equal(preview.Total))

	res, err := h.saga.Checkout(ctx, checkout.Request{UserID: "u1", PaymentMethod: payment.MethodCard})
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.True(t, d("21.60").Equal(res.Total))

	byStore := map[string]order.Order{}
	sum := decimal.Zero
	for _, o := range res.Orders {
		byStore[o.StoreID] = o
		sum = sum.Add(o.Totals.Total)
		assert.Equal(t, res.TransactionID, o.Payment.TransactionID)
		assert.Equal(t, []string{"SAVE10"}, o.Meta.CouponCodes)
	}
	assert.True(t, sum.Equal(res.Total), "order totals add up to the charged amount")

	s1, s2 := byStore["s1"], byStore["s2"]
	assert.True(t, d("6.67").Equal(s1.Totals.Discount))
	assert.True(t, d("3.33").Equal(s2.Totals.Discount))
	assert.True(t, d("14.40").Equal(s1.Totals.Total))
	assert.True(t, d("7.20").Equal(s2.Totals.Total))
	assert.True(t, d("0.60").Equal(s1.Payment.Fee))
	assert.True(t, d("0.30").Equal(s2.Payment.Fee))

	require.Len(t, h.gateway.charges, 1, "one charge for the whole cart")
	assert.True(t, d("21.60").Equal(h.gateway.charges[0].Amount))

	cp, err := h.store.Coupons().FindByCode(ctx, "save10")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Used)
	reds := h.store.Coupons().Redemptions()
	require.Len(t, reds, 1)
	assert.Equal(t, res.CheckoutID, reds[0].CheckoutID)
	assert.Len(t, reds[0].OrderIDs, 2)
}

func TestSaga_SettlementFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.decline = true
	h.add(t, "u1", "p1", 3)
	h.add(t, "u1", "p2", 1)

	_, err := h.saga.Checkout(ctx, checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodCard,
	})
	require.ErrorIs(t, err, payment.ErrDeclined)
	assert.Equal(t, apperr.External, apperr.KindOf(err))

	a := h.attempt(t, "u1", "k1")
	assert.Equal(t, checkout.StatusCompensated, a.Status)
	assert.Equal(t, checkout.StageSettle, a.Stage)
	assert.NotEmpty(t, a.Error)
	require.Len(t, a.OrderIDs, 2)

	h.assertRolledBack(t, a)
	assert.Empty(t, h.gateway.refunds, "nothing was charged")
	assert.Empty(t, h.store.Outbox().Messages(), "pending orders are not announced")
}

func TestSaga_CreateOrdersFailureReleasesStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 2)
	h.add(t, "u1", "p2", 1)
	h.store.Fail(memstore.OpCreateOrders, errors.New("connection reset"))

	before, err := h.store.Carts().Active(ctx, "u1")
	require.NoError(t, err)

	_, err = h.saga.Checkout(ctx, checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodWallet,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	a := h.attempt(t, "u1", "k1")
	assert.Equal(t, checkout.StatusCompensated, a.Status)
	assert.Equal(t, checkout.StageCreateOrders, a.Stage)

	h.assertRolledBack(t, a)
	c, err := h.store.Carts().Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, cart.StatusActive, c.Status)
	require.Len(t, c.Items, len(before.Items))
	for i, it := range before.Items {
		assert.Equal(t, it.ProductID, c.Items[i].ProductID)
		assert.Equal(t, it.Quantity, c.Items[i].Quantity)
	}

	orders, err := h.store.Orders().ListByCheckout(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.True(t, d("100").Equal(h.balance(t, "u1")), "nothing was charged")
	assert.Empty(t, h.store.Outbox().Messages())
}

func TestSaga_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "10")
	h.add(t, "u1", "p1", 3)

	_, err := h.saga.Checkout(context.Background(), checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodWallet,
	})
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	assert.True(t, d("10").Equal(h.balance(t, "u1")))
	h.assertRolledBack(t, h.attempt(t, "u1", "k1"))
}

func TestSaga_CommitFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 3)
	h.store.Fail(memstore.OpCommit, errors.New("disk full"))

	_, err := h.saga.Checkout(context.Background(), checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodWallet,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	a := h.attempt(t, "u1", "k1")
	assert.Equal(t, checkout.StatusCompensated, a.Status)
	assert.Equal(t, payment.StatusRefunded, a.PaymentStatus)
	assert.True(t, d("100").Equal(h.balance(t, "u1")), "debit is refunded")
	h.assertRolledBack(t, a)

	txs, err := h.ledger.Transactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, wallet.TxRefund, txs[2].Type)
	require.NoError(t, h.ledger.Reconcile(context.Background(), "u1"))
}

// racingPricer saves the cart behind the saga's back right after it was
// loaded.
type racingPricer struct {
	checkout.CartPricer
	carts memstore.Carts
}

func (p racingPricer) Reprice(ctx context.Context, c *cart.Cart) error {
	if err := p.CartPricer.Reprice(ctx, c); err != nil {
		return err
	}
	cur, err := p.carts.Active(ctx, c.UserID)
	if err != nil {
		return err
	}
	return p.carts.Save(ctx, cur)
}

func TestSaga_CartChangedDuringCheckout(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 1)

	deps := h.deps
	deps.Pricer = racingPricer{CartPricer: h.deps.Pricer, carts: h.store.Carts()}
	saga := checkout.New(deps, checkout.Config{})

	_, err := saga.Checkout(context.Background(), checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodWallet,
	})
	require.ErrorIs(t, err, checkout.ErrCartChanged)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	assert.True(t, d("100").Equal(h.balance(t, "u1")), "debit is refunded")
	h.assertRolledBack(t, h.attempt(t, "u1", "k1"))
}

func TestSaga_CompensationFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.decline = true
	h.add(t, "u1", "p1", 2)
	h.store.Fail(memstore.OpRelease, errors.New("connection reset"))

	_, err := h.saga.Checkout(ctx, checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodCard,
	})
	var cerr *checkout.CompensationError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, checkout.ErrCompensation)
	assert.ErrorIs(t, err, payment.ErrDeclined)
	assert.Equal(t, apperr.Invariant, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "connection reset")

	a := h.attempt(t, "u1", "k1")
	assert.Equal(t, checkout.StatusFailed, a.Status)
	assert.Equal(t, 2, h.stock(t, "p1").Reserved, "reservation is still held")

	n, err := h.saga.RecoverStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a = h.attempt(t, "u1", "k1")
	assert.Equal(t, checkout.StatusCompensated, a.Status)
	h.assertRolledBack(t, a)
}

func TestSaga_RecoverStaleRefundsSettledPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 1)

	c, err := h.store.Carts().Active(ctx, "u1")
	require.NoError(t, err)

	// Simulate a run that crashed right after settlement.
	a := &checkout.Attempt{
		ID:             uuid.NewString(),
		UserID:         "u1",
		CartID:         c.ID,
		IdempotencyKey: "crashed",
		Status:         checkout.StatusInProgress,
		Stage:          checkout.StageSettle,
		PaymentMethod:  payment.MethodWallet,
		Total:          d("10.80"),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.store.Checkouts().Begin(ctx, a))
	_, err = h.store.Inventory().Reserve(ctx, a.ID, inventory.Line{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	tx, err := h.ledger.Debit(ctx, "u1", a.Total, wallet.Entry{Description: "checkout"})
	require.NoError(t, err)
	a.TransactionID = tx.ID
	a.PaymentStatus = payment.StatusCompleted
	require.NoError(t, h.store.Checkouts().Save(ctx, a))

	n, err := h.saga.RecoverStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a = h.attempt(t, "u1", "crashed")
	assert.Equal(t, checkout.StatusCompensated, a.Status)
	assert.Equal(t, payment.StatusRefunded, a.PaymentStatus)
	assert.True(t, d("100").Equal(h.balance(t, "u1")))
	assert.Zero(t, h.stock(t, "p1").Reserved)

	n, err = h.saga.RecoverStale(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "compensated attempts are not recovered twice")
	assert.True(t, d("100").Equal(h.balance(t, "u1")))
}

func TestSaga_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 1)

	req := checkout.Request{UserID: "u1", IdempotencyKey: "k1", PaymentMethod: payment.MethodWallet}
	first, err := h.saga.Checkout(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	h.add(t, "u1", "p2", 1)
	second, err := h.saga.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.CheckoutID, second.CheckoutID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	require.Len(t, second.Orders, 1)
	assert.Equal(t, first.Orders[0].ID, second.Orders[0].ID)

	assert.True(t, d("89.20").Equal(h.balance(t, "u1")), "charged once")
	c, err := h.store.Carts().Active(ctx, "u1")
	require.NoError(t, err, "the new cart is untouched")
	assert.Len(t, c.Items, 1)
}

func TestSaga_FailedKeyCanBeRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.decline = true
	h.add(t, "u1", "p1", 1)

	req := checkout.Request{UserID: "u1", IdempotencyKey: "k1", PaymentMethod: payment.MethodCard}
	_, err := h.saga.Checkout(ctx, req)
	require.ErrorIs(t, err, payment.ErrDeclined)

	h.gateway.decline = false
	res, err := h.saga.Checkout(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, checkout.StatusCommitted, h.attempt(t, "u1", "k1").Status)
}

func TestSaga_ConcurrentRequestsWithOneKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p1", 1)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		replayed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.saga.Checkout(ctx, checkout.Request{UserID: "u1", IdempotencyKey: "same", PaymentMethod: payment.MethodWallet})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Replayed:
				replayed++
			case err == nil:
				fresh++
			default:
				assert.ErrorIs(t, err, checkout.ErrInProgress)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.True(t, d("89.20").Equal(h.balance(t, "u1")), "charged once")
	assert.Equal(t, 9, h.stock(t, "p1").Quantity)
}

func TestSaga_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.saga.Checkout(ctx, checkout.Request{UserID: "u1", PaymentMethod: payment.MethodWallet})
	require.ErrorIs(t, err, cart.ErrEmpty)

	h.add(t, "u1", "p1", 1)
	_, err = h.saga.Checkout(ctx, checkout.Request{UserID: "u1", PaymentMethod: payment.MethodPayPal})
	require.ErrorIs(t, err, payment.ErrUnsupportedMethod)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = h.saga.Checkout(ctx, checkout.Request{PaymentMethod: payment.MethodWallet})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestSaga_OutOfStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "u1", "100")
	h.add(t, "u1", "p2", 1)
	h.add(t, "u1", "p1", 3)
	h.store.Inventory().SetStock("p1", "", 2)

	_, err := h.saga.Checkout(ctx, checkout.Request{UserID: "u1", IdempotencyKey: "k1", PaymentMethod: payment.MethodWallet})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Contains(t, err.Error(), "Mug")

	a := h.attempt(t, "u1", "k1")
	assert.Equal(t, checkout.StageReserve, a.Stage)
	assert.Empty(t, a.OrderIDs)
	assert.Zero(t, h.stock(t, "p2").Reserved)
	assert.True(t, d("100").Equal(h.balance(t, "u1")))
}

func TestSaga_ExhaustedCouponIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Coupons().Create(ctx, &coupon.Coupon{
		Code:       "ONCE",
		Type:       coupon.DiscountFixed,
		Value:      d("5"),
		Status:     coupon.StatusActive,
		UsageLimit: 1,
	}))
	h.fund(t, "u1", "100")
	h.fund(t, "u2", "100")
	for _, u := range []string{"u1", "u2"} {
		h.add(t, u, "p1", 1)
		_, _, err := h.carts.ApplyCoupon(ctx, u, "ONCE")
		require.NoError(t, err)
	}

	first, err := h.saga.Checkout(ctx, checkout.Request{UserID: "u1", PaymentMethod: payment.MethodWallet})
	require.NoError(t, err)
	assert.True(t, d("5.40").Equal(first.Total))

	second, err := h.saga.Checkout(ctx, checkout.Request{UserID: "u2", PaymentMethod: payment.MethodWallet})
	require.NoError(t, err)
	assert.True(t, d("10.80").Equal(second.Total), "the used up coupon no longer applies")
	assert.Empty(t, second.Orders[0].Meta.CouponCodes)
}

func TestSaga_ReleaseOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Inventory().Reserve(ctx, "ghost", inventory.Line{ProductID: "p1", Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, h.stock(t, "p1").Reserved)

	n, err := h.saga.ReleaseOrphans(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.stock(t, "p1").Reserved)
}
