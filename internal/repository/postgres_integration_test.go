//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/notify"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kart",
				"POSTGRES_PASSWORD": "kart",
				"POSTGRES_DB":       "kart",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)

	pool, err := NewPool(ctx, "postgres://kart:kart@"+endpoint+"/kart?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

type pgHarness struct {
	products  *ProductRepository
	inventory *InventoryRepository
	coupons   *CouponRepository
	carts     *CartRepository
	wallets   *WalletRepository
	orders    *OrderRepository
	checkouts *CheckoutRepository
	outbox    *OutboxRepository

	cartSvc *cart.Service
	ledger  *wallet.Ledger
	saga    *checkout.Saga
}

func newPGHarness(t *testing.T) *pgHarness {
	t.Helper()
	ctx := context.Background()
	pool := startPostgres(t)

	h := &pgHarness{
		products:  NewProductRepository(pool),
		inventory: NewInventoryRepository(pool),
		coupons:   NewCouponRepository(pool),
		carts:     NewCartRepository(pool),
		wallets:   NewWalletRepository(pool),
		orders:    NewOrderRepository(pool),
		checkouts: NewCheckoutRepository(pool),
		outbox:    NewOutboxRepository(pool),
	}
	require.NoError(t, h.products.Upsert(ctx, product.Product{
		ID: "p1", StoreID: "s1", Name: "Mug", Price: d("10"), Status: product.StatusActive,
	}))
	require.NoError(t, h.products.Upsert(ctx, product.Product{
		ID: "p2", StoreID: "s2", Name: "Shirt", Price: d("5"), Status: product.StatusActive,
		Variants: []product.Variant{{ID: "xl", Name: "XL", Price: d("6")}},
	}))
	require.NoError(t, h.inventory.SetStock(ctx, "p1", "", 10))
	require.NoError(t, h.inventory.SetStock(ctx, "p2", "xl", 10))

	calc := pricing.Flat{TaxRate: d("0.08")}
	inv := inventory.NewService(h.inventory)
	h.cartSvc = cart.NewService(h.carts, h.products, inv, coupon.NewValidator(h.coupons), calc)
	h.ledger = wallet.NewLedger(h.wallets, wallet.Defaults{})

	payments := payment.NewRegistry()
	payments.Register(payment.NewWalletSettler(h.ledger), payment.MethodWallet)

	h.saga = checkout.New(checkout.Deps{
		Carts:    h.carts,
		Pricer:   h.cartSvc,
		Stock:    inv,
		Orders:   h.orders,
		Payments: payments,
		Attempts: h.checkouts,
		Pricing:  calc,
	}, checkout.Config{})
	return h
}

func TestPostgres_Checkout(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	require.NoError(t, coupon.NewAdmin(h.coupons).Create(ctx, &coupon.Coupon{
		Code: "save10", Type: coupon.DiscountPercentage, Value: d("10"), UsageLimit: 1,
	}))
	_, err := h.ledger.Credit(ctx, "u1", d("100"), wallet.Entry{Description: "top up"})
	require.NoError(t, err)

	_, err = h.cartSvc.AddItem(ctx, "u1", cart.AddItemRequest{ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	_, err = h.cartSvc.AddItem(ctx, "u1", cart.AddItemRequest{ProductID: "p2", VariantID: "xl", Quantity: 1})
	require.NoError(t, err)
	_, _, err = h.cartSvc.ApplyCoupon(ctx, "u1", "SAVE10")
	require.NoError(t, err)

	res, err := h.saga.Checkout(ctx, checkout.Request{
		UserID:          "u1",
		IdempotencyKey:  "k1",
		PaymentMethod:   payment.MethodWallet,
		ShippingAddress: order.Address{Name: "Ann", Line1: "1 Main St", City: "Springfield", Country: "US"},
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.True(t, d("25.27").Equal(res.Total), "26.00 less 2.60 plus 8 percent tax, got %s", res.Total)

	w, err := h.ledger.Wallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d("74.73").Equal(w.Balance))
	require.NoError(t, h.ledger.Reconcile(ctx, "u1"))

	st, err := h.inventory.Availability(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 8, st.Quantity)
	assert.Zero(t, st.Reserved)
	st, err = h.inventory.Availability(ctx, "p2", "xl")
	require.NoError(t, err)
	assert.Equal(t, 9, st.Quantity)

	cp, err := h.coupons.FindByCode(ctx, "save10")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Used)

	for _, o := range res.Orders {
		stored, err := h.orders.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusConfirmed, stored.Status)
		assert.Equal(t, int64(2), stored.Version)
		assert.Equal(t, "1 Main St", stored.ShippingAddress.Line1)
		require.Len(t, stored.Events, 1)
	}

	msgs, err := h.outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NoError(t, h.outbox.MarkSent(ctx, []int64{msgs[0].ID, msgs[1].ID}, time.Now()))
	msgs, err = h.outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	again, err := h.saga.Checkout(ctx, checkout.Request{
		UserID:         "u1",
		IdempotencyKey: "k1",
		PaymentMethod:  payment.MethodWallet,
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.CheckoutID, again.CheckoutID)
}

func TestPostgres_ConcurrentRefundsPayOnce(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	_, err := h.ledger.Credit(ctx, "u1", d("50"), wallet.Entry{Description: "top up"})
	require.NoError(t, err)
	_, err = h.cartSvc.AddItem(ctx, "u1", cart.AddItemRequest{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	res, err := h.saga.Checkout(ctx, checkout.Request{
		UserID:          "u1",
		PaymentMethod:   payment.MethodWallet,
		ShippingAddress: order.Address{Name: "Ann", Line1: "1 Main St", City: "Springfield", Country: "US"},
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	placed := res.Orders[0]

	payments := payment.NewRegistry()
	payments.Register(payment.NewWalletSettler(h.ledger), payment.MethodWallet)
	svc := order.NewService(h.orders, inventory.NewService(h.inventory), payments)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ProcessRefund(ctx, placed.ID, order.RefundRequest{Amount: placed.Totals.Total, Method: order.RefundWallet})
		}()
	}
	wg.Wait()

	stored, err := h.orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	require.Len(t, stored.Refunds, 1)
	assert.Equal(t, payment.StatusRefunded, stored.Payment.Status)

	w, err := h.ledger.Wallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d("50").Equal(w.Balance), "balance %s", w.Balance)
	require.NoError(t, h.ledger.Reconcile(ctx, "u1"))
}

func TestPostgres_CommitRollsBackOnLapsedReservation(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	c := cart.New("u2", time.Now())
	require.NoError(t, h.carts.Create(ctx, c))
	a := &checkout.Attempt{
		ID: "chk-1", UserID: "u2", CartID: c.ID, Status: checkout.StatusInProgress,
		PaymentMethod: payment.MethodWallet, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, h.checkouts.Begin(ctx, a))
	require.ErrorIs(t, h.checkouts.Begin(ctx, &checkout.Attempt{
		ID: "chk-2", UserID: "u2", CartID: c.ID, Status: checkout.StatusInProgress,
		PaymentMethod: payment.MethodWallet, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}), checkout.ErrInProgress)

	_, err := h.inventory.Reserve(ctx, a.ID, inventory.Line{ProductID: "p1", Quantity: 4})
	require.NoError(t, err)
	n, err := h.inventory.ReleaseCheckout(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := *a
	done.Status = checkout.StatusCommitted
	cc := *c
	cc.Status = cart.StatusCompleted
	err = h.checkouts.Commit(ctx, checkout.CommitPlan{Attempt: &done, Cart: &cc})
	require.ErrorIs(t, err, checkout.ErrReservationLapsed)

	stored, err := h.carts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.StatusActive, stored.Status, "cart write was rolled back")
	got, err := h.checkouts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusInProgress, got.Status)

	st, err := h.inventory.Availability(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 10, st.Quantity)
	assert.Zero(t, st.Reserved)
}

func TestPostgres_ReserveInsufficient(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	_, err := h.inventory.Reserve(ctx, "chk", inventory.Line{ProductID: "p1", Name: "Mug", Quantity: 11})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 10, insufficient.Available)

	_, err = h.inventory.Reserve(ctx, "chk", inventory.Line{ProductID: "missing", Quantity: 1})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

func TestPostgres_WalletHolds(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	_, err := h.ledger.Credit(ctx, "u3", d("50"), wallet.Entry{})
	require.NoError(t, err)
	hold, err := h.ledger.Hold(ctx, "u3", d("20"), wallet.Entry{Reference: "order-1"}, time.Hour)
	require.NoError(t, err)

	w, err := h.ledger.Wallet(ctx, "u3")
	require.NoError(t, err)
	assert.True(t, d("30").Equal(w.Available()))

	_, err = h.ledger.CaptureHold(ctx, hold.ID, d("15"))
	require.NoError(t, err)
	require.ErrorIs(t, h.ledger.ReleaseHold(ctx, hold.ID), wallet.ErrHoldNotPending)

	w, err = h.ledger.Wallet(ctx, "u3")
	require.NoError(t, err)
	assert.True(t, d("35").Equal(w.Balance))
	assert.True(t, w.PendingDebit.IsZero())
	require.NoError(t, h.ledger.Reconcile(ctx, "u3"))

	_, err = h.ledger.Transfer(ctx, "u3", "u4", d("5"), "gift")
	require.ErrorIs(t, err, wallet.ErrNotFound)
	_, err = h.ledger.Wallet(ctx, "u4")
	require.NoError(t, err)
	_, err = h.ledger.Transfer(ctx, "u3", "u4", d("5"), "gift")
	require.NoError(t, err)
	txs, err := h.ledger.Transactions(ctx, "u3", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, wallet.TxTransferOut, txs[1].Type, "latest entries, oldest first")
}

var _ notify.Store = (*OutboxRepository)(nil)
