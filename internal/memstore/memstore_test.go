package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	s := New()
	s.SetClock(func() time.Time { return testNow })
	return s
}

func TestCheckouts_Begin(t *testing.T) {
	ctx := context.Background()
	r := newTestStore().Checkouts()

	a := &checkout.Attempt{ID: "a1", UserID: "u1", CartID: "c1", IdempotencyKey: "k", Status: checkout.StatusInProgress}
	require.NoError(t, r.Begin(ctx, a))

	require.ErrorIs(t, r.Begin(ctx, &checkout.Attempt{ID: "a2", UserID: "u1", CartID: "c1", Status: checkout.StatusInProgress}),
		checkout.ErrInProgress)
	require.ErrorIs(t, r.Begin(ctx, &checkout.Attempt{ID: "a3", UserID: "u1", CartID: "c2", IdempotencyKey: "k", Status: checkout.StatusInProgress}),
		checkout.ErrDuplicateKey)

	a.Status = checkout.StatusCompensated
	require.NoError(t, r.Save(ctx, a))
	require.NoError(t, r.Begin(ctx, &checkout.Attempt{ID: "a4", UserID: "u1", CartID: "c1", IdempotencyKey: "k", Status: checkout.StatusInProgress, CreatedAt: testNow}),
		"a compensated key may be reused")

	found, err := r.FindByKey(ctx, "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, "a4", found.ID)
}

// seedCommit prepares a store with one in-progress checkout holding two
// units of p1 and a coupon limited to one use.
func seedCommit(t *testing.T) (*Store, checkout.CommitPlan) {
	t.Helper()
	ctx := context.Background()
	s := newTestStore()
	s.Inventory().SetStock("p1", "", 5)
	require.NoError(t, s.Coupons().Create(ctx, &coupon.Coupon{Code: "once", UsageLimit: 1}))

	c := cart.New("u1", testNow)
	require.NoError(t, s.Carts().Create(ctx, c))

	a := &checkout.Attempt{ID: "a1", UserID: "u1", CartID: c.ID, Status: checkout.StatusInProgress}
	require.NoError(t, s.Checkouts().Begin(ctx, a))
	_, err := s.Inventory().Reserve(ctx, a.ID, inventory.Line{ProductID: "p1", Quantity: 2})
	require.NoError(t, err)

	o := &order.Order{ID: "o1", UserID: "u1", Status: order.StatusPending, Meta: order.Metadata{CheckoutID: a.ID}}
	require.NoError(t, s.Orders().CreateBatch(ctx, []*order.Order{o}))

	confirmed := *o
	ev, err := confirmed.Transition(order.StatusConfirmed, "system", "", testNow)
	require.NoError(t, err)

	done := *a
	done.Status = checkout.StatusCommitted
	cc := *c
	cc.Status = cart.StatusCompleted

	return s, checkout.CommitPlan{
		Attempt:     &done,
		Orders:      []*order.Order{&confirmed},
		Events:      map[string][]order.Event{"o1": {ev}},
		Redemptions: []coupon.Redemption{{Code: "ONCE", UserID: "u1", CheckoutID: "a1", Amount: decimal.NewFromInt(1)}},
		Cart:        &cc,
	}
}

func TestCheckouts_Commit(t *testing.T) {
	ctx := context.Background()
	s, plan := seedCommit(t)

	require.NoError(t, s.Checkouts().Commit(ctx, plan))

	st, err := s.Inventory().Availability(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Quantity)
	assert.Zero(t, st.Reserved)

	res, err := s.Inventory().Reservations(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationCommitted, res[0].Status)

	cp, err := s.Coupons().FindByCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Used)

	o, err := s.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, int64(2), o.Version)
	assert.Len(t, s.Outbox().Messages(), 1)

	a, err := s.Checkouts().Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusCommitted, a.Status)

	_, err = s.Carts().Active(ctx, "u1")
	require.ErrorIs(t, err, cart.ErrNotFound)
}

func TestCheckouts_CommitIsAllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T, s *Store, plan *checkout.CommitPlan)
		wantErr error
	}{
		{
			name: "reservation released",
			mutate: func(t *testing.T, s *Store, _ *checkout.CommitPlan) {
				_, err := s.Inventory().ReleaseCheckout(context.Background(), "a1")
				require.NoError(t, err)
			},
			wantErr: checkout.ErrReservationLapsed,
		},
		{
			name: "cart changed",
			mutate: func(_ *testing.T, _ *Store, plan *checkout.CommitPlan) {
				plan.Cart.Version--
			},
			wantErr: cart.ErrVersionConflict,
		},
		{
			name: "coupon used up",
			mutate: func(t *testing.T, s *Store, _ *checkout.CommitPlan) {
				s.mu.Lock()
				cp := s.coupons["ONCE"]
				cp.Used = 1
				s.coupons["ONCE"] = cp
				s.mu.Unlock()
			},
			wantErr: coupon.ErrUsageLimitReached,
		},
		{
			name: "order changed",
			mutate: func(_ *testing.T, _ *Store, plan *checkout.CommitPlan) {
				plan.Orders[0].Version = 7
			},
			wantErr: order.ErrVersionConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, plan := seedCommit(t)
			tt.mutate(t, s, &plan)

			require.ErrorIs(t, s.Checkouts().Commit(ctx, plan), tt.wantErr)

			o, err := s.Orders().Get(ctx, "o1")
			require.NoError(t, err)
			assert.Equal(t, order.StatusPending, o.Status)
			assert.Empty(t, s.Outbox().Messages())
			assert.Empty(t, s.Coupons().Redemptions())
			a, err := s.Checkouts().Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, checkout.StatusInProgress, a.Status)
			_, err = s.Carts().Active(ctx, "u1")
			require.NoError(t, err)
		})
	}
}

func TestFail(t *testing.T) {
	s := newTestStore()
	boom := assert.AnError
	s.Fail(OpRelease, boom)

	_, err := s.Inventory().ReleaseCheckout(context.Background(), "x")
	require.ErrorIs(t, err, boom)
	_, err = s.Inventory().ReleaseCheckout(context.Background(), "x")
	require.NoError(t, err, "faults fire once")
}

func TestOrders_UpdateWithSerializes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Orders().CreateBatch(ctx, []*order.Order{{ID: "o1", Status: order.StatusConfirmed}}))

	var (
		wg      sync.WaitGroup
		running atomic.Int32
		overlap atomic.Bool
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Orders().UpdateWith(ctx, "o1", func(o *order.Order) ([]order.Event, error) {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				defer running.Add(-1)
				time.Sleep(time.Millisecond)
				o.Notes += "x"
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	o, err := s.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxx", o.Notes)
	assert.Equal(t, int64(9), o.Version)
}

func TestOrders_UpdateWithErrorKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Orders().CreateBatch(ctx, []*order.Order{{ID: "o1", Status: order.StatusConfirmed}}))

	_, err := s.Orders().UpdateWith(ctx, "o1", func(o *order.Order) ([]order.Event, error) {
		o.Status = order.StatusCancelled
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	o, err := s.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, int64(1), o.Version)

	_, err = s.Orders().UpdateWith(ctx, "missing", func(*order.Order) ([]order.Event, error) { return nil, nil })
	require.ErrorIs(t, err, order.ErrNotFound)
}
