// Package memstore is an in-memory implementation of every repository the
// service needs. It backs the single-process dev mode and the saga tests.
// All views share one mutex, so a checkout commit is atomic.
package memstore

import (
	"slices"
	"sync"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/notify"
)

// Op names a store operation that can be made to fail.
type Op string

const (
	OpReserve        Op = "inventory.reserve"
	OpRelease        Op = "inventory.release"
	OpCreateOrders   Op = "orders.create"
	OpUpdateOrder    Op = "orders.update"
	OpSaveAttempt    Op = "checkout.save"
	OpCommit         Op = "checkout.commit"
	OpSaveCart       Op = "carts.save"
	OpUpdateWallet   Op = "wallets.update"
	OpFetchOutbox    Op = "outbox.fetch"
)

// Store holds all state.
type Store struct {
	mu sync.Mutex

	products     map[string]product.Product
	stock        map[stockKey]*inventory.Stock
	reservations []inventory.Reservation
	coupons      map[string]coupon.Coupon
	redemptions  []coupon.Redemption
	carts        map[string]cart.Cart
	wallets      map[string]wallet.Wallet
	walletOwner  map[string]string
	walletTxs    []wallet.Transaction
	orders       map[string]order.Order
	orderSeq     []string
	orderLocks   map[string]*sync.Mutex
	attempts     map[string]checkout.Attempt
	outbox       []notify.Message
	outboxSeq    int64

	faults map[Op][]error
	now    func() time.Time
}

type stockKey struct {
	productID string
	variantID string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		products:    make(map[string]product.Product),
		stock:       make(map[stockKey]*inventory.Stock),
		coupons:     make(map[string]coupon.Coupon),
		carts:       make(map[string]cart.Cart),
		wallets:     make(map[string]wallet.Wallet),
		walletOwner: make(map[string]string),
		orders:      make(map[string]order.Order),
		orderLocks:  make(map[string]*sync.Mutex),
		attempts:    make(map[string]checkout.Attempt),
		faults:      make(map[Op][]error),
		now:         time.Now,
	}
}

// SetClock replaces the clock used for timestamps the store assigns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail makes the next call of op return err. Repeated calls queue errors.
func (s *Store) Fail(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// fault pops an injected error. Callers hold s.mu.
func (s *Store) fault(op Op) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

func cloneCart(c cart.Cart) cart.Cart {
	c.Items = slices.Clone(c.Items)
	c.Coupons = slices.Clone(c.Coupons)
	return c
}

func cloneOrder(o order.Order) order.Order {
	o.Items = slices.Clone(o.Items)
	o.Events = slices.Clone(o.Events)
	o.Refunds = slices.Clone(o.Refunds)
	o.Meta.CouponCodes = slices.Clone(o.Meta.CouponCodes)
	return o
}

func cloneCoupon(c coupon.Coupon) coupon.Coupon {
	c.ProductIDs = slices.Clone(c.ProductIDs)
	c.EligibleUsers = slices.Clone(c.EligibleUsers)
	c.ExcludedUsers = slices.Clone(c.ExcludedUsers)
	return c
}

func cloneAttempt(a checkout.Attempt) checkout.Attempt {
	a.OrderIDs = slices.Clone(a.OrderIDs)
	return a
}
