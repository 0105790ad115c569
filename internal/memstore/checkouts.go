package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

// Checkouts is the checkout attempt view.
type Checkouts struct{ s *Store }

var _ checkout.Repository = Checkouts{}

// Checkouts returns the checkout attempt view.
func (s *Store) Checkouts() Checkouts { return Checkouts{s: s} }

func (r Checkouts) Begin(_ context.Context, a *checkout.Attempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.attempts {
		if cur.CartID == a.CartID && cur.Status == checkout.StatusInProgress {
			return checkout.ErrInProgress
		}
		if a.IdempotencyKey != "" && cur.UserID == a.UserID && cur.IdempotencyKey == a.IdempotencyKey &&
			(cur.Status == checkout.StatusInProgress || cur.Status == checkout.StatusCommitted) {
			return checkout.ErrDuplicateKey
		}
	}
	r.s.attempts[a.ID] = cloneAttempt(*a)
	return nil
}

func (r Checkouts) Get(_ context.Context, id string) (*checkout.Attempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[id]
	if !ok {
		return nil, checkout.ErrNotFound
	}
	a = cloneAttempt(a)
	return &a, nil
}

// FindByKey prefers a committed or running attempt over failed ones and
// the newest among equals.
func (r Checkouts) FindByKey(_ context.Context, userID, key string) (*checkout.Attempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *checkout.Attempt
	rank := func(a checkout.Attempt) int {
		if a.Status == checkout.StatusCommitted || a.Status == checkout.StatusInProgress {
			return 1
		}
		return 0
	}
	for _, a := range r.s.attempts {
		if a.UserID != userID || a.IdempotencyKey != key {
			continue
		}
		if found == nil || rank(a) > rank(*found) ||
			(rank(a) == rank(*found) && a.CreatedAt.After(found.CreatedAt)) {
			cp := cloneAttempt(a)
			found = &cp
		}
	}
	if found == nil {
		return nil, checkout.ErrNotFound
	}
	return found, nil
}

func (r Checkouts) Save(_ context.Context, a *checkout.Attempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault(OpSaveAttempt); err != nil {
		return err
	}
	if _, ok := r.s.attempts[a.ID]; !ok {
		return checkout.ErrNotFound
	}
	r.s.attempts[a.ID] = cloneAttempt(*a)
	return nil
}

func (r Checkouts) Stale(_ context.Context, before time.Time, limit int) ([]checkout.Attempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []checkout.Attempt
	for _, a := range r.s.attempts {
		if (a.Status == checkout.StatusInProgress || a.Status == checkout.StatusFailed) && a.UpdatedAt.Before(before) {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Commit validates every precondition of the plan before it changes any
// state, so a failed commit leaves the store untouched.
func (r Checkouts) Commit(_ context.Context, plan checkout.CommitPlan) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpCommit); err != nil {
		return err
	}

	a := plan.Attempt
	cur, ok := s.attempts[a.ID]
	if !ok {
		return checkout.ErrNotFound
	}
	if cur.Status != checkout.StatusInProgress {
		return apperr.Errorf(apperr.Conflict, "checkout %s is %s", a.ID, cur.Status)
	}

	if err := s.checkCart(plan.Cart); err != nil {
		return err
	}
	if stored := s.carts[plan.Cart.ID]; stored.Status != cart.StatusActive {
		return cart.ErrVersionConflict
	}

	var held []int
	for i, res := range s.reservations {
		if res.CheckoutID != a.ID {
			continue
		}
		if res.Status != inventory.ReservationHeld {
			return checkout.ErrReservationLapsed
		}
		held = append(held, i)
	}
	if len(held) == 0 {
		return checkout.ErrReservationLapsed
	}
	need := make(map[stockKey]int)
	for _, i := range held {
		res := s.reservations[i]
		need[stockKey{res.ProductID, res.VariantID}] += res.Quantity
	}
	for k, n := range need {
		st, ok := s.stock[k]
		if !ok || st.Reserved < n || st.Quantity < n {
			return inventory.ErrUnderflow
		}
	}

	var redeem []coupon.Redemption
	for _, red := range plan.Redemptions {
		code := coupon.NormalizeCode(red.Code)
		if s.redeemed(a.ID, code) {
			continue
		}
		cp, ok := s.coupons[code]
		if !ok {
			return coupon.ErrNotFound
		}
		if cp.UsageLimit > 0 && cp.Used >= cp.UsageLimit {
			return coupon.ErrUsageLimitReached
		}
		if cp.PerUserLimit > 0 && s.userUsage(code, red.UserID) >= cp.PerUserLimit {
			return coupon.ErrPerUserLimitReached
		}
		red.Code = code
		redeem = append(redeem, red)
	}

	for _, o := range plan.Orders {
		if err := s.checkOrder(o); err != nil {
			return err
		}
	}

	now := s.now()
	for _, i := range held {
		res := &s.reservations[i]
		res.Status = inventory.ReservationCommitted
		res.UpdatedAt = now
	}
	for k, n := range need {
		st := s.stock[k]
		st.Reserved -= n
		st.Quantity -= n
		st.UpdatedAt = now
	}
	for _, red := range redeem {
		cp := s.coupons[red.Code]
		cp.Used++
		s.coupons[red.Code] = cp
		s.redemptions = append(s.redemptions, red)
	}
	for _, o := range plan.Orders {
		s.putOrder(o, plan.Events[o.ID])
	}
	plan.Cart.Version++
	s.carts[plan.Cart.ID] = cloneCart(*plan.Cart)
	s.attempts[a.ID] = cloneAttempt(*a)
	return nil
}

func (s *Store) redeemed(checkoutID, code string) bool {
	for _, r := range s.redemptions {
		if r.CheckoutID == checkoutID && r.Code == code {
			return true
		}
	}
	return false
}
