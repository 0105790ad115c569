package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/notify"
)

// Orders is the order view.
type Orders struct{ s *Store }

var _ order.Repository = Orders{}

// Orders returns the order view.
func (s *Store) Orders() Orders { return Orders{s: s} }

func (r Orders) CreateBatch(_ context.Context, orders []*order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault(OpCreateOrders); err != nil {
		return err
	}
	for _, o := range orders {
		if _, ok := r.s.orders[o.ID]; ok {
			return apperr.Errorf(apperr.Conflict, "order %s already exists", o.ID)
		}
	}
	for _, o := range orders {
		o.Version = 1
		r.s.orders[o.ID] = cloneOrder(*o)
		r.s.orderSeq = append(r.s.orderSeq, o.ID)
	}
	return nil
}

func (r Orders) Get(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (r Orders) ListByUser(_ context.Context, userID string, limit int) ([]order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []order.Order
	for i := len(r.s.orderSeq) - 1; i >= 0; i-- {
		o := r.s.orders[r.s.orderSeq[i]]
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r Orders) ListByCheckout(_ context.Context, checkoutID string) ([]order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []order.Order
	for _, id := range r.s.orderSeq {
		o := r.s.orders[id]
		if o.Meta.CheckoutID == checkoutID {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (r Orders) Update(_ context.Context, o *order.Order, events []order.Event) error {
	held := r.s.orderLock(o.ID)
	held.Lock()
	defer held.Unlock()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault(OpUpdateOrder); err != nil {
		return err
	}
	if err := r.s.checkOrder(o); err != nil {
		return err
	}
	r.s.putOrder(o, events)
	return nil
}

// UpdateWith runs fn on a copy of the order while holding the order's lock
// but not the store mutex, so fn may call other views.
func (r Orders) UpdateWith(ctx context.Context, id string, fn func(o *order.Order) ([]order.Event, error)) (*order.Order, error) {
	held := r.s.orderLock(id)
	held.Lock()
	defer held.Unlock()

	o, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := fn(o)
	if err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault(OpUpdateOrder); err != nil {
		return nil, err
	}
	if err := r.s.checkOrder(o); err != nil {
		return nil, err
	}
	r.s.putOrder(o, events)
	return o, nil
}

func (s *Store) orderLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.orderLocks[id]
	if !ok {
		l = new(sync.Mutex)
		s.orderLocks[id] = l
	}
	return l
}

func (s *Store) checkOrder(o *order.Order) error {
	cur, ok := s.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	if cur.Version != o.Version {
		return order.ErrVersionConflict
	}
	return nil
}

// putOrder stores o with a bumped version and writes its events to the
// outbox. Callers hold s.mu and have checked the version.
func (s *Store) putOrder(o *order.Order, events []order.Event) {
	o.Version++
	s.orders[o.ID] = cloneOrder(*o)
	for _, ev := range events {
		s.enqueue(notify.NewOrderMessage(o, ev))
	}
}
