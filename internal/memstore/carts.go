package memstore

import (
	"context"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

// Carts is the cart view.
type Carts struct{ s *Store }

var _ cart.Repository = Carts{}

// Carts returns the cart view.
func (s *Store) Carts() Carts { return Carts{s: s} }

func (c Carts) Active(_ context.Context, userID string) (*cart.Cart, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, v := range c.s.carts {
		if v.UserID == userID && v.Status == cart.StatusActive {
			out := cloneCart(v)
			return &out, nil
		}
	}
	return nil, cart.ErrNotFound
}

func (c Carts) Get(_ context.Context, id string) (*cart.Cart, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	v, ok := c.s.carts[id]
	if !ok {
		return nil, cart.ErrNotFound
	}
	out := cloneCart(v)
	return &out, nil
}

func (c Carts) Create(_ context.Context, v *cart.Cart) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if v.Status == cart.StatusActive {
		for _, cur := range c.s.carts {
			if cur.UserID == v.UserID && cur.Status == cart.StatusActive {
				return cart.ErrVersionConflict
			}
		}
	}
	c.s.carts[v.ID] = cloneCart(*v)
	return nil
}

func (c Carts) Save(_ context.Context, v *cart.Cart) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.fault(OpSaveCart); err != nil {
		return err
	}
	return c.s.saveCart(v)
}

// saveCart is the conditional write shared with Commit. Callers hold s.mu.
func (s *Store) saveCart(v *cart.Cart) error {
	if err := s.checkCart(v); err != nil {
		return err
	}
	v.Version++
	s.carts[v.ID] = cloneCart(*v)
	return nil
}

func (s *Store) checkCart(v *cart.Cart) error {
	cur, ok := s.carts[v.ID]
	if !ok {
		return cart.ErrNotFound
	}
	if cur.Version != v.Version {
		return cart.ErrVersionConflict
	}
	return nil
}

func (c Carts) MarkAbandoned(_ context.Context, idleSince time.Time) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	n, now := 0, c.s.now()
	for id, v := range c.s.carts {
		if v.Status != cart.StatusActive || !v.UpdatedAt.Before(idleSince) {
			continue
		}
		v.Status = cart.StatusAbandoned
		v.UpdatedAt = now
		v.Version++
		c.s.carts[id] = v
		n++
	}
	return n, nil
}
