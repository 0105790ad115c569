package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// Products is the catalog view.
type Products struct{ s *Store }

var _ product.Repository = Products{}

// Products returns the catalog view.
func (s *Store) Products() Products { return Products{s: s} }

// Put adds or replaces a product.
func (p Products) Put(prod product.Product) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.products[prod.ID] = prod
}

func (p Products) GetByID(_ context.Context, id string) (*product.Product, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	prod, ok := p.s.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &prod, nil
}

func (p Products) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if prod, ok := p.s.products[id]; ok {
			out = append(out, prod)
		}
	}
	return out, nil
}

// Inventory is the stock view.
type Inventory struct{ s *Store }

var _ inventory.Repository = Inventory{}

// Inventory returns the stock view.
func (s *Store) Inventory() Inventory { return Inventory{s: s} }

// SetStock sets the owned quantity of a product or variant.
func (v Inventory) SetStock(productID, variantID string, qty int) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	k := stockKey{productID, variantID}
	st, ok := v.s.stock[k]
	if !ok {
		st = &inventory.Stock{ProductID: productID, VariantID: variantID}
		v.s.stock[k] = st
	}
	st.Quantity = qty
	st.UpdatedAt = v.s.now()
}

func (v Inventory) Availability(_ context.Context, productID, variantID string) (inventory.Stock, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	st, ok := v.s.stock[stockKey{productID, variantID}]
	if !ok {
		return inventory.Stock{}, inventory.ErrStockNotFound
	}
	return *st, nil
}

func (v Inventory) Reserve(_ context.Context, checkoutID string, line inventory.Line) (inventory.Reservation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.fault(OpReserve); err != nil {
		return inventory.Reservation{}, err
	}
	st, ok := v.s.stock[stockKey{line.ProductID, line.VariantID}]
	if !ok {
		return inventory.Reservation{}, &inventory.InsufficientStockError{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Name:      line.Name,
			Requested: line.Quantity,
		}
	}
	if err := st.Reserve(line.Quantity); err != nil {
		return inventory.Reservation{}, err
	}
	now := v.s.now()
	st.UpdatedAt = now
	r := inventory.Reservation{
		ID:         uuid.NewString(),
		CheckoutID: checkoutID,
		ProductID:  line.ProductID,
		VariantID:  line.VariantID,
		Quantity:   line.Quantity,
		Status:     inventory.ReservationHeld,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	v.s.reservations = append(v.s.reservations, r)
	return r, nil
}

func (v Inventory) ReleaseCheckout(_ context.Context, checkoutID string) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if err := v.s.fault(OpRelease); err != nil {
		return 0, err
	}
	n, now := 0, v.s.now()
	for i := range v.s.reservations {
		r := &v.s.reservations[i]
		if r.CheckoutID != checkoutID || r.Status != inventory.ReservationHeld {
			continue
		}
		if st, ok := v.s.stock[stockKey{r.ProductID, r.VariantID}]; ok {
			st.Release(r.Quantity)
			st.UpdatedAt = now
		}
		r.Status = inventory.ReservationReleased
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (v Inventory) Reservations(_ context.Context, checkoutID string) ([]inventory.Reservation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []inventory.Reservation
	for _, r := range v.s.reservations {
		if r.CheckoutID == checkoutID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v Inventory) StaleReservations(_ context.Context, before time.Time, limit int) ([]inventory.Reservation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []inventory.Reservation
	for _, r := range v.s.reservations {
		if r.Status == inventory.ReservationHeld && r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v Inventory) AddStock(_ context.Context, productID, variantID string, qty int) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	k := stockKey{productID, variantID}
	st, ok := v.s.stock[k]
	if !ok {
		st = &inventory.Stock{ProductID: productID, VariantID: variantID}
		v.s.stock[k] = st
	}
	if err := st.Add(qty); err != nil {
		return err
	}
	st.UpdatedAt = v.s.now()
	return nil
}

// Coupons is the coupon view.
type Coupons struct{ s *Store }

var _ coupon.Repository = Coupons{}

// Coupons returns the coupon view.
func (s *Store) Coupons() Coupons { return Coupons{s: s} }

func (c Coupons) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cp, ok := c.s.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp = cloneCoupon(cp)
	return &cp, nil
}

func (c Coupons) UserUsage(_ context.Context, code, userID string) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.userUsage(coupon.NormalizeCode(code), userID), nil
}

func (s *Store) userUsage(code, userID string) int {
	n := 0
	for _, r := range s.redemptions {
		if r.Code == code && r.UserID == userID {
			n++
		}
	}
	return n
}

func (c Coupons) Create(_ context.Context, cp *coupon.Coupon) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	code := coupon.NormalizeCode(cp.Code)
	if _, ok := c.s.coupons[code]; ok {
		return coupon.ErrCodeTaken
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Code = code
	c.s.coupons[code] = cloneCoupon(*cp)
	return nil
}

func (c Coupons) Update(_ context.Context, cp *coupon.Coupon) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	code := coupon.NormalizeCode(cp.Code)
	cur, ok := c.s.coupons[code]
	if !ok {
		return coupon.ErrNotFound
	}
	next := cloneCoupon(*cp)
	// Usage is owned by redemptions.
	next.Used = cur.Used
	c.s.coupons[code] = next
	return nil
}

// Redemptions lists recorded coupon redemptions.
func (c Coupons) Redemptions() []coupon.Redemption {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return append([]coupon.Redemption(nil), c.s.redemptions...)
}
