// Package cart implements the shopping cart aggregate: line items, applied
// coupons and cached totals.
package cart

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Status is the lifecycle state of a cart.
type Status string

const (
	StatusActive    Status = "active"
	StatusSaved     Status = "saved"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusExpired   Status = "expired"
)

var (
	// ErrNotFound is returned when a user has no cart with the given id or status.
	ErrNotFound = apperr.New(apperr.NotFound, "cart not found")
	// ErrItemNotFound is returned for an unknown line id.
	ErrItemNotFound = apperr.New(apperr.NotFound, "cart item not found")
	// ErrCouponNotApplied is returned when removing a code that is not on the cart.
	ErrCouponNotApplied = apperr.New(apperr.NotFound, "coupon is not applied to this cart")
	// ErrInvalidQuantity is returned for quantities below one.
	ErrInvalidQuantity = apperr.New(apperr.Validation, "quantity must be at least 1")
	// ErrNotEditable is returned when mutating a cart that is no longer active.
	ErrNotEditable = apperr.New(apperr.Conflict, "cart is no longer active")
	// ErrEmpty is returned when checking out a cart without items.
	ErrEmpty = apperr.New(apperr.Validation, "cart is empty")
	// ErrVersionConflict is returned by Repository.Save when the stored
	// version differs from the one the cart was loaded with.
	ErrVersionConflict = apperr.New(apperr.Conflict, "cart was modified concurrently")
)

// Item is one cart line. UnitPrice is the price snapshot taken when the
// line was added or last repriced.
type Item struct {
	ID             string
	ProductID      string
	VariantID      string
	StoreID        string
	Name           string
	UnitPrice      decimal.Decimal
	Quantity       int
	Customizations map[string]string
	AddedAt        time.Time
}

// LineTotal returns unit price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// AppliedCoupon is a coupon entry on the cart. There is at most one entry
// per code.
type AppliedCoupon struct {
	Code      string
	Type      coupon.DiscountType
	Amount    decimal.Decimal
	AppliedAt time.Time
}

// Totals are the cached monetary totals of a cart.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Cart is owned by one user. Totals are derived from Items and Coupons by
// Recalculate. Version increases on every successful save.
type Cart struct {
	ID          string
	UserID      string
	Items       []Item
	Coupons     []AppliedCoupon
	Totals      Totals
	Status      Status
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// New returns an empty active cart for userID.
func New(userID string, now time.Time) *Cart {
	return &Cart{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Editable returns ErrNotEditable unless the cart is active.
func (c *Cart) Editable() error {
	if c.Status != StatusActive {
		return ErrNotEditable
	}
	return nil
}

// AddItem adds a line or, when the same product and variant is already in
// the cart, increments that line's quantity and refreshes its price.
func (c *Cart) AddItem(item Item, now time.Time) (Item, error) {
	if item.Quantity < 1 {
		return Item{}, ErrInvalidQuantity
	}
	for i := range c.Items {
		line := &c.Items[i]
		if line.ProductID != item.ProductID || line.VariantID != item.VariantID {
			continue
		}
		line.Quantity += item.Quantity
		line.UnitPrice = item.UnitPrice
		if len(item.Customizations) > 0 {
			line.Customizations = item.Customizations
		}
		return *line, nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.AddedAt = now
	c.Items = append(c.Items, item)
	return item, nil
}

// Item returns the line with the given id.
func (c *Cart) Item(itemID string) (Item, bool) {
	i := c.indexOf(itemID)
	if i < 0 {
		return Item{}, false
	}
	return c.Items[i], true
}

// UpdateQuantity sets the quantity of an existing line.
func (c *Cart) UpdateQuantity(itemID string, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	i := c.indexOf(itemID)
	if i < 0 {
		return ErrItemNotFound
	}
	c.Items[i].Quantity = qty
	return nil
}

// RemoveItem deletes a line.
func (c *Cart) RemoveItem(itemID string) error {
	i := c.indexOf(itemID)
	if i < 0 {
		return ErrItemNotFound
	}
	c.Items = slices.Delete(c.Items, i, i+1)
	return nil
}

// Clear removes all lines and coupons.
func (c *Cart) Clear() {
	c.Items = nil
	c.Coupons = nil
}

func (c *Cart) indexOf(itemID string) int {
	return slices.IndexFunc(c.Items, func(it Item) bool { return it.ID == itemID })
}

// ApplyCoupon records a discount, replacing any entry with the same code.
func (c *Cart) ApplyCoupon(d coupon.Discount, now time.Time) {
	entry := AppliedCoupon{Code: d.Code, Type: d.Type, Amount: d.Amount, AppliedAt: now}
	for i := range c.Coupons {
		if c.Coupons[i].Code == d.Code {
			c.Coupons[i] = entry
			return
		}
	}
	c.Coupons = append(c.Coupons, entry)
}

// RemoveCoupon drops the entry for code.
func (c *Cart) RemoveCoupon(code string) error {
	code = coupon.NormalizeCode(code)
	i := slices.IndexFunc(c.Coupons, func(a AppliedCoupon) bool { return a.Code == code })
	if i < 0 {
		return ErrCouponNotApplied
	}
	c.Coupons = slices.Delete(c.Coupons, i, i+1)
	return nil
}

// CouponCodes returns the applied codes in application order.
func (c *Cart) CouponCodes() []string {
	codes := make([]string, 0, len(c.Coupons))
	for _, a := range c.Coupons {
		codes = append(codes, a.Code)
	}
	return codes
}

// Basket converts the cart lines for the discount engine.
func (c *Cart) Basket(shipping decimal.Decimal) coupon.Basket {
	items := make([]coupon.Item, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, coupon.Item{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			StoreID:   it.StoreID,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}
	return coupon.Basket{Items: items, Shipping: shipping}
}

// StoreIDs returns the distinct stores of the cart lines in first-seen order.
func (c *Cart) StoreIDs() []string {
	var ids []string
	for _, it := range c.Items {
		if !slices.Contains(ids, it.StoreID) {
			ids = append(ids, it.StoreID)
		}
	}
	return ids
}

// Subtotal returns the sum of line totals.
func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range c.Items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// Recalculate recomputes all totals from the lines and applied coupons.
// defs must hold the definition of every applied code; entries without a
// definition are dropped. Shipping is quoted per store before discounts so
// that free shipping can see it.
func (c *Cart) Recalculate(calc pricing.Calculator, defs []*coupon.Coupon) error {
	subtotal := c.Subtotal()

	shipping := decimal.Zero
	for _, storeID := range c.StoreIDs() {
		units, storeSubtotal := 0, decimal.Zero
		for _, it := range c.Items {
			if it.StoreID == storeID {
				units += it.Quantity
				storeSubtotal = storeSubtotal.Add(it.LineTotal())
			}
		}
		shipping = shipping.Add(calc.Shipping(storeID, "", units, storeSubtotal))
	}

	basket := c.Basket(shipping)
	discount := decimal.Zero
	kept := c.Coupons[:0]
	for _, applied := range c.Coupons {
		i := slices.IndexFunc(defs, func(d *coupon.Coupon) bool { return d.Code == applied.Code })
		if i < 0 {
			continue
		}
		d, err := coupon.Calculate(defs[i], basket)
		if err != nil {
			return err
		}
		applied.Type = d.Type
		applied.Amount = d.Amount
		kept = append(kept, applied)
		discount = discount.Add(d.Amount)
	}
	c.Coupons = kept

	taxable := subtotal.Sub(discount)
	tax := calc.Tax("", taxable)
	total := subtotal.Sub(discount).Add(tax).Add(shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}

	c.Totals = Totals{
		Subtotal: subtotal.Round(2),
		Discount: discount.Round(2),
		Tax:      tax.Round(2),
		Shipping: shipping.Round(2),
		Total:    total.Round(2),
	}
	return nil
}

// Repository persists carts with optimistic concurrency.
type Repository interface {
	// Active returns the user's active cart or ErrNotFound.
	Active(ctx context.Context, userID string) (*Cart, error)
	Get(ctx context.Context, id string) (*Cart, error)
	// Create stores a new cart. Creating a second active cart for a user
	// fails with ErrVersionConflict.
	Create(ctx context.Context, c *Cart) error
	// Save writes c when the stored version equals c.Version and then
	// increments c.Version. Otherwise it returns ErrVersionConflict.
	Save(ctx context.Context, c *Cart) error
	// MarkAbandoned moves active carts untouched since idleSince to abandoned.
	MarkAbandoned(ctx context.Context, idleSince time.Time) (int, error)
}
