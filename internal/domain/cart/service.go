package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// maxSaveAttempts bounds optimistic retries of one cart mutation.
const maxSaveAttempts = 3

// StockChecker reports current availability for the soft check on add.
type StockChecker interface {
	Availability(ctx context.Context, productID, variantID string) (inventory.Stock, error)
}

// CouponEvaluator resolves and evaluates coupons.
type CouponEvaluator interface {
	Lookup(ctx context.Context, code string) (*coupon.Coupon, error)
	Evaluate(ctx context.Context, c *coupon.Coupon, userID string, basket coupon.Basket) (coupon.Discount, error)
}

// AddItemRequest describes an item to add.
type AddItemRequest struct {
	ProductID      string
	VariantID      string
	Quantity       int
	Customizations map[string]string
}

// Service implements cart operations on top of a Repository.
type Service struct {
	carts    Repository
	products product.Repository
	stock    StockChecker
	coupons  CouponEvaluator
	pricing  pricing.Calculator
	now      func() time.Time
}

// NewService creates a Service with the given collaborators.
func NewService(
	carts Repository,
	products product.Repository,
	stock StockChecker,
	coupons CouponEvaluator,
	calc pricing.Calculator,
) *Service {
	return &Service{
		carts:    carts,
		products: products,
		stock:    stock,
		coupons:  coupons,
		pricing:  calc,
		now:      time.Now,
	}
}

// Get returns the user's active cart, creating an empty one on first access.
func (s *Service) Get(ctx context.Context, userID string) (*Cart, error) {
	if userID == "" {
		return nil, apperr.New(apperr.Validation, "user id is required")
	}
	c, err := s.carts.Active(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "get active cart")
	}

	c = New(userID, s.now())
	if err := s.carts.Create(ctx, c); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Lost a creation race; the winner's cart is the active one.
			return s.carts.Active(ctx, userID)
		}
		return nil, errors.Wrap(err, "create cart")
	}
	return c, nil
}

// AddItem adds a product to the cart, merging with an existing line of the
// same product and variant.
func (s *Service) AddItem(ctx context.Context, userID string, req AddItemRequest) (*Cart, error) {
	if req.ProductID == "" {
		return nil, apperr.New(apperr.Validation, "product id is required")
	}
	if req.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	p, err := s.products.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, apperr.Errorf(apperr.Validation, "%s is not available for purchase", p.Name)
	}
	price, ok := p.PriceFor(req.VariantID)
	if !ok {
		return nil, apperr.Errorf(apperr.Validation, "%s has no such variant", p.Name)
	}

	return s.mutate(ctx, userID, func(c *Cart) error {
		want := req.Quantity
		for _, it := range c.Items {
			if it.ProductID == req.ProductID && it.VariantID == req.VariantID {
				want += it.Quantity
			}
		}
		if err := s.checkStock(ctx, p, req.VariantID, want); err != nil {
			return err
		}
		_, err := c.AddItem(Item{
			ProductID:      p.ID,
			VariantID:      req.VariantID,
			StoreID:        p.StoreID,
			Name:           p.Name,
			UnitPrice:      price,
			Quantity:       req.Quantity,
			Customizations: req.Customizations,
		}, s.now())
		return err
	})
}

// UpdateQuantity sets the quantity of a line.
func (s *Service) UpdateQuantity(ctx context.Context, userID, itemID string, qty int) (*Cart, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, func(c *Cart) error {
		it, ok := c.Item(itemID)
		if !ok {
			return ErrItemNotFound
		}
		if qty > it.Quantity {
			p, err := s.products.GetByID(ctx, it.ProductID)
			if err != nil {
				return err
			}
			if err := s.checkStock(ctx, p, it.VariantID, qty); err != nil {
				return err
			}
		}
		return c.UpdateQuantity(itemID, qty)
	})
}

// RemoveItem deletes a line.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		return c.RemoveItem(itemID)
	})
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, userID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		c.Clear()
		return nil
	})
}

// ApplyCoupon validates code against the cart and records its discount.
// Applying a code again replaces its entry.
func (s *Service) ApplyCoupon(ctx context.Context, userID, code string) (*Cart, coupon.Discount, error) {
	cp, err := s.coupons.Lookup(ctx, code)
	if err != nil {
		return nil, coupon.Discount{}, err
	}

	var applied coupon.Discount
	c, err := s.mutate(ctx, userID, func(c *Cart) error {
		if len(c.Items) == 0 {
			return ErrEmpty
		}
		// Shipping from the previous recalculation feeds free shipping.
		d, err := s.coupons.Evaluate(ctx, cp, userID, c.Basket(c.Totals.Shipping))
		if err != nil {
			return err
		}
		c.ApplyCoupon(d, s.now())
		return nil
	})
	if err != nil {
		return nil, coupon.Discount{}, err
	}
	for _, a := range c.Coupons {
		if a.Code == cp.Code {
			applied = coupon.Discount{Code: a.Code, Type: a.Type, Amount: a.Amount}
		}
	}
	return c, applied, nil
}

// RemoveCoupon drops a code from the cart.
func (s *Service) RemoveCoupon(ctx context.Context, userID, code string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		return c.RemoveCoupon(code)
	})
}

// Recalculate refreshes line prices from the catalog and recomputes totals.
func (s *Service) Recalculate(ctx context.Context, userID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		return s.Reprice(ctx, c)
	})
}

// SaveForLater parks the active cart. The next access creates a new one.
func (s *Service) SaveForLater(ctx context.Context, userID string) (*Cart, error) {
	c, err := s.carts.Active(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.Status = StatusSaved
	c.UpdatedAt = s.now()
	if err := s.carts.Save(ctx, c); err != nil {
		return nil, errors.Wrap(err, "save cart")
	}
	return c, nil
}

// Reprice updates every line's unit price snapshot from the catalog and
// fails when a product is no longer sellable. It does not persist c.
func (s *Service) Reprice(ctx context.Context, c *Cart) error {
	if len(c.Items) == 0 {
		return s.Totals(ctx, c)
	}
	ids := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "get products")
	}
	idx := product.Index(products)

	for i := range c.Items {
		it := &c.Items[i]
		p, ok := idx[it.ProductID]
		if !ok || !p.Active() {
			name := it.Name
			if ok {
				name = p.Name
			}
			return apperr.Errorf(apperr.Validation, "%s is no longer available", name)
		}
		price, ok := p.PriceFor(it.VariantID)
		if !ok {
			return apperr.Errorf(apperr.Validation, "%s variant is no longer available", p.Name)
		}
		it.UnitPrice = price
		it.StoreID = p.StoreID
		it.Name = p.Name
	}
	return s.Totals(ctx, c)
}

// Totals recomputes c's totals, dropping coupons that no longer apply.
func (s *Service) Totals(ctx context.Context, c *Cart) error {
	// First pass quotes shipping so that free shipping is evaluated on it.
	if err := c.Recalculate(s.pricing, nil); err != nil {
		return err
	}
	shipping := c.Totals.Shipping

	var (
		defs []*coupon.Coupon
		kept []AppliedCoupon
	)
	for _, a := range c.Coupons {
		cp, err := s.coupons.Lookup(ctx, a.Code)
		if err != nil {
			if errors.Is(err, coupon.ErrNotFound) {
				continue
			}
			return err
		}
		if _, err := s.coupons.Evaluate(ctx, cp, c.UserID, c.Basket(shipping)); err != nil {
			var ineligible *coupon.IneligibleError
			if errors.As(err, &ineligible) {
				continue
			}
			return err
		}
		defs = append(defs, cp)
		kept = append(kept, a)
	}
	c.Coupons = kept
	return c.Recalculate(s.pricing, defs)
}

func (s *Service) checkStock(ctx context.Context, p *product.Product, variantID string, want int) error {
	st, err := s.stock.Availability(ctx, p.ID, variantID)
	if err != nil {
		if errors.Is(err, inventory.ErrStockNotFound) {
			return &inventory.InsufficientStockError{ProductID: p.ID, VariantID: variantID, Name: p.Name, Requested: want}
		}
		return errors.Wrap(err, "check stock")
	}
	if st.Available() < want {
		return &inventory.InsufficientStockError{
			ProductID: p.ID,
			VariantID: variantID,
			Name:      p.Name,
			Requested: want,
			Available: st.Available(),
		}
	}
	return nil
}

// mutate loads the active cart, applies fn, recomputes totals and saves,
// retrying when another writer saved in between.
func (s *Service) mutate(ctx context.Context, userID string, fn func(c *Cart) error) (*Cart, error) {
	for attempt := 1; ; attempt++ {
		c, err := s.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := c.Editable(); err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		if err := s.Totals(ctx, c); err != nil {
			return nil, err
		}
		c.UpdatedAt = s.now()

		err = s.carts.Save(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxSaveAttempts {
			return nil, errors.Wrap(err, "save cart")
		}
	}
}
