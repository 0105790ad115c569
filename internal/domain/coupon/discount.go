package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Item is a basket line as seen by the discount engine.
type Item struct {
	ProductID string
	VariantID string
	StoreID   string
	UnitPrice decimal.Decimal
	Quantity  int
}

// LineTotal returns unit price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Basket is the cart content a coupon is evaluated against.
type Basket struct {
	Items    []Item
	Shipping decimal.Decimal
}

// Subtotal returns the sum of line totals.
func (b Basket) Subtotal() decimal.Decimal {
	return calcSubtotal(b.Items)
}

// Quantity returns the total number of units.
func (b Basket) Quantity() int {
	total := 0
	for _, item := range b.Items {
		total += item.Quantity
	}
	return total
}

// AppliedItem is the share of a discount attributed to one line.
type AppliedItem struct {
	ProductID string
	Quantity  int
	Amount    decimal.Decimal
}

// Discount is the computed reduction for one coupon.
type Discount struct {
	Code   string
	Type   DiscountType
	Amount decimal.Decimal
	Items  []AppliedItem
}

// Calculate computes the discount a coupon grants on a basket. Eligibility
// is not checked here; see CheckEligibility. The amount is rounded to cents.
func Calculate(c *Coupon, b Basket) (Discount, error) {
	var (
		amount decimal.Decimal
		items  []AppliedItem
	)
	scoped := c.scope(b.Items)

	switch c.Type {
	case DiscountPercentage:
		amount, items = c.applyPercentage(scoped)
	case DiscountFixed:
		amount = decimal.Min(c.Value, calcSubtotal(scoped))
	case DiscountFreeShipping:
		amount = b.Shipping
	case DiscountBuyXGetY:
		amount, items = c.applyBuyXGetY(scoped)
	default:
		return Discount{}, errors.Errorf("unsupported discount type: %q", c.Type)
	}

	return Discount{
		Code:   c.Code,
		Type:   c.Type,
		Amount: floorAtZero(amount).Round(2),
		Items:  items,
	}, nil
}

// scope narrows the basket to the coupon's store when it has one.
func (c *Coupon) scope(items []Item) []Item {
	if c.StoreID == "" {
		return items
	}
	var out []Item
	for _, item := range items {
		if item.StoreID == c.StoreID {
			out = append(out, item)
		}
	}
	return out
}

func (c *Coupon) applyPercentage(items []Item) (decimal.Decimal, []AppliedItem) {
	var (
		base    decimal.Decimal
		applied []AppliedItem
	)
	if c.ApplyTo == ApplyToSpecificProducts {
		for _, item := range items {
			if !c.appliesToProduct(item.ProductID) {
				continue
			}
			line := item.LineTotal()
			base = base.Add(line)
			applied = append(applied, AppliedItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Amount:    line.Mul(c.Value).Div(hundred).Round(2),
			})
		}
	} else {
		base = calcSubtotal(items)
	}

	amount := base.Mul(c.Value).Div(hundred)
	if c.MaxDiscountAmount.IsPositive() {
		amount = decimal.Min(amount, c.MaxDiscountAmount)
	}
	return amount, applied
}

func (c *Coupon) applyBuyXGetY(items []Item) (decimal.Decimal, []AppliedItem) {
	if c.BuyQuantity <= 0 {
		return zero, nil
	}

	amount := zero
	var applied []AppliedItem
	for _, item := range items {
		if !c.appliesToProduct(item.ProductID) {
			continue
		}
		sets := item.Quantity / c.BuyQuantity
		free := min(sets*c.GetQuantity, item.Quantity)
		if free == 0 {
			continue
		}

		units := decimal.NewFromInt(int64(free))
		var line decimal.Decimal
		switch c.GetDiscountType {
		case GetPercentage:
			line = units.Mul(item.UnitPrice).Mul(c.GetDiscountValue).Div(hundred)
		case GetFixed:
			line = units.Mul(decimal.Min(c.GetDiscountValue, item.UnitPrice))
		default:
			line = units.Mul(item.UnitPrice)
		}

		amount = amount.Add(line)
		applied = append(applied, AppliedItem{
			ProductID: item.ProductID,
			Quantity:  free,
			Amount:    line.Round(2),
		})
	}
	return amount, applied
}

// calcSubtotal returns the sum of price * quantity across all items.
func calcSubtotal(items []Item) decimal.Decimal {
	sum := zero
	for _, item := range items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
