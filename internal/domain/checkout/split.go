package checkout

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Group is one store's share of a cart.
type Group struct {
	StoreID  string
	Items    []cart.Item
	Quantity int
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Preview is the priced split of a cart. Totals are sums over the groups.
type Preview struct {
	CartID   string
	Groups   []Group
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Split groups cart lines by store in order of first appearance and prices
// every group on its own. The cart level discount is apportioned by each
// group's share of the subtotal; the last group takes the rounding
// remainder so the shares add up to the cart discount exactly.
func Split(c *cart.Cart, calc pricing.Calculator, shippingMethod string) Preview {
	var (
		groups []Group
		index  = make(map[string]int)
	)
	for _, it := range c.Items {
		i, ok := index[it.StoreID]
		if !ok {
			i = len(groups)
			index[it.StoreID] = i
			groups = append(groups, Group{StoreID: it.StoreID})
		}
		g := &groups[i]
		g.Items = append(g.Items, it)
		g.Quantity += it.Quantity
		g.Subtotal = g.Subtotal.Add(it.LineTotal())
	}

	subtotals := make([]decimal.Decimal, len(groups))
	for i := range groups {
		subtotals[i] = groups[i].Subtotal
	}
	shares := Apportion(c.Totals.Discount, subtotals)

	p := Preview{CartID: c.ID}
	for i := range groups {
		g := &groups[i]
		g.Subtotal = g.Subtotal.Round(2)
		g.Discount = shares[i]
		g.Tax = calc.Tax(g.StoreID, nonNegative(g.Subtotal.Sub(g.Discount))).Round(2)
		g.Shipping = calc.Shipping(g.StoreID, shippingMethod, g.Quantity, g.Subtotal).Round(2)
		g.Total = nonNegative(g.Subtotal.Sub(g.Discount).Add(g.Tax).Add(g.Shipping)).Round(2)

		p.Subtotal = p.Subtotal.Add(g.Subtotal)
		p.Discount = p.Discount.Add(g.Discount)
		p.Tax = p.Tax.Add(g.Tax)
		p.Shipping = p.Shipping.Add(g.Shipping)
		p.Total = p.Total.Add(g.Total)
	}
	p.Groups = groups
	return p
}

// Apportion splits amount over weights pro rata, rounded to cents. The last
// share absorbs the rounding remainder. With all weights zero the whole
// amount goes to the last share.
func Apportion(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return out
	}
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	last := len(weights) - 1
	if !total.IsPositive() {
		out[last] = amount.Round(2)
		return out
	}

	given := decimal.Zero
	for i := 0; i < last; i++ {
		out[i] = amount.Mul(weights[i]).Div(total).Round(2)
		given = given.Add(out[i])
	}
	out[last] = amount.Round(2).Sub(given)
	return out
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
