// Package pricing holds the tax and shipping collaborators. Both are black
// boxes to checkout: they take a store and an amount and return a number.
package pricing

import (
	"github.com/shopspring/decimal"
)

// Calculator quotes tax and shipping.
type Calculator interface {
	// Tax returns the tax owed on a taxable amount. An empty storeID asks
	// for a cart-level estimate.
	Tax(storeID string, taxable decimal.Decimal) decimal.Decimal
	// Shipping returns the shipping cost for one store's part of an order.
	Shipping(storeID, method string, units int, subtotal decimal.Decimal) decimal.Decimal
}

// Flat charges one tax rate everywhere and a flat shipping fee per store.
// Stores whose subtotal reaches FreeShippingOver ship for free when it is
// positive. Express shipping costs ExpressSurcharge on top.
type Flat struct {
	TaxRate          decimal.Decimal
	ShippingPerStore decimal.Decimal
	FreeShippingOver decimal.Decimal
	ExpressSurcharge decimal.Decimal
}

var _ Calculator = Flat{}

// Tax returns rate x taxable, rounded to cents and never negative.
func (f Flat) Tax(_ string, taxable decimal.Decimal) decimal.Decimal {
	if !taxable.IsPositive() {
		return decimal.Zero
	}
	return taxable.Mul(f.TaxRate).Round(2)
}

// Shipping returns the flat per-store fee.
func (f Flat) Shipping(_, method string, units int, subtotal decimal.Decimal) decimal.Decimal {
	if units == 0 {
		return decimal.Zero
	}
	cost := f.ShippingPerStore
	if f.FreeShippingOver.IsPositive() && subtotal.GreaterThanOrEqual(f.FreeShippingOver) {
		cost = decimal.Zero
	}
	if method == MethodExpress {
		cost = cost.Add(f.ExpressSurcharge)
	}
	return cost.Round(2)
}

// Shipping methods understood by Flat.
const (
	MethodStandard = "standard"
	MethodExpress  = "express"
)
