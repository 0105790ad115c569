package cart

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func flat(tax, ship string) pricing.Flat {
	return pricing.Flat{TaxRate: d(tax), ShippingPerStore: d(ship)}
}

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: expected %s, got %s", field, want, got)
}

func TestCart_AddItemMergesSameVariant(t *testing.T) {
	c := New("u1", testNow)

	first, err := c.AddItem(Item{ProductID: "p1", VariantID: "red", UnitPrice: d("10"), Quantity: 1}, testNow)
	require.NoError(t, err)
	_, err = c.AddItem(Item{ProductID: "p1", VariantID: "red", UnitPrice: d("10"), Quantity: 2}, testNow)
	require.NoError(t, err)
	_, err = c.AddItem(Item{ProductID: "p1", VariantID: "blue", UnitPrice: d("10"), Quantity: 1}, testNow)
	require.NoError(t, err)

	require.Len(t, c.Items, 2)
	assert.Equal(t, first.ID, c.Items[0].ID)
	assert.Equal(t, 3, c.Items[0].Quantity)
	assert.Equal(t, 1, c.Items[1].Quantity)
}

func TestCart_AddItemRejectsZeroQuantity(t *testing.T) {
	c := New("u1", testNow)
	_, err := c.AddItem(Item{ProductID: "p1", Quantity: 0}, testNow)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Empty(t, c.Items)
}

func TestCart_UpdateAndRemove(t *testing.T) {
	c := New("u1", testNow)
	it, err := c.AddItem(Item{ProductID: "p1", UnitPrice: d("4"), Quantity: 1}, testNow)
	require.NoError(t, err)

	require.NoError(t, c.UpdateQuantity(it.ID, 5))
	assert.Equal(t, 5, c.Items[0].Quantity)

	require.ErrorIs(t, c.UpdateQuantity(it.ID, 0), ErrInvalidQuantity)
	require.ErrorIs(t, c.UpdateQuantity("missing", 2), ErrItemNotFound)

	require.NoError(t, c.RemoveItem(it.ID))
	assert.Empty(t, c.Items)
	require.ErrorIs(t, c.RemoveItem(it.ID), ErrItemNotFound)
}

func TestCart_ApplyCouponReplacesSameCode(t *testing.T) {
	c := New("u1", testNow)
	c.ApplyCoupon(coupon.Discount{Code: "SAVE10", Type: coupon.DiscountFixed, Amount: d("10")}, testNow)
	c.ApplyCoupon(coupon.Discount{Code: "SAVE10", Type: coupon.DiscountFixed, Amount: d("8")}, testNow)
	c.ApplyCoupon(coupon.Discount{Code: "SHIP", Type: coupon.DiscountFreeShipping, Amount: d("5")}, testNow)

	require.Len(t, c.Coupons, 2)
	assertDec(t, "8", c.Coupons[0].Amount, "SAVE10 amount")
	assert.Equal(t, []string{"SAVE10", "SHIP"}, c.CouponCodes())

	require.NoError(t, c.RemoveCoupon("save10"))
	assert.Equal(t, []string{"SHIP"}, c.CouponCodes())
	require.ErrorIs(t, c.RemoveCoupon("SAVE10"), ErrCouponNotApplied)
}

func TestCart_Recalculate(t *testing.T) {
	save10 := &coupon.Coupon{Code: "SAVE10", Type: coupon.DiscountFixed, Value: d("10")}
	bogo := &coupon.Coupon{
		Code: "BUY2GET1", Type: coupon.DiscountBuyXGetY,
		BuyQuantity: 2, GetQuantity: 1, GetDiscountType: coupon.GetFree,
	}
	shipFree := &coupon.Coupon{Code: "SHIPFREE", Type: coupon.DiscountFreeShipping}
	big := &coupon.Coupon{Code: "BIG", Type: coupon.DiscountFixed, Value: d("100")}

	tests := []struct {
		name     string
		items    []Item
		applied  []string
		defs     []*coupon.Coupon
		calc     pricing.Flat
		subtotal string
		discount string
		tax      string
		shipping string
		total    string
	}{
		{
			name:     "one line no coupon",
			items:    []Item{{ProductID: "p1", StoreID: "s1", UnitPrice: d("10.00"), Quantity: 3}},
			calc:     flat("0.08", "0"),
			subtotal: "30.00", discount: "0", tax: "2.40", shipping: "0", total: "32.40",
		},
		{
			name:     "fixed coupon taxes the discounted amount",
			items:    []Item{{ProductID: "p1", StoreID: "s1", UnitPrice: d("10.00"), Quantity: 3}},
			applied:  []string{"SAVE10"},
			defs:     []*coupon.Coupon{save10},
			calc:     flat("0.08", "0"),
			subtotal: "30.00", discount: "10.00", tax: "1.60", shipping: "0", total: "21.60",
		},
		{
			name:     "buy two get one on six units",
			items:    []Item{{ProductID: "p1", StoreID: "s1", UnitPrice: d("5.00"), Quantity: 6}},
			applied:  []string{"BUY2GET1"},
			defs:     []*coupon.Coupon{bogo},
			calc:     flat("0", "0"),
			subtotal: "30.00", discount: "15.00", tax: "0", shipping: "0", total: "15.00",
		},
		{
			name: "shipping is quoted per store and free shipping cancels it",
			items: []Item{
				{ProductID: "p1", StoreID: "s1", UnitPrice: d("10.00"), Quantity: 1},
				{ProductID: "p2", StoreID: "s2", UnitPrice: d("10.00"), Quantity: 1},
			},
			applied:  []string{"SHIPFREE"},
			defs:     []*coupon.Coupon{shipFree},
			calc:     flat("0", "4.50"),
			subtotal: "20.00", discount: "9.00", tax: "0", shipping: "9.00", total: "20.00",
		},
		{
			name:     "total never negative",
			items:    []Item{{ProductID: "p1", StoreID: "s1", UnitPrice: d("10.00"), Quantity: 1}},
			applied:  []string{"BIG", "SHIPFREE"},
			defs:     []*coupon.Coupon{big, shipFree},
			calc:     flat("0.08", "25"),
			subtotal: "10.00", discount: "35.00", tax: "0", shipping: "25.00", total: "0",
		},
		{
			name:     "applied code without definition is dropped",
			items:    []Item{{ProductID: "p1", StoreID: "s1", UnitPrice: d("10.00"), Quantity: 1}},
			applied:  []string{"GONE"},
			calc:     flat("0", "0"),
			subtotal: "10.00", discount: "0", tax: "0", shipping: "0", total: "10.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("u1", testNow)
			for _, it := range tt.items {
				_, err := c.AddItem(it, testNow)
				require.NoError(t, err)
			}
			for _, code := range tt.applied {
				c.ApplyCoupon(coupon.Discount{Code: code}, testNow)
			}

			require.NoError(t, c.Recalculate(tt.calc, tt.defs))

			assertDec(t, tt.subtotal, c.Totals.Subtotal, "subtotal")
			assertDec(t, tt.discount, c.Totals.Discount, "discount")
			assertDec(t, tt.tax, c.Totals.Tax, "tax")
			assertDec(t, tt.shipping, c.Totals.Shipping, "shipping")
			assertDec(t, tt.total, c.Totals.Total, "total")
			assert.Len(t, c.Coupons, len(tt.defs))
		})
	}
}

func TestCart_RecalculateIsRepeatable(t *testing.T) {
	c := New("u1", testNow)
	_, err := c.AddItem(Item{ProductID: "p1", StoreID: "s1", UnitPrice: d("3.30"), Quantity: 3}, testNow)
	require.NoError(t, err)

	calc := flat("0.0825", "2")
	require.NoError(t, c.Recalculate(calc, nil))
	first := c.Totals
	require.NoError(t, c.Recalculate(calc, nil))

	assert.True(t, first.Total.Equal(c.Totals.Total))
}

func TestCart_Editable(t *testing.T) {
	c := New("u1", testNow)
	require.NoError(t, c.Editable())

	c.Status = StatusCompleted
	require.ErrorIs(t, c.Editable(), ErrNotEditable)
}
