package coupon

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		coupon     *Coupon
		basket     Basket
		wantAmount decimal.Decimal
		wantItems  int
	}{
		{
			name:   "fixed amount SAVE10 on 30.00",
			coupon: &Coupon{Code: "SAVE10", Type: DiscountFixed, Value: d("10")},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("10.00"), Quantity: 3},
			}},
			wantAmount: d("10.00"),
		},
		{
			name:   "fixed amount capped at subtotal",
			coupon: &Coupon{Code: "BIG", Type: DiscountFixed, Value: d("50")},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("12.50"), Quantity: 2},
			}},
			wantAmount: d("25.00"),
		},
		{
			name: "percentage on order total",
			coupon: &Coupon{
				Code: "PCT15", Type: DiscountPercentage, Value: d("15"), ApplyTo: ApplyToOrderTotal,
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("20.00"), Quantity: 2},
				{ProductID: "p2", UnitPrice: d("9.99"), Quantity: 1},
			}},
			wantAmount: d("7.50"),
		},
		{
			name: "percentage capped by max discount",
			coupon: &Coupon{
				Code: "HALF", Type: DiscountPercentage, Value: d("50"),
				ApplyTo: ApplyToOrderTotal, MaxDiscountAmount: d("20"),
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("100.00"), Quantity: 1},
			}},
			wantAmount: d("20.00"),
		},
		{
			name: "percentage on specific products only",
			coupon: &Coupon{
				Code: "SHOES10", Type: DiscountPercentage, Value: d("10"),
				ApplyTo: ApplyToSpecificProducts, ProductIDs: []string{"shoe"},
			},
			basket: Basket{Items: []Item{
				{ProductID: "shoe", UnitPrice: d("80.00"), Quantity: 1},
				{ProductID: "sock", UnitPrice: d("5.00"), Quantity: 4},
			}},
			wantAmount: d("8.00"),
			wantItems:  1,
		},
		{
			name:   "free shipping equals shipping cost",
			coupon: &Coupon{Code: "SHIPFREE", Type: DiscountFreeShipping},
			basket: Basket{
				Items:    []Item{{ProductID: "p1", UnitPrice: d("10.00"), Quantity: 1}},
				Shipping: d("7.95"),
			},
			wantAmount: d("7.95"),
		},
		{
			name: "buy 2 get 1 free on quantity 6",
			coupon: &Coupon{
				Code: "BUY2GET1", Type: DiscountBuyXGetY,
				BuyQuantity: 2, GetQuantity: 1, GetDiscountType: GetFree,
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("5.00"), Quantity: 6},
			}},
			wantAmount: d("15.00"),
			wantItems:  1,
		},
		{
			name: "buy x get y free units capped at quantity",
			coupon: &Coupon{
				Code: "B1G5", Type: DiscountBuyXGetY,
				BuyQuantity: 1, GetQuantity: 5, GetDiscountType: GetFree,
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("2.00"), Quantity: 3},
			}},
			wantAmount: d("6.00"),
			wantItems:  1,
		},
		{
			name: "buy x get y at 50 percent",
			coupon: &Coupon{
				Code: "B2G1HALF", Type: DiscountBuyXGetY,
				BuyQuantity: 2, GetQuantity: 1, GetDiscountType: GetPercentage, GetDiscountValue: d("50"),
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("9.00"), Quantity: 4},
			}},
			wantAmount: d("9.00"),
			wantItems:  1,
		},
		{
			name: "buy x get y fixed per unit",
			coupon: &Coupon{
				Code: "B3G1FIX", Type: DiscountBuyXGetY,
				BuyQuantity: 3, GetQuantity: 1, GetDiscountType: GetFixed, GetDiscountValue: d("1.50"),
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("4.00"), Quantity: 7},
			}},
			wantAmount: d("3.00"),
			wantItems:  1,
		},
		{
			name: "buy x get y restricted to listed products",
			coupon: &Coupon{
				Code: "B2G1TEA", Type: DiscountBuyXGetY, ProductIDs: []string{"tea"},
				BuyQuantity: 2, GetQuantity: 1, GetDiscountType: GetFree,
			},
			basket: Basket{Items: []Item{
				{ProductID: "tea", UnitPrice: d("3.00"), Quantity: 2},
				{ProductID: "cake", UnitPrice: d("6.00"), Quantity: 4},
			}},
			wantAmount: d("3.00"),
			wantItems:  1,
		},
		{
			name: "buy x get y below threshold gives nothing",
			coupon: &Coupon{
				Code: "B3G1", Type: DiscountBuyXGetY,
				BuyQuantity: 3, GetQuantity: 1, GetDiscountType: GetFree,
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("4.00"), Quantity: 2},
			}},
			wantAmount: d("0"),
		},
		{
			name: "store scoped percentage only counts store items",
			coupon: &Coupon{
				Code: "STORE20", Type: DiscountPercentage, Value: d("20"),
				ApplyTo: ApplyToOrderTotal, StoreID: "s1",
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", StoreID: "s1", UnitPrice: d("10.00"), Quantity: 1},
				{ProductID: "p2", StoreID: "s2", UnitPrice: d("90.00"), Quantity: 1},
			}},
			wantAmount: d("2.00"),
		},
		{
			name: "rounds to cents",
			coupon: &Coupon{
				Code: "THIRD", Type: DiscountPercentage, Value: d("33.333"), ApplyTo: ApplyToOrderTotal,
			},
			basket: Basket{Items: []Item{
				{ProductID: "p1", UnitPrice: d("10.00"), Quantity: 1},
			}},
			wantAmount: d("3.33"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.coupon, tt.basket)
			require.NoError(t, err)
			assert.True(t, tt.wantAmount.Equal(got.Amount),
				"expected amount %s, got %s", tt.wantAmount, got.Amount)
			assert.Len(t, got.Items, tt.wantItems)
			assert.Equal(t, tt.coupon.Code, got.Code)
		})
	}
}

func TestCalculate_UnsupportedType(t *testing.T) {
	_, err := Calculate(&Coupon{Code: "X", Type: "mystery"}, Basket{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported discount type")
}

func TestBasket(t *testing.T) {
	b := Basket{Items: []Item{
		{ProductID: "p1", UnitPrice: d("10.00"), Quantity: 3},
		{ProductID: "p2", UnitPrice: d("0.50"), Quantity: 2},
	}}

	assert.True(t, d("31.00").Equal(b.Subtotal()))
	assert.Equal(t, 5, b.Quantity())
}
