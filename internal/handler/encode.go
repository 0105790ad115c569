package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	fn(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func str(e *jx.Encoder, key, v string) {
	e.FieldStart(key)
	e.Str(v)
}

func optStr(e *jx.Encoder, key, v string) {
	if v != "" {
		str(e, key, v)
	}
}

func integer(e *jx.Encoder, key string, v int) {
	e.FieldStart(key)
	e.Int(v)
}

// money encodes an amount as a string with two decimals.
func money(e *jx.Encoder, key string, v decimal.Decimal) {
	str(e, key, v.StringFixed(2))
}

func timestamp(e *jx.Encoder, key string, t time.Time) {
	str(e, key, t.UTC().Format(time.RFC3339))
}

func optTimestamp(e *jx.Encoder, key string, t *time.Time) {
	if t != nil {
		timestamp(e, key, *t)
	}
}

func strList(e *jx.Encoder, key string, vs []string) {
	e.FieldStart(key)
	e.ArrStart()
	for _, v := range vs {
		e.Str(v)
	}
	e.ArrEnd()
}

func stringMap(e *jx.Encoder, key string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	e.FieldStart(key)
	e.Obj(func(e *jx.Encoder) {
		for k, v := range m {
			str(e, k, v)
		}
	})
}

func encodeTotals(e *jx.Encoder, subtotal, discount, tax, shipping, total decimal.Decimal) {
	money(e, "subtotal", subtotal)
	money(e, "discount", discount)
	money(e, "tax", tax)
	money(e, "shipping", shipping)
	money(e, "total", total)
}

func encodeCart(e *jx.Encoder, c *cart.Cart) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", c.ID)
		str(e, "user_id", c.UserID)
		str(e, "status", string(c.Status))
		e.FieldStart("version")
		e.Int64(c.Version)
		e.FieldStart("items")
		e.ArrStart()
		for _, it := range c.Items {
			encodeCartItem(e, it)
		}
		e.ArrEnd()
		e.FieldStart("coupons")
		e.ArrStart()
		for _, a := range c.Coupons {
			e.Obj(func(e *jx.Encoder) {
				str(e, "code", a.Code)
				str(e, "type", string(a.Type))
				money(e, "amount", a.Amount)
				timestamp(e, "applied_at", a.AppliedAt)
			})
		}
		e.ArrEnd()
		t := c.Totals
		encodeTotals(e, t.Subtotal, t.Discount, t.Tax, t.Shipping, t.Total)
		timestamp(e, "updated_at", c.UpdatedAt)
	})
}

func encodeCartItem(e *jx.Encoder, it cart.Item) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", it.ID)
		str(e, "product_id", it.ProductID)
		optStr(e, "variant_id", it.VariantID)
		str(e, "store_id", it.StoreID)
		str(e, "name", it.Name)
		money(e, "unit_price", it.UnitPrice)
		integer(e, "quantity", it.Quantity)
		money(e, "line_total", it.LineTotal())
		stringMap(e, "customizations", it.Customizations)
	})
}

func encodeDiscount(e *jx.Encoder, d coupon.Discount) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "code", d.Code)
		str(e, "type", string(d.Type))
		money(e, "amount", d.Amount)
		if len(d.Items) == 0 {
			return
		}
		e.FieldStart("items")
		e.ArrStart()
		for _, it := range d.Items {
			e.Obj(func(e *jx.Encoder) {
				str(e, "product_id", it.ProductID)
				integer(e, "quantity", it.Quantity)
				money(e, "amount", it.Amount)
			})
		}
		e.ArrEnd()
	})
}

func encodePreview(e *jx.Encoder, p *checkout.Preview) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "cart_id", p.CartID)
		e.FieldStart("groups")
		e.ArrStart()
		for _, g := range p.Groups {
			e.Obj(func(e *jx.Encoder) {
				str(e, "store_id", g.StoreID)
				integer(e, "quantity", g.Quantity)
				e.FieldStart("items")
				e.ArrStart()
				for _, it := range g.Items {
					encodeCartItem(e, it)
				}
				e.ArrEnd()
				encodeTotals(e, g.Subtotal, g.Discount, g.Tax, g.Shipping, g.Total)
			})
		}
		e.ArrEnd()
		encodeTotals(e, p.Subtotal, p.Discount, p.Tax, p.Shipping, p.Total)
	})
}

func encodeResult(e *jx.Encoder, res *checkout.Result) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "checkout_id", res.CheckoutID)
		money(e, "total", res.Total)
		optStr(e, "transaction_id", res.TransactionID)
		str(e, "payment_status", string(res.PaymentStatus))
		e.FieldStart("replayed")
		e.Bool(res.Replayed)
		e.FieldStart("orders")
		e.ArrStart()
		for i := range res.Orders {
			encodeOrder(e, &res.Orders[i])
		}
		e.ArrEnd()
	})
}

func encodeAddress(e *jx.Encoder, key string, a order.Address) {
	e.FieldStart(key)
	e.Obj(func(e *jx.Encoder) {
		optStr(e, "name", a.Name)
		optStr(e, "line1", a.Line1)
		optStr(e, "line2", a.Line2)
		optStr(e, "city", a.City)
		optStr(e, "state", a.State)
		optStr(e, "postal_code", a.PostalCode)
		optStr(e, "country", a.Country)
		optStr(e, "phone", a.Phone)
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", o.ID)
		str(e, "number", o.Number)
		str(e, "user_id", o.UserID)
		str(e, "store_id", o.StoreID)
		str(e, "status", string(o.Status))
		e.FieldStart("version")
		e.Int64(o.Version)

		e.FieldStart("items")
		e.ArrStart()
		for _, it := range o.Items {
			e.Obj(func(e *jx.Encoder) {
				str(e, "product_id", it.ProductID)
				optStr(e, "variant_id", it.VariantID)
				str(e, "name", it.Name)
				money(e, "unit_price", it.UnitPrice)
				integer(e, "quantity", it.Quantity)
				money(e, "total", it.Total())
				stringMap(e, "customizations", it.Customizations)
			})
		}
		e.ArrEnd()

		t := o.Totals
		encodeTotals(e, t.Subtotal, t.Discount, t.Tax, t.Shipping, t.Total)
		money(e, "refundable", o.Refundable())

		e.FieldStart("payment")
		e.Obj(func(e *jx.Encoder) {
			str(e, "method", string(o.Payment.Method))
			str(e, "status", string(o.Payment.Status))
			optStr(e, "transaction_id", o.Payment.TransactionID)
			money(e, "fee", o.Payment.Fee)
			optTimestamp(e, "paid_at", o.Payment.PaidAt)
		})
		e.FieldStart("shipping")
		e.Obj(func(e *jx.Encoder) {
			str(e, "method", o.Shipping.Method)
			money(e, "cost", o.Shipping.Cost)
			optStr(e, "carrier", o.Shipping.Carrier)
			optStr(e, "tracking_number", o.Shipping.TrackingNumber)
			optTimestamp(e, "shipped_at", o.Shipping.ShippedAt)
			optTimestamp(e, "delivered_at", o.Shipping.DeliveredAt)
		})
		encodeAddress(e, "shipping_address", o.ShippingAddress)
		encodeAddress(e, "billing_address", o.BillingAddress)

		e.FieldStart("events")
		e.ArrStart()
		for _, ev := range o.Events {
			e.Obj(func(e *jx.Encoder) {
				optStr(e, "from", string(ev.From))
				str(e, "to", string(ev.To))
				str(e, "actor", ev.Actor)
				optStr(e, "note", ev.Note)
				timestamp(e, "at", ev.At)
			})
		}
		e.ArrEnd()

		e.FieldStart("refunds")
		e.ArrStart()
		for _, rf := range o.Refunds {
			e.Obj(func(e *jx.Encoder) {
				str(e, "id", rf.ID)
				money(e, "amount", rf.Amount)
				optStr(e, "reason", rf.Reason)
				str(e, "method", string(rf.Method))
				optStr(e, "transaction_id", rf.TransactionID)
				str(e, "status", string(rf.Status))
				timestamp(e, "created_at", rf.CreatedAt)
			})
		}
		e.ArrEnd()

		strList(e, "coupon_codes", o.Meta.CouponCodes)
		str(e, "checkout_id", o.Meta.CheckoutID)
		optStr(e, "notes", o.Notes)
		timestamp(e, "created_at", o.CreatedAt)
		timestamp(e, "updated_at", o.UpdatedAt)
	})
}

func encodeWallet(e *jx.Encoder, w *wallet.Wallet) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", w.ID)
		str(e, "user_id", w.UserID)
		str(e, "currency", w.Currency)
		str(e, "status", string(w.Status))
		money(e, "balance", w.Balance)
		money(e, "pending_debit", w.PendingDebit)
		money(e, "available", w.Available())
		money(e, "total_earnings", w.TotalEarnings)
		money(e, "total_spendings", w.TotalSpendings)
		e.FieldStart("limits")
		e.Obj(func(e *jx.Encoder) {
			money(e, "min_transaction", w.Limits.MinTransaction)
			money(e, "max_transaction", w.Limits.MaxTransaction)
			money(e, "daily", w.Limits.Daily)
			money(e, "monthly", w.Limits.Monthly)
		})
		timestamp(e, "updated_at", w.UpdatedAt)
	})
}

func encodeTransaction(e *jx.Encoder, tx *wallet.Transaction) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", tx.ID)
		str(e, "type", string(tx.Type))
		str(e, "status", string(tx.Status))
		money(e, "amount", tx.Amount)
		str(e, "currency", tx.Currency)
		money(e, "balance_before", tx.BalanceBefore)
		money(e, "balance_after", tx.BalanceAfter)
		optStr(e, "description", tx.Description)
		optStr(e, "reference", tx.Reference)
		optStr(e, "order_id", tx.OrderID)
		optStr(e, "hold_id", tx.HoldID)
		optTimestamp(e, "expires_at", tx.ExpiresAt)
		timestamp(e, "created_at", tx.CreatedAt)
	})
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", c.ID)
		str(e, "code", c.Code)
		optStr(e, "description", c.Description)
		str(e, "status", string(c.Status))
		str(e, "type", string(c.Type))
		money(e, "value", c.Value)
		if c.MaxDiscountAmount.IsPositive() {
			money(e, "max_discount_amount", c.MaxDiscountAmount)
		}
		optStr(e, "apply_to", string(c.ApplyTo))
		if len(c.ProductIDs) > 0 {
			strList(e, "product_ids", c.ProductIDs)
		}
		if c.Type == coupon.DiscountBuyXGetY {
			integer(e, "buy_quantity", c.BuyQuantity)
			integer(e, "get_quantity", c.GetQuantity)
			str(e, "get_discount_type", string(c.GetDiscountType))
			money(e, "get_discount_value", c.GetDiscountValue)
		}
		optTimestamp(e, "starts_at", c.StartsAt)
		optTimestamp(e, "expires_at", c.ExpiresAt)
		money(e, "min_order_amount", c.MinOrderAmount)
		integer(e, "min_quantity", c.MinQuantity)
		optStr(e, "store_id", c.StoreID)
		integer(e, "usage_limit", c.UsageLimit)
		integer(e, "per_user_limit", c.PerUserLimit)
		integer(e, "used", c.Used)
	})
}

func encodeStock(e *jx.Encoder, s inventory.Stock) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "product_id", s.ProductID)
		optStr(e, "variant_id", s.VariantID)
		integer(e, "quantity", s.Quantity)
		integer(e, "reserved", s.Reserved)
		integer(e, "available", s.Available())
	})
}
