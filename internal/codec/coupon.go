package codec

import (
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// CouponField decodes one field of a coupon object into c. Unknown fields
// are skipped.
func CouponField(c *coupon.Coupon, d *jx.Decoder, key string) error {
	var (
		s   string
		err error
	)
	switch key {
	case "code":
		c.Code, err = d.Str()
	case "description":
		c.Description, err = d.Str()
	case "status":
		s, err = d.Str()
		c.Status = coupon.Status(s)
	case "type":
		s, err = d.Str()
		c.Type = coupon.DiscountType(s)
	case "value":
		c.Value, err = Decimal(d)
	case "max_discount_amount":
		c.MaxDiscountAmount, err = Decimal(d)
	case "apply_to":
		s, err = d.Str()
		c.ApplyTo = coupon.ApplyTo(s)
	case "product_ids":
		c.ProductIDs, err = Strings(d)
	case "buy_quantity":
		c.BuyQuantity, err = d.Int()
	case "get_quantity":
		c.GetQuantity, err = d.Int()
	case "get_discount_type":
		s, err = d.Str()
		c.GetDiscountType = coupon.GetDiscountType(s)
	case "get_discount_value":
		c.GetDiscountValue, err = Decimal(d)
	case "starts_at":
		c.StartsAt, err = Time(d)
	case "expires_at":
		c.ExpiresAt, err = Time(d)
	case "min_order_amount":
		c.MinOrderAmount, err = Decimal(d)
	case "min_quantity":
		c.MinQuantity, err = d.Int()
	case "store_id":
		c.StoreID, err = d.Str()
	case "eligible_users":
		c.EligibleUsers, err = Strings(d)
	case "excluded_users":
		c.ExcludedUsers, err = Strings(d)
	case "usage_limit":
		c.UsageLimit, err = d.Int()
	case "per_user_limit":
		c.PerUserLimit, err = d.Int()
	default:
		err = d.Skip()
	}
	return err
}

// DecodeCoupon reads a coupon object.
func DecodeCoupon(d *jx.Decoder) (*coupon.Coupon, error) {
	c := new(coupon.Coupon)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		return CouponField(c, d, key)
	}); err != nil {
		return nil, err
	}
	return c, nil
}
