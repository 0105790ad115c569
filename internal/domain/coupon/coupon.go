package coupon

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the order or off specific products.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off, capped at the subtotal.
	DiscountFixed DiscountType = "fixed_amount"
	// DiscountFreeShipping discounts the current shipping cost.
	DiscountFreeShipping DiscountType = "free_shipping"
	// DiscountBuyXGetY discounts units given away for every buy-quantity bought.
	DiscountBuyXGetY DiscountType = "buy_x_get_y"
)

// ApplyTo scopes a percentage discount.
type ApplyTo string

const (
	ApplyToOrderTotal       ApplyTo = "order_total"
	ApplyToSpecificProducts ApplyTo = "specific_products"
)

// GetDiscountType describes how the "get" units of a buy_x_get_y coupon are discounted.
type GetDiscountType string

const (
	GetFree       GetDiscountType = "free"
	GetPercentage GetDiscountType = "percentage"
	GetFixed      GetDiscountType = "fixed_amount"
)

// Status is the administrative state of a coupon.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

var (
	// ErrNotFound is returned when no coupon matches a code.
	ErrNotFound = apperr.New(apperr.NotFound, "coupon not found")
	// ErrCodeTaken is returned when creating a coupon with an existing code.
	ErrCodeTaken = apperr.New(apperr.Conflict, "coupon code already exists")
	// ErrUsageLimitReached is returned when a redemption would exceed the global limit.
	ErrUsageLimitReached = apperr.New(apperr.Conflict, "coupon usage limit reached")
	// ErrPerUserLimitReached is returned when a redemption would exceed the per-user limit.
	ErrPerUserLimitReached = apperr.New(apperr.Conflict, "you have reached the usage limit for this coupon")
)

// Coupon is a promotional code with its discount rule, eligibility
// conditions and usage counters.
type Coupon struct {
	ID          string
	Code        string
	Description string
	Status      Status

	Type              DiscountType
	Value             decimal.Decimal
	MaxDiscountAmount decimal.Decimal
	ApplyTo           ApplyTo
	ProductIDs        []string
	BuyQuantity       int
	GetQuantity       int
	GetDiscountType   GetDiscountType
	GetDiscountValue  decimal.Decimal

	StartsAt       *time.Time
	ExpiresAt      *time.Time
	MinOrderAmount decimal.Decimal
	MinQuantity    int
	StoreID        string
	EligibleUsers  []string
	ExcludedUsers  []string

	// UsageLimit and PerUserLimit are unlimited when zero.
	UsageLimit   int
	PerUserLimit int
	Used         int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCode returns the canonical form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// appliesToProduct reports whether the coupon's product list covers id. An
// empty list covers every product.
func (c *Coupon) appliesToProduct(id string) bool {
	return len(c.ProductIDs) == 0 || slices.Contains(c.ProductIDs, id)
}

// Validate checks the coupon definition itself.
func (c *Coupon) Validate() error {
	if NormalizeCode(c.Code) == "" {
		return apperr.New(apperr.Validation, "coupon code is required")
	}
	if c.Value.IsNegative() || c.MaxDiscountAmount.IsNegative() || c.MinOrderAmount.IsNegative() {
		return apperr.New(apperr.Validation, "coupon amounts must not be negative")
	}
	if c.UsageLimit < 0 || c.PerUserLimit < 0 || c.MinQuantity < 0 {
		return apperr.New(apperr.Validation, "coupon limits must not be negative")
	}
	if c.StartsAt != nil && c.ExpiresAt != nil && c.ExpiresAt.Before(*c.StartsAt) {
		return apperr.New(apperr.Validation, "coupon expires before it starts")
	}
	switch c.Type {
	case DiscountPercentage:
		if c.Value.GreaterThan(hundred) {
			return apperr.New(apperr.Validation, "percentage must not exceed 100")
		}
		if c.ApplyTo == ApplyToSpecificProducts && len(c.ProductIDs) == 0 {
			return apperr.New(apperr.Validation, "specific_products coupon needs at least one product")
		}
	case DiscountFixed, DiscountFreeShipping:
	case DiscountBuyXGetY:
		if c.BuyQuantity <= 0 || c.GetQuantity <= 0 {
			return apperr.New(apperr.Validation, "buy and get quantities must be positive")
		}
		switch c.GetDiscountType {
		case GetFree, GetPercentage, GetFixed:
		default:
			return apperr.Errorf(apperr.Validation, "unsupported get discount type: %q", c.GetDiscountType)
		}
	default:
		return apperr.Errorf(apperr.Validation, "unsupported discount type: %q", c.Type)
	}
	return nil
}

// Redemption records one use of a coupon by one checkout.
type Redemption struct {
	Code       string
	UserID     string
	CheckoutID string
	OrderIDs   []string
	Amount     decimal.Decimal
	RedeemedAt time.Time
}

// Repository provides lookup and administration of coupons. Redemption is
// applied by the checkout commit together with the rest of the order state.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	UserUsage(ctx context.Context, code, userID string) (int, error)
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, c *Coupon) error
}
