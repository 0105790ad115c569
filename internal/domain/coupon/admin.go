package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Admin manages coupon definitions for merchants and operators.
type Admin struct {
	repo Repository
	now  func() time.Time
}

// NewAdmin creates an Admin backed by repo.
func NewAdmin(repo Repository) *Admin {
	return &Admin{repo: repo, now: time.Now}
}

// Create validates and stores a new coupon. Usage starts at zero.
func (a *Admin) Create(ctx context.Context, c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Type == DiscountPercentage && c.ApplyTo == "" {
		c.ApplyTo = ApplyToOrderTotal
	}
	if c.Type == DiscountBuyXGetY && c.GetDiscountType == "" {
		c.GetDiscountType = GetFree
	}
	if err := c.Validate(); err != nil {
		return err
	}

	now := a.now()
	c.ID = uuid.NewString()
	c.Used = 0
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := a.repo.Create(ctx, c); err != nil {
		return errors.Wrap(err, "create coupon")
	}
	return nil
}

// Update replaces the editable fields of an existing coupon. The code and
// usage counter are preserved.
func (a *Admin) Update(ctx context.Context, code string, next *Coupon) (*Coupon, error) {
	cur, err := a.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}

	next.ID = cur.ID
	next.Code = cur.Code
	next.Used = cur.Used
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = a.now()
	if next.Status == "" {
		next.Status = cur.Status
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if next.UsageLimit > 0 && next.UsageLimit < next.Used {
		return nil, apperr.Errorf(apperr.Validation, "usage limit %d is below current usage %d", next.UsageLimit, next.Used)
	}

	if err := a.repo.Update(ctx, next); err != nil {
		return nil, errors.Wrap(err, "update coupon")
	}
	return next, nil
}
