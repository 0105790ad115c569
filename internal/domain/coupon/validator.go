package coupon

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Rule names an eligibility condition.
type Rule string

const (
	RuleStatus       Rule = "status"
	RuleStartDate    Rule = "start_date"
	RuleEndDate      Rule = "end_date"
	RuleUsageLimit   Rule = "usage_limit"
	RulePerUserLimit Rule = "per_user_limit"
	RuleMinAmount    Rule = "min_order_amount"
	RuleMinQuantity  Rule = "min_order_quantity"
	RuleStore        Rule = "store"
	RuleUsers        Rule = "users"
)

// IneligibleError reports the first eligibility condition a coupon failed.
type IneligibleError struct {
	Code   string
	Rule   Rule
	Reason string
}

func (e *IneligibleError) Error() string { return e.Reason }

// Kind implements apperr.Kinded. Exhausted usage is a conflict, every other
// failed condition is the caller's input.
func (e *IneligibleError) Kind() apperr.Kind {
	if e.Rule == RuleUsageLimit || e.Rule == RulePerUserLimit {
		return apperr.Conflict
	}
	return apperr.Validation
}

// Is matches the usage limit sentinels.
func (e *IneligibleError) Is(target error) bool {
	switch target {
	case ErrUsageLimitReached:
		return e.Rule == RuleUsageLimit
	case ErrPerUserLimitReached:
		return e.Rule == RulePerUserLimit
	}
	return false
}

// Eligibility is everything a coupon's conditions are evaluated against.
type Eligibility struct {
	UserID    string
	Basket    Basket
	UserUsage int
	Now       time.Time
}

// CheckEligibility evaluates the coupon's conditions in a fixed order and
// returns an *IneligibleError for the first one that fails.
func (c *Coupon) CheckEligibility(e Eligibility) error {
	fail := func(rule Rule, reason string) error {
		return &IneligibleError{Code: c.Code, Rule: rule, Reason: reason}
	}

	if c.Status != StatusActive {
		return fail(RuleStatus, "coupon is not active")
	}
	if c.StartsAt != nil && e.Now.Before(*c.StartsAt) {
		return fail(RuleStartDate, "coupon is not yet valid")
	}
	if c.ExpiresAt != nil && e.Now.After(*c.ExpiresAt) {
		return fail(RuleEndDate, "coupon has expired")
	}
	if c.UsageLimit > 0 && c.Used >= c.UsageLimit {
		return fail(RuleUsageLimit, "coupon usage limit reached")
	}
	if c.PerUserLimit > 0 && e.UserUsage >= c.PerUserLimit {
		return fail(RulePerUserLimit, "you have reached the usage limit for this coupon")
	}
	if c.MinOrderAmount.IsPositive() && e.Basket.Subtotal().LessThan(c.MinOrderAmount) {
		return fail(RuleMinAmount, fmt.Sprintf("minimum order amount is $%s", c.MinOrderAmount.StringFixed(2)))
	}
	if c.MinQuantity > 0 && e.Basket.Quantity() < c.MinQuantity {
		return fail(RuleMinQuantity, fmt.Sprintf("minimum order quantity is %d items", c.MinQuantity))
	}
	if c.StoreID != "" && len(c.scope(e.Basket.Items)) == 0 {
		return fail(RuleStore, "coupon is not valid for items from this store")
	}
	if len(c.EligibleUsers) > 0 && !slices.Contains(c.EligibleUsers, e.UserID) {
		return fail(RuleUsers, "you are not eligible for this coupon")
	}
	if slices.Contains(c.ExcludedUsers, e.UserID) {
		return fail(RuleUsers, "you are not eligible for this coupon")
	}
	return nil
}

// Validator resolves a code, checks eligibility and computes the discount.
// It never mutates usage counters.
type Validator struct {
	repo Repository
	now  func() time.Time
}

// NewValidator creates a Validator backed by the given Repository.
func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo, now: time.Now}
}

// Lookup returns the coupon for a code in any case.
func (v *Validator) Lookup(ctx context.Context, code string) (*Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, apperr.New(apperr.Validation, "coupon code is required")
	}
	c, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	return c, nil
}

// Evaluate checks an already loaded coupon for userID and basket and
// returns its discount.
func (v *Validator) Evaluate(ctx context.Context, c *Coupon, userID string, basket Basket) (Discount, error) {
	usage := 0
	if c.PerUserLimit > 0 {
		n, err := v.repo.UserUsage(ctx, c.Code, userID)
		if err != nil {
			return Discount{}, errors.Wrap(err, "count user usage")
		}
		usage = n
	}

	if err := c.CheckEligibility(Eligibility{
		UserID:    userID,
		Basket:    basket,
		UserUsage: usage,
		Now:       v.now(),
	}); err != nil {
		return Discount{}, err
	}

	return Calculate(c, basket)
}

// Validate resolves code and evaluates it.
func (v *Validator) Validate(ctx context.Context, code, userID string, basket Basket) (*Coupon, Discount, error) {
	c, err := v.Lookup(ctx, code)
	if err != nil {
		return nil, Discount{}, err
	}
	d, err := v.Evaluate(ctx, c, userID, basket)
	if err != nil {
		return nil, Discount{}, err
	}
	return c, d, nil
}
