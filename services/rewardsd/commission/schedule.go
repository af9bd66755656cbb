package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MaxTiers bounds how far up the referral chain commissions are paid.
	MaxTiers = 5
	// CurrencyPlaces is the precision commission amounts are rounded to.
	CurrencyPlaces = 2
)

// Schedule is the commission rate table. TotalRate is the share of the
// purchase paid out across the whole chain; Shares[i] is the fraction of that
// total paid to tier i+1.
type Schedule struct {
	TotalRate decimal.Decimal
	Shares    []decimal.Decimal
}

// DefaultSchedule pays 5% of the purchase split 50/25/15/7/3 across five tiers,
// i.e. 2.5%, 1.25%, 0.75%, 0.35% and 0.15% of the purchase amount.
func DefaultSchedule() Schedule {
	return Schedule{
		TotalRate: decimal.RequireFromString("0.05"),
		Shares: []decimal.Decimal{
			decimal.RequireFromString("0.50"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.15"),
			decimal.RequireFromString("0.07"),
			decimal.RequireFromString("0.03"),
		},
	}
}

// MaxTiers returns the number of tiers the schedule pays.
func (s Schedule) MaxTiers() int {
	return len(s.Shares)
}

// Share returns the fraction of the total rate paid to the supplied tier.
// Tiers outside the table earn nothing.
func (s Schedule) Share(tier int) decimal.Decimal {
	if tier < 1 || tier > len(s.Shares) {
		return decimal.Zero
	}
	return s.Shares[tier-1]
}

// Rate returns the fraction of the purchase amount paid to the supplied tier.
func (s Schedule) Rate(tier int) decimal.Decimal {
	return s.TotalRate.Mul(s.Share(tier))
}

// Commission computes the amount owed to the supplied tier for a purchase,
// rounded half-even to currency precision.
func (s Schedule) Commission(amount decimal.Decimal, tier int) decimal.Decimal {
	return amount.Mul(s.Rate(tier)).RoundBank(CurrencyPlaces)
}

// Validate checks the table is usable: a positive total rate no greater than
// one, between one and MaxTiers non-negative shares, and shares summing to one.
func (s Schedule) Validate() error {
	if !s.TotalRate.IsPositive() || s.TotalRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission: total rate %s out of range", s.TotalRate)
	}
	if len(s.Shares) == 0 || len(s.Shares) > MaxTiers {
		return fmt.Errorf("commission: schedule must define 1..%d tiers, got %d", MaxTiers, len(s.Shares))
	}
	sum := decimal.Zero
	for i, share := range s.Shares {
		if share.IsNegative() {
			return fmt.Errorf("commission: tier %d share %s is negative", i+1, share)
		}
		sum = sum.Add(share)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission: tier shares sum to %s, want 1", sum)
	}
	return nil
}
