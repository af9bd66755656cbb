package tokens

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rewardledger/services/rewardsd/models"
)

const (
	// MinExpiryDays and MaxExpiryDays bound every computed expiry.
	MinExpiryDays = 3
	MaxExpiryDays = 45

	inactivityPenalty = 2
	overflowBaseDays  = 30

	barCells   = 15
	daysPerBar = 3
)

// countStages maps batch sizes to base expiry days; the first stage whose
// ceiling is at least the count applies.
var countStages = []struct {
	ceiling int
	days    int
}{
	{ceiling: 5, days: 5},
	{ceiling: 15, days: 7},
	{ceiling: 30, days: 10},
	{ceiling: 50, days: 15},
	{ceiling: 75, days: 20},
	{ceiling: 120, days: 25},
}

// commissionBonuses is ordered from the highest threshold down.
var commissionBonuses = []struct {
	floor decimal.Decimal
	days  int
}{
	{floor: decimal.NewFromInt(1000), days: 5},
	{floor: decimal.NewFromInt(500), days: 3},
	{floor: decimal.NewFromInt(200), days: 1},
}

func baseDays(count int) int {
	for _, stage := range countStages {
		if count <= stage.ceiling {
			return stage.days
		}
	}
	return overflowBaseDays
}

func commissionBonus(commission decimal.Decimal) int {
	for _, bonus := range commissionBonuses {
		if commission.GreaterThanOrEqual(bonus.floor) {
			return bonus.days
		}
	}
	return 0
}

// CalculateExpiryDays returns how many days a new batch stays active. The
// result is always within [MinExpiryDays, MaxExpiryDays]. Tiers that earn no
// rewards get no count-based days, only the commission bonus.
func CalculateExpiryDays(count int, tier RewardTier, hasRecentSale bool, commission decimal.Decimal) int {
	base := baseDays(count)
	if rule, ok := tierRules[tier]; ok && !rule.rewarding {
		base = 0
	}
	days := base + tier.ExpiryBonus() + commissionBonus(commission)
	if !hasRecentSale {
		days -= inactivityPenalty
	}
	return clampDays(days)
}

func clampDays(days int) int {
	if days < MinExpiryDays {
		return MinExpiryDays
	}
	if days > MaxExpiryDays {
		return MaxExpiryDays
	}
	return days
}

// DaysLeft returns the whole days remaining before an active batch expires.
// Batches that are no longer active, or already past expiry, report zero.
func DaysLeft(batch models.TokenBatch, now time.Time) int {
	if batch.Status != models.BatchActive {
		return 0
	}
	remaining := batch.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / (24 * time.Hour))
}

// Bar renders days left as a fixed-width bar, one filled cell per three days.
func Bar(daysLeft int) string {
	full := daysLeft / daysPerBar
	if full < 0 {
		full = 0
	}
	if full > barCells {
		full = barCells
	}
	return strings.Repeat("█", full) + strings.Repeat("░", barCells-full)
}

// WarningMessage returns the notification text for a batch with the given
// days left, and false when no warning is due.
func WarningMessage(count, daysLeft int) (string, bool) {
	switch daysLeft {
	case 3, 2, 1:
		return fmt.Sprintf("You have %d tokens expiring in %d days.", count, daysLeft), true
	case 0:
		return fmt.Sprintf("Your %d tokens expire today!", count), true
	default:
		return "", false
	}
}
