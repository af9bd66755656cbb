package tokens

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation indicates malformed batch inputs; nothing was persisted.
var ErrValidation = errors.New("tokens: invalid input")

// RewardTier is a participant's performance rank.
type RewardTier string

// Known reward tiers. White and gray earn no expiry bonus.
const (
	TierWhite  RewardTier = "white"
	TierGray   RewardTier = "gray"
	TierGreen  RewardTier = "green"
	TierSilver RewardTier = "silver"
	TierGold   RewardTier = "gold"
)

type tierRule struct {
	// bonus is added to the count-based expiry when the tier earns rewards.
	bonus int
	// rewarding is false for tiers that zero the base expiry.
	rewarding bool
}

var tierRules = map[RewardTier]tierRule{
	TierWhite:  {rewarding: false},
	TierGray:   {rewarding: false},
	TierGreen:  {bonus: 3, rewarding: true},
	TierSilver: {bonus: 5, rewarding: true},
	TierGold:   {bonus: 7, rewarding: true},
}

// ParseRewardTier normalises and validates a tier name.
func ParseRewardTier(raw string) (RewardTier, error) {
	tier := RewardTier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierRules[tier]; !ok {
		return "", fmt.Errorf("%w: unknown reward tier %q", ErrValidation, raw)
	}
	return tier, nil
}

// Valid reports whether the tier is one of the known ranks.
func (t RewardTier) Valid() bool {
	_, ok := tierRules[t]
	return ok
}

// Rewarding reports whether the tier earns token rewards at all.
func (t RewardTier) Rewarding() bool {
	return tierRules[t].rewarding
}

// ExpiryBonus returns the days the tier adds to a batch expiry.
func (t RewardTier) ExpiryBonus() int {
	return tierRules[t].bonus
}

func (t RewardTier) String() string { return string(t) }
