// Package pricing holds the purchasable subscription tiers and their fiat
// prices in cents.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownTier    = errors.New("pricing: unknown tier")
	ErrUnknownPeriod  = errors.New("pricing: unknown billing period")
	ErrNotPurchasable = errors.New("pricing: tier has no purchasable price")
)

// Tier is a subscription level a project can hold.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise" // sales-assisted, never self-serve
)

// Period is a billing cadence.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodAnnual  Period = "annual"
)

// End returns the end of a billing period that starts at start.
func (p Period) End(start time.Time) time.Time {
	if p == PeriodAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

type key struct {
	tier   Tier
	period Period
}

// prices in USD cents. Annual is twelve months for the price of ten.
var prices = map[key]int64{
	{TierPro, PeriodMonthly}:      1499,
	{TierPro, PeriodAnnual}:       14990,
	{TierBusiness, PeriodMonthly}: 4999,
	{TierBusiness, PeriodAnnual}:  49990,
}

// Price returns the fiat price in cents for a tier and billing period.
func Price(tier Tier, period Period) (int64, error) {
	if period != PeriodMonthly && period != PeriodAnnual {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
	}
	switch tier {
	case TierFree, TierPro, TierBusiness, TierEnterprise:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	cents, ok := prices[key{tier, period}]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrNotPurchasable, tier, period)
	}
	return cents, nil
}

// ParseTier normalises a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierFree, TierPro, TierBusiness, TierEnterprise:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// ParsePeriod normalises a billing period name. "yearly" is accepted as an
// alias for annual.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "month":
		return PeriodMonthly, nil
	case "annual", "yearly", "year":
		return PeriodAnnual, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, s)
}
