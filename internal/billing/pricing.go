package billing

import (
	"math"

	"propcanvas/internal/types"
)

// annualDiscount is the flat discount applied to annual billing: twelve
// monthly payments at 85% of list price.
const annualDiscount = 0.85

// AnnualPrice computes the annual list price from a monthly price using the
// flat 15% discount: round(monthly * 12 * 0.85). Rounding is half-away-from-
// zero, so monthly 1000 -> 10200 and monthly 999 -> 10190.
func AnnualPrice(monthly int64) int64 {
	return int64(math.Round(float64(monthly) * 12 * annualDiscount))
}

// PriceFor returns the charge for a plan on the given billing period, in
// major currency units.
func PriceFor(plan Plan, period types.BillingPeriod) int64 {
	if period == types.PeriodAnnual {
		return AnnualPrice(plan.MonthlyPrice)
	}
	return plan.MonthlyPrice
}

// AmountMinor converts a major-unit price to the minor-unit amount stored on
// Subscription records (both INR and the supported card currencies use a
// hundredth minor unit).
func AmountMinor(price int64) int64 {
	return price * 100
}
