package billing

import (
	"fmt"
	"strings"

	"propcanvas/internal/config"
	"propcanvas/internal/types"
)

// PlanIDTable resolves (tier, provider, billing period) to the provider-native
// plan/price id. It is assembled once at startup from configuration and
// validated eagerly: a deployment that cannot resolve a paid tier for the
// domestic provider refuses to start rather than failing per request.
type PlanIDTable struct {
	ids map[planKey]string
}

type planKey struct {
	tier     types.PlanTier
	provider types.ProviderType
	period   types.BillingPeriod
}

// paidTiers lists every tier that must resolve for the domestic provider.
var paidTiers = []types.PlanTier{
	types.PlanSolo,
	types.PlanTeam,
	types.PlanBrokerage,
	types.PlanAPIStarter,
	types.PlanAPIGrowth,
	types.PlanAPIEnterprise,
}

var billingPeriods = []types.BillingPeriod{types.PeriodMonthly, types.PeriodAnnual}

// NewPlanIDTable builds the plan id table from configuration. For each
// (tier, provider, period) cell the precedence is:
//
//	period-specific configured value -> tier default configured value ->
//	hardcoded fallback id.
//
// The fallback follows the provider's naming convention:
// "plan_<tier>_<period>" for Razorpay and "price_<tier>_<period>" for Stripe,
// lowercased. Construction fails if any paid tier resolves to an empty id for
// Razorpay, which cannot happen with the fallback in place but guards against
// future tiers being added to the catalog without a mapping.
func NewPlanIDTable(cfg config.PlanIDConfig) (*PlanIDTable, error) {
	t := &PlanIDTable{ids: make(map[planKey]string)}

	for _, tier := range paidTiers {
		for _, period := range billingPeriods {
			t.ids[planKey{tier, types.ProviderRazorpay, period}] = resolve(
				periodOverride(cfg, types.ProviderRazorpay, tier, period),
				tierDefault(cfg, types.ProviderRazorpay, tier),
				fallbackID(types.ProviderRazorpay, tier, period),
			)
			t.ids[planKey{tier, types.ProviderStripe, period}] = resolve(
				periodOverride(cfg, types.ProviderStripe, tier, period),
				tierDefault(cfg, types.ProviderStripe, tier),
				fallbackID(types.ProviderStripe, tier, period),
			)
		}
	}

	for _, tier := range paidTiers {
		for _, period := range billingPeriods {
			if t.ids[planKey{tier, types.ProviderRazorpay, period}] == "" {
				return nil, fmt.Errorf("plan id table: no razorpay id for %s/%s", tier, period)
			}
		}
	}

	return t, nil
}

// Resolve returns the provider-native plan id for the combination, or a
// plan-not-configured error suitable for surfacing to the user.
func (t *PlanIDTable) Resolve(tier types.PlanTier, provider types.ProviderType, period types.BillingPeriod) (string, error) {
	id, ok := t.ids[planKey{tier, provider, period}]
	if !ok || id == "" {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodePlanNotConfigured,
			fmt.Sprintf("plan %s is not configured for %s %s billing", tier, provider, period),
			nil,
			map[string]any{"tier": tier, "provider": provider, "period": period},
		)
	}
	return id, nil
}

// resolve applies the precedence chain, returning the first non-empty value.
func resolve(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// fallbackID derives the conventional id used when no configuration override
// exists. Test-mode provider accounts are seeded with plans under these names.
func fallbackID(provider types.ProviderType, tier types.PlanTier, period types.BillingPeriod) string {
	prefix := "plan"
	if provider == types.ProviderStripe {
		prefix = "price"
	}
	return fmt.Sprintf("%s_%s_%s", prefix, strings.ToLower(string(tier)), period)
}

// periodOverride returns the period-specific configured id for the cell, if any.
func periodOverride(cfg config.PlanIDConfig, provider types.ProviderType, tier types.PlanTier, period types.BillingPeriod) string {
	annual := period == types.PeriodAnnual
	if provider == types.ProviderRazorpay {
		switch tier {
		case types.PlanSolo:
			return pick(annual, cfg.RazorpaySoloAnnual, cfg.RazorpaySoloMonthly)
		case types.PlanTeam:
			return pick(annual, cfg.RazorpayTeamAnnual, cfg.RazorpayTeamMonthly)
		case types.PlanBrokerage:
			return pick(annual, cfg.RazorpayBrokerageAnnual, cfg.RazorpayBrokerageMonthly)
		}
		return ""
	}
	switch tier {
	case types.PlanSolo:
		return pick(annual, cfg.StripeSoloAnnual, cfg.StripeSoloMonthly)
	case types.PlanTeam:
		return pick(annual, cfg.StripeTeamAnnual, cfg.StripeTeamMonthly)
	case types.PlanBrokerage:
		return pick(annual, cfg.StripeBrokerageAnnual, cfg.StripeBrokerageMonthly)
	}
	return ""
}

// tierDefault returns the tier-level configured id for the cell, if any.
// API tiers are sold monthly only, so their single configured value acts as
// the tier default for both periods.
func tierDefault(cfg config.PlanIDConfig, provider types.ProviderType, tier types.PlanTier) string {
	if provider == types.ProviderRazorpay {
		switch tier {
		case types.PlanSolo:
			return cfg.RazorpaySolo
		case types.PlanTeam:
			return cfg.RazorpayTeam
		case types.PlanBrokerage:
			return cfg.RazorpayBrokerage
		case types.PlanAPIStarter:
			return cfg.RazorpayAPIStarter
		case types.PlanAPIGrowth:
			return cfg.RazorpayAPIGrowth
		case types.PlanAPIEnterprise:
			return cfg.RazorpayAPIEnterprise
		}
		return ""
	}
	switch tier {
	case types.PlanSolo:
		return cfg.StripeSolo
	case types.PlanTeam:
		return cfg.StripeTeam
	case types.PlanBrokerage:
		return cfg.StripeBrokerage
	case types.PlanAPIStarter:
		return cfg.StripeAPIStarter
	case types.PlanAPIGrowth:
		return cfg.StripeAPIGrowth
	case types.PlanAPIEnterprise:
		return cfg.StripeAPIEnterprise
	}
	return ""
}

func pick(annual bool, annualID, monthlyID string) string {
	if annual {
		return annualID
	}
	return monthlyID
}
