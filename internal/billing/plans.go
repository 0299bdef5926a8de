// Package billing provides the plan catalog, pricing rules, and external
// plan id resolution for the PropCanvas billing core.
package billing

import "propcanvas/internal/types"

// UnlimitedQuota is the sentinel monthly quota for plans with no cap.
const UnlimitedQuota = -1

// FreeQuota is the monthly infographic quota an organization falls back to
// when its subscription is cancelled.
const FreeQuota = 3

// Plan describes a sellable tier: its monthly price in major currency units,
// its monthly infographic quota, and the feature keys the dashboard gates on.
type Plan struct {
	Tier         types.PlanTier
	MonthlyPrice int64 // major currency units; Subscription.Amount = price * 100
	MonthlyQuota int   // UnlimitedQuota means no cap
	Features     []string
}

// Catalog is the authoritative plan table. This is the single source of truth
// for what each tier costs and allows.
type Catalog interface {
	// Get returns the plan for the given tier. Unknown tiers return the
	// Free plan to fail safely.
	Get(tier types.PlanTier) Plan
}

// staticCatalog is a compile-time catalog backed by an in-memory map.
type staticCatalog struct {
	plans map[types.PlanTier]Plan
}

var planDefaults = map[types.PlanTier]Plan{
	types.PlanFree: {
		Tier:         types.PlanFree,
		MonthlyPrice: 0,
		MonthlyQuota: FreeQuota,
		Features:     []string{"basic_templates", "watermarked_export"},
	},
	types.PlanSolo: {
		Tier:         types.PlanSolo,
		MonthlyPrice: 999,
		MonthlyQuota: 50,
		Features:     []string{"all_templates", "hd_export", "brand_kit"},
	},
	types.PlanTeam: {
		Tier:         types.PlanTeam,
		MonthlyPrice: 2499,
		MonthlyQuota: 200,
		Features:     []string{"all_templates", "hd_export", "brand_kit", "team_seats", "shared_library"},
	},
	types.PlanBrokerage: {
		Tier:         types.PlanBrokerage,
		MonthlyPrice: 6999,
		MonthlyQuota: 1000,
		Features:     []string{"all_templates", "hd_export", "brand_kit", "team_seats", "shared_library", "priority_render", "custom_branding"},
	},
	types.PlanAPIStarter: {
		Tier:         types.PlanAPIStarter,
		MonthlyPrice: 4999,
		MonthlyQuota: 2500,
		Features:     []string{"api_access", "webhook_callbacks"},
	},
	types.PlanAPIGrowth: {
		Tier:         types.PlanAPIGrowth,
		MonthlyPrice: 14999,
		MonthlyQuota: 10000,
		Features:     []string{"api_access", "webhook_callbacks", "bulk_render"},
	},
	types.PlanAPIEnterprise: {
		Tier:         types.PlanAPIEnterprise,
		MonthlyPrice: 49999,
		MonthlyQuota: UnlimitedQuota,
		Features:     []string{"api_access", "webhook_callbacks", "bulk_render", "dedicated_support", "sla"},
	},
}

// freePlan is cached to avoid map lookups on the fallback path.
var freePlan = planDefaults[types.PlanFree]

// NewStaticCatalog returns a Catalog backed by the hardcoded plan table.
// This is the standard production implementation; no database or external
// service is required.
func NewStaticCatalog() Catalog {
	// Copy the defaults so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]Plan, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticCatalog{plans: m}
}

// Get returns the plan for the given tier, or the Free plan for unknown tiers.
func (c *staticCatalog) Get(tier types.PlanTier) Plan {
	if p, ok := c.plans[tier]; ok {
		return p
	}
	return freePlan
}
