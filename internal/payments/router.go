package payments

import (
	"strings"

	"propcanvas/internal/types"
)

// Registry holds the configured billing back-ends keyed by provider type.
// A back-end is registered only when its credentials are present, so
// membership doubles as the availability check.
type Registry struct {
	providers map[types.ProviderType]Provider
}

// NewRegistry builds a registry from the given providers. Nil entries are
// skipped so callers can pass conditionally constructed clients directly.
func NewRegistry(providers ...Provider) *Registry {
	reg := &Registry{providers: make(map[types.ProviderType]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			reg.providers[p.Type()] = p
		}
	}
	return reg
}

// Get returns the provider for the given type, or nil when unregistered.
func (r *Registry) Get(pt types.ProviderType) Provider {
	return r.providers[pt]
}

// Available reports whether a back-end is registered for the given type.
func (r *Registry) Available(pt types.ProviderType) bool {
	_, ok := r.providers[pt]
	return ok
}

// Types returns the registered provider types in a stable order.
func (r *Registry) Types() []types.ProviderType {
	out := make([]types.ProviderType, 0, len(r.providers))
	for _, pt := range []types.ProviderType{types.ProviderRazorpay, types.ProviderStripe} {
		if r.Available(pt) {
			out = append(out, pt)
		}
	}
	return out
}

// stripeCurrencies are the currencies that route to the card provider when
// it is enabled. Everything else stays on the local provider.
var stripeCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CAD": true,
	"AUD": true,
}

// razorpayRegions are regions served by the local provider regardless of the
// card provider's state.
var razorpayRegions = map[string]bool{
	"IN": true,
	"SG": true,
	"MY": true,
	"TH": true,
	"PH": true,
	"ID": true,
	"VN": true,
	"AE": true,
}

// stripeRegions are regions preferring the card provider when available.
var stripeRegions = map[string]bool{
	"US": true, "CA": true, "MX": true,
	"GB": true, "DE": true, "FR": true, "ES": true, "IT": true, "NL": true, "IE": true, "PT": true,
	"AU": true, "NZ": true,
}

// Router selects the billing back-end for a new subscription. Resolution is
// pure: the same inputs and registry state always pick the same provider, so
// a retry after a transient failure lands on the same back-end.
type Router struct {
	registry     *Registry
	stripeEnable bool
}

// NewRouter creates a Router over the given registry. stripeEnabled reflects
// the operator flag; a registered but disabled card provider is never picked
// implicitly, only by explicit override (which then fails hard).
func NewRouter(registry *Registry, stripeEnabled bool) *Router {
	return &Router{registry: registry, stripeEnable: stripeEnabled}
}

// Resolve picks the provider for the given preferred currency, region, and
// optional explicit override. Precedence: override, then currency, then
// region, then the local provider as the default.
func (r *Router) Resolve(currency, region string, override types.ProviderType) (Provider, error) {
	if override != "" {
		return r.resolveOverride(override)
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	region = strings.ToUpper(strings.TrimSpace(region))

	switch {
	case currency == "INR":
		return r.razorpay()
	case stripeCurrencies[currency]:
		return r.stripeOrFallback()
	case currency != "":
		return r.razorpay()
	case razorpayRegions[region]:
		return r.razorpay()
	case stripeRegions[region]:
		return r.stripeOrFallback()
	default:
		return r.razorpay()
	}
}

// resolveOverride honors an explicit provider choice. Unlike implicit
// routing there is no fallback: asking for a provider that is disabled or
// unconfigured is a caller error.
func (r *Router) resolveOverride(pt types.ProviderType) (Provider, error) {
	if !pt.Valid() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationProvider,
			"unsupported payment provider",
			nil,
			map[string]any{"provider": string(pt)},
		)
	}
	if pt == types.ProviderStripe && !r.stripeEnable {
		return nil, types.NewAppError(
			types.ErrCodeValidationProvider,
			"stripe billing is not enabled",
			nil,
		)
	}
	p := r.registry.Get(pt)
	if p == nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationProvider,
			"payment provider is not configured",
			nil,
			map[string]any{"provider": string(pt)},
		)
	}
	return p, nil
}

func (r *Router) razorpay() (Provider, error) {
	p := r.registry.Get(types.ProviderRazorpay)
	if p == nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"local payment provider is not configured",
			nil,
		)
	}
	return p, nil
}

// stripeOrFallback prefers the card provider when enabled and configured,
// otherwise falls back to the local provider.
func (r *Router) stripeOrFallback() (Provider, error) {
	if r.stripeEnable {
		if p := r.registry.Get(types.ProviderStripe); p != nil {
			return p, nil
		}
	}
	return r.razorpay()
}
