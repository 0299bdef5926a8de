package types

// PlanTier identifies the billing plan for a user or organization.
// The API_ prefixed tiers are metered by credit consumption rather than
// per-seat limits, but share the same subscription and payment model.
type PlanTier string

const (
	PlanFree          PlanTier = "FREE"
	PlanSolo          PlanTier = "SOLO"
	PlanTeam          PlanTier = "TEAM"
	PlanBrokerage     PlanTier = "BROKERAGE"
	PlanAPIStarter    PlanTier = "API_STARTER"
	PlanAPIGrowth     PlanTier = "API_GROWTH"
	PlanAPIEnterprise PlanTier = "API_ENTERPRISE"
)

// IsAPITier reports whether the tier is metered by API credit consumption.
func (t PlanTier) IsAPITier() bool {
	switch t {
	case PlanAPIStarter, PlanAPIGrowth, PlanAPIEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus represents the lifecycle state of a subscription.
// CANCELLED and EXPIRED are terminal.
type SubscriptionStatus string

const (
	SubStatusPending   SubscriptionStatus = "PENDING"
	SubStatusActive    SubscriptionStatus = "ACTIVE"
	SubStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubStatusCancelled SubscriptionStatus = "CANCELLED"
	SubStatusExpired   SubscriptionStatus = "EXPIRED"
	SubStatusTrialing  SubscriptionStatus = "TRIALING"
	SubStatusPaused    SubscriptionStatus = "PAUSED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubStatusCancelled || s == SubStatusExpired
}

// PaymentStatus represents the outcome of a payment attempt.
// Payment records are immutable once written; a refund produces a new
// REFUNDED record referencing the original, never an in-place edit.
type PaymentStatus string

const (
	PaymentCaptured PaymentStatus = "CAPTURED"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentPending  PaymentStatus = "PENDING"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// ProviderType identifies a concrete payment back-end.
type ProviderType string

const (
	ProviderRazorpay ProviderType = "razorpay"
	ProviderStripe   ProviderType = "stripe"
)

// Valid reports whether the provider type is one this deployment knows about.
func (p ProviderType) Valid() bool {
	return p == ProviderRazorpay || p == ProviderStripe
}

// BillingPeriod selects the billing cadence for a subscription.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodAnnual  BillingPeriod = "annual"
)

// InternalEvent is the provider-neutral webhook event vocabulary.
// Provider-native event names are collapsed onto this set by the
// reconciliation engine; events with no mapping pass through under
// their native name and are logged as unhandled.
type InternalEvent string

const (
	EventSubscriptionActivated InternalEvent = "subscription.activated"
	EventSubscriptionCharged   InternalEvent = "subscription.charged"
	EventSubscriptionCancelled InternalEvent = "subscription.cancelled"
	EventPaymentFailed         InternalEvent = "payment.failed"
	EventPaymentRefunded       InternalEvent = "payment.refunded"
)

// UsageAlertLevel is the severity of a quota consumption alert.
// Levels map to non-overlapping half-open percentage buckets:
// [80,90) warning, [90,95) urgent, [95,100) final. At or above 100%
// no alert fires; generation is hard-blocked by the gate instead.
type UsageAlertLevel string

const (
	UsageAlertNone    UsageAlertLevel = ""
	UsageAlertWarning UsageAlertLevel = "warning"
	UsageAlertUrgent  UsageAlertLevel = "urgent"
	UsageAlertFinal   UsageAlertLevel = "final"
)
