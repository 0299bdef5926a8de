// Package types defines the shared domain model for the PropCanvas billing
// core: users, organizations, subscriptions, payments, usage records, and the
// provider-neutral shapes exchanged with payment back-ends.
package types

import "time"

// User is the billing-relevant projection of an account record. The full user
// record (profile, auth identities) is owned by the account service; this core
// consumes only what the subscription orchestrator needs.
type User struct {
	ID             string
	Email          string
	Name           string
	Phone          string
	OrganizationID string // empty for personal accounts

	// Per-provider external customer ids, created lazily on the first
	// subscription attempt with that provider.
	RazorpayCustomerID string
	StripeCustomerID   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustomerIDFor returns the cached external customer id for the given
// provider, or "" if none has been created yet.
func (u *User) CustomerIDFor(p ProviderType) string {
	switch p {
	case ProviderRazorpay:
		return u.RazorpayCustomerID
	case ProviderStripe:
		return u.StripeCustomerID
	}
	return ""
}

// Organization holds the plan state shared by a team of users.
// Plan and MonthlyLimit are mutated by the subscription orchestrator on
// subscribe/upgrade/cancel and by the reconciliation engine on
// subscription-cancelled events (downgrade to FREE).
type Organization struct {
	ID                   string
	Name                 string
	Plan                 PlanTier
	MonthlyLimit         int // -1 means unlimited
	ActiveSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Subscription is the internal record of a recurring billing agreement.
// Created by the orchestrator on subscribe; status mutated only by the
// orchestrator (user actions) or the reconciliation engine (webhook events);
// never deleted, only superseded.
type Subscription struct {
	ID                     string
	UserID                 string
	OrganizationID         string // optional
	Provider               ProviderType
	ExternalSubscriptionID string
	ExternalPlanID         string
	PlanTier               PlanTier
	Status                 SubscriptionStatus
	BillingPeriod          BillingPeriod
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	Amount                 int64 // minor currency units
	Currency               string
	CancelAtPeriodEnd      bool
	CancelledAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Payment is an immutable record of a charge, failure, or refund reported by
// a provider. The pair (ExternalPaymentID, Provider) is unique and serves as
// the idempotency key for webhook-driven creation.
type Payment struct {
	ID                string
	UserID            string
	SubscriptionID    string
	Provider          ProviderType
	ExternalPaymentID string
	ExternalOrderID   string // optional order/invoice reference
	Amount            int64  // minor currency units
	Currency          string
	Status            PaymentStatus
	Method            string
	ErrorCode         string
	ErrorDescription  string
	CreatedAt         time.Time
}

// UsageRecord is an append-only entry produced by the generation pipeline.
// This core only reads aggregates of these records to compute quota
// consumption; it never writes or mutates them.
type UsageRecord struct {
	ID             string
	OrganizationID string
	UserID         string
	Credits        int
	CostCents      int64
	CreatedAt      time.Time
}

// ---------------------------------------------------------------------------
// Provider-neutral shapes (returned by every payment back-end)
// ---------------------------------------------------------------------------

// CustomerRef is the provider-native handle for a billing customer.
type CustomerRef struct {
	Provider   ProviderType
	CustomerID string
	Email      string
}

// CreateSubscriptionParams carries the provider-neutral inputs for creating
// a recurring subscription with a back-end.
type CreateSubscriptionParams struct {
	PlanID     string
	CustomerID string
	TotalCount int // number of billing cycles; 0 means provider default
	Quantity   int
	Notify     bool

	// Checkout-session providers only.
	SuccessURL  string
	CancelURL   string
	Currency    string
	Amount      int64  // minor units; used when the provider prices per session
	ReferenceID string // internal correlation id echoed back in checkout webhooks
}

// UpdateSubscriptionParams carries the provider-neutral inputs for a plan or
// quantity change on an existing subscription.
type UpdateSubscriptionParams struct {
	PlanID           string
	Quantity         int
	ScheduleCycleEnd bool // defer the change to the end of the current period
}

// ProviderSubscription is the uniform subscription shape returned by every
// back-end. Providers that cannot create an active subscription without a
// hosted payment-method collection step return a CheckoutURL; the orchestrator
// branches once on "do I have a checkout URL" rather than on provider identity.
type ProviderSubscription struct {
	ExternalID         string
	PlanID             string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CheckoutURL        string // hosted checkout or short URL, when applicable
}

// ProviderPayment is the uniform payment shape returned by fetchPayment.
type ProviderPayment struct {
	ExternalID       string
	OrderID          string
	Amount           int64
	Currency         string
	Status           PaymentStatus
	Method           string
	ErrorCode        string
	ErrorDescription string
	CreatedAt        time.Time
}

// ProviderRefund is the uniform refund shape returned by refundPayment.
type ProviderRefund struct {
	ExternalID string
	PaymentID  string
	Amount     int64
	Currency   string
	CreatedAt  time.Time
}

// ProviderInvoice is the uniform invoice shape returned by fetchInvoice.
type ProviderInvoice struct {
	ExternalID  string
	Amount      int64
	Currency    string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	PaidAt      *time.Time
}

// ---------------------------------------------------------------------------
// Usage gate shapes
// ---------------------------------------------------------------------------

// UsageSnapshot is the current consumption picture for an organization.
// Serialized directly in the GET /v1/usage response.
type UsageSnapshot struct {
	Plan        PlanTier  `json:"plan"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"` // -1 means unlimited
	Percentage  float64   `json:"percentage"` // 0 for unlimited plans
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// UsageAlert is the payload enqueued when consumption crosses an alert bucket.
type UsageAlert struct {
	OrganizationID string
	Level          UsageAlertLevel
	Used           int
	Limit          int
	Percentage     float64
	OccurredAt     time.Time
}
