// Package payments is the anti-corruption layer between the PropCanvas
// billing core and third-party payment back-ends. Each back-end implements
// the Provider contract; everything above this package (router, orchestrator,
// reconciliation engine) is provider-agnostic.
//
// All outbound HTTP is routed through the BaseClient, which enforces the
// platform's resilience patterns: circuit breaking, retries with exponential
// backoff, and error mapping.
package payments

import (
	"context"

	"propcanvas/internal/types"
)

// Provider is the contract every billing back-end must satisfy. Every
// operation is independently failable; errors surface to the caller
// untransformed so the provider's own error detail is retained. No operation
// retries at this layer beyond what BaseClient does for transport failures.
type Provider interface {
	// Type identifies the back-end for routing, storage, and webhook paths.
	Type() types.ProviderType

	// CreateCustomer registers a billing customer with the back-end.
	// The orchestrator only calls this when no external customer id is
	// cached for the (user, provider) pair, so it is idempotent from the
	// caller's perspective.
	CreateCustomer(ctx context.Context, email, name, phone string) (types.CustomerRef, error)

	// CreateSubscription starts a recurring subscription. Back-ends that
	// cannot activate without a hosted payment-method collection step
	// return a PENDING subscription with a CheckoutURL; back-ends with
	// direct subscription creation return provider-native status and
	// period bounds, plus an optional short URL.
	CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.ProviderSubscription, error)

	// UpdateSubscription changes the plan or quantity of an existing
	// subscription, either immediately or at the end of the current cycle.
	UpdateSubscription(ctx context.Context, externalID string, params types.UpdateSubscriptionParams) (*types.ProviderSubscription, error)

	// CancelSubscription cancels, either at cycle end or immediately.
	CancelSubscription(ctx context.Context, externalID string, cancelAtCycleEnd bool) (*types.ProviderSubscription, error)

	// FetchPayment retrieves a single payment by its provider-native id.
	FetchPayment(ctx context.Context, externalID string) (*types.ProviderPayment, error)

	// RefundPayment refunds a captured payment. amount <= 0 refunds in full.
	RefundPayment(ctx context.Context, externalID string, amount int64) (*types.ProviderRefund, error)

	// FetchInvoice retrieves a single invoice by its provider-native id.
	FetchInvoice(ctx context.Context, externalID string) (*types.ProviderInvoice, error)

	// VerifyWebhookSignature checks the authenticity of an inbound webhook
	// delivery against the raw (pre-parse) request body. Each back-end
	// defines its own signing scheme; implementations MUST use
	// constant-time comparison. A nil return means the signature is valid.
	VerifyWebhookSignature(payload []byte, signatureHeader string, secret string) error
}

// HostedCheckoutProvider is the optional capability for back-ends that cannot
// activate a subscription without a hosted payment-method collection step.
// Subscriptions created through such a back-end are stored as PENDING
// placeholders holding the checkout-session id; the checkout-completed
// webhook swaps in the live subscription id and activates the record.
type HostedCheckoutProvider interface {
	// HostedCheckout reports whether CreateSubscription returns a
	// checkout-session placeholder the customer must complete before the
	// live subscription exists.
	HostedCheckout() bool
}

// PaymentSignatureVerifier is the optional capability for back-ends that
// support client-side payment confirmation signatures. Callers type-assert
// a Provider to this interface; back-ends without the capability simply do
// not implement it.
type PaymentSignatureVerifier interface {
	// VerifyPaymentSignature checks the signature a client submits after
	// completing payment in the provider's browser SDK. A nil return means
	// the payment is genuine.
	VerifyPaymentSignature(orderID, paymentID, signature string) error
}
