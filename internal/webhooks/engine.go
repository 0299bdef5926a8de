// Package webhooks implements the reconciliation engine: verification,
// archival, and idempotent application of inbound payment-provider events.
// Each call is a stateless function over shared persistent state; providers
// retry on non-2xx, so the engine is careful to fail only when retrying can
// help (signature problems and downstream outages) and to absorb everything
// else as a logged no-op.
package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"propcanvas/internal/billing"
	"propcanvas/internal/payments"
	"propcanvas/internal/telemetry"
	"propcanvas/internal/types"
)

// SubscriptionStore is the subset of the subscription repository the engine needs.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*types.Subscription, error)
	GetByExternalID(ctx context.Context, provider types.ProviderType, externalID string) (*types.Subscription, error)
	UpdateStatus(ctx context.Context, id string, status types.SubscriptionStatus) error
	ReplaceExternalID(ctx context.Context, id string, externalID string) error
	ApplyPeriod(ctx context.Context, id string, status types.SubscriptionStatus, periodStart, periodEnd time.Time) error
}

// PaymentStore is the subset of the payment repository the engine needs.
// Create reports whether the row was inserted; false means the payment was
// already recorded and the event is a duplicate delivery.
type PaymentStore interface {
	Create(ctx context.Context, payment *types.Payment) (bool, error)
	GetByExternalID(ctx context.Context, provider types.ProviderType, externalID string) (*types.Payment, error)
}

// OrganizationStore is the subset of the organization repository the engine needs.
type OrganizationStore interface {
	UpdatePlan(ctx context.Context, orgID string, plan types.PlanTier, monthlyLimit int, activeSubscriptionID string) error
}

// Archiver persists verified raw webhook payloads for reconciliation.
type Archiver interface {
	Archive(ctx context.Context, id string, provider types.ProviderType, eventType string, payload []byte) error
}

// Result describes what the engine did with a delivery.
type Result struct {
	Provider  types.ProviderType
	EventType string              // provider-native event name
	Internal  types.InternalEvent // empty when the event has no mapping
	Handled   bool                // false for unmapped or unmatched events
	Duplicate bool                // true when a payment event was already applied
}

// event is the provider-neutral parse of a webhook body.
type event struct {
	nativeID   string
	nativeType string
	internal   types.InternalEvent

	// Subscription correlation. externalSubID is the provider-native
	// subscription id; referenceID is the internal subscription id echoed
	// back by checkout-session providers.
	externalSubID string
	referenceID   string
	newExternalID string // live subscription id replacing a checkout placeholder

	status      types.SubscriptionStatus
	periodStart time.Time
	periodEnd   time.Time

	payment *paymentDetails
}

// paymentDetails carries the payment fields extracted from charge, failure,
// and refund events.
type paymentDetails struct {
	externalID string
	orderID    string
	amount     int64
	currency   string
	method     string
	errorCode  string
	errorDesc  string
}

// Engine verifies, archives, and applies inbound provider events.
type Engine struct {
	registry *payments.Registry
	secrets  map[types.ProviderType]string
	subs     SubscriptionStore
	pays     PaymentStore
	orgs     OrganizationStore
	archive  Archiver
	metrics  telemetry.BillingMetrics
	logger   *slog.Logger
}

// NewEngine wires the reconciliation engine. secrets maps each provider to
// its webhook signing secret; a provider without a secret rejects deliveries.
func NewEngine(
	registry *payments.Registry,
	secrets map[types.ProviderType]string,
	subs SubscriptionStore,
	pays PaymentStore,
	orgs OrganizationStore,
	archive Archiver,
	metrics telemetry.BillingMetrics,
	logger *slog.Logger,
) *Engine {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		secrets:  secrets,
		subs:     subs,
		pays:     pays,
		orgs:     orgs,
		archive:  archive,
		metrics:  metrics,
		logger:   logger,
	}
}

// Handle processes one inbound delivery. providerName comes from the webhook
// URL path. The raw body must be the exact bytes received; both providers
// sign the unparsed payload.
func (e *Engine) Handle(ctx context.Context, providerName string, body []byte, signatureHeader string) (*Result, error) {
	pt := types.ProviderType(providerName)
	if !pt.Valid() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationProvider,
			"unsupported webhook provider",
			nil,
			map[string]any{"provider": providerName},
		)
	}
	provider := e.registry.Get(pt)
	if provider == nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationProvider,
			"webhook provider is not configured",
			nil,
			map[string]any{"provider": providerName},
		)
	}

	secret := e.secrets[pt]
	if secret == "" {
		return nil, types.NewAppError(
			types.ErrCodeSignatureMissing,
			"no webhook secret configured for provider",
			nil,
		)
	}
	if err := provider.VerifyWebhookSignature(body, signatureHeader, secret); err != nil {
		return nil, err
	}

	ev, err := e.parse(pt, body)
	if err != nil {
		return nil, err
	}

	e.archivePayload(ctx, pt, ev, body)

	res := &Result{Provider: pt, EventType: ev.nativeType, Internal: ev.internal}
	if ev.internal == "" {
		e.logger.InfoContext(ctx, "unhandled webhook event",
			"provider", string(pt),
			"event", ev.nativeType,
		)
		e.metrics.RecordWebhookEvent(ctx, pt, ev.nativeType)
		return res, nil
	}

	switch ev.internal {
	case types.EventSubscriptionActivated:
		res.Handled, err = e.applyActivated(ctx, pt, ev)
	case types.EventSubscriptionCharged:
		res.Handled, res.Duplicate, err = e.applyCharged(ctx, pt, ev)
	case types.EventSubscriptionCancelled:
		res.Handled, err = e.applyCancelled(ctx, pt, ev)
	case types.EventPaymentFailed:
		res.Handled, err = e.applyFailed(ctx, pt, ev)
	case types.EventPaymentRefunded:
		res.Handled, res.Duplicate, err = e.applyRefunded(ctx, pt, ev)
	}
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		e.metrics.RecordWebhookDuplicate(ctx, pt, ev.nativeType)
	} else {
		e.metrics.RecordWebhookEvent(ctx, pt, ev.nativeType)
	}

	e.logger.InfoContext(ctx, "webhook event processed",
		"provider", string(pt),
		"event", ev.nativeType,
		"internal", string(ev.internal),
		"handled", res.Handled,
		"duplicate", res.Duplicate,
	)

	return res, nil
}

// parse dispatches to the provider-specific body parser.
func (e *Engine) parse(pt types.ProviderType, body []byte) (*event, error) {
	if pt == types.ProviderStripe {
		return parseStripeEvent(body)
	}
	return parseRazorpayEvent(body)
}

// archivePayload compresses and stores the verified raw body. Archival is
// best effort: losing an audit row is not worth failing a delivery the
// provider will retry with side effects already applied.
func (e *Engine) archivePayload(ctx context.Context, pt types.ProviderType, ev *event, body []byte) {
	if e.archive == nil {
		return
	}
	id := ev.nativeID
	if id == "" {
		id = uuid.New().String()
	}
	eventType := string(ev.internal)
	if eventType == "" {
		eventType = ev.nativeType
	}
	if err := e.archive.Archive(ctx, id, pt, eventType, body); err != nil {
		e.logger.WarnContext(ctx, "webhook archive failed",
			"provider", string(pt),
			"event", ev.nativeType,
			"error", err,
		)
	}
}

// findSubscription locates the subscription an event refers to. Checkout
// providers correlate by the internal reference id; everything else by the
// provider-native subscription id. A nil, nil return means no matching
// record: the delivery is acknowledged without side effects.
func (e *Engine) findSubscription(ctx context.Context, pt types.ProviderType, ev *event) (*types.Subscription, error) {
	var (
		sub *types.Subscription
		err error
	)
	switch {
	case ev.referenceID != "":
		sub, err = e.subs.GetByID(ctx, ev.referenceID)
	case ev.externalSubID != "":
		sub, err = e.subs.GetByExternalID(ctx, pt, ev.externalSubID)
	default:
		return nil, nil
	}
	if err != nil {
		if types.IsErrorCode(err, types.ErrCodeNotFoundSubscription) {
			e.logger.InfoContext(ctx, "webhook references unknown subscription",
				"provider", string(pt),
				"external_subscription_id", ev.externalSubID,
				"reference_id", ev.referenceID,
			)
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// applyActivated marks the subscription ACTIVE. Checkout completions also
// swap the session placeholder for the live subscription id.
func (e *Engine) applyActivated(ctx context.Context, pt types.ProviderType, ev *event) (bool, error) {
	sub, err := e.findSubscription(ctx, pt, ev)
	if err != nil || sub == nil {
		return false, err
	}

	if ev.newExternalID != "" && ev.newExternalID != sub.ExternalSubscriptionID {
		if err := e.subs.ReplaceExternalID(ctx, sub.ID, ev.newExternalID); err != nil {
			return false, err
		}
	}

	if !ev.periodEnd.IsZero() {
		return true, e.subs.ApplyPeriod(ctx, sub.ID, types.SubStatusActive, ev.periodStart, ev.periodEnd)
	}
	return true, e.subs.UpdateStatus(ctx, sub.ID, types.SubStatusActive)
}

// applyCharged records a captured payment and advances the billing period.
// Payment creation is the idempotency point: a duplicate delivery finds the
// row already present and returns success without re-applying the period.
func (e *Engine) applyCharged(ctx context.Context, pt types.ProviderType, ev *event) (handled, duplicate bool, err error) {
	sub, err := e.findSubscription(ctx, pt, ev)
	if err != nil || sub == nil {
		return false, false, err
	}
	if ev.payment == nil || ev.payment.externalID == "" {
		e.logger.WarnContext(ctx, "charge event without payment details",
			"provider", string(pt),
			"subscription_id", sub.ID,
		)
		return false, false, nil
	}

	inserted, err := e.pays.Create(ctx, &types.Payment{
		ID:                "pay_" + uuid.New().String(),
		UserID:            sub.UserID,
		SubscriptionID:    sub.ID,
		Provider:          pt,
		ExternalPaymentID: ev.payment.externalID,
		ExternalOrderID:   ev.payment.orderID,
		Amount:            ev.payment.amount,
		Currency:          ev.payment.currency,
		Status:            types.PaymentCaptured,
		Method:            ev.payment.method,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return false, false, err
	}
	if !inserted {
		return true, true, nil
	}

	e.metrics.RecordPaymentCaptured(ctx, pt)

	if !ev.periodEnd.IsZero() {
		if err := e.subs.ApplyPeriod(ctx, sub.ID, types.SubStatusActive, ev.periodStart, ev.periodEnd); err != nil {
			return false, false, err
		}
	}
	return true, false, nil
}

// applyCancelled terminates the subscription and downgrades its organization
// to the FREE plan.
func (e *Engine) applyCancelled(ctx context.Context, pt types.ProviderType, ev *event) (bool, error) {
	sub, err := e.findSubscription(ctx, pt, ev)
	if err != nil || sub == nil {
		return false, err
	}

	status := types.SubStatusCancelled
	if ev.status == types.SubStatusExpired {
		status = types.SubStatusExpired
	}
	if err := e.subs.UpdateStatus(ctx, sub.ID, status); err != nil {
		return false, err
	}
	if sub.OrganizationID != "" {
		if err := e.orgs.UpdatePlan(ctx, sub.OrganizationID, types.PlanFree, billing.FreeQuota, ""); err != nil {
			return false, err
		}
	}
	return true, nil
}

// applyFailed records the failed payment and moves the subscription to
// PAST_DUE. The provider keeps retrying the charge on its own schedule; a
// later successful charge reactivates via applyCharged.
func (e *Engine) applyFailed(ctx context.Context, pt types.ProviderType, ev *event) (bool, error) {
	sub, err := e.findSubscription(ctx, pt, ev)
	if err != nil || sub == nil {
		return false, err
	}

	if ev.payment != nil && ev.payment.externalID != "" {
		if _, err := e.pays.Create(ctx, &types.Payment{
			ID:                "pay_" + uuid.New().String(),
			UserID:            sub.UserID,
			SubscriptionID:    sub.ID,
			Provider:          pt,
			ExternalPaymentID: ev.payment.externalID,
			ExternalOrderID:   ev.payment.orderID,
			Amount:            ev.payment.amount,
			Currency:          ev.payment.currency,
			Status:            types.PaymentFailed,
			Method:            ev.payment.method,
			ErrorCode:         ev.payment.errorCode,
			ErrorDescription:  ev.payment.errorDesc,
			CreatedAt:         time.Now().UTC(),
		}); err != nil {
			return false, err
		}
	}

	e.metrics.RecordPaymentFailed(ctx, pt)

	return true, e.subs.UpdateStatus(ctx, sub.ID, types.SubStatusPastDue)
}

// applyRefunded writes a new REFUNDED payment record referencing the original
// payment. The original CAPTURED record is never mutated.
func (e *Engine) applyRefunded(ctx context.Context, pt types.ProviderType, ev *event) (handled, duplicate bool, err error) {
	if ev.payment == nil || ev.payment.externalID == "" {
		return false, false, nil
	}

	original, err := e.pays.GetByExternalID(ctx, pt, ev.payment.orderID)
	if err != nil {
		if types.IsErrorCode(err, types.ErrCodeNotFoundPayment) {
			e.logger.InfoContext(ctx, "refund references unknown payment",
				"provider", string(pt),
				"payment_id", ev.payment.orderID,
			)
			return false, false, nil
		}
		return false, false, err
	}

	inserted, err := e.pays.Create(ctx, &types.Payment{
		ID:                "pay_" + uuid.New().String(),
		UserID:            original.UserID,
		SubscriptionID:    original.SubscriptionID,
		Provider:          pt,
		ExternalPaymentID: ev.payment.externalID,
		ExternalOrderID:   original.ExternalPaymentID,
		Amount:            ev.payment.amount,
		Currency:          ev.payment.currency,
		Status:            types.PaymentRefunded,
		Method:            original.Method,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return false, false, err
	}
	return true, !inserted, nil
}
