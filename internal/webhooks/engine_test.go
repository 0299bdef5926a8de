package webhooks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propcanvas/internal/payments"
	"propcanvas/internal/types"
)

// --- Stubs ---

// hookProvider is a payment back-end stub whose webhook signature check is
// scriptable. The remaining Provider methods are unused by the engine.
type hookProvider struct {
	providerType types.ProviderType
	verifyErr    error

	gotPayload   []byte
	gotSignature string
	gotSecret    string
}

func (p *hookProvider) Type() types.ProviderType { return p.providerType }

func (p *hookProvider) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) error {
	p.gotPayload = payload
	p.gotSignature = signatureHeader
	p.gotSecret = secret
	return p.verifyErr
}

func (p *hookProvider) CreateCustomer(ctx context.Context, email, name, phone string) (types.CustomerRef, error) {
	return types.CustomerRef{}, nil
}

func (p *hookProvider) CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.ProviderSubscription, error) {
	return &types.ProviderSubscription{}, nil
}

func (p *hookProvider) UpdateSubscription(ctx context.Context, externalID string, params types.UpdateSubscriptionParams) (*types.ProviderSubscription, error) {
	return &types.ProviderSubscription{}, nil
}

func (p *hookProvider) CancelSubscription(ctx context.Context, externalID string, cancelAtCycleEnd bool) (*types.ProviderSubscription, error) {
	return &types.ProviderSubscription{}, nil
}

func (p *hookProvider) FetchPayment(ctx context.Context, externalID string) (*types.ProviderPayment, error) {
	return &types.ProviderPayment{}, nil
}

func (p *hookProvider) RefundPayment(ctx context.Context, externalID string, amount int64) (*types.ProviderRefund, error) {
	return &types.ProviderRefund{}, nil
}

func (p *hookProvider) FetchInvoice(ctx context.Context, externalID string) (*types.ProviderInvoice, error) {
	return &types.ProviderInvoice{}, nil
}

type stubSubStore struct {
	byID       map[string]*types.Subscription
	byExternal map[string]*types.Subscription

	statusUpdates  map[string]types.SubscriptionStatus
	replacedIDs    map[string]string
	appliedPeriods map[string][2]time.Time
}

func newStubSubStore() *stubSubStore {
	return &stubSubStore{
		byID:           make(map[string]*types.Subscription),
		byExternal:     make(map[string]*types.Subscription),
		statusUpdates:  make(map[string]types.SubscriptionStatus),
		replacedIDs:    make(map[string]string),
		appliedPeriods: make(map[string][2]time.Time),
	}
}

func (s *stubSubStore) add(sub *types.Subscription) {
	s.byID[sub.ID] = sub
	if sub.ExternalSubscriptionID != "" {
		s.byExternal[sub.ExternalSubscriptionID] = sub
	}
}

func (s *stubSubStore) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	if sub, ok := s.byID[id]; ok {
		return sub, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription", nil)
}

func (s *stubSubStore) GetByExternalID(ctx context.Context, provider types.ProviderType, externalID string) (*types.Subscription, error) {
	if sub, ok := s.byExternal[externalID]; ok {
		return sub, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription", nil)
}

func (s *stubSubStore) UpdateStatus(ctx context.Context, id string, status types.SubscriptionStatus) error {
	s.statusUpdates[id] = status
	return nil
}

func (s *stubSubStore) ReplaceExternalID(ctx context.Context, id, externalID string) error {
	s.replacedIDs[id] = externalID
	return nil
}

func (s *stubSubStore) ApplyPeriod(ctx context.Context, id string, status types.SubscriptionStatus, periodStart, periodEnd time.Time) error {
	s.statusUpdates[id] = status
	s.appliedPeriods[id] = [2]time.Time{periodStart, periodEnd}
	return nil
}

type stubPayStore struct {
	created  []*types.Payment
	existing map[string]*types.Payment // keyed by external payment id
}

func newStubPayStore() *stubPayStore {
	return &stubPayStore{existing: make(map[string]*types.Payment)}
}

func (s *stubPayStore) Create(ctx context.Context, payment *types.Payment) (bool, error) {
	if _, ok := s.existing[payment.ExternalPaymentID]; ok {
		return false, nil
	}
	s.existing[payment.ExternalPaymentID] = payment
	s.created = append(s.created, payment)
	return true, nil
}

func (s *stubPayStore) GetByExternalID(ctx context.Context, provider types.ProviderType, externalID string) (*types.Payment, error) {
	if p, ok := s.existing[externalID]; ok {
		return p, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "no payment", nil)
}

type stubOrgStore struct {
	updates []string // orgID:plan
}

func (s *stubOrgStore) UpdatePlan(ctx context.Context, orgID string, plan types.PlanTier, monthlyLimit int, activeSubscriptionID string) error {
	s.updates = append(s.updates, orgID+":"+string(plan))
	return nil
}

type stubArchiver struct {
	archived []string // provider/eventType
	err      error
}

func (s *stubArchiver) Archive(ctx context.Context, id string, provider types.ProviderType, eventType string, payload []byte) error {
	s.archived = append(s.archived, string(provider)+"/"+eventType)
	return s.err
}

// recordingMetrics counts metric emissions without CloudWatch.
type recordingMetrics struct {
	events     int
	duplicates int
	captured   int
	failed     int
	alerts     int
}

func (m *recordingMetrics) RecordWebhookEvent(ctx context.Context, provider types.ProviderType, eventType string) {
	m.events++
}

func (m *recordingMetrics) RecordWebhookDuplicate(ctx context.Context, provider types.ProviderType, eventType string) {
	m.duplicates++
}

func (m *recordingMetrics) RecordPaymentCaptured(ctx context.Context, provider types.ProviderType) {
	m.captured++
}

func (m *recordingMetrics) RecordPaymentFailed(ctx context.Context, provider types.ProviderType) {
	m.failed++
}

func (m *recordingMetrics) RecordUsageAlert(ctx context.Context, level types.UsageAlertLevel) {
	m.alerts++
}

// --- Fixture ---

type engineFixture struct {
	provider *hookProvider
	subs     *stubSubStore
	pays     *stubPayStore
	orgs     *stubOrgStore
	archive  *stubArchiver
	metrics  *recordingMetrics
	engine   *Engine
}

func newEngineFixture(t *testing.T, pt types.ProviderType) *engineFixture {
	t.Helper()

	f := &engineFixture{
		provider: &hookProvider{providerType: pt},
		subs:     newStubSubStore(),
		pays:     newStubPayStore(),
		orgs:     &stubOrgStore{},
		archive:  &stubArchiver{},
		metrics:  &recordingMetrics{},
	}
	f.engine = NewEngine(
		payments.NewRegistry(f.provider),
		map[types.ProviderType]string{pt: "whsec_test"},
		f.subs, f.pays, f.orgs, f.archive, f.metrics, nil,
	)
	return f
}

func razorpayChargedBody(subID, paymentID string, amount int64, periodEnd int64) []byte {
	return []byte(fmt.Sprintf(`{
		"entity": "event",
		"event": "subscription.charged",
		"payload": {
			"subscription": {"entity": {"id": %q, "status": "active", "current_start": 1756600000, "current_end": %d}},
			"payment": {"entity": {"id": %q, "amount": %d, "currency": "inr", "method": "upi", "status": "captured"}}
		}
	}`, subID, periodEnd, paymentID, amount))
}

// --- Gatekeeping ---

func TestHandle_UnsupportedProvider(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	_, err := f.engine.Handle(context.Background(), "paypal", []byte(`{}`), "sig")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCodeValidationProvider))
}

func TestHandle_UnconfiguredProvider(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	_, err := f.engine.Handle(context.Background(), "stripe", []byte(`{}`), "sig")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCodeValidationProvider))
}

func TestHandle_MissingSecret(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.engine.secrets = map[types.ProviderType]string{}

	_, err := f.engine.Handle(context.Background(), "razorpay", []byte(`{}`), "sig")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCodeSignatureMissing))
}

func TestHandle_SignatureRejection(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.provider.verifyErr = types.NewAppError(types.ErrCodeSignatureInvalid, "signature mismatch", nil)

	body := razorpayChargedBody("rzp_sub_1", "pay_abc", 99900, 1759300000)
	_, err := f.engine.Handle(context.Background(), "razorpay", body, "bad")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCodeSignatureInvalid))

	// Nothing is archived or applied before verification passes.
	assert.Empty(t, f.archive.archived)
	assert.Empty(t, f.pays.created)
}

func TestHandle_SignatureInputs(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	body := razorpayChargedBody("rzp_sub_1", "pay_abc", 99900, 1759300000)
	_, err := f.engine.Handle(context.Background(), "razorpay", body, "expected_sig")
	require.NoError(t, err)

	assert.Equal(t, body, f.provider.gotPayload, "verification must see the raw bytes")
	assert.Equal(t, "expected_sig", f.provider.gotSignature)
	assert.Equal(t, "whsec_test", f.provider.gotSecret)
}

func TestHandle_MalformedBody(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	_, err := f.engine.Handle(context.Background(), "razorpay", []byte("not json"), "sig")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCodeValidationMissingField))
}

// --- Application ---

func liveSub() *types.Subscription {
	return &types.Subscription{
		ID:                     "sub_internal_1",
		UserID:                 "user_1",
		OrganizationID:         "org_1",
		Provider:               types.ProviderRazorpay,
		ExternalSubscriptionID: "rzp_sub_1",
		PlanTier:               types.PlanSolo,
		Status:                 types.SubStatusActive,
	}
}

func TestHandle_ChargedRecordsPaymentAndAdvancesPeriod(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())

	body := razorpayChargedBody("rzp_sub_1", "pay_abc", 99900, 1759300000)
	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.False(t, res.Duplicate)
	assert.Equal(t, types.EventSubscriptionCharged, res.Internal)

	require.Len(t, f.pays.created, 1)
	pay := f.pays.created[0]
	assert.Equal(t, "pay_abc", pay.ExternalPaymentID)
	assert.Equal(t, int64(99900), pay.Amount)
	assert.Equal(t, "INR", pay.Currency)
	assert.Equal(t, types.PaymentCaptured, pay.Status)
	assert.Equal(t, "sub_internal_1", pay.SubscriptionID)

	period := f.subs.appliedPeriods["sub_internal_1"]
	assert.Equal(t, time.Unix(1759300000, 0).UTC(), period[1])
	assert.Equal(t, 1, f.metrics.captured)
	assert.Equal(t, []string{"razorpay/subscription.charged"}, f.archive.archived)
}

func TestHandle_DuplicateChargeIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())

	body := razorpayChargedBody("rzp_sub_1", "pay_abc", 99900, 1759300000)

	_, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.True(t, res.Duplicate)
	assert.Len(t, f.pays.created, 1, "second delivery must not insert")
	assert.Equal(t, 1, f.metrics.captured, "capture metric fires once")
	assert.Equal(t, 1, f.metrics.duplicates)
}

func TestHandle_ActivatedSwapsCheckoutPlaceholder(t *testing.T) {
	f := newEngineFixture(t, types.ProviderStripe)
	f.subs.add(&types.Subscription{
		ID:                     "sub_internal_1",
		UserID:                 "user_1",
		Provider:               types.ProviderStripe,
		ExternalSubscriptionID: "cs_session_1",
		Status:                 types.SubStatusPending,
	})

	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_session_1",
			"client_reference_id": "sub_internal_1",
			"subscription": "sub_stripe_live",
			"customer": "cus_1"
		}}
	}`)

	res, err := f.engine.Handle(context.Background(), "stripe", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.Equal(t, types.EventSubscriptionActivated, res.Internal)
	assert.Equal(t, "sub_stripe_live", f.subs.replacedIDs["sub_internal_1"], "session placeholder swapped for live id")
	assert.Equal(t, types.SubStatusActive, f.subs.statusUpdates["sub_internal_1"])
}

func TestHandle_CancelledDowngradesOrganization(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())

	body := []byte(`{
		"entity": "event",
		"event": "subscription.cancelled",
		"payload": {"subscription": {"entity": {"id": "rzp_sub_1", "status": "cancelled"}}}
	}`)

	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.Equal(t, types.SubStatusCancelled, f.subs.statusUpdates["sub_internal_1"])
	assert.Equal(t, []string{"org_1:FREE"}, f.orgs.updates)
}

func TestHandle_CompletedExpiresSubscription(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())

	body := []byte(`{
		"entity": "event",
		"event": "subscription.completed",
		"payload": {"subscription": {"entity": {"id": "rzp_sub_1", "status": "completed"}}}
	}`)

	_, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusExpired, f.subs.statusUpdates["sub_internal_1"])
}

func TestHandle_PaymentFailedMovesToPastDue(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())

	body := []byte(`{
		"entity": "event",
		"event": "payment.failed",
		"payload": {
			"subscription": {"entity": {"id": "rzp_sub_1", "status": "pending"}},
			"payment": {"entity": {"id": "pay_fail_1", "amount": 99900, "currency": "inr", "method": "card", "status": "failed", "error_code": "BAD_REQUEST_ERROR", "error_description": "card declined"}}
		}
	}`)

	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.Equal(t, types.SubStatusPastDue, f.subs.statusUpdates["sub_internal_1"])
	require.Len(t, f.pays.created, 1)
	assert.Equal(t, types.PaymentFailed, f.pays.created[0].Status)
	assert.Equal(t, "BAD_REQUEST_ERROR", f.pays.created[0].ErrorCode)
	assert.Equal(t, 1, f.metrics.failed)
}

func TestHandle_RefundCreatesNewRecord(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())
	f.pays.existing["pay_abc"] = &types.Payment{
		ID:                "pay_original",
		UserID:            "user_1",
		SubscriptionID:    "sub_internal_1",
		Provider:          types.ProviderRazorpay,
		ExternalPaymentID: "pay_abc",
		Amount:            99900,
		Status:            types.PaymentCaptured,
		Method:            "upi",
	}

	body := []byte(`{
		"entity": "event",
		"event": "refund.processed",
		"payload": {"refund": {"entity": {"id": "rfnd_1", "payment_id": "pay_abc", "amount": 99900, "currency": "inr"}}}
	}`)

	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.False(t, res.Duplicate)

	require.Len(t, f.pays.created, 1)
	refund := f.pays.created[0]
	assert.Equal(t, types.PaymentRefunded, refund.Status)
	assert.Equal(t, "rfnd_1", refund.ExternalPaymentID)
	assert.Equal(t, "pay_abc", refund.ExternalOrderID, "refund references the original payment")
	assert.Equal(t, "upi", refund.Method, "method carried over from the original")

	// The original record is untouched.
	assert.Equal(t, types.PaymentCaptured, f.pays.existing["pay_abc"].Status)
}

func TestHandle_RefundForUnknownPaymentIsNoop(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	body := []byte(`{
		"entity": "event",
		"event": "refund.processed",
		"payload": {"refund": {"entity": {"id": "rfnd_1", "payment_id": "pay_missing", "amount": 99900, "currency": "inr"}}}
	}`)

	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Empty(t, f.pays.created)
}

func TestHandle_UnmappedEventIsAcknowledged(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	body := []byte(`{"entity": "event", "event": "subscription.pending", "payload": {}}`)
	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.False(t, res.Handled)
	assert.Empty(t, res.Internal)
	assert.Equal(t, "subscription.pending", res.EventType)
	assert.Equal(t, []string{"razorpay/subscription.pending"}, f.archive.archived, "unmapped events still archive")
}

func TestHandle_UnknownSubscriptionIsNoop(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)

	body := razorpayChargedBody("rzp_sub_ghost", "pay_abc", 99900, 1759300000)
	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)

	assert.False(t, res.Handled)
	assert.Empty(t, f.pays.created)
	assert.Empty(t, f.subs.statusUpdates)
}

func TestHandle_ArchiveFailureDoesNotFailDelivery(t *testing.T) {
	f := newEngineFixture(t, types.ProviderRazorpay)
	f.subs.add(liveSub())
	f.archive.err = assert.AnError

	body := razorpayChargedBody("rzp_sub_1", "pay_abc", 99900, 1759300000)
	res, err := f.engine.Handle(context.Background(), "razorpay", body, "sig")
	require.NoError(t, err)
	assert.True(t, res.Handled)
}

// --- Stripe parsing through the engine ---

func TestHandle_StripeInvoicePaid(t *testing.T) {
	f := newEngineFixture(t, types.ProviderStripe)
	f.subs.add(&types.Subscription{
		ID:                     "sub_internal_1",
		UserID:                 "user_1",
		Provider:               types.ProviderStripe,
		ExternalSubscriptionID: "sub_stripe_live",
		Status:                 types.SubStatusActive,
	})

	body := []byte(`{
		"id": "evt_2",
		"type": "invoice.paid",
		"data": {"object": {
			"id": "in_1",
			"subscription": "sub_stripe_live",
			"charge": "ch_1",
			"amount_paid": 2999,
			"currency": "usd",
			"lines": {"data": [{"period": {"start": 1756600000, "end": 1759300000}}]}
		}}
	}`)

	res, err := f.engine.Handle(context.Background(), "stripe", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	require.Len(t, f.pays.created, 1)
	assert.Equal(t, "ch_1", f.pays.created[0].ExternalPaymentID)
	assert.Equal(t, "in_1", f.pays.created[0].ExternalOrderID)
	assert.Equal(t, "USD", f.pays.created[0].Currency)

	period := f.subs.appliedPeriods["sub_internal_1"]
	assert.Equal(t, time.Unix(1759300000, 0).UTC(), period[1])
}

func TestHandle_StripeSubscriptionDeleted(t *testing.T) {
	f := newEngineFixture(t, types.ProviderStripe)
	f.subs.add(&types.Subscription{
		ID:                     "sub_internal_1",
		UserID:                 "user_1",
		OrganizationID:         "org_1",
		Provider:               types.ProviderStripe,
		ExternalSubscriptionID: "sub_stripe_live",
		Status:                 types.SubStatusActive,
	})

	body := []byte(`{
		"id": "evt_3",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_stripe_live"}}
	}`)

	res, err := f.engine.Handle(context.Background(), "stripe", body, "sig")
	require.NoError(t, err)

	assert.True(t, res.Handled)
	assert.Equal(t, types.SubStatusCancelled, f.subs.statusUpdates["sub_internal_1"])
	assert.Equal(t, []string{"org_1:FREE"}, f.orgs.updates)
}
