package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"propcanvas/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds the configuration for creating a StripeClient.
type StripeConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements Provider against the Stripe REST API using direct
// form-encoded HTTP calls through BaseClient. Stripe cannot create an active
// subscription without collecting a payment method first, so
// CreateSubscription opens a hosted Checkout Session instead: the returned
// subscription is PENDING, its external id is the session id, and the real
// subscription id arrives later on checkout.session.completed.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with its own circuit breaker.
func NewStripeClient(httpClient *http.Client, cfg StripeConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"PropCanvas/1.0",
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient, for tests that control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// Type implements Provider.
func (c *StripeClient) Type() types.ProviderType {
	return types.ProviderStripe
}

// HostedCheckout reports that subscriptions are created through a hosted
// checkout session: CreateSubscription returns a session placeholder and the
// live subscription id arrives on the checkout-completed webhook.
func (c *StripeClient) HostedCheckout() bool {
	return true
}

// ---------------------------------------------------------------------------
// Provider Implementation
// ---------------------------------------------------------------------------

// CreateCustomer registers a customer with Stripe.
func (c *StripeClient) CreateCustomer(ctx context.Context, email, name, phone string) (types.CustomerRef, error) {
	form := url.Values{}
	form.Set("email", email)
	if name != "" {
		form.Set("name", name)
	}
	if phone != "" {
		form.Set("phone", phone)
	}

	var cust stripeCustomer
	if err := c.doForm(ctx, http.MethodPost, "/v1/customers", form, &cust); err != nil {
		return types.CustomerRef{}, err
	}

	return types.CustomerRef{
		Provider:   types.ProviderStripe,
		CustomerID: cust.ID,
		Email:      cust.Email,
	}, nil
}

// CreateSubscription opens a hosted Checkout Session in subscription mode.
// The session id stands in as the external subscription id until the
// checkout.session.completed webhook carries the real one.
func (c *StripeClient) CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.ProviderSubscription, error) {
	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", params.CustomerID)
	form.Set("line_items[0][price]", params.PlanID)
	form.Set("line_items[0][quantity]", strconv.Itoa(quantity))
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	if params.ReferenceID != "" {
		form.Set("client_reference_id", params.ReferenceID)
	}

	var session stripeCheckoutSession
	if err := c.doForm(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}

	return &types.ProviderSubscription{
		ExternalID:  session.ID,
		PlanID:      params.PlanID,
		Status:      types.SubStatusPending,
		CheckoutURL: session.URL,
	}, nil
}

// UpdateSubscription swaps the price on the subscription's single item.
// Stripe has no direct plan-change endpoint, so the item id has to be read
// first. Deferred changes ride on proration_behavior=none so the new price
// only bills from the next invoice.
func (c *StripeClient) UpdateSubscription(ctx context.Context, externalID string, params types.UpdateSubscriptionParams) (*types.ProviderSubscription, error) {
	var current stripeSubscription
	path := fmt.Sprintf("/v1/subscriptions/%s", url.PathEscape(externalID))
	if err := c.doForm(ctx, http.MethodGet, path, nil, &current); err != nil {
		return nil, err
	}
	if len(current.Items.Data) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "stripe subscription has no items", nil)
	}

	form := url.Values{}
	form.Set("items[0][id]", current.Items.Data[0].ID)
	if params.PlanID != "" {
		form.Set("items[0][price]", params.PlanID)
	}
	if params.Quantity > 0 {
		form.Set("items[0][quantity]", strconv.Itoa(params.Quantity))
	}
	if params.ScheduleCycleEnd {
		form.Set("proration_behavior", "none")
	} else {
		form.Set("proration_behavior", "create_prorations")
	}

	var updated stripeSubscription
	if err := c.doForm(ctx, http.MethodPost, path, form, &updated); err != nil {
		return nil, err
	}

	return mapStripeSubscription(&updated), nil
}

// CancelSubscription cancels. Cycle-end cancellation flips
// cancel_at_period_end; immediate cancellation deletes the subscription.
func (c *StripeClient) CancelSubscription(ctx context.Context, externalID string, cancelAtCycleEnd bool) (*types.ProviderSubscription, error) {
	path := fmt.Sprintf("/v1/subscriptions/%s", url.PathEscape(externalID))

	var sub stripeSubscription
	if cancelAtCycleEnd {
		form := url.Values{}
		form.Set("cancel_at_period_end", "true")
		if err := c.doForm(ctx, http.MethodPost, path, form, &sub); err != nil {
			return nil, err
		}
	} else {
		if err := c.doForm(ctx, http.MethodDelete, path, nil, &sub); err != nil {
			return nil, err
		}
	}

	return mapStripeSubscription(&sub), nil
}

// FetchPayment retrieves a charge by id.
func (c *StripeClient) FetchPayment(ctx context.Context, externalID string) (*types.ProviderPayment, error) {
	var charge stripeCharge
	path := fmt.Sprintf("/v1/charges/%s", url.PathEscape(externalID))
	if err := c.doForm(ctx, http.MethodGet, path, nil, &charge); err != nil {
		return nil, err
	}
	return mapStripeCharge(&charge), nil
}

// RefundPayment refunds a charge. amount <= 0 refunds in full.
func (c *StripeClient) RefundPayment(ctx context.Context, externalID string, amount int64) (*types.ProviderRefund, error) {
	form := url.Values{}
	form.Set("charge", externalID)
	if amount > 0 {
		form.Set("amount", strconv.FormatInt(amount, 10))
	}

	var r stripeRefund
	if err := c.doForm(ctx, http.MethodPost, "/v1/refunds", form, &r); err != nil {
		return nil, err
	}

	return &types.ProviderRefund{
		ExternalID: r.ID,
		PaymentID:  r.Charge,
		Amount:     r.Amount,
		Currency:   strings.ToUpper(r.Currency),
		CreatedAt:  time.Unix(r.Created, 0).UTC(),
	}, nil
}

// FetchInvoice retrieves an invoice by id.
func (c *StripeClient) FetchInvoice(ctx context.Context, externalID string) (*types.ProviderInvoice, error) {
	var inv stripeInvoice
	path := fmt.Sprintf("/v1/invoices/%s", url.PathEscape(externalID))
	if err := c.doForm(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return nil, err
	}

	out := &types.ProviderInvoice{
		ExternalID:  inv.ID,
		Amount:      inv.AmountPaid,
		Currency:    strings.ToUpper(inv.Currency),
		Status:      inv.Status,
		PeriodStart: time.Unix(inv.PeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(inv.PeriodEnd, 0).UTC(),
	}
	if inv.StatusTransitions.PaidAt > 0 {
		paidAt := time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
		out.PaidAt = &paidAt
	}
	return out, nil
}

// VerifyWebhookSignature checks the Stripe-Signature header
// ("t=<ts>,v1=<hmac>,...") with the official stripe-go verifier, which
// enforces constant-time comparison and the default replay tolerance.
func (c *StripeClient) VerifyWebhookSignature(payload []byte, signatureHeader string, secret string) error {
	if signatureHeader == "" || secret == "" {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "webhook signature verification failed", nil)
	}
	if _, err := webhook.ConstructEvent(payload, signatureHeader, secret); err != nil {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "webhook signature verification failed", err)
	}
	return nil
}

var _ Provider = (*StripeClient)(nil)
var _ HostedCheckoutProvider = (*StripeClient)(nil)

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doForm performs an authenticated form-encoded request (Stripe's API takes
// application/x-www-form-urlencoded, not JSON) and decodes the JSON response
// into out.
func (c *StripeClient) doForm(ctx context.Context, method, path string, form url.Values, out any) error {
	var reader io.Reader
	if len(form) > 0 && method != http.MethodGet {
		reader = strings.NewReader(form.Encode())
	}

	target := c.baseURL + path
	if len(form) > 0 && method == http.MethodGet {
		target += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build stripe request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode stripe response", err)
	}
	return nil
}

// stripeErrorResponse is the JSON error envelope returned by the API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// handleErrorResponse maps a Stripe error body to an AppError, preserving
// Stripe's own message. Card declines get their own code so the API layer
// can answer 402 instead of 502.
func (c *StripeClient) handleErrorResponse(resp *http.Response) error {
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("stripe returned status %d and response body was unreadable", resp.StatusCode),
			readErr,
		)
	}

	var stErr stripeErrorResponse
	if jsonErr := json.Unmarshal(raw, &stErr); jsonErr != nil || stErr.Error.Message == "" {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("stripe error (%d)", resp.StatusCode),
			nil,
		)
	}

	code := types.ErrCodeUpstreamStripe
	switch {
	case stErr.Error.Code == "card_declined":
		code = types.ErrCodePaymentDeclined
	case resp.StatusCode == http.StatusNotFound:
		code = types.ErrCodeNotFoundPayment
	}

	return types.NewAppErrorWithDetails(
		code,
		stErr.Error.Message,
		nil,
		map[string]any{
			"stripe_type":  stErr.Error.Type,
			"stripe_code":  stErr.Error.Code,
			"decline_code": stErr.Error.DeclineCode,
		},
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type stripeCheckoutSession struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

type stripeCharge struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Refunded      bool   `json:"refunded"`
	FailureCode   string `json:"failure_code"`
	FailureMsg    string `json:"failure_message"`
	PaymentMethod struct {
		Type string `json:"type"`
	} `json:"payment_method_details"`
	Created int64 `json:"created"`
}

type stripeRefund struct {
	ID       string `json:"id"`
	Charge   string `json:"charge"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Created  int64  `json:"created"`
}

type stripeInvoice struct {
	ID                string `json:"id"`
	AmountPaid        int64  `json:"amount_paid"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

func mapStripeSubscription(sub *stripeSubscription) *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ExternalID: sub.ID,
		Status:     mapStripeSubStatus(sub.Status),
	}
	if len(sub.Items.Data) > 0 {
		out.PlanID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodStart > 0 {
		out.CurrentPeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

// mapStripeSubStatus converts Stripe's subscription status vocabulary to the
// internal enum. "incomplete" means the first payment has not settled yet,
// which is the internal PENDING.
func mapStripeSubStatus(status string) types.SubscriptionStatus {
	switch status {
	case "incomplete":
		return types.SubStatusPending
	case "incomplete_expired":
		return types.SubStatusExpired
	case "trialing":
		return types.SubStatusTrialing
	case "active":
		return types.SubStatusActive
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCancelled
	case "paused":
		return types.SubStatusPaused
	default:
		return types.SubscriptionStatus(status)
	}
}

func mapStripeCharge(charge *stripeCharge) *types.ProviderPayment {
	status := types.PaymentPending
	switch {
	case charge.Refunded:
		status = types.PaymentRefunded
	case charge.Status == "succeeded":
		status = types.PaymentCaptured
	case charge.Status == "failed":
		status = types.PaymentFailed
	}

	return &types.ProviderPayment{
		ExternalID:       charge.ID,
		Amount:           charge.Amount,
		Currency:         strings.ToUpper(charge.Currency),
		Status:           status,
		Method:           charge.PaymentMethod.Type,
		ErrorCode:        charge.FailureCode,
		ErrorDescription: charge.FailureMsg,
		CreatedAt:        time.Unix(charge.Created, 0).UTC(),
	}
}
