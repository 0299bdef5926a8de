package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"propcanvas/internal/types"
)

// razorpayAPIBase is the default Razorpay API base URL.
// Overridable in tests via RazorpayConfig.BaseURL.
const razorpayAPIBase = "https://api.razorpay.com"

// RazorpayConfig holds the configuration for creating a RazorpayClient.
type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	BaseURL   string // Override for testing; defaults to razorpayAPIBase
	Logger    *slog.Logger
}

// RazorpayClient implements Provider against the Razorpay REST API using
// direct HTTP calls through BaseClient. Razorpay supports direct subscription
// creation: CreateSubscription returns a provider-native subscription with a
// short URL the user can open to authorize the mandate, so no hosted checkout
// session is needed.
type RazorpayClient struct {
	base      *BaseClient
	keyID     string
	keySecret string
	baseURL   string
	logger    *slog.Logger
}

// NewRazorpayClient creates a RazorpayClient with its own circuit breaker.
func NewRazorpayClient(httpClient *http.Client, cfg RazorpayConfig) *RazorpayClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = razorpayAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"razorpay",
		DefaultRetryPolicy(),
		"PropCanvas/1.0",
	)

	return &RazorpayClient{
		base:      base,
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewRazorpayClientWithBase creates a RazorpayClient with a pre-configured
// BaseClient. This is useful for tests that control retry and breaker behavior.
func NewRazorpayClientWithBase(base *BaseClient, cfg RazorpayConfig) *RazorpayClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = razorpayAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RazorpayClient{
		base:      base,
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// Type implements Provider.
func (c *RazorpayClient) Type() types.ProviderType {
	return types.ProviderRazorpay
}

// ---------------------------------------------------------------------------
// Provider Implementation
// ---------------------------------------------------------------------------

// CreateCustomer registers a customer. fail_existing=0 makes Razorpay return
// the existing customer when the email is already registered instead of
// erroring, which keeps the lazy-create path safe to re-run.
func (c *RazorpayClient) CreateCustomer(ctx context.Context, email, name, phone string) (types.CustomerRef, error) {
	body := map[string]any{
		"email":         email,
		"name":          name,
		"fail_existing": "0",
	}
	if phone != "" {
		body["contact"] = phone
	}

	var cust razorpayCustomer
	if err := c.doJSON(ctx, http.MethodPost, "/v1/customers", body, &cust); err != nil {
		return types.CustomerRef{}, err
	}

	return types.CustomerRef{
		Provider:   types.ProviderRazorpay,
		CustomerID: cust.ID,
		Email:      cust.Email,
	}, nil
}

// CreateSubscription creates a subscription directly. Razorpay activates the
// mandate asynchronously; the returned short URL is where the user authorizes
// it, and the authoritative activation arrives via webhook.
func (c *RazorpayClient) CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.ProviderSubscription, error) {
	totalCount := params.TotalCount
	if totalCount <= 0 {
		// Razorpay requires a finite cycle count; 120 monthly cycles is
		// the conventional "until cancelled" value.
		totalCount = 120
	}
	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	body := map[string]any{
		"plan_id":         params.PlanID,
		"customer_id":     params.CustomerID,
		"total_count":     totalCount,
		"quantity":        quantity,
		"customer_notify": boolToInt(params.Notify),
	}

	var sub razorpaySubscription
	if err := c.doJSON(ctx, http.MethodPost, "/v1/subscriptions", body, &sub); err != nil {
		return nil, err
	}

	return mapRazorpaySubscription(&sub), nil
}

// UpdateSubscription changes the plan or quantity of an existing subscription.
func (c *RazorpayClient) UpdateSubscription(ctx context.Context, externalID string, params types.UpdateSubscriptionParams) (*types.ProviderSubscription, error) {
	body := map[string]any{}
	if params.PlanID != "" {
		body["plan_id"] = params.PlanID
	}
	if params.Quantity > 0 {
		body["quantity"] = params.Quantity
	}
	if params.ScheduleCycleEnd {
		body["schedule_change_at"] = "cycle_end"
	} else {
		body["schedule_change_at"] = "now"
	}

	var sub razorpaySubscription
	path := fmt.Sprintf("/v1/subscriptions/%s", url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodPatch, path, body, &sub); err != nil {
		return nil, err
	}

	return mapRazorpaySubscription(&sub), nil
}

// CancelSubscription cancels, either at cycle end or immediately.
func (c *RazorpayClient) CancelSubscription(ctx context.Context, externalID string, cancelAtCycleEnd bool) (*types.ProviderSubscription, error) {
	body := map[string]any{
		"cancel_at_cycle_end": boolToInt(cancelAtCycleEnd),
	}

	var sub razorpaySubscription
	path := fmt.Sprintf("/v1/subscriptions/%s/cancel", url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &sub); err != nil {
		return nil, err
	}

	return mapRazorpaySubscription(&sub), nil
}

// FetchPayment retrieves a payment by id.
func (c *RazorpayClient) FetchPayment(ctx context.Context, externalID string) (*types.ProviderPayment, error) {
	var p razorpayPayment
	path := fmt.Sprintf("/v1/payments/%s", url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return mapRazorpayPayment(&p), nil
}

// RefundPayment refunds a captured payment. amount <= 0 refunds in full.
func (c *RazorpayClient) RefundPayment(ctx context.Context, externalID string, amount int64) (*types.ProviderRefund, error) {
	body := map[string]any{}
	if amount > 0 {
		body["amount"] = amount
	}

	var r razorpayRefund
	path := fmt.Sprintf("/v1/payments/%s/refund", url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &r); err != nil {
		return nil, err
	}

	return &types.ProviderRefund{
		ExternalID: r.ID,
		PaymentID:  r.PaymentID,
		Amount:     r.Amount,
		Currency:   r.Currency,
		CreatedAt:  time.Unix(r.CreatedAt, 0).UTC(),
	}, nil
}

// FetchInvoice retrieves an invoice by id.
func (c *RazorpayClient) FetchInvoice(ctx context.Context, externalID string) (*types.ProviderInvoice, error) {
	var inv razorpayInvoice
	path := fmt.Sprintf("/v1/invoices/%s", url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return nil, err
	}

	out := &types.ProviderInvoice{
		ExternalID:  inv.ID,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		Status:      inv.Status,
		PeriodStart: time.Unix(inv.BilledAt, 0).UTC(),
		PeriodEnd:   time.Unix(inv.ExpireBy, 0).UTC(),
	}
	if inv.PaidAt > 0 {
		paidAt := time.Unix(inv.PaidAt, 0).UTC()
		out.PaidAt = &paidAt
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Signature Verification
// ---------------------------------------------------------------------------

// VerifyWebhookSignature checks the X-Razorpay-Signature header: a single
// lowercase hex HMAC-SHA256 digest of the raw request body keyed with the
// webhook secret. Comparison is constant-time.
func (c *RazorpayClient) VerifyWebhookSignature(payload []byte, signatureHeader string, secret string) error {
	if signatureHeader == "" || secret == "" {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "webhook signature verification failed", nil)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "webhook signature verification failed", nil)
	}
	return nil
}

// VerifyPaymentSignature implements the optional PaymentSignatureVerifier
// capability: the checkout SDK hands the client an HMAC-SHA256 hex digest of
// "orderID|paymentID" keyed with the API key secret, which the client posts
// back for confirmation.
func (c *RazorpayClient) VerifyPaymentSignature(orderID, paymentID, signature string) error {
	if orderID == "" || paymentID == "" || signature == "" {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "payment signature verification failed", nil)
	}

	mac := hmac.New(sha256.New, []byte(c.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "payment signature verification failed", nil)
	}
	return nil
}

// Compile-time capability assertions.
var (
	_ Provider                 = (*RazorpayClient)(nil)
	_ PaymentSignatureVerifier = (*RazorpayClient)(nil)
)

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doJSON performs an authenticated JSON request and decodes the response
// into out. Non-2xx responses are mapped to AppErrors carrying Razorpay's
// own error description verbatim.
func (c *RazorpayClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode razorpay request", err)
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build razorpay request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.keyID, c.keySecret)

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
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode razorpay response", err)
	}
	return nil
}

// razorpayErrorResponse is the JSON error envelope returned by the API.
type razorpayErrorResponse struct {
	Error razorpayErrorBody `json:"error"`
}

type razorpayErrorBody struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Step        string `json:"step"`
	Reason      string `json:"reason"`
}

// handleErrorResponse maps a Razorpay error body to an AppError. The
// provider's own description is preserved as the message so callers can
// surface it to users directly.
func (c *RazorpayClient) handleErrorResponse(resp *http.Response) error {
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamRazorpay,
			fmt.Sprintf("razorpay returned status %d and response body was unreadable", resp.StatusCode),
			readErr,
		)
	}

	var rpErr razorpayErrorResponse
	if jsonErr := json.Unmarshal(raw, &rpErr); jsonErr != nil || rpErr.Error.Description == "" {
		return types.NewAppError(
			types.ErrCodeUpstreamRazorpay,
			fmt.Sprintf("razorpay error (%d)", resp.StatusCode),
			nil,
		)
	}

	code := types.ErrCodeUpstreamRazorpay
	if resp.StatusCode == http.StatusNotFound {
		code = types.ErrCodeNotFoundPayment
	}

	return types.NewAppErrorWithDetails(
		code,
		rpErr.Error.Description,
		nil,
		map[string]any{
			"razorpay_code": rpErr.Error.Code,
			"reason":        rpErr.Error.Reason,
		},
	)
}

// ---------------------------------------------------------------------------
// Razorpay Response Types
// ---------------------------------------------------------------------------

type razorpayCustomer struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type razorpaySubscription struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
	ShortURL     string `json:"short_url"`
}

type razorpayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	CreatedAt        int64  `json:"created_at"`
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	CreatedAt int64  `json:"created_at"`
}

type razorpayInvoice struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	BilledAt int64  `json:"billed_at"`
	ExpireBy int64  `json:"expire_by"`
	PaidAt   int64  `json:"paid_at"`
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

// mapRazorpaySubscription converts a Razorpay subscription to the uniform
// provider shape. The short URL rides in CheckoutURL so callers branch on
// "do I have a URL" rather than on provider identity.
func mapRazorpaySubscription(sub *razorpaySubscription) *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ExternalID:  sub.ID,
		PlanID:      sub.PlanID,
		Status:      mapRazorpaySubStatus(sub.Status),
		CheckoutURL: sub.ShortURL,
	}
	if sub.CurrentStart > 0 {
		out.CurrentPeriodStart = time.Unix(sub.CurrentStart, 0).UTC()
	}
	if sub.CurrentEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentEnd, 0).UTC()
	}
	return out
}

// mapRazorpaySubStatus converts Razorpay's subscription status vocabulary to
// the internal enum. Razorpay's "pending" means charges are failing, which is
// the internal PAST_DUE; "completed" means the cycle count ran out.
func mapRazorpaySubStatus(status string) types.SubscriptionStatus {
	switch status {
	case "created", "authenticated":
		return types.SubStatusPending
	case "active":
		return types.SubStatusActive
	case "pending", "halted":
		return types.SubStatusPastDue
	case "cancelled":
		return types.SubStatusCancelled
	case "completed", "expired":
		return types.SubStatusExpired
	case "paused":
		return types.SubStatusPaused
	default:
		return types.SubscriptionStatus(status)
	}
}

// mapRazorpayPayment converts a Razorpay payment to the uniform shape.
func mapRazorpayPayment(p *razorpayPayment) *types.ProviderPayment {
	return &types.ProviderPayment{
		ExternalID:       p.ID,
		OrderID:          p.OrderID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           mapRazorpayPaymentStatus(p.Status),
		Method:           p.Method,
		ErrorCode:        p.ErrorCode,
		ErrorDescription: p.ErrorDescription,
		CreatedAt:        time.Unix(p.CreatedAt, 0).UTC(),
	}
}

func mapRazorpayPaymentStatus(status string) types.PaymentStatus {
	switch status {
	case "captured":
		return types.PaymentCaptured
	case "failed":
		return types.PaymentFailed
	case "refunded":
		return types.PaymentRefunded
	default:
		return types.PaymentPending
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
