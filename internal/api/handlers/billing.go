// Package handlers contains the HTTP handler implementations for the
// PropCanvas billing API.
//
// This file implements subscription management and usage reporting:
//   - Subscription lifecycle (create, plan change, cancel, read)
//   - Razorpay client-side payment confirmation
//   - Provider availability for the pricing page
//   - Usage snapshot for the dashboard quota meter
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"propcanvas/internal/core"
	"propcanvas/internal/subscription"
	"propcanvas/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally: the handler declares the contract it
// needs and implementations are injected via the constructor, which enables
// test mocking without coupling to concrete service types.

// SubscriptionService abstracts the subscription orchestrator.
type SubscriptionService interface {
	CreateSubscription(ctx context.Context, params subscription.CreateParams) (*subscription.CreateResult, error)
	UpdateSubscriptionPlan(ctx context.Context, userID string, newTier types.PlanTier) (*types.Subscription, error)
	CancelSubscription(ctx context.Context, userID string, immediate bool) (*types.Subscription, error)
	GetSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	ConfirmPayment(ctx context.Context, userID, orderID, paymentID, signature string) (*types.Subscription, error)
}

// ProviderLister reports which payment back-ends are configured, in display
// order.
type ProviderLister interface {
	Types() []types.ProviderType
}

// UsageReader provides the current consumption snapshot for an organization.
type UsageReader interface {
	Snapshot(ctx context.Context, orgID string) (*types.UsageSnapshot, error)
}

// --- Request/Response Models ---

// CreateSubscriptionRequest is the body for POST /v1/billing/subscriptions.
type CreateSubscriptionRequest struct {
	Plan          string `json:"plan" validate:"required,plan_tier"`
	BillingPeriod string `json:"billing_period,omitempty" validate:"omitempty,billing_period"`
	Currency      string `json:"currency,omitempty" validate:"omitempty,len=3"`
	Region        string `json:"region,omitempty" validate:"omitempty,len=2"`
	Provider      string `json:"provider,omitempty" validate:"omitempty,provider"`
	SuccessURL    string `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL     string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// UpdatePlanRequest is the body for PATCH /v1/billing/subscriptions/plan.
type UpdatePlanRequest struct {
	Plan string `json:"plan" validate:"required,plan_tier"`
}

// ConfirmPaymentRequest is the body for POST /v1/billing/payments/confirm.
// The field names follow the values the Razorpay browser SDK hands back.
type ConfirmPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id" validate:"required"`
	PaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature string `json:"razorpay_signature" validate:"required"`
}

// SubscriptionResponse is the client view of a subscription record.
type SubscriptionResponse struct {
	ID                 string     `json:"id"`
	Plan               string     `json:"plan"`
	Status             string     `json:"status"`
	Provider           string     `json:"provider"`
	BillingPeriod      string     `json:"billing_period"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CheckoutURL        string     `json:"checkout_url,omitempty"`
}

// ProvidersResponse is the response for GET /v1/billing/providers.
type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

// newSubscriptionResponse converts the domain record to the client view.
func newSubscriptionResponse(sub *types.Subscription, checkoutURL string) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:                 sub.ID,
		Plan:               string(sub.PlanTier),
		Status:             string(sub.Status),
		Provider:           string(sub.Provider),
		BillingPeriod:      string(sub.BillingPeriod),
		Amount:             sub.Amount,
		Currency:           sub.Currency,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelledAt:        sub.CancelledAt,
		CheckoutURL:        checkoutURL,
	}
	if !sub.CurrentPeriodStart.IsZero() {
		start := sub.CurrentPeriodStart
		resp.CurrentPeriodStart = &start
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	return resp
}

// --- Billing Handler ---

// BillingHandler handles synchronous billing actions initiated by the user.
type BillingHandler struct {
	service   SubscriptionService
	providers ProviderLister
	usage     UsageReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(
	svc SubscriptionService,
	providers ProviderLister,
	usage UsageReader,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		service:   svc,
		providers: providers,
		usage:     usage,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing and usage endpoints. Authentication is
// applied by the layer in front of this service; handlers read the user and
// organization ids from the request context.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/subscriptions", h.CreateSubscription)
	r.Patch("/billing/subscriptions/plan", h.UpdatePlan)
	r.Delete("/billing/subscriptions", h.CancelSubscription)
	r.Get("/billing/subscriptions", h.GetSubscription)
	r.Post("/billing/payments/confirm", h.ConfirmPayment)
	r.Get("/billing/providers", h.ListProviders)
	r.Get("/usage", h.GetUsage)
}

// userID extracts the authenticated user id, writing a 401 when absent.
func (h *BillingHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthRequired,
			"authentication required",
			nil,
		))
		return "", false
	}
	return id, true
}

// CreateSubscription handles POST /v1/billing/subscriptions.
func (h *BillingHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.CreateSubscription(r.Context(), subscription.CreateParams{
		UserID:        userID,
		PlanTier:      types.PlanTier(req.Plan),
		BillingPeriod: types.BillingPeriod(req.BillingPeriod),
		Currency:      req.Currency,
		Region:        req.Region,
		Provider:      types.ProviderType(req.Provider),
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: newSubscriptionResponse(result.Subscription, result.CheckoutURL),
	})
}

// UpdatePlan handles PATCH /v1/billing/subscriptions/plan.
func (h *BillingHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req UpdatePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.service.UpdateSubscriptionPlan(r.Context(), userID, types.PlanTier(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: newSubscriptionResponse(sub, ""),
	})
}

// CancelSubscription handles DELETE /v1/billing/subscriptions. The
// ?immediate=true query switches from cycle-end cancellation to an immediate
// one.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	immediate := r.URL.Query().Get("immediate") == "true"

	sub, err := h.service.CancelSubscription(r.Context(), userID, immediate)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: newSubscriptionResponse(sub, ""),
	})
}

// GetSubscription handles GET /v1/billing/subscriptions.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: newSubscriptionResponse(sub, ""),
	})
}

// ConfirmPayment handles POST /v1/billing/payments/confirm: the Razorpay
// browser SDK hands the client a signed (order, payment) pair after checkout
// and the dashboard posts it here for verification.
func (h *BillingHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req ConfirmPaymentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.service.ConfirmPayment(r.Context(), userID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: newSubscriptionResponse(sub, ""),
	})
}

// ListProviders handles GET /v1/billing/providers for the pricing page.
func (h *BillingHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providerTypes := h.providers.Types()
	names := make([]string, len(providerTypes))
	for i, pt := range providerTypes {
		names[i] = string(pt)
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: ProvidersResponse{Providers: names},
	})
}

// GetUsage handles GET /v1/usage: the dashboard quota meter.
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	orgID, ok := types.GetOrgID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthRequired,
			"organization context is required",
			nil,
		))
		return
	}

	snapshot, err := h.usage.Snapshot(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snapshot})
}
