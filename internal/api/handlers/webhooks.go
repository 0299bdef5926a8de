package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"propcanvas/internal/core"
	"propcanvas/internal/types"
	"propcanvas/internal/webhooks"
)

// maxWebhookBody caps the raw payload we are willing to read. Both
// providers send events well under this limit.
const maxWebhookBody = 1 << 20

// signatureHeaders maps a provider to the HTTP header carrying its
// webhook signature.
var signatureHeaders = map[types.ProviderType]string{
	types.ProviderRazorpay: "X-Razorpay-Signature",
	types.ProviderStripe:   "Stripe-Signature",
}

// WebhookEngine processes a raw provider webhook delivery.
type WebhookEngine interface {
	Handle(ctx context.Context, providerName string, body []byte, signature string) (*webhooks.Result, error)
}

// WebhookHandler receives provider webhook deliveries and hands them to
// the reconciliation engine. It is mounted outside the versioned API so
// the callback URLs registered in provider dashboards never change.
type WebhookHandler struct {
	engine WebhookEngine
	logger *slog.Logger
}

func NewWebhookHandler(engine WebhookEngine, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{engine: engine, logger: logger}
}

// RegisterRoutes mounts the webhook endpoints on the given router.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{provider}", h.Receive)
}

// Receive handles POST /webhooks/{provider}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "unable to read webhook payload", err))
		return
	}

	signature := ""
	if header, ok := signatureHeaders[types.ProviderType(providerName)]; ok {
		signature = r.Header.Get(header)
	}

	result, err := h.engine.Handle(r.Context(), providerName, body, signature)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]interface{}{
		"received":  true,
		"handled":   result.Handled,
		"duplicate": result.Duplicate,
	}})
}
