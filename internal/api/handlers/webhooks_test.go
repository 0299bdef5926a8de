package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propcanvas/internal/core"
	"propcanvas/internal/types"
	"propcanvas/internal/webhooks"
)

type stubWebhookEngine struct {
	gotProvider  string
	gotBody      []byte
	gotSignature string

	result *webhooks.Result
	err    error
}

func (s *stubWebhookEngine) Handle(ctx context.Context, providerName string, body []byte, signature string) (*webhooks.Result, error) {
	s.gotProvider = providerName
	s.gotBody = body
	s.gotSignature = signature
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newWebhookRouter(engine *stubWebhookEngine) chi.Router {
	h := NewWebhookHandler(engine, slog.Default())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestReceive_RazorpayDelivery(t *testing.T) {
	engine := &stubWebhookEngine{result: &webhooks.Result{
		Provider:  types.ProviderRazorpay,
		EventType: "subscription.charged",
		Handled:   true,
	}}
	router := newWebhookRouter(engine)

	body := `{"event": "subscription.charged"}`
	req := httptest.NewRequest(http.MethodPost, "/razorpay", strings.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "rzp_sig")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "razorpay", engine.gotProvider)
	assert.Equal(t, []byte(body), engine.gotBody, "engine sees the raw bytes")
	assert.Equal(t, "rzp_sig", engine.gotSignature)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp.Data["received"])
	assert.Equal(t, true, resp.Data["handled"])
	assert.Equal(t, false, resp.Data["duplicate"])
}

func TestReceive_StripeSignatureHeader(t *testing.T) {
	engine := &stubWebhookEngine{result: &webhooks.Result{Provider: types.ProviderStripe}}
	router := newWebhookRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	req.Header.Set("X-Razorpay-Signature", "wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", engine.gotSignature, "each provider reads its own header")
}

func TestReceive_DuplicateStillAcknowledged(t *testing.T) {
	engine := &stubWebhookEngine{result: &webhooks.Result{
		Provider:  types.ProviderRazorpay,
		EventType: "subscription.charged",
		Handled:   true,
		Duplicate: true,
	}}
	router := newWebhookRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/razorpay", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "providers must not retry duplicates")
}

func TestReceive_SignatureRejection(t *testing.T) {
	engine := &stubWebhookEngine{err: types.NewAppError(types.ErrCodeSignatureInvalid, "signature mismatch", nil)}
	router := newWebhookRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/razorpay", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeSignatureInvalid), resp.Error.Code)
}

func TestReceive_UnknownProvider(t *testing.T) {
	engine := &stubWebhookEngine{err: types.NewAppError(types.ErrCodeValidationProvider, "unsupported webhook provider", nil)}
	router := newWebhookRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/paypal", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "paypal", engine.gotProvider)
	assert.Empty(t, engine.gotSignature, "unknown providers have no signature header mapping")
}

func TestReceive_StoreFailureReturns500(t *testing.T) {
	engine := &stubWebhookEngine{err: types.NewAppError(types.ErrCodeInternalDB, "database unavailable", nil)}
	router := newWebhookRouter(engine)

	req := httptest.NewRequest(http.MethodPost, "/razorpay", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "a 5xx makes the provider retry")
}
