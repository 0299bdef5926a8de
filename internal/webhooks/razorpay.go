package webhooks

import (
	"encoding/json"
	"strings"
	"time"

	"propcanvas/internal/types"
)

// razorpayEventMap collapses Razorpay's native event vocabulary onto the
// internal one. Several authentication and resumption events all mean the
// subscription is (back) in good standing; "completed" means the cycle count
// ran out, which terminates the subscription like a cancellation.
var razorpayEventMap = map[string]types.InternalEvent{
	"subscription.authenticated": types.EventSubscriptionActivated,
	"subscription.activated":     types.EventSubscriptionActivated,
	"subscription.resumed":       types.EventSubscriptionActivated,
	"subscription.charged":       types.EventSubscriptionCharged,
	"subscription.cancelled":     types.EventSubscriptionCancelled,
	"subscription.completed":     types.EventSubscriptionCancelled,
	"payment.failed":             types.EventPaymentFailed,
	"refund.processed":           types.EventPaymentRefunded,
}

// razorpayWebhook is the envelope Razorpay posts: the native event name plus
// the entities the event touches.
type razorpayWebhook struct {
	Entity  string `json:"entity"`
	Event   string `json:"event"`
	Payload struct {
		Subscription struct {
			Entity *razorpayWebhookSubscription `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity *razorpayWebhookPayment `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity *razorpayWebhookRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

type razorpayWebhookSubscription struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
}

type razorpayWebhookPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	InvoiceID        string `json:"invoice_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Method           string `json:"method"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type razorpayWebhookRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// parseRazorpayEvent extracts the provider-neutral event from a Razorpay
// webhook body. Unknown event names leave the internal name empty.
func parseRazorpayEvent(body []byte) (*event, error) {
	var hook razorpayWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"malformed webhook payload",
			err,
		)
	}

	ev := &event{
		nativeType: hook.Event,
		internal:   razorpayEventMap[hook.Event],
	}

	if sub := hook.Payload.Subscription.Entity; sub != nil {
		ev.externalSubID = sub.ID
		if sub.CurrentStart > 0 {
			ev.periodStart = time.Unix(sub.CurrentStart, 0).UTC()
		}
		if sub.CurrentEnd > 0 {
			ev.periodEnd = time.Unix(sub.CurrentEnd, 0).UTC()
		}
		if hook.Event == "subscription.completed" {
			ev.status = types.SubStatusExpired
		}
	}

	if pay := hook.Payload.Payment.Entity; pay != nil {
		ev.payment = &paymentDetails{
			externalID: pay.ID,
			orderID:    pay.OrderID,
			amount:     pay.Amount,
			currency:   strings.ToUpper(pay.Currency),
			method:     pay.Method,
			errorCode:  pay.ErrorCode,
			errorDesc:  pay.ErrorDescription,
		}
	}

	if ref := hook.Payload.Refund.Entity; ref != nil {
		ev.payment = &paymentDetails{
			externalID: ref.ID,
			orderID:    ref.PaymentID,
			amount:     ref.Amount,
			currency:   strings.ToUpper(ref.Currency),
		}
	}

	return ev, nil
}
