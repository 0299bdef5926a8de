package webhooks

import (
	"encoding/json"
	"strings"
	"time"

	"propcanvas/internal/types"
)

// stripeEventMap collapses Stripe's native event vocabulary onto the internal
// one. Both invoice success spellings map to a charge; checkout completion is
// the activation point for hosted-checkout subscriptions.
var stripeEventMap = map[string]types.InternalEvent{
	"checkout.session.completed":    types.EventSubscriptionActivated,
	"invoice.paid":                  types.EventSubscriptionCharged,
	"invoice.payment_succeeded":     types.EventSubscriptionCharged,
	"customer.subscription.deleted": types.EventSubscriptionCancelled,
	"invoice.payment_failed":        types.EventPaymentFailed,
	"charge.refunded":               types.EventPaymentRefunded,
}

// stripeWebhook is the outer Stripe event envelope. The object shape inside
// data depends on the event type, so it is kept raw and decoded per event.
type stripeWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSessionObject struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	Subscription      string `json:"subscription"`
	Customer          string `json:"customer"`
}

type stripeInvoiceObject struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
	Charge        string `json:"charge"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	Lines         struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	LastPaymentError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeSubscriptionObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeChargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Refunds        struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

// parseStripeEvent extracts the provider-neutral event from a Stripe webhook
// body. Unknown event types leave the internal name empty.
func parseStripeEvent(body []byte) (*event, error) {
	var hook stripeWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"malformed webhook payload",
			err,
		)
	}

	ev := &event{
		nativeID:   hook.ID,
		nativeType: hook.Type,
		internal:   stripeEventMap[hook.Type],
	}
	if ev.internal == "" {
		return ev, nil
	}

	switch hook.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSessionObject
		if err := json.Unmarshal(hook.Data.Object, &session); err != nil {
			return nil, malformedStripeObject(err)
		}
		// The session id is what the placeholder subscription stored; the
		// client reference id is the internal subscription id and takes
		// precedence for correlation.
		ev.referenceID = session.ClientReferenceID
		ev.externalSubID = session.ID
		ev.newExternalID = session.Subscription

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice stripeInvoiceObject
		if err := json.Unmarshal(hook.Data.Object, &invoice); err != nil {
			return nil, malformedStripeObject(err)
		}
		ev.externalSubID = invoice.Subscription
		if len(invoice.Lines.Data) > 0 {
			period := invoice.Lines.Data[0].Period
			if period.Start > 0 {
				ev.periodStart = time.Unix(period.Start, 0).UTC()
			}
			if period.End > 0 {
				ev.periodEnd = time.Unix(period.End, 0).UTC()
			}
		}
		amount := invoice.AmountPaid
		if hook.Type == "invoice.payment_failed" {
			amount = invoice.AmountDue
		}
		ev.payment = &paymentDetails{
			externalID: firstNonEmpty(invoice.Charge, invoice.PaymentIntent, invoice.ID),
			orderID:    invoice.ID,
			amount:     amount,
			currency:   strings.ToUpper(invoice.Currency),
			errorCode:  invoice.LastPaymentError.Code,
			errorDesc:  invoice.LastPaymentError.Message,
		}

	case "customer.subscription.deleted":
		var sub stripeSubscriptionObject
		if err := json.Unmarshal(hook.Data.Object, &sub); err != nil {
			return nil, malformedStripeObject(err)
		}
		ev.externalSubID = sub.ID

	case "charge.refunded":
		var charge stripeChargeObject
		if err := json.Unmarshal(hook.Data.Object, &charge); err != nil {
			return nil, malformedStripeObject(err)
		}
		refundID := ""
		if len(charge.Refunds.Data) > 0 {
			refundID = charge.Refunds.Data[0].ID
		}
		ev.payment = &paymentDetails{
			externalID: firstNonEmpty(refundID, "refund_"+charge.ID),
			orderID:    charge.ID,
			amount:     charge.AmountRefunded,
			currency:   strings.ToUpper(charge.Currency),
		}
	}

	return ev, nil
}

func malformedStripeObject(err error) error {
	return types.NewAppError(
		types.ErrCodeValidationMissingField,
		"malformed webhook event object",
		err,
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
