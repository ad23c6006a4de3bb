// Package payment talks to Stripe: it authenticates inbound webhook
// notifications and issues compensating refunds.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

const (
	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

var ErrAuthentication = errors.New("notification authentication failed")

// WebhookError carries a rejected notification to the HTTP layer.
type WebhookError struct {
	Category      string // "configuration", "authentication", "decoding"
	StatusCode    int
	PublicError   string // Safe to expose to the sender
	InternalError string
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// StripeVerifier checks the Stripe-Signature header against the exact raw
// body and decodes checkout sessions into settlement notifications.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	log       *logger.Logger
}

func NewStripeVerifier(secret string, tolerance time.Duration, log *logger.Logger) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: tolerance, log: log}
}

// Verify returns a notification for every authentic event. Events that are
// not checkout sessions come back with only NotificationID and Type set.
func (v *StripeVerifier) Verify(payload []byte, signature string) (*models.SettlementNotification, error) {
	if v.secret == "" {
		v.log.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		v.log.LogSecurity("SIGNATURE_REJECTED", err.Error())
		return nil, &WebhookError{
			Category:      "authentication",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   fmt.Errorf("%w: %v", ErrAuthentication, err),
		}
	}

	notification := &models.SettlementNotification{
		NotificationID: event.ID,
		Type:           string(event.Type),
	}

	switch notification.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			v.log.Error("WEBHOOK", fmt.Sprintf("Failed to decode checkout session in %s: %v", event.ID, err))
			return nil, &WebhookError{
				Category:      "decoding",
				StatusCode:    http.StatusBadRequest,
				PublicError:   "Invalid event data",
				InternalError: fmt.Sprintf("Failed to decode checkout session: %v", err),
				OriginalErr:   err,
			}
		}
		fillFromSession(notification, &session)
	}

	return notification, nil
}

func fillFromSession(n *models.SettlementNotification, session *stripe.CheckoutSession) {
	n.SessionID = session.ID
	n.PaymentStatus = string(session.PaymentStatus)
	n.AmountTotal = session.AmountTotal
	n.Currency = string(session.Currency)
	n.Metadata = session.Metadata
	if session.PaymentIntent != nil {
		n.PaymentIntentID = session.PaymentIntent.ID
	}
	if d := session.CustomerDetails; d != nil {
		n.CustomerDetails = models.Customer{Name: d.Name, Email: d.Email, Phone: d.Phone}
	}
}
