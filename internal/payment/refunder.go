package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-settlement/internal/logger"
)

var (
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
	ErrMissingPaymentIntent   = errors.New("no payment intent to refund")
)

type RefundRequest struct {
	SessionID       string
	PaymentIntentID string
	// IdempotencyKey makes a redelivered compensation a no-op at Stripe.
	IdempotencyKey string
	Reason         string
}

type RefundResult struct {
	RefundID string
	Status   string
	Amount   int64
}

// StripeRefunder issues full refunds of a checkout's payment intent.
type StripeRefunder struct {
	client *client.API
	log    *logger.Logger
}

func NewStripeRefunder(secretKey string, log *logger.Logger) (*StripeRefunder, error) {
	return NewStripeRefunderWithBackends(secretKey, nil, log)
}

// NewStripeRefunderWithBackends lets tests point the client at a local server.
func NewStripeRefunderWithBackends(secretKey string, backends *stripe.Backends, log *logger.Logger) (*StripeRefunder, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(secretKey, backends)
	if sc == nil {
		return nil, ErrStripeClientInitFailed
	}
	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeRefunder{client: sc, log: log}, nil
}

// Refund makes exactly one refund call; retries belong to reconciliation.
func (r *StripeRefunder) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentIntentID == "" {
		return nil, ErrMissingPaymentIntent
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
	}
	params.Context = ctx
	params.AddMetadata("session_id", req.SessionID)
	if req.Reason != "" {
		params.AddMetadata("settlement_reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	refund, err := r.client.Refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return nil, fmt.Errorf("stripe refund for %s (%s): %w", req.PaymentIntentID, stripeErr.Code, err)
		}
		return nil, fmt.Errorf("stripe refund for %s: %w", req.PaymentIntentID, err)
	}

	r.log.Info("REFUND", fmt.Sprintf("Refund %s for payment %s is %s", refund.ID, req.PaymentIntentID, refund.Status))
	return &RefundResult{RefundID: refund.ID, Status: string(refund.Status), Amount: refund.Amount}, nil
}
