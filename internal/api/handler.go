// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-settlement/internal/ledger"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/payment"
	"ms-settlement/internal/settlement"
	"ms-settlement/internal/utils"
)

// Stripe caps webhook payloads well below this.
const maxWebhookBody = 1 << 20

type NotificationHandler interface {
	HandleNotification(ctx context.Context, payload []byte, signature string) (settlement.Result, error)
}

type OrderReader interface {
	GetBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
}

type Handler struct {
	Settlement NotificationHandler
	Orders     OrderReader
	Logger     *logger.Logger
}

// Webhook authenticates and settles one notification. Every business
// outcome is a 200; only a rejected signature is a 400 and only a store
// fault is a 500.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Webhook: failed to read payload: %v", err))
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}

	// Settlement runs to a terminal state even if the sender hangs up.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.Settlement.HandleNotification(ctx, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var webhookErr *payment.WebhookError
		var storeErr *settlement.StoreUnavailableError
		switch {
		case errors.As(err, &webhookErr):
			h.Logger.Info("API", fmt.Sprintf("Webhook: rejected category=%s, status=%d", webhookErr.Category, webhookErr.StatusCode))
			http.Error(w, webhookErr.PublicError, webhookErr.StatusCode)
		case errors.As(err, &storeErr):
			http.Error(w, "Settlement temporarily unavailable", http.StatusInternalServerError)
		default:
			h.Logger.Error("API", fmt.Sprintf("Webhook: unexpected error: %v", err))
			http.Error(w, "Webhook processing error", http.StatusInternalServerError)
		}
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"outcome":  result.Outcome,
	}); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Webhook: failed to encode response: %v", err))
	}
}

type customerDetails struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type sessionResponse struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"orderNumber"`
	AmountTotal     int64                 `json:"amount_total"`
	Currency        string                `json:"currency"`
	CustomerDetails customerDetails       `json:"customer_details"`
	Metadata        map[string]string     `json:"metadata"`
	Type            models.BookingKind    `json:"type"`
	Event           *models.EventSnapshot `json:"event"`
}

// RetrieveSession serves the success page with the settled order.
func (h *Handler) RetrieveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		_ = utils.WriteError(w, http.StatusBadRequest, "session_id missing")
		return
	}

	order, err := h.Orders.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			_ = utils.WriteError(w, http.StatusNotFound, "order not found")
			return
		}
		h.Logger.Error("API", fmt.Sprintf("RetrieveSession: %v", err))
		_ = utils.WriteError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	metadata := order.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	name := order.Customer.Name
	if name == "" {
		name = "Anonyme"
	}

	_ = utils.WriteJSON(w, http.StatusOK, sessionResponse{
		ID:          order.SessionID,
		OrderNumber: order.OrderNumber,
		AmountTotal: order.AmountTotal,
		Currency:    order.Currency,
		CustomerDetails: customerDetails{
			Name:  name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Metadata: metadata,
		Type:     order.Kind,
		Event:    order.Event,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
}
