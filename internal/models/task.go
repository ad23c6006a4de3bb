package models

import "time"

type TaskType string

const (
	TaskBookingConfirmed         TaskType = "booking.confirmed"
	TaskBookingRefunded          TaskType = "booking.refunded"
	TaskSettlementReconciliation TaskType = "settlement.reconciliation"
)

// SettlementTask is an outbound at-least-once message produced by the engine.
// Consumers dedupe on ID.
type SettlementTask struct {
	ID           string      `json:"id"`
	Type         TaskType    `json:"type"`
	SessionID    string      `json:"session_id"`
	OrderNumber  string      `json:"order_number,omitempty"`
	Kind         BookingKind `json:"kind,omitempty"`
	EventID      string      `json:"event_id,omitempty"`
	Places       int         `json:"places,omitempty"`
	Customer     *Customer   `json:"customer,omitempty"`
	AmountTotal  int64       `json:"amount_total,omitempty"`
	Currency     string      `json:"currency,omitempty"`
	QRCode       []byte      `json:"qr_code,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ManualReview bool        `json:"manual_review,omitempty"`
	Attempts     int         `json:"attempts"`
	CreatedAt    time.Time   `json:"created_at"`
}
