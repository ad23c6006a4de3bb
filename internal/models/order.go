package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
	StatusRefunded  PaymentStatus = "refunded"
)

// Order is one settled payment. SessionID is the idempotency key and the
// primary key, so a second insert for the same session is a no-op.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	SessionID       string            `bun:"session_id,pk" json:"session_id"`
	OrderNumber     string            `bun:"order_number,notnull,unique" json:"order_number"`
	PaymentIntentID string            `bun:"payment_intent_id" json:"payment_intent_id,omitempty"`
	AmountTotal     int64             `bun:"amount_total,notnull" json:"amount_total"`
	Currency        string            `bun:"currency,notnull" json:"currency"`
	PaymentStatus   PaymentStatus     `bun:"payment_status,notnull" json:"payment_status"`
	Customer        Customer          `bun:"embed:customer_" json:"customer"`
	Kind            BookingKind       `bun:"kind,notnull" json:"kind"`
	EventID         string            `bun:"event_id,notnull" json:"event_id"`
	Places          int               `bun:"places,notnull" json:"places"`
	Metadata        map[string]string `bun:"metadata" json:"metadata"`
	Event           *EventSnapshot    `bun:"event" json:"event"`
	CreatedAt       time.Time         `bun:"created_at,notnull" json:"created_at"`
}
