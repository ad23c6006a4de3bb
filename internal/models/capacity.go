package models

import (
	"time"

	"github.com/uptrace/bun"
)

// EventCapacity holds the authoritative remaining places of one bookable event.
type EventCapacity struct {
	bun.BaseModel `bun:"table:event_capacities"`

	Kind      BookingKind `bun:"kind,pk" json:"kind"`
	EventID   string      `bun:"event_id,pk" json:"event_id"`
	Title     string      `bun:"title" json:"title,omitempty"`
	Date      string      `bun:"date" json:"date,omitempty"`
	Remaining int         `bun:"remaining,notnull" json:"remaining"`
	Active    bool        `bun:"active,notnull" json:"active"`
	UpdatedAt time.Time   `bun:"updated_at,notnull" json:"updated_at"`
}
