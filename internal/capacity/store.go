// Package capacity holds the remaining places of every bookable event and
// the single conditional decrement that is allowed to consume them.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"ms-settlement/internal/models"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrInvalidPlaces = errors.New("places must be a positive integer")
	ErrInvalidRecord = errors.New("invalid capacity record")
)

// Reservation is the outcome of one conditional decrement. Reserved false
// means the event is exhausted or inactive; that is not an error.
type Reservation struct {
	Reserved       bool
	RemainingAfter int
}

// Store is what the settlement engine needs from a capacity backend.
type Store interface {
	Reserve(ctx context.Context, kind models.BookingKind, eventID string, places int) (Reservation, error)
	Release(ctx context.Context, kind models.BookingKind, eventID string, places int) error
}

// Admin is the provisioning surface used by settlementctl.
type Admin interface {
	Provision(ctx context.Context, record models.EventCapacity) error
	Get(ctx context.Context, kind models.BookingKind, eventID string) (*models.EventCapacity, error)
	List(ctx context.Context) ([]models.EventCapacity, error)
}

func validateRecord(record models.EventCapacity) error {
	if !record.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidRecord, record.Kind)
	}
	if record.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidRecord)
	}
	if record.Remaining < 0 {
		return fmt.Errorf("%w: remaining %d is negative", ErrInvalidRecord, record.Remaining)
	}
	return nil
}
