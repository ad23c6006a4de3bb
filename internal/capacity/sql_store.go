package capacity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

// SQLStore keeps capacity rows in the event_capacities table.
type SQLStore struct {
	db  *bun.DB
	log *logger.Logger
	now func() time.Time
}

func NewSQLStore(db *bun.DB, log *logger.Logger) *SQLStore {
	return &SQLStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Reserve decrements remaining by places only when enough are left, in one
// UPDATE. The row is read back inside the same transaction.
func (s *SQLStore) Reserve(ctx context.Context, kind models.BookingKind, eventID string, places int) (Reservation, error) {
	if places <= 0 {
		return Reservation{}, ErrInvalidPlaces
	}

	var reservation Reservation
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.EventCapacity)(nil)).
			Set("remaining = remaining - ?", places).
			Set("updated_at = ?", s.now()).
			Where("kind = ?", kind).
			Where("event_id = ?", eventID).
			Where("active = ?", true).
			Where("remaining >= ?", places).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("conditional decrement: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		if affected == 0 {
			exists, err := tx.NewSelect().
				Model((*models.EventCapacity)(nil)).
				Where("kind = ?", kind).
				Where("event_id = ?", eventID).
				Exists(ctx)
			if err != nil {
				return fmt.Errorf("lookup event: %w", err)
			}
			if !exists {
				return ErrUnknownEvent
			}
			return nil
		}

		var remaining int
		if err := tx.NewSelect().
			Model((*models.EventCapacity)(nil)).
			Column("remaining").
			Where("kind = ?", kind).
			Where("event_id = ?", eventID).
			Scan(ctx, &remaining); err != nil {
			return fmt.Errorf("read remaining: %w", err)
		}
		reservation = Reservation{Reserved: true, RemainingAfter: remaining}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	s.log.LogDatabase("RESERVE", "event_capacities",
		fmt.Sprintf("%s/%s places=%d reserved=%t remaining=%d", kind, eventID, places, reservation.Reserved, reservation.RemainingAfter))
	return reservation, nil
}

// Release gives places back to an event. Only reconciliation calls it.
func (s *SQLStore) Release(ctx context.Context, kind models.BookingKind, eventID string, places int) error {
	if places <= 0 {
		return ErrInvalidPlaces
	}

	res, err := s.db.NewUpdate().
		Model((*models.EventCapacity)(nil)).
		Set("remaining = remaining + ?", places).
		Set("updated_at = ?", s.now()).
		Where("kind = ?", kind).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUnknownEvent
	}

	s.log.LogDatabase("RELEASE", "event_capacities", fmt.Sprintf("%s/%s places=%d", kind, eventID, places))
	return nil
}

// Provision creates or overwrites a capacity record.
func (s *SQLStore) Provision(ctx context.Context, record models.EventCapacity) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	record.UpdatedAt = s.now()

	_, err := s.db.NewInsert().
		Model(&record).
		On("CONFLICT (kind, event_id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("date = EXCLUDED.date").
		Set("remaining = EXCLUDED.remaining").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("provision capacity %s/%s: %w", record.Kind, record.EventID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, kind models.BookingKind, eventID string) (*models.EventCapacity, error) {
	record := new(models.EventCapacity)
	err := s.db.NewSelect().
		Model(record).
		Where("kind = ?", kind).
		Where("event_id = ?", eventID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownEvent
		}
		return nil, fmt.Errorf("get capacity %s/%s: %w", kind, eventID, err)
	}
	return record, nil
}

func (s *SQLStore) List(ctx context.Context) ([]models.EventCapacity, error) {
	var records []models.EventCapacity
	err := s.db.NewSelect().
		Model(&records).
		Order("kind ASC", "event_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list capacities: %w", err)
	}
	return records, nil
}
