// Package outbox persists settlement tasks so they survive restarts until
// the dispatcher has published them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

var ErrNotFound = errors.New("outbox message not found")

// Add writes tasks through db, which may be a transaction.
func Add(ctx context.Context, db bun.IDB, now time.Time, tasks ...models.SettlementTask) error {
	if len(tasks) == 0 {
		return nil
	}
	rows := make([]*models.OutboxMessage, 0, len(tasks))
	for _, task := range tasks {
		row, err := models.NewOutboxMessage(task, now)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if _, err := db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

type Store struct {
	db  *bun.DB
	log *logger.Logger
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *bun.DB, log *logger.Logger, opts ...Option) *Store {
	s := &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the store's clock, shared with the dispatcher so due times agree.
func (s *Store) Now() time.Time {
	return s.now()
}

// Enqueue persists one task. The dispatcher picks it up on its next poll.
func (s *Store) Enqueue(ctx context.Context, task models.SettlementTask) error {
	if err := Add(ctx, s.db, s.now(), task); err != nil {
		return err
	}
	s.log.LogDatabase("INSERT", "outbox", fmt.Sprintf("task=%s type=%s session=%s", task.ID, task.Type, task.SessionID))
	return nil
}

// Due returns pending rows whose next attempt is not in the future, oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", models.OutboxPending).
		Where("next_attempt_at <= ?", s.now()).
		OrderExpr("created_at ASC, id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select due outbox: %w", err)
	}
	return rows, nil
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	now := s.now()
	return s.update(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("status = ?", models.OutboxSent).
			Set("sent_at = ?", now).
			Set("last_error = ''")
	})
}

// MarkRetry records a failed attempt and schedules the next one.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.update(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("attempts = ?", attempts).
			Set("next_attempt_at = ?", next).
			Set("last_error = ?", lastErr)
	})
}

func (s *Store) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.update(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("status = ?", models.OutboxDead).
			Set("attempts = ?", attempts).
			Set("last_error = ?", lastErr)
	})
}

// List returns rows with the given status, newest first.
func (s *Store) List(ctx context.Context, status models.OutboxStatus, limit int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", status).
		OrderExpr("created_at DESC, id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return rows, nil
}

// Requeue moves every dead row back to pending with a fresh attempt budget.
func (s *Store) Requeue(ctx context.Context) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*models.OutboxMessage)(nil)).
		Set("status = ?", models.OutboxPending).
		Set("attempts = 0").
		Set("next_attempt_at = ?", s.now()).
		Where("status = ?", models.OutboxDead).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.log.LogDatabase("UPDATE", "outbox", fmt.Sprintf("requeued %d dead tasks", n))
	return int(n), nil
}

func (s *Store) update(ctx context.Context, id string, set func(*bun.UpdateQuery) *bun.UpdateQuery) error {
	q := s.db.NewUpdate().Model((*models.OutboxMessage)(nil)).Where("id = ?", id)
	res, err := set(q).Exec(ctx)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
