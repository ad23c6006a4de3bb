// Package ledger is the append-only record of settled payments.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/outbox"
)

const (
	orderNumberPrefix = "CMD"
	uniqueViolation   = "23505"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrNumberingExhausted means every retry collided on the order number.
	ErrNumberingExhausted = errors.New("order number retries exhausted")
)

// InsertResult tells the caller whether its row won the session id.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	}
	return "unknown"
}

type Option func(*Ledger)

// WithClock overrides the time source used for numbering and created_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithNumberRetries bounds how many order numbers are tried per insert.
func WithNumberRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.numberRetries = n
		}
	}
}

type Ledger struct {
	db            *bun.DB
	log           *logger.Logger
	now           func() time.Time
	numberRetries int
}

func New(db *bun.DB, log *logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:            db,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
		numberRetries: 3,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Exists(ctx context.Context, sessionID string) (bool, error) {
	exists, err := l.db.NewSelect().
		Model((*models.Order)(nil)).
		Where("session_id = ?", sessionID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check order %s: %w", sessionID, err)
	}
	return exists, nil
}

func (l *Ledger) GetBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	order := new(models.Order)
	err := l.db.NewSelect().
		Model(order).
		Where("session_id = ?", sessionID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order %s: %w", sessionID, err)
	}
	return order, nil
}

// InsertIfAbsent stores order unless a row with the same session id exists.
// The session id conflict alone decides idempotency; an order number
// collision is retried with a fresh count. tasks are written to the outbox
// in the same transaction, stamped with the order number, and only when
// the order was inserted.
func (l *Ledger) InsertIfAbsent(ctx context.Context, order *models.Order, tasks ...models.SettlementTask) (InsertResult, error) {
	if order.SessionID == "" {
		return 0, errors.New("order has no session id")
	}

	for attempt := 1; attempt <= l.numberRetries; attempt++ {
		result, err := l.tryInsert(ctx, order, tasks, attempt > 1)
		if err == nil {
			return result, nil
		}
		if !isOrderNumberConflict(err) {
			return 0, err
		}
		l.log.Warn("LEDGER", fmt.Sprintf("order number %s taken for session %s (attempt %d/%d)",
			order.OrderNumber, order.SessionID, attempt, l.numberRetries))
	}
	return 0, fmt.Errorf("%w: session %s", ErrNumberingExhausted, order.SessionID)
}

func (l *Ledger) tryInsert(ctx context.Context, order *models.Order, tasks []models.SettlementTask, retry bool) (InsertResult, error) {
	var result InsertResult
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := l.now()
		number, err := nextOrderNumber(ctx, tx, now.Year(), retry)
		if err != nil {
			return err
		}
		order.OrderNumber = number
		order.CreatedAt = now

		res, err := tx.NewInsert().
			Model(order).
			On("CONFLICT (session_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert order %s: %w", order.SessionID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			result = AlreadyExists
			return nil
		}
		result = Inserted

		stamped := make([]models.SettlementTask, len(tasks))
		for i, task := range tasks {
			task.OrderNumber = order.OrderNumber
			stamped[i] = task
		}
		return outbox.Add(ctx, tx, now, stamped...)
	})
	if err != nil {
		return 0, err
	}

	if result == AlreadyExists {
		order.OrderNumber = ""
	}
	l.log.LogDatabase("INSERT", "orders", fmt.Sprintf("session=%s result=%s number=%s", order.SessionID, result, order.OrderNumber))
	return result, nil
}

// nextOrderNumber counts this year's orders. Best effort: two concurrent
// callers can compute the same value, which the unique index catches. On a
// retry the highest issued sequence also counts, so a gap left by an earlier
// collision cannot make the same number come back.
func nextOrderNumber(ctx context.Context, db bun.IDB, year int, retry bool) (string, error) {
	pattern := fmt.Sprintf("%s-%d-%%", orderNumberPrefix, year)

	count, err := db.NewSelect().
		Model((*models.Order)(nil)).
		Where("order_number LIKE ?", pattern).
		Count(ctx)
	if err != nil {
		return "", fmt.Errorf("count orders for %d: %w", year, err)
	}
	seq := count + 1

	if retry {
		var last string
		err := db.NewSelect().
			Model((*models.Order)(nil)).
			Column("order_number").
			Where("order_number LIKE ?", pattern).
			OrderExpr("length(order_number) DESC, order_number DESC").
			Limit(1).
			Scan(ctx, &last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("last order number for %d: %w", year, err)
		}
		if n, ok := parseSequence(last); ok && n >= seq {
			seq = n + 1
		}
	}
	return FormatOrderNumber(year, seq), nil
}

func parseSequence(number string) (int, bool) {
	i := strings.LastIndexByte(number, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(number[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatOrderNumber renders CMD-<year>-<5 digit sequence>.
func FormatOrderNumber(year, seq int) string {
	return fmt.Sprintf("%s-%d-%05d", orderNumberPrefix, year, seq)
}

func isOrderNumberConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation && strings.Contains(pqErr.Constraint, "order_number")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, "order_number")
}
