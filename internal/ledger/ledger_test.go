package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-settlement/internal/database/dbtest"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

var fixedNow = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func setupLedger(t *testing.T, opts ...Option) (*Ledger, *bun.DB) {
	db := dbtest.NewSQLite(t, (*models.Order)(nil), (*models.OutboxMessage)(nil))
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(db, logger.NewWithWriter(io.Discard), opts...), db
}

func newOrder(sessionID string) *models.Order {
	return &models.Order{
		SessionID:       sessionID,
		PaymentIntentID: "pi_" + sessionID,
		AmountTotal:     4500,
		Currency:        "eur",
		PaymentStatus:   models.StatusSucceeded,
		Customer:        models.Customer{Name: "Camille", Email: "camille@example.com", Phone: "0600000000"},
		Kind:            models.KindShow,
		EventID:         "show-1",
		Places:          3,
		Metadata:        map[string]string{"adultes": "2", "enfants": "1"},
		Event:           &models.EventSnapshot{Title: "Le Cirque", Place: "Lyon", Date: "2026-05-02", Hours: "20h"},
	}
}

func TestInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t)

	result, err := l.InsertIfAbsent(ctx, newOrder("cs_1"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	exists, err := l.Exists(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, exists)

	stored, err := l.GetBySessionID(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "CMD-2026-00001", stored.OrderNumber)
	assert.Equal(t, "camille@example.com", stored.Customer.Email)
	assert.Equal(t, int64(4500), stored.AmountTotal)
	assert.Equal(t, "2", stored.Metadata["adultes"])
	require.NotNil(t, stored.Event)
	assert.Equal(t, "Le Cirque", stored.Event.Title)
	assert.True(t, stored.CreatedAt.Equal(fixedNow))
}

func TestInsertIfAbsent_DuplicateSession(t *testing.T) {
	ctx := context.Background()
	l, db := setupLedger(t)

	_, err := l.InsertIfAbsent(ctx, newOrder("cs_dup"))
	require.NoError(t, err)

	again := newOrder("cs_dup")
	again.AmountTotal = 1
	result, err := l.InsertIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, result)
	assert.Empty(t, again.OrderNumber)

	count, err := db.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := l.GetBySessionID(ctx, "cs_dup")
	require.NoError(t, err)
	assert.Equal(t, int64(4500), stored.AmountTotal, "the first writer wins")
}

func TestInsertIfAbsent_ConcurrentSameSession(t *testing.T) {
	ctx := context.Background()
	l, db := setupLedger(t)

	const deliveries = 10
	results := make(chan InsertResult, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := l.InsertIfAbsent(ctx, newOrder("cs_race"))
			if assert.NoError(t, err) {
				results <- result
			}
		}()
	}
	wg.Wait()
	close(results)

	counts := map[InsertResult]int{}
	for r := range results {
		counts[r]++
	}
	assert.Equal(t, 1, counts[Inserted])
	assert.Equal(t, deliveries-1, counts[AlreadyExists])

	count, err := db.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInsertIfAbsent_ConcurrentNumbersAreDistinct(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t)

	const settlements = 20
	var wg sync.WaitGroup
	for i := 0; i < settlements; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.InsertIfAbsent(ctx, newOrder(fmt.Sprintf("cs_%02d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < settlements; i++ {
		order, err := l.GetBySessionID(ctx, fmt.Sprintf("cs_%02d", i))
		require.NoError(t, err)
		assert.False(t, seen[order.OrderNumber], "duplicate order number %s", order.OrderNumber)
		seen[order.OrderNumber] = true
	}
	assert.Len(t, seen, settlements)
}

func TestInsertIfAbsent_RetriesOnNumberCollision(t *testing.T) {
	ctx := context.Background()
	l, db := setupLedger(t)

	// A gap: one row exists but it already holds sequence 2.
	gap := newOrder("cs_gap")
	gap.OrderNumber = "CMD-2026-00002"
	gap.CreatedAt = fixedNow
	_, err := db.NewInsert().Model(gap).Exec(ctx)
	require.NoError(t, err)

	order := newOrder("cs_next")
	result, err := l.InsertIfAbsent(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)
	assert.Equal(t, "CMD-2026-00003", order.OrderNumber)
}

func TestInsertIfAbsent_NumberingRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	l, db := setupLedger(t, WithNumberRetries(1))

	gap := newOrder("cs_gap")
	gap.OrderNumber = "CMD-2026-00001"
	gap.CreatedAt = fixedNow
	_, err := db.NewInsert().Model(gap).Exec(ctx)
	require.NoError(t, err)
	second := newOrder("cs_gap2")
	second.OrderNumber = "CMD-2026-00002"
	second.CreatedAt = fixedNow
	_, err = db.NewInsert().Model(second).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewDelete().Model((*models.Order)(nil)).Where("session_id = ?", "cs_gap").Exec(ctx)
	require.NoError(t, err)

	_, err = l.InsertIfAbsent(ctx, newOrder("cs_unlucky"))
	assert.ErrorIs(t, err, ErrNumberingExhausted)

	exists, err := l.Exists(ctx, "cs_unlucky")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInsertIfAbsent_WritesTasksWithTheOrder(t *testing.T) {
	ctx := context.Background()
	l, db := setupLedger(t)

	confirmed := models.SettlementTask{ID: "task-1", Type: models.TaskBookingConfirmed, SessionID: "cs_task"}
	result, err := l.InsertIfAbsent(ctx, newOrder("cs_task"), confirmed)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	var rows []models.OutboxMessage
	require.NoError(t, db.NewSelect().Model(&rows).Scan(ctx))
	require.Len(t, rows, 1)
	assert.Equal(t, models.OutboxPending, rows[0].Status)
	task, err := rows[0].Task()
	require.NoError(t, err)
	assert.Equal(t, "CMD-2026-00001", task.OrderNumber)

	result, err = l.InsertIfAbsent(ctx, newOrder("cs_task"),
		models.SettlementTask{ID: "task-2", Type: models.TaskBookingConfirmed, SessionID: "cs_task"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, result)

	count, err := db.NewSelect().Model((*models.OutboxMessage)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a duplicate settles no second task")
}

func TestInsertIfAbsent_FailedTaskWriteRollsBackOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t)

	_, err := l.InsertIfAbsent(ctx, newOrder("cs_rollback"), models.SettlementTask{Type: models.TaskBookingConfirmed})
	require.Error(t, err)

	exists, err := l.Exists(ctx, "cs_rollback")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNextOrderNumber_ComparesSequencesNumerically(t *testing.T) {
	ctx := context.Background()
	_, db := setupLedger(t)

	for session, number := range map[string]string{"cs_a": "CMD-2026-99999", "cs_b": "CMD-2026-100000"} {
		order := newOrder(session)
		order.OrderNumber = number
		order.CreatedAt = fixedNow
		_, err := db.NewInsert().Model(order).Exec(ctx)
		require.NoError(t, err)
	}

	number, err := nextOrderNumber(ctx, db, 2026, true)
	require.NoError(t, err)
	assert.Equal(t, "CMD-2026-100001", number)
}

func TestInsertIfAbsent_NumbersRestartEachYear(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.December, 31, 23, 59, 0, 0, time.UTC)
	l, _ := setupLedger(t, WithClock(func() time.Time { return now }))

	first := newOrder("cs_2025")
	_, err := l.InsertIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "CMD-2025-00001", first.OrderNumber)

	now = now.Add(2 * time.Minute)
	second := newOrder("cs_2026")
	_, err = l.InsertIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "CMD-2026-00001", second.OrderNumber)
}

func TestGetBySessionID_NotFound(t *testing.T) {
	l, _ := setupLedger(t)
	_, err := l.GetBySessionID(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsOrderNumberConflict(t *testing.T) {
	assert.True(t, isOrderNumberConflict(&pq.Error{Code: "23505", Constraint: "orders_order_number_key"}))
	assert.False(t, isOrderNumberConflict(&pq.Error{Code: "23505", Constraint: "orders_pkey"}))
	assert.False(t, isOrderNumberConflict(&pq.Error{Code: "40001", Constraint: "orders_order_number_key"}))
	assert.True(t, isOrderNumberConflict(fmt.Errorf("insert: %w",
		errors.New("constraint failed: UNIQUE constraint failed: orders.order_number (2067)"))))
	assert.False(t, isOrderNumberConflict(errors.New("database is locked")))
}

func TestFormatOrderNumber(t *testing.T) {
	assert.Equal(t, "CMD-2026-00042", FormatOrderNumber(2026, 42))
	assert.Equal(t, "CMD-2026-123456", FormatOrderNumber(2026, 123456))
}
