package settlement

import (
	"bytes"
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-settlement/internal/capacity"
	"ms-settlement/internal/database/dbtest"
	"ms-settlement/internal/ledger"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/outbox"
	"ms-settlement/internal/payment"
)

// storeFixture runs the engine against real SQL stores on SQLite.
type storeFixture struct {
	engine   *Engine
	db       *bun.DB
	capacity *capacity.SQLStore
	refunder *MockRefunder
	outbox   *outbox.Store
}

func setupStoreEngine(t *testing.T, kind models.BookingKind, eventID string, remaining int) *storeFixture {
	return setupStoreEngineWith(t, kind, eventID, remaining, func(l *ledger.Ledger) OrderLedger { return l })
}

func setupStoreEngineWith(t *testing.T, kind models.BookingKind, eventID string, remaining int, wrap func(*ledger.Ledger) OrderLedger) *storeFixture {
	db := dbtest.NewSQLite(t, (*models.EventCapacity)(nil), (*models.Order)(nil), (*models.OutboxMessage)(nil))
	log := logger.NewWithWriter(&bytes.Buffer{})

	store := capacity.NewSQLStore(db, log)
	require.NoError(t, store.Provision(context.Background(), models.EventCapacity{
		Kind: kind, EventID: eventID, Remaining: remaining, Active: true,
	}))

	f := &storeFixture{
		db:       db,
		capacity: store,
		refunder: new(MockRefunder),
		outbox:   outbox.New(db, log),
	}
	f.refunder.On("Refund", mock.Anything, mock.Anything).Return(&payment.RefundResult{RefundID: "re_x", Status: "succeeded"}, nil)
	f.engine = NewEngine(nil, store, wrap(ledger.New(db, log)), f.refunder, f.outbox, log)
	return f
}

func (f *storeFixture) tasks(t *testing.T, taskType models.TaskType) int {
	count, err := f.db.NewSelect().Model((*models.OutboxMessage)(nil)).Where("task_type = ?", taskType).Count(context.Background())
	require.NoError(t, err)
	return count
}

// lostCommitReply commits the first insert and then reports a dropped
// connection, as when the COMMIT acknowledgement never arrives.
type lostCommitReply struct {
	*ledger.Ledger
	mu     sync.Mutex
	failed bool
}

func (l *lostCommitReply) InsertIfAbsent(ctx context.Context, order *models.Order, tasks ...models.SettlementTask) (ledger.InsertResult, error) {
	result, err := l.Ledger.InsertIfAbsent(ctx, order, tasks...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil || l.failed {
		return result, err
	}
	l.failed = true
	return 0, driver.ErrBadConn
}

func traineeshipNotification(sessionID string, participants int) models.SettlementNotification {
	return models.SettlementNotification{
		Type:            payment.EventCheckoutCompleted,
		SessionID:       sessionID,
		PaymentIntentID: "pi_" + sessionID,
		PaymentStatus:   "paid",
		AmountTotal:     12000,
		Currency:        "eur",
		CustomerDetails: models.Customer{Email: "parent@example.com"},
		Metadata: map[string]string{
			"type":               "traineeship",
			"eventId":            "stage-1",
			"nombreParticipants": fmt.Sprint(participants),
		},
	}
}

func (f *storeFixture) remaining(t *testing.T) int {
	record, err := f.capacity.Get(context.Background(), models.KindTraineeship, "stage-1")
	require.NoError(t, err)
	return record.Remaining
}

func (f *storeFixture) orderCount(t *testing.T) int {
	count, err := f.db.NewSelect().Model((*models.Order)(nil)).Count(context.Background())
	require.NoError(t, err)
	return count
}

// Two different payments race for the last place.
func TestSettle_LastPlaceRace(t *testing.T) {
	f := setupStoreEngine(t, models.KindTraineeship, "stage-1", 1)

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Settle(context.Background(), traineeshipNotification(fmt.Sprintf("cs_%d", i), 1))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := map[Outcome]int{}
	for _, r := range results {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 1, outcomes[OutcomeSettled])
	assert.Equal(t, 1, outcomes[OutcomeCompensated])
	assert.Equal(t, 0, f.remaining(t))
	assert.Equal(t, 1, f.orderCount(t))
	f.refunder.AssertNumberOfCalls(t, "Refund", 1)
	assert.Equal(t, 1, f.tasks(t, models.TaskBookingConfirmed))
	assert.Equal(t, 1, f.tasks(t, models.TaskBookingRefunded))
}

// The insert commits but its reply is lost; the place must stay taken.
func TestSettle_CommittedInsertWithLostReplyKeepsThePlace(t *testing.T) {
	f := setupStoreEngineWith(t, models.KindTraineeship, "stage-1", 1, func(l *ledger.Ledger) OrderLedger {
		return &lostCommitReply{Ledger: l}
	})
	ctx := context.Background()

	first, err := f.engine.Settle(ctx, traineeshipNotification("cs_a", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, first.Outcome)
	assert.Equal(t, 0, f.remaining(t))

	again, err := f.engine.Settle(ctx, traineeshipNotification("cs_a", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)

	other, err := f.engine.Settle(ctx, traineeshipNotification("cs_b", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompensated, other.Outcome)

	assert.Equal(t, 1, f.orderCount(t), "one booking on a one-place event")
	assert.Equal(t, 0, f.remaining(t))
	assert.Equal(t, 1, f.tasks(t, models.TaskBookingConfirmed))
}

// The same notification delivered twice in a row.
func TestSettle_SequentialRedelivery(t *testing.T) {
	f := setupStoreEngine(t, models.KindTraineeship, "stage-1", 10)
	n := traineeshipNotification("cs_again", 3)

	first, err := f.engine.Settle(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, first.Outcome)
	assert.Equal(t, 7, f.remaining(t))

	second, err := f.engine.Settle(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 7, f.remaining(t))
	assert.Equal(t, 1, f.orderCount(t))
	f.refunder.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestSettle_ConcurrentRedeliveryDecrementsOnce(t *testing.T) {
	const deliveries = 8
	f := setupStoreEngine(t, models.KindTraineeship, "stage-1", 10)
	n := traineeshipNotification("cs_storm", 2)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(context.Background(), n)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.orderCount(t))
	assert.Equal(t, 8, f.remaining(t))
	assert.Equal(t, 1, f.tasks(t, models.TaskBookingConfirmed))
	f.refunder.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestSettle_ConcurrentSettlementsNeverOversell(t *testing.T) {
	const capacityLeft, payments = 5, 12
	f := setupStoreEngine(t, models.KindTraineeship, "stage-1", capacityLeft)

	var wg sync.WaitGroup
	for i := 0; i < payments; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Settle(context.Background(), traineeshipNotification(fmt.Sprintf("cs_%02d", i), 1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, f.remaining(t))
	assert.Equal(t, capacityLeft, f.orderCount(t))
	f.refunder.AssertNumberOfCalls(t, "Refund", payments-capacityLeft)

	var numbers []string
	require.NoError(t, f.db.NewSelect().Model((*models.Order)(nil)).Column("order_number").Scan(context.Background(), &numbers))
	seen := map[string]bool{}
	for _, number := range numbers {
		assert.False(t, seen[number], "order number %s issued twice", number)
		seen[number] = true
	}
}
