package settlement

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"ms-settlement/internal/capacity"
	"ms-settlement/internal/ledger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/payment"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(payload []byte, signature string) (*models.SettlementNotification, error) {
	args := m.Called(payload, signature)
	if n := args.Get(0); n != nil {
		return n.(*models.SettlementNotification), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockCapacity struct {
	mock.Mock
}

func (m *MockCapacity) Reserve(ctx context.Context, kind models.BookingKind, eventID string, places int) (capacity.Reservation, error) {
	args := m.Called(ctx, kind, eventID, places)
	return args.Get(0).(capacity.Reservation), args.Error(1)
}

func (m *MockCapacity) Release(ctx context.Context, kind models.BookingKind, eventID string, places int) error {
	args := m.Called(ctx, kind, eventID, places)
	return args.Error(0)
}

type MockLedger struct {
	mock.Mock

	mu    sync.Mutex
	tasks []models.SettlementTask
}

func (m *MockLedger) Exists(ctx context.Context, sessionID string) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

// InsertIfAbsent keeps the tasks of an inserted order, stamped with its
// number, the way the real ledger writes them to the outbox.
func (m *MockLedger) InsertIfAbsent(ctx context.Context, order *models.Order, tasks ...models.SettlementTask) (ledger.InsertResult, error) {
	args := m.Called(ctx, order)
	result, err := args.Get(0).(ledger.InsertResult), args.Error(1)
	if err == nil && result == ledger.Inserted {
		m.mu.Lock()
		for _, task := range tasks {
			task.OrderNumber = order.OrderNumber
			m.tasks = append(m.tasks, task)
		}
		m.mu.Unlock()
	}
	return result, err
}

func (m *MockLedger) committedTasks() []models.SettlementTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SettlementTask(nil), m.tasks...)
}

type MockRefunder struct {
	mock.Mock
}

func (m *MockRefunder) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*payment.RefundResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingQueue keeps every enqueued task for assertions. A non-nil err
// rejects tasks instead.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []models.SettlementTask
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task models.SettlementTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) ofType(t models.TaskType) []models.SettlementTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.SettlementTask
	for _, task := range q.tasks {
		if task.Type == t {
			out = append(out, task)
		}
	}
	return out
}
