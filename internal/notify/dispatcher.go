// Package notify relays persisted settlement tasks to the broker. A task is
// only marked sent after the publisher accepted it, so every task is
// delivered at least once.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

var errNoTopic = errors.New("no topic configured")

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Source is the durable queue the dispatcher drains.
type Source interface {
	Due(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
	Now() time.Time
}

type Topics struct {
	BookingConfirmed string
	BookingRefunded  string
	Reconciliation   string
}

func (t Topics) For(taskType models.TaskType) (string, bool) {
	switch taskType {
	case models.TaskBookingConfirmed:
		return t.BookingConfirmed, t.BookingConfirmed != ""
	case models.TaskBookingRefunded:
		return t.BookingRefunded, t.BookingRefunded != ""
	case models.TaskSettlementReconciliation:
		return t.Reconciliation, t.Reconciliation != ""
	}
	return "", false
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// Dispatcher polls the outbox and publishes due tasks. A failed publish is
// rescheduled with exponential backoff; after MaxAttempts the row is
// marked dead and stays in the outbox for an operator.
type Dispatcher struct {
	source    Source
	publisher Publisher
	topics    Topics
	qr        *QRGenerator
	opts      Options
	log       *logger.Logger

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func NewDispatcher(source Source, publisher Publisher, topics Topics, qr *QRGenerator, opts Options, log *logger.Logger) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = opts.BaseDelay * 16 // Maximum 16x base delay
	}
	return &Dispatcher{
		source:    source,
		publisher: publisher,
		topics:    topics,
		qr:        qr,
		opts:      opts,
		log:       log,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(ctx, d.stop, d.done)
	d.log.Info("NOTIFY", fmt.Sprintf("Dispatcher polling outbox every %s", d.opts.PollInterval))
}

// Stop lets the pass in flight finish until ctx expires, then cancels it.
// Undelivered tasks stay pending in the outbox.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	stop, done, cancel := d.stop, d.done, d.cancel
	d.stop, d.done, d.cancel = nil, nil, nil
	d.mu.Unlock()
	if done == nil {
		return nil
	}

	close(stop)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		n, err := d.deliverDue(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("NOTIFY", fmt.Sprintf("Outbox poll failed: %v", err))
		}
		if n == d.opts.BatchSize && err == nil {
			select {
			case <-stop:
				return
			default:
				continue
			}
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// deliverDue makes one pass over the due rows and returns how many it saw.
func (d *Dispatcher) deliverDue(ctx context.Context) (int, error) {
	rows, err := d.source.Due(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		d.deliver(ctx, &rows[i])
	}
	return len(rows), nil
}

func (d *Dispatcher) deliver(ctx context.Context, row *models.OutboxMessage) {
	task, err := row.Task()
	if err != nil {
		d.bury(ctx, row, row.Attempts, err)
		return
	}
	topic, ok := d.topics.For(task.Type)
	if !ok {
		d.bury(ctx, row, row.Attempts, fmt.Errorf("%w for %s", errNoTopic, task.Type))
		return
	}

	if task.Type == models.TaskBookingConfirmed && d.qr != nil && task.QRCode == nil {
		code, err := d.qr.Generate(CheckIn{
			OrderNumber: task.OrderNumber,
			SessionID:   task.SessionID,
			Kind:        task.Kind,
			EventID:     task.EventID,
			Places:      task.Places,
		})
		if err != nil {
			d.log.Warn("NOTIFY", fmt.Sprintf("QR generation failed for %s: %v", task.OrderNumber, err))
		} else {
			task.QRCode = code
		}
	}

	attempts := row.Attempts + 1
	task.Attempts = attempts
	payload, err := json.Marshal(task)
	if err != nil {
		d.bury(ctx, row, attempts, err)
		return
	}

	err = d.publisher.Publish(ctx, topic, task.SessionID, payload)
	if err == nil {
		if markErr := d.source.MarkSent(ctx, row.ID); markErr != nil {
			d.log.Warn("NOTIFY", fmt.Sprintf("Task %s published but not marked sent, it will be published again: %v", row.ID, markErr))
			return
		}
		d.log.Debug("NOTIFY", fmt.Sprintf("Delivered %s task %s on attempt %d", task.Type, task.ID, attempts))
		return
	}

	if attempts >= d.opts.MaxAttempts {
		d.log.Error("NOTIFY", fmt.Sprintf("Giving up on %s task %s for %s after %d attempts: %v",
			task.Type, task.ID, task.SessionID, attempts, err))
		d.bury(ctx, row, attempts, err)
		return
	}

	delay := backoff(attempts, d.opts.BaseDelay, d.opts.MaxDelay)
	d.log.Warn("NOTIFY", fmt.Sprintf("Publish of task %s failed (attempt %d/%d), retrying in %s: %v",
		task.ID, attempts, d.opts.MaxAttempts, delay, err))
	if markErr := d.source.MarkRetry(ctx, row.ID, attempts, d.source.Now().Add(delay), err.Error()); markErr != nil {
		d.log.Error("NOTIFY", fmt.Sprintf("Cannot reschedule task %s: %v", row.ID, markErr))
	}
}

func (d *Dispatcher) bury(ctx context.Context, row *models.OutboxMessage, attempts int, cause error) {
	d.log.Error("NOTIFY", fmt.Sprintf("[DEAD] outbox %s (%s, session %s): %v", row.ID, row.TaskType, row.SessionID, cause))
	if err := d.source.MarkDead(ctx, row.ID, attempts, cause.Error()); err != nil {
		d.log.Error("NOTIFY", fmt.Sprintf("Cannot mark outbox %s dead: %v", row.ID, err))
	}
}

// LogPublisher stands in for Kafka when it is disabled.
type LogPublisher struct {
	Log *logger.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.Log.LogKafka("DISABLED", topic, fmt.Sprintf("key=%s bytes=%d", key, len(value)))
	return nil
}
