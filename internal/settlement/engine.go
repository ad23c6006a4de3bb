// Package settlement turns verified payment notifications into bookings.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-settlement/internal/capacity"
	"ms-settlement/internal/ledger"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/payment"
)

// Outcome is the terminal state of one notification.
type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeCompensated Outcome = "compensated"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeIgnored     Outcome = "ignored"
)

type Verifier interface {
	Verify(payload []byte, signature string) (*models.SettlementNotification, error)
}

type CapacityStore interface {
	Reserve(ctx context.Context, kind models.BookingKind, eventID string, places int) (capacity.Reservation, error)
	Release(ctx context.Context, kind models.BookingKind, eventID string, places int) error
}

type OrderLedger interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
	// InsertIfAbsent writes tasks with the order, in one transaction.
	InsertIfAbsent(ctx context.Context, order *models.Order, tasks ...models.SettlementTask) (ledger.InsertResult, error)
}

type Refunder interface {
	Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error)
}

// TaskQueue persists outbound tasks for at-least-once delivery.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.SettlementTask) error
}

// StoreUnavailableError is a capacity or ledger fault. The sender must
// redeliver, so it maps to a 5xx.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Result describes what the engine decided for one notification.
type Result struct {
	Outcome        Outcome
	SessionID      string
	OrderNumber    string
	RemainingAfter int
	// RefundErr is set when compensation was attempted and failed. It never
	// changes the acknowledgment.
	RefundErr error
	// Reconciled is true when a lost insert race gave its places back.
	Reconciled bool
}

type Engine struct {
	verifier Verifier
	capacity CapacityStore
	ledger   OrderLedger
	refunder Refunder
	tasks    TaskQueue
	log      *logger.Logger
	now      func() time.Time
	newID    func() string
}

func NewEngine(verifier Verifier, store CapacityStore, orders OrderLedger, refunder Refunder, tasks TaskQueue, log *logger.Logger) *Engine {
	return &Engine{
		verifier: verifier,
		capacity: store,
		ledger:   orders,
		refunder: refunder,
		tasks:    tasks,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// HandleNotification authenticates the raw body and settles it. A
// verification failure is returned as-is (a *payment.WebhookError).
func (e *Engine) HandleNotification(ctx context.Context, payload []byte, signature string) (Result, error) {
	notification, err := e.verifier.Verify(payload, signature)
	if err != nil {
		return Result{}, err
	}
	return e.Settle(ctx, *notification)
}

// Settle runs one verified notification to a terminal state. Only store
// faults come back as errors; every business outcome is a Result.
func (e *Engine) Settle(ctx context.Context, n models.SettlementNotification) (Result, error) {
	result := Result{SessionID: n.SessionID}

	if !settles(n) {
		e.log.Info("SETTLEMENT", fmt.Sprintf("Ignoring %s event %s (payment_status=%q)", n.Type, n.NotificationID, n.PaymentStatus))
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	// Metadata is validated before any store is touched.
	booking, err := ParseBooking(n.Metadata, n.CustomerDetails)
	if err != nil {
		e.log.Warn("SETTLEMENT", fmt.Sprintf("[MALFORMED] %s - %v", n.SessionID, err))
		// The payment is kept without a booking; someone has to look at it.
		review := e.newTask(models.TaskSettlementReconciliation, n, models.Booking{Customer: n.CustomerDetails}, func(t *models.SettlementTask) {
			t.Reason = err.Error()
			t.ManualReview = true
		})
		if qErr := e.tasks.Enqueue(ctx, review); qErr != nil {
			e.log.Error("SETTLEMENT", fmt.Sprintf("[TASK_NOT_STORED] %s - %v", n.SessionID, qErr))
		}
		result.Outcome = OutcomeMalformed
		return result, nil
	}

	exists, err := e.ledger.Exists(ctx, n.SessionID)
	if err != nil {
		return result, e.storeFault(n.SessionID, "idempotency check", err)
	}
	if exists {
		e.log.LogSettlement("DUPLICATE", n.SessionID, "already settled")
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	places := booking.Places()
	reservation, err := e.capacity.Reserve(ctx, booking.Kind, booking.EventID, places)
	switch {
	case errors.Is(err, capacity.ErrUnknownEvent):
		return e.compensate(ctx, n, booking, fmt.Sprintf("unknown event %s/%s", booking.Kind, booking.EventID))
	case err != nil:
		return result, e.storeFault(n.SessionID, "capacity reservation", err)
	case !reservation.Reserved:
		return e.compensate(ctx, n, booking, fmt.Sprintf("capacity exhausted for %s/%s (%d places)", booking.Kind, booking.EventID, places))
	}
	result.RemainingAfter = reservation.RemainingAfter

	order := buildOrder(n, booking)
	confirmed := e.newTask(models.TaskBookingConfirmed, n, booking, nil)
	inserted, err := e.ledger.InsertIfAbsent(ctx, order, confirmed)
	if err != nil {
		return e.insertFailed(ctx, n, booking, result, err)
	}

	if inserted == ledger.AlreadyExists {
		result.Outcome = OutcomeDuplicate
		result.Reconciled = e.reconcile(ctx, n, booking)
		return result, nil
	}

	e.log.LogSettlement("SETTLED", n.SessionID, fmt.Sprintf("order %s, %d places on %s/%s, %d left",
		order.OrderNumber, places, booking.Kind, booking.EventID, reservation.RemainingAfter))

	result.Outcome = OutcomeSettled
	result.OrderNumber = order.OrderNumber
	return result, nil
}

// settles reports whether the notification is a paid checkout. Delayed
// payment methods complete with "unpaid" and settle on the async event.
func settles(n models.SettlementNotification) bool {
	switch n.Type {
	case payment.EventCheckoutCompleted, payment.EventCheckoutAsyncPaymentSucceeded:
	default:
		return false
	}
	return n.SessionID != "" && (n.PaymentStatus == "paid" || n.PaymentStatus == "no_payment_required")
}

// insertFailed handles a ledger error after places were reserved. The error
// may hide a committed row, so the places are only given back once the
// ledger confirms the order is absent.
func (e *Engine) insertFailed(ctx context.Context, n models.SettlementNotification, booking models.Booking, result Result, insertErr error) (Result, error) {
	places := booking.Places()
	exists, err := e.ledger.Exists(ctx, n.SessionID)
	switch {
	case err != nil:
		reason := fmt.Sprintf("holding %d places on %s/%s: order state unknown after %v (check: %v)",
			places, booking.Kind, booking.EventID, insertErr, err)
		e.log.Error("SETTLEMENT", fmt.Sprintf("[INSERT_UNCERTAIN] %s - %s", n.SessionID, reason))
		review := e.newTask(models.TaskSettlementReconciliation, n, booking, func(t *models.SettlementTask) {
			t.Reason = reason
			t.ManualReview = true
		})
		if qErr := e.tasks.Enqueue(ctx, review); qErr != nil {
			e.log.Error("SETTLEMENT", fmt.Sprintf("[TASK_NOT_STORED] %s - %v", n.SessionID, qErr))
		}
		return result, e.storeFault(n.SessionID, "ledger insert", insertErr)

	case exists:
		// The insert committed with its confirmation task; only the reply was lost.
		e.log.Warn("SETTLEMENT", fmt.Sprintf("[INSERT_COMMITTED] %s - ledger reported %v but the order exists", n.SessionID, insertErr))
		result.Outcome = OutcomeSettled
		return result, nil
	}

	if err := e.capacity.Release(ctx, booking.Kind, booking.EventID, places); err != nil {
		e.log.Error("SETTLEMENT", fmt.Sprintf("[RELEASE_FAILED] %s - %d places on %s/%s: %v", n.SessionID, places, booking.Kind, booking.EventID, err))
	}
	return result, e.storeFault(n.SessionID, "ledger insert", insertErr)
}

// compensate refunds once. A refund failure is logged and reported in the
// task, never surfaced to the sender. Only a task that could not be stored
// is, so the redelivery retries the idempotent refund and the task.
func (e *Engine) compensate(ctx context.Context, n models.SettlementNotification, booking models.Booking, reason string) (Result, error) {
	result := Result{Outcome: OutcomeCompensated, SessionID: n.SessionID}
	e.log.LogSettlement("COMPENSATE", n.SessionID, reason)

	refund, err := e.refunder.Refund(ctx, payment.RefundRequest{
		SessionID:       n.SessionID,
		PaymentIntentID: n.PaymentIntentID,
		IdempotencyKey:  "refund-" + n.SessionID,
		Reason:          reason,
	})
	if err != nil {
		e.log.Error("REFUND", fmt.Sprintf("Refund for %s (payment %q) failed: %v", n.SessionID, n.PaymentIntentID, err))
		result.RefundErr = err
	} else {
		e.log.Info("REFUND", fmt.Sprintf("Refunded %s with %s (%s)", n.SessionID, refund.RefundID, refund.Status))
	}

	task := e.newTask(models.TaskBookingRefunded, n, booking, func(t *models.SettlementTask) {
		t.Reason = reason
		t.ManualReview = err != nil
	})
	if qErr := e.tasks.Enqueue(ctx, task); qErr != nil {
		return Result{SessionID: n.SessionID}, e.storeFault(n.SessionID, "refund task", qErr)
	}
	return result, nil
}

// reconcile gives back the places reserved by a delivery that lost the
// insert race. If that fails the task asks for manual review.
func (e *Engine) reconcile(ctx context.Context, n models.SettlementNotification, booking models.Booking) bool {
	places := booking.Places()
	err := e.capacity.Release(ctx, booking.Kind, booking.EventID, places)

	reason := fmt.Sprintf("released %d places on %s/%s after a concurrent delivery settled first", places, booking.Kind, booking.EventID)
	if err != nil {
		reason = fmt.Sprintf("could not release %d places on %s/%s: %v", places, booking.Kind, booking.EventID, err)
		e.log.Error("SETTLEMENT", fmt.Sprintf("[RECONCILE_FAILED] %s - %s", n.SessionID, reason))
	} else {
		e.log.LogSettlement("RECONCILED", n.SessionID, reason)
	}

	task := e.newTask(models.TaskSettlementReconciliation, n, booking, func(t *models.SettlementTask) {
		t.Reason = reason
		t.ManualReview = err != nil
	})
	if qErr := e.tasks.Enqueue(ctx, task); qErr != nil {
		e.log.Error("SETTLEMENT", fmt.Sprintf("[TASK_NOT_STORED] %s - %v", n.SessionID, qErr))
	}
	return err == nil
}

func (e *Engine) storeFault(sessionID, op string, err error) error {
	e.log.Error("SETTLEMENT", fmt.Sprintf("[STORE_UNAVAILABLE] %s - %s: %v", sessionID, op, err))
	return &StoreUnavailableError{Op: op, Err: err}
}

func (e *Engine) newTask(taskType models.TaskType, n models.SettlementNotification, booking models.Booking, fill func(*models.SettlementTask)) models.SettlementTask {
	customer := booking.Customer
	task := models.SettlementTask{
		ID:          e.newID(),
		Type:        taskType,
		SessionID:   n.SessionID,
		Kind:        booking.Kind,
		EventID:     booking.EventID,
		Places:      booking.Places(),
		Customer:    &customer,
		AmountTotal: n.AmountTotal,
		Currency:    n.Currency,
		CreatedAt:   e.now(),
	}
	if fill != nil {
		fill(&task)
	}
	return task
}

func buildOrder(n models.SettlementNotification, booking models.Booking) *models.Order {
	currency := n.Currency
	if currency == "" {
		currency = "eur"
	}
	return &models.Order{
		SessionID:       n.SessionID,
		PaymentIntentID: n.PaymentIntentID,
		AmountTotal:     n.AmountTotal,
		Currency:        currency,
		PaymentStatus:   models.StatusSucceeded,
		Customer:        booking.Customer,
		Kind:            booking.Kind,
		EventID:         booking.EventID,
		Places:          booking.Places(),
		Metadata:        n.Metadata,
		Event:           booking.Event,
	}
}
