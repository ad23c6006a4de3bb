package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxDead rows ran out of attempts and wait for an operator requeue.
	OutboxDead OutboxStatus = "dead"
)

// OutboxMessage is a settlement task persisted before it is published.
type OutboxMessage struct {
	bun.BaseModel `bun:"table:outbox"`

	ID            string       `bun:"id,pk" json:"id"`
	TaskType      TaskType     `bun:"task_type,notnull" json:"task_type"`
	SessionID     string       `bun:"session_id,notnull" json:"session_id"`
	Payload       string       `bun:"payload,notnull" json:"payload"`
	Status        OutboxStatus `bun:"status,notnull" json:"status"`
	Attempts      int          `bun:"attempts,notnull" json:"attempts"`
	LastError     string       `bun:"last_error" json:"last_error,omitempty"`
	NextAttemptAt time.Time    `bun:"next_attempt_at,notnull" json:"next_attempt_at"`
	CreatedAt     time.Time    `bun:"created_at,notnull" json:"created_at"`
	SentAt        *time.Time   `bun:"sent_at" json:"sent_at,omitempty"`
}

// NewOutboxMessage serializes task into a pending row due at now.
func NewOutboxMessage(task SettlementTask, now time.Time) (*OutboxMessage, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("task %s for %s has no id", task.Type, task.SessionID)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return &OutboxMessage{
		ID:            task.ID,
		TaskType:      task.Type,
		SessionID:     task.SessionID,
		Payload:       string(payload),
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

func (m *OutboxMessage) Task() (SettlementTask, error) {
	var task SettlementTask
	if err := json.Unmarshal([]byte(m.Payload), &task); err != nil {
		return SettlementTask{}, fmt.Errorf("decode outbox %s: %w", m.ID, err)
	}
	task.Attempts = m.Attempts
	return task, nil
}
