package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

type Consumer struct {
	reader *kafka.Reader
	log    *logger.Logger
}

// NewConsumer reads one task topic as part of groupID.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, log: log}
}

// Start decodes tasks and hands them to handler until ctx is done.
// Messages that do not decode are logged and skipped.
func (c *Consumer) Start(ctx context.Context, handler func(models.SettlementTask)) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var task models.SettlementTask
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Skipping undecodable message at %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err))
			continue
		}
		handler(task)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
