package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the slice of kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes order events to the order topic.
type Producer struct {
	writer MessageWriter
}

// NewProducer creates an order event producer.
func NewProducer(writer MessageWriter) *Producer {
	if writer == nil {
		panic("events: writer cannot be nil")
	}
	return &Producer{writer: writer}
}

// PublishOrderPlaced emits the event, keyed by user ID for per-user ordering.
func (p *Producer) PublishOrderPlaced(ctx context.Context, event *OrderPlaced) error {
	if err := event.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish order event for user %q: %w", event.UserID, err)
	}

	return nil
}
