package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cohortd/cohortd/internal/logger"
)

// Handler processes one order event. A returned error triggers a retry; after
// the retry budget is exhausted the message is dead-lettered.
type Handler func(ctx context.Context, event *OrderPlaced) error

// Recorder receives consumer telemetry.
type Recorder interface {
	EventProcessed(status string)
	EventDeadLettered()
}

// Event processing outcomes reported to the Recorder.
const (
	StatusOK      = "ok"
	StatusRetried = "retried"
	StatusFailed  = "failed"
	StatusInvalid = "invalid"
)

// Consumer reads order events and drives the handler with at-least-once
// delivery: offsets are committed only after the event is handled or
// dead-lettered, so a crash replays uncommitted events. The handler must be
// idempotent.
type Consumer struct {
	reader  *kafka.Reader
	dlq     MessageWriter
	handler Handler
	metrics Recorder

	maxRetries int
	backoff    time.Duration
}

// NewConsumer creates an order event consumer.
func NewConsumer(reader *kafka.Reader, dlq MessageWriter, handler Handler, metrics Recorder, maxRetries int, backoff time.Duration) *Consumer {
	if reader == nil {
		panic("events: reader cannot be nil")
	}
	if dlq == nil {
		panic("events: dlq writer cannot be nil")
	}
	if handler == nil {
		panic("events: handler cannot be nil")
	}
	if metrics == nil {
		panic("events: recorder cannot be nil")
	}

	return &Consumer{
		reader:     reader,
		dlq:        dlq,
		handler:    handler,
		metrics:    metrics,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Run consumes until the context is cancelled. It returns nil on clean
// shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("order event consumer started", "topic", c.reader.Config().Topic)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info("order event consumer shutting down")
				return nil
			}
			log.Error("failed to fetch message", "error", err)
			time.Sleep(time.Second)
			continue
		}

		c.process(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("failed to commit offset", "error", err)
		}
	}
}

// process handles one message through unmarshal, validation, the retry loop,
// and dead-lettering. It never returns an error: by the time it returns the
// message is either handled or routed to the DLQ, and the offset may be
// committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	log := logger.FromContext(ctx)

	var event OrderPlaced
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Error("skipping malformed order event",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		c.metrics.EventProcessed(StatusInvalid)
		c.deadLetter(ctx, msg, "malformed payload: "+err.Error())
		return
	}

	if err := event.Validate(); err != nil {
		log.Error("skipping invalid order event",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		c.metrics.EventProcessed(StatusInvalid)
		c.deadLetter(ctx, msg, err.Error())
		return
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			c.metrics.EventProcessed(StatusRetried)
		}

		if lastErr = c.handler(ctx, &event); lastErr == nil {
			c.metrics.EventProcessed(StatusOK)
			return
		}

		log.Warn("order event handling failed",
			"user_id", event.UserID,
			"order_id", event.OrderID,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	log.Error("order event exhausted retries, dead-lettering",
		"user_id", event.UserID,
		"order_id", event.OrderID,
		"error", lastErr,
	)
	c.metrics.EventProcessed(StatusFailed)
	c.deadLetter(ctx, msg, lastErr.Error())
}

// deadLetter forwards the original payload to the DLQ with the failure reason
// attached as a header, preserving the message for manual replay.
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, reason string) {
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "x-failure-reason", Value: []byte(reason)},
			{Key: "x-original-topic", Value: []byte(msg.Topic)},
		},
	})
	if err != nil {
		// The offset still gets committed; the event is recoverable only from
		// the source topic retention. Loud log so operators notice.
		logger.FromContext(ctx).Error("failed to write to dead-letter topic",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}
	c.metrics.EventDeadLettered()
}
