package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publishers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writeJSON encodes value as one keyed record carrying the caller's trace context.
func writeJSON(ctx context.Context, w messageWriter, kind string, key []byte, value any, at time.Time) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	record := kafka.Message{
		Key:     key,
		Value:   body,
		Time:    at,
		Headers: []kafka.Header{{Key: "message-type", Value: []byte(kind)}},
	}
	InjectTrace(ctx, &record)
	if err := w.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// CallDispatcher publishes call dispatch instructions for the call worker.
type CallDispatcher struct {
	writer messageWriter
}

// NewCallDispatcher constructs a dispatcher for the given topic.
func NewCallDispatcher(k *Kafka, topic string) *CallDispatcher {
	return &CallDispatcher{writer: k.NewWriter(topic)}
}

// DispatchCall enqueues one call. The record is keyed by attempt or session id so
// redeliveries of the same call land on one partition in order.
func (d *CallDispatcher) DispatchCall(ctx context.Context, msg DispatchMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	if err := writeJSON(ctx, d.writer, "call.dispatch", msg.Key(), msg, msg.EnqueuedAt); err != nil {
		return fmt.Errorf("call dispatcher: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *CallDispatcher) Close() error {
	return d.writer.Close()
}
