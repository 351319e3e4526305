package queue

import (
	"context"
	"fmt"
	"time"
)

// OutcomePublisher publishes terminal call outcomes.
type OutcomePublisher struct {
	writer messageWriter
}

// NewOutcomePublisher constructs a publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return &OutcomePublisher{writer: k.NewWriter(topic)}
}

// PublishOutcome emits an outcome message to Kafka.
func (p *OutcomePublisher) PublishOutcome(ctx context.Context, msg CallOutcomeMessage) error {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	if err := writeJSON(ctx, p.writer, "call.outcome", msg.Key(), msg, msg.OccurredAt); err != nil {
		return fmt.Errorf("outcome publisher: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
