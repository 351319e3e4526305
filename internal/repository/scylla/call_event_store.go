package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

// CallEventStore archives raw provider events in Scylla, partitioned by external call id.
type CallEventStore struct {
	session *gocql.Session
}

// NewCallEventStore creates a new event store.
func NewCallEventStore(session *gocql.Session) *CallEventStore {
	return &CallEventStore{session: session}
}

// Append inserts one event. Replays of the same delivery overwrite the same row.
func (s *CallEventStore) Append(ctx context.Context, event repository.CallEvent) error {
	if event.ExternalCallID == "" {
		return fmt.Errorf("call event store: external call id is required")
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO call_events_by_call (external_call_id, received_at, event_type, attempt_id, session_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExternalCallID, receivedAt, event.EventType, toGocqlUUID(event.AttemptID), toGocqlUUID(event.SessionID), event.Payload,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call event store: insert: %w", err)
	}
	return nil
}

// ListByCall returns the events of one call in arrival order.
func (s *CallEventStore) ListByCall(ctx context.Context, externalCallID string, limit int) ([]repository.CallEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT received_at, event_type, attempt_id, session_id, payload
		FROM call_events_by_call WHERE external_call_id = ? LIMIT ?`, externalCallID, limit).WithContext(ctx).Iter()

	events := make([]repository.CallEvent, 0, limit)
	var (
		receivedAt time.Time
		eventType  string
		attemptID  gocql.UUID
		sessionID  gocql.UUID
		payload    []byte
	)
	for iter.Scan(&receivedAt, &eventType, &attemptID, &sessionID, &payload) {
		events = append(events, repository.CallEvent{
			ExternalCallID: externalCallID,
			EventType:      eventType,
			ReceivedAt:     receivedAt,
			AttemptID:      fromGocqlUUID(attemptID),
			SessionID:      fromGocqlUUID(sessionID),
			Payload:        append([]byte(nil), payload...),
		})
		attemptID, sessionID = gocql.UUID{}, gocql.UUID{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call event store: iter close: %w", err)
	}
	return events, nil
}

func toGocqlUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return gocql.UUID(*id)
}

func fromGocqlUUID(id gocql.UUID) *uuid.UUID {
	if id == (gocql.UUID{}) {
		return nil
	}
	out := uuid.UUID(id)
	return &out
}
