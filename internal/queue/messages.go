package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchMessage is an instruction to place one call. Exactly one of AttemptID and
// SessionID is set.
type DispatchMessage struct {
	AttemptID       *uuid.UUID        `json:"attempt_id,omitempty"`
	SessionID       *uuid.UUID        `json:"session_id,omitempty"`
	CampaignID      uuid.UUID         `json:"campaign_id"`
	AccountID       uuid.UUID         `json:"account_id"`
	ContactID       uuid.UUID         `json:"contact_id"`
	PhoneNumber     string            `json:"phone_number"`
	ProviderAgentID string            `json:"provider_agent_id"`
	AttemptDay      int               `json:"attempt_day"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
}

// Key partitions dispatches so messages for one call stay ordered.
func (m DispatchMessage) Key() []byte {
	switch {
	case m.AttemptID != nil:
		return m.AttemptID[:]
	case m.SessionID != nil:
		return m.SessionID[:]
	}
	return nil
}

// CallOutcomeMessage announces the terminal outcome of a call to downstream consumers.
type CallOutcomeMessage struct {
	AttemptID        *uuid.UUID `json:"attempt_id,omitempty"`
	SessionID        *uuid.UUID `json:"session_id,omitempty"`
	CampaignID       uuid.UUID  `json:"campaign_id,omitempty"`
	AccountID        uuid.UUID  `json:"account_id"`
	ExternalCallID   string     `json:"external_call_id"`
	Status           string     `json:"status"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
	ChargedCents     int64      `json:"charged_cents"`
	Appointment      bool       `json:"appointment"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

// Key partitions outcomes by the call they describe.
func (m CallOutcomeMessage) Key() []byte {
	switch {
	case m.AttemptID != nil:
		return m.AttemptID[:]
	case m.SessionID != nil:
		return m.SessionID[:]
	}
	return []byte(m.ExternalCallID)
}
