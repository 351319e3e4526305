package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call attempt.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusVoicemail  CallStatus = "voicemail"
	CallStatusCancelled  CallStatus = "cancelled"
)

// IsOpen reports whether the call still occupies a concurrency slot.
func (s CallStatus) IsOpen() bool {
	return s == CallStatusPending || s == CallStatusInProgress
}

// IsFinal reports whether the status can no longer change.
func (s CallStatus) IsFinal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusVoicemail, CallStatusCancelled:
		return true
	}
	return false
}

// Attempt is one call to one contact on one calling day.
type Attempt struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	ContactID         uuid.UUID
	PhoneIndex        int
	TotalPhones       int
	PhoneNumber       string
	AttemptDay        int
	AttemptNumber     int
	Status            CallStatus
	ScheduledAt       time.Time
	DispatchedAt      *time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	ExternalCallID    *string
	DisconnectReason  *string
	DurationMs        int64
	ProviderCostCents int64
	ChargedCents      int64
	RecordingURL      *string
	Transcript        *string
	CallSummary       *string
	CustomAnalysis    json.RawMessage
	AppointmentData   *Appointment
	CallSuccessful    *bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Appointment is a booking captured from a provider tool invocation.
type Appointment struct {
	TimeText      string `json:"time_text,omitempty"`
	AttendeeName  string `json:"attendee_name,omitempty"`
	AttendeeEmail string `json:"attendee_email,omitempty"`
	ExecutionNote string `json:"execution_note,omitempty"`
	Provenance    string `json:"provenance"`
}

// CallOutcome is the terminal facts reported for a call.
type CallOutcome struct {
	Status            CallStatus
	ExternalCallID    string
	DisconnectReason  string
	DurationMs        int64
	ProviderCostCents int64
	RecordingURL      string
	Transcript        string
	EndedAt           time.Time
}

// CallAnalysis is the post-call analysis attached by the provider.
type CallAnalysis struct {
	Summary        string
	Successful     *bool
	CustomAnalysis json.RawMessage
}

// TestCallSession is a standalone call used to preview an agent outside of any campaign.
type TestCallSession struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	AgentID           uuid.UUID
	PhoneNumber       string
	Status            CallStatus
	ExternalCallID    *string
	DurationMs        int64
	ProviderCostCents int64
	ChargedCents      int64
	CallSummary       *string
	AppointmentData   *Appointment
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
