package webhook

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

// WebhookType names this provider's webhooks in error record keys.
const WebhookType = "voice"

// EventType is the normalised provider event name.
type EventType string

const (
	EventStarted  EventType = "started"
	EventEnded    EventType = "ended"
	EventAnalyzed EventType = "analyzed"
)

// TargetKind says which record an event is correlated to.
type TargetKind int

const (
	TargetAttempt TargetKind = iota + 1
	TargetSession
)

// Event is a parsed, correlated provider webhook.
type Event struct {
	Type   EventType
	Target TargetKind
	// TargetID is the attempt or test session id echoed back in call metadata.
	TargetID uuid.UUID
	Call     CallPayload
	Raw      json.RawMessage
}

// CorrelationKey is the ledger key for the call this event belongs to.
func (e *Event) CorrelationKey() string {
	if e.Target == TargetSession {
		return "session:" + e.TargetID.String()
	}
	return "attempt:" + e.TargetID.String()
}

type envelope struct {
	Event string      `json:"event"`
	Call  CallPayload `json:"call"`
}

// CallPayload is the call object carried by every event.
type CallPayload struct {
	CallID                  string           `json:"call_id"`
	Metadata                CallMetadata     `json:"metadata"`
	DisconnectionReason     string           `json:"disconnection_reason"`
	DurationMs              int64            `json:"duration_ms"`
	StartTimestamp          int64            `json:"start_timestamp"`
	EndTimestamp            int64            `json:"end_timestamp"`
	CallCost                *CallCost        `json:"call_cost"`
	Transcript              string           `json:"transcript"`
	RecordingURL            string           `json:"recording_url"`
	TranscriptWithToolCalls json.RawMessage  `json:"transcript_with_tool_calls"`
	ToolCalls               json.RawMessage  `json:"tool_calls"`
	CallAnalysis            *AnalysisPayload `json:"call_analysis"`
}

// CallMetadata is the metadata we attached when placing the call.
type CallMetadata struct {
	AttemptID  string `json:"attempt_id"`
	SessionID  string `json:"session_id"`
	CampaignID string `json:"campaign_id"`
}

// CallCost reports the provider cost. CombinedCost is in cents and may be fractional.
type CallCost struct {
	CombinedCost float64 `json:"combined_cost"`
}

// AnalysisPayload is the provider's post-call analysis.
type AnalysisPayload struct {
	CallSummary        string          `json:"call_summary"`
	CallSuccessful     *bool           `json:"call_successful"`
	CustomAnalysisData json.RawMessage `json:"custom_analysis_data"`
	InVoicemail        *bool           `json:"in_voicemail"`
	ToolCalls          json.RawMessage `json:"tool_calls"`
}

// ProviderCostCents rounds the provider cost up to whole cents.
func (c CallPayload) ProviderCostCents() int64 {
	if c.CallCost == nil || c.CallCost.CombinedCost <= 0 {
		return 0
	}
	return int64(math.Ceil(c.CallCost.CombinedCost - 1e-9))
}

// Duration prefers duration_ms and falls back to the timestamps.
func (c CallPayload) Duration() time.Duration {
	if c.DurationMs > 0 {
		return time.Duration(c.DurationMs) * time.Millisecond
	}
	if c.EndTimestamp > c.StartTimestamp && c.StartTimestamp > 0 {
		return time.Duration(c.EndTimestamp-c.StartTimestamp) * time.Millisecond
	}
	return 0
}

// EndedAt returns the provider's end time, or fallback when absent.
func (c CallPayload) EndedAt(fallback time.Time) time.Time {
	if c.EndTimestamp > 0 {
		return time.UnixMilli(c.EndTimestamp).UTC()
	}
	return fallback
}

// InVoicemail reports the analysis voicemail flag.
func (c CallPayload) InVoicemail() bool {
	return c.CallAnalysis != nil && c.CallAnalysis.InVoicemail != nil && *c.CallAnalysis.InVoicemail
}

// ParseEvent decodes and correlates a webhook body. Every failure wraps ErrValidation.
func ParseEvent(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode webhook body: %v", apperrors.ErrValidation, err)
	}

	eventType, ok := normaliseEventType(env.Event)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported event %q", apperrors.ErrValidation, env.Event)
	}
	if strings.TrimSpace(env.Call.CallID) == "" {
		return nil, fmt.Errorf("%w: call.call_id is required", apperrors.ErrValidation)
	}

	ev := &Event{Type: eventType, Call: env.Call, Raw: json.RawMessage(body)}
	switch {
	case env.Call.Metadata.AttemptID != "":
		id, err := uuid.Parse(env.Call.Metadata.AttemptID)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata.attempt_id is not a uuid", apperrors.ErrValidation)
		}
		ev.Target, ev.TargetID = TargetAttempt, id
	case env.Call.Metadata.SessionID != "":
		id, err := uuid.Parse(env.Call.Metadata.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata.session_id is not a uuid", apperrors.ErrValidation)
		}
		ev.Target, ev.TargetID = TargetSession, id
	default:
		return nil, fmt.Errorf("%w: call %s carries no attempt_id or session_id", apperrors.ErrValidation, env.Call.CallID)
	}
	return ev, nil
}

// PeekIdentity extracts the event type and call id from a body that failed to parse,
// so the failure can still be keyed.
func PeekIdentity(body []byte) (eventType, callID string) {
	var env struct {
		Event string `json:"event"`
		Call  struct {
			CallID string `json:"call_id"`
		} `json:"call"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	if t, ok := normaliseEventType(env.Event); ok {
		eventType = string(t)
	} else {
		eventType = env.Event
	}
	return eventType, env.Call.CallID
}

func normaliseEventType(raw string) (EventType, bool) {
	t := EventType(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "call_"))
	switch t {
	case EventStarted, EventEnded, EventAnalyzed:
		return t, true
	}
	return "", false
}
