package webhook

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

func TestVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"call_ended"}`)
	v := Verifier{Secret: "s3cret", Tolerance: 5 * time.Minute}

	cases := []struct {
		name string
		sig  string
		ts   string
		body []byte
		ok   bool
	}{
		{"valid", Sign("s3cret", now.Unix(), body), "1700000000", body, true},
		{"prefixed", "sha256=" + Sign("s3cret", now.Unix(), body), "1700000000", body, true},
		{"tampered body", Sign("s3cret", now.Unix(), body), "1700000000", []byte(`{"event":"call_started"}`), false},
		{"wrong secret", Sign("other", now.Unix(), body), "1700000000", body, false},
		{"stale", Sign("s3cret", now.Unix()-301, body), "1699999699", body, false},
		{"missing signature", "", "1700000000", body, false},
		{"missing timestamp", Sign("s3cret", now.Unix(), body), "", body, false},
		{"bad hex", "zz", "1700000000", body, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.sig != "" {
				h.Set(SignatureHeader, tc.sig)
			}
			if tc.ts != "" {
				h.Set(TimestampHeader, tc.ts)
			}
			err := v.Verify(h, tc.body, now)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	}
}

func TestVerifierRequiresSecret(t *testing.T) {
	err := Verifier{}.Verify(HeaderFunc(func(string) string { return "x" }), nil, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestParseEvent(t *testing.T) {
	attemptID := uuid.New()
	body := []byte(`{"event":"call_ended","call":{"call_id":"c-1","metadata":{"attempt_id":"` + attemptID.String() + `"},
		"disconnection_reason":"user_hangup","duration_ms":42000,"call_cost":{"combined_cost":12.2}}}`)

	ev, err := ParseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, EventEnded, ev.Type)
	assert.Equal(t, TargetAttempt, ev.Target)
	assert.Equal(t, attemptID, ev.TargetID)
	assert.Equal(t, "attempt:"+attemptID.String(), ev.CorrelationKey())
	assert.Equal(t, int64(13), ev.Call.ProviderCostCents())
	assert.Equal(t, 42*time.Second, ev.Call.Duration())
}

func TestParseEventSession(t *testing.T) {
	sessionID := uuid.New()
	ev, err := ParseEvent([]byte(`{"event":"started","call":{"call_id":"c-2","metadata":{"session_id":"` + sessionID.String() + `"}}}`))
	require.NoError(t, err)
	assert.Equal(t, TargetSession, ev.Target)
	assert.Equal(t, "session:"+sessionID.String(), ev.CorrelationKey())
}

func TestParseEventRejects(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       `{`,
		"unknown event":  `{"event":"call_transferred","call":{"call_id":"c","metadata":{"attempt_id":"` + uuid.NewString() + `"}}}`,
		"no call id":     `{"event":"call_ended","call":{"metadata":{"attempt_id":"` + uuid.NewString() + `"}}}`,
		"uncorrelated":   `{"event":"call_ended","call":{"call_id":"c"}}`,
		"bad attempt id": `{"event":"call_ended","call":{"call_id":"c","metadata":{"attempt_id":"nope"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(body))
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestPeekIdentity(t *testing.T) {
	eventType, callID := PeekIdentity([]byte(`{"event":"call_analyzed","call":{"call_id":"c-9"}}`))
	assert.Equal(t, "analyzed", eventType)
	assert.Equal(t, "c-9", callID)

	eventType, callID = PeekIdentity([]byte(`garbage`))
	assert.Empty(t, eventType)
	assert.Empty(t, callID)
}

func TestCallPayloadTimes(t *testing.T) {
	c := CallPayload{StartTimestamp: 1_000, EndTimestamp: 31_000}
	assert.Equal(t, 30*time.Second, c.Duration())
	assert.Equal(t, time.UnixMilli(31_000).UTC(), c.EndedAt(time.Time{}))

	fallback := time.Unix(5, 0)
	assert.Equal(t, fallback, CallPayload{}.EndedAt(fallback))
	assert.Zero(t, CallPayload{CallCost: &CallCost{CombinedCost: 0}}.ProviderCostCents())
	assert.Equal(t, int64(120), CallPayload{CallCost: &CallCost{CombinedCost: 120}}.ProviderCostCents())
}

func TestDecideOutcome(t *testing.T) {
	threshold := 10 * time.Second
	cases := []struct {
		reason   string
		duration time.Duration
		want     domain.CallStatus
	}{
		{"dial_no_answer", 0, domain.CallStatusNoAnswer},
		{"dial_busy", 0, domain.CallStatusNoAnswer},
		{"user_declined", 0, domain.CallStatusNoAnswer},
		{"voicemail_reached", 20 * time.Second, domain.CallStatusVoicemail},
		{"machine_detected", 0, domain.CallStatusVoicemail},
		{"dial_failed", 0, domain.CallStatusFailed},
		{"error_llm_websocket_open", 0, domain.CallStatusFailed},
		{"telephony_provider_unavailable", 0, domain.CallStatusFailed},
		{"user_hangup", 3 * time.Second, domain.CallStatusNoAnswer},
		{"user_hangup", 45 * time.Second, domain.CallStatusCompleted},
		{"agent_hangup", 10 * time.Second, domain.CallStatusCompleted},
		{"call_transfer", 0, domain.CallStatusCompleted},
		{"", 0, domain.CallStatusCompleted},
		{" DIAL_NO_ANSWER ", 0, domain.CallStatusNoAnswer},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecideOutcome(tc.reason, tc.duration, threshold), "%q for %s", tc.reason, tc.duration)
	}
}

func eventWith(t *testing.T, typ EventType, call CallPayload) *Event {
	t.Helper()
	return &Event{Type: typ, Target: TargetAttempt, TargetID: uuid.New(), Call: call}
}

func TestExtractAppointmentFromTranscript(t *testing.T) {
	call := CallPayload{TranscriptWithToolCalls: json.RawMessage(`[
		{"role":"agent","content":"Let me book that"},
		{"role":"tool_call_invocation","tool_call_id":"t1","name":"book_appointment",
		 "arguments":"{\"appointment_time\":\"Tuesday 3pm\",\"name\":\"Ada\",\"email\":\"ada@example.com\"}"},
		{"role":"tool_call_result","tool_call_id":"t1","content":"Booked for Tuesday 3pm"}
	]`)}
	appt := ExtractAppointment(eventWith(t, EventEnded, call))
	require.NotNil(t, appt)
	assert.Equal(t, "Tuesday 3pm", appt.TimeText)
	assert.Equal(t, "Ada", appt.AttendeeName)
	assert.Equal(t, "ada@example.com", appt.AttendeeEmail)
	assert.Equal(t, "Booked for Tuesday 3pm", appt.ExecutionNote)
	assert.Equal(t, "ended:transcript_with_tool_calls", appt.Provenance)
}

func TestExtractAppointmentFirstMatchWins(t *testing.T) {
	call := CallPayload{
		ToolCalls: json.RawMessage(`[{"name":"BookAppointment","id":"a","arguments":{"date":"2024-05-01","time":"09:00"}}]`),
		CallAnalysis: &AnalysisPayload{ToolCalls: json.RawMessage(`{"calls":[
			{"name":"book-appointment","id":"b","arguments":{"start_time":"2024-05-02T10:00"},"result":"ok"}
		]}`)},
	}
	appt := ExtractAppointment(eventWith(t, EventAnalyzed, call))
	require.NotNil(t, appt)
	assert.Equal(t, "2024-05-01 09:00", appt.TimeText)
	assert.Empty(t, appt.ExecutionNote)
	assert.Equal(t, "analyzed:tool_calls", appt.Provenance)
}

func TestExtractAppointmentFirstMatchWithinContainer(t *testing.T) {
	call := CallPayload{ToolCalls: json.RawMessage(`[
		{"name":"book_appointment","id":"1","arguments":{"time":"Mon 10:00","name":"First"}},
		{"name":"book_appointment","id":"2","arguments":{"time":"Tue 11:00","name":"Second"}}
	]`)}
	appt := ExtractAppointment(eventWith(t, EventEnded, call))
	require.NotNil(t, appt)
	assert.Equal(t, "First", appt.AttendeeName)
	assert.Equal(t, "Mon 10:00", appt.TimeText)
}

func TestExtractAppointmentFallsThroughToLaterContainer(t *testing.T) {
	call := CallPayload{
		ToolCalls: json.RawMessage(`[{"name":"end_call","id":"x","arguments":{}}]`),
		CallAnalysis: &AnalysisPayload{ToolCalls: json.RawMessage(`{"calls":[
			{"name":"book-appointment","id":"b","arguments":{"start_time":"2024-05-02T10:00"},"result":"ok"}
		]}`)},
	}
	appt := ExtractAppointment(eventWith(t, EventAnalyzed, call))
	require.NotNil(t, appt)
	assert.Equal(t, "2024-05-02T10:00", appt.TimeText)
	assert.Equal(t, "ok", appt.ExecutionNote)
	assert.Equal(t, "analyzed:call_analysis.tool_calls", appt.Provenance)
}

func TestExtractAppointmentIgnoresOtherTools(t *testing.T) {
	call := CallPayload{ToolCalls: json.RawMessage(`[
		{"name":"end_call","id":"x","arguments":{}},
		{"name":"book_appointment","id":"y","arguments":{}}
	]`)}
	assert.Nil(t, ExtractAppointment(eventWith(t, EventEnded, call)))
	assert.Nil(t, ExtractAppointment(eventWith(t, EventEnded, CallPayload{})))
}

func TestNoteTextTruncates(t *testing.T) {
	long := make([]byte, 0, 700)
	for i := 0; i < 700; i++ {
		long = append(long, 'x')
	}
	raw, err := json.Marshal(string(long))
	require.NoError(t, err)
	assert.Len(t, noteText(raw), maxExecutionNote)
	assert.Empty(t, noteText(json.RawMessage(`null`)))
}

func TestNoteTextTruncatesOnRuneBoundary(t *testing.T) {
	// 499 ASCII bytes followed by multi-byte runes puts the cut inside "é".
	text := strings.Repeat("x", maxExecutionNote-1) + strings.Repeat("é", 10)
	raw, err := json.Marshal(text)
	require.NoError(t, err)

	got := noteText(raw)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxExecutionNote-1), got)
}
