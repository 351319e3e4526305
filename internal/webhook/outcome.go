package webhook

import (
	"strings"
	"time"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
)

var (
	noAnswerReasons = map[string]bool{
		"dial_no_answer": true,
		"dial_busy":      true,
		"busy":           true,
		"no_answer":      true,
		"user_declined":  true,
	}
	voicemailReasons = map[string]bool{
		"voicemail_reached": true,
		"machine_detected":  true,
		"in_voicemail":      true,
	}
	failedReasons = map[string]bool{
		"dial_failed":               true,
		"invalid_destination":       true,
		"sip_routing_error":         true,
		"concurrency_limit_reached": true,
		"no_valid_payment":          true,
		"registered_call_timeout":   true,
		"scam_detected":             true,
	}
	// hangupReasons are normal endings that count as unanswered when very short.
	hangupReasons = map[string]bool{
		"user_hangup":  true,
		"agent_hangup": true,
		"inactivity":   true,
	}
)

// DecideOutcome maps a provider disconnection reason and duration to a terminal call status.
func DecideOutcome(reason string, duration, shortCallThreshold time.Duration) domain.CallStatus {
	r := strings.ToLower(strings.TrimSpace(reason))
	switch {
	case noAnswerReasons[r]:
		return domain.CallStatusNoAnswer
	case voicemailReasons[r]:
		return domain.CallStatusVoicemail
	case failedReasons[r], strings.HasPrefix(r, "error"), strings.HasPrefix(r, "telephony_"):
		return domain.CallStatusFailed
	case hangupReasons[r] && shortCallThreshold > 0 && duration < shortCallThreshold:
		return domain.CallStatusNoAnswer
	}
	return domain.CallStatusCompleted
}
