package webhook

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
)

const (
	maxToolWalkDepth    = 6
	maxExecutionNote    = 500
	containerTranscript = "transcript_with_tool_calls"
	containerToolCalls  = "tool_calls"
	containerAnalysis   = "call_analysis.tool_calls"
)

var bookAppointmentName = regexp.MustCompile(`(?i)book[_ -]?appointment`)

// ToolInvocation is one tool call or tool result entry in a provider transcript.
type ToolInvocation struct {
	Role       string          `json:"role"`
	ID         string          `json:"id"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Content    json.RawMessage `json:"content"`
	Result     json.RawMessage `json:"result"`
	Successful *bool           `json:"successful"`
}

func (t ToolInvocation) callID() string {
	if t.ToolCallID != "" {
		return t.ToolCallID
	}
	return t.ID
}

func (t ToolInvocation) isResult() bool {
	return t.Role == "tool_call_result" || (t.Name == "" && t.ToolCallID != "" && len(t.Content) > 0)
}

type appointmentArgs struct {
	AppointmentTime string `json:"appointment_time"`
	StartTime       string `json:"start_time"`
	DateTime        string `json:"datetime"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	Name            string `json:"name"`
	AttendeeName    string `json:"attendee_name"`
	Email           string `json:"email"`
	AttendeeEmail   string `json:"attendee_email"`
}

func (a appointmentArgs) timeText() string {
	for _, v := range []string{a.AppointmentTime, a.StartTime, a.DateTime} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return strings.TrimSpace(strings.TrimSpace(a.Date) + " " + strings.TrimSpace(a.Time))
}

// ExtractAppointment returns the first booking found in the event's tool containers, in
// container order and then walk order, or nil.
func ExtractAppointment(ev *Event) *domain.Appointment {
	containers := []struct {
		name string
		raw  json.RawMessage
	}{
		{containerTranscript, ev.Call.TranscriptWithToolCalls},
		{containerToolCalls, ev.Call.ToolCalls},
	}
	if ev.Call.CallAnalysis != nil {
		containers = append(containers, struct {
			name string
			raw  json.RawMessage
		}{containerAnalysis, ev.Call.CallAnalysis.ToolCalls})
	}

	for _, c := range containers {
		if len(c.raw) == 0 {
			continue
		}
		w := &toolWalker{results: map[string]string{}}
		w.walk(c.raw, 0)
		for _, inv := range w.invocations {
			if appt := toAppointment(inv, w.results); appt != nil {
				appt.Provenance = string(ev.Type) + ":" + c.name
				return appt
			}
		}
	}
	return nil
}

type toolWalker struct {
	invocations []ToolInvocation
	results     map[string]string
}

func (w *toolWalker) walk(raw json.RawMessage, depth int) {
	if depth > maxToolWalkDepth {
		return
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return
		}
		for _, item := range items {
			w.walk(item, depth+1)
		}
	case '{':
		var inv ToolInvocation
		if err := json.Unmarshal(raw, &inv); err == nil {
			switch {
			case inv.isResult():
				w.results[inv.callID()] = noteText(inv.Content)
			case inv.Name != "":
				w.invocations = append(w.invocations, inv)
				if len(inv.Result) > 0 && inv.callID() != "" {
					w.results[inv.callID()] = noteText(inv.Result)
				}
			}
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			switch key {
			case "arguments", "content", "result":
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if v := bytes.TrimSpace(fields[key]); len(v) > 0 && (v[0] == '[' || v[0] == '{') {
				w.walk(v, depth+1)
			}
		}
	}
}

func toAppointment(inv ToolInvocation, results map[string]string) *domain.Appointment {
	if !bookAppointmentName.MatchString(inv.Name) {
		return nil
	}
	args, ok := decodeArguments(inv.Arguments)
	if !ok {
		return nil
	}
	appt := &domain.Appointment{
		TimeText:      args.timeText(),
		AttendeeName:  firstNonEmpty(args.AttendeeName, args.Name),
		AttendeeEmail: firstNonEmpty(args.AttendeeEmail, args.Email),
		ExecutionNote: results[inv.callID()],
	}
	if appt.TimeText == "" && appt.AttendeeName == "" && appt.AttendeeEmail == "" {
		return nil
	}
	return appt
}

// decodeArguments accepts arguments as an object or as a JSON-encoded string.
func decodeArguments(raw json.RawMessage) (appointmentArgs, bool) {
	var args appointmentArgs
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return args, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return args, false
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, false
	}
	return args, true
}

func noteText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			text = s
		}
	}
	text = strings.TrimSpace(text)
	if len(text) > maxExecutionNote {
		cut := maxExecutionNote
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
