package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// AllCampaignStatuses lists every campaign status in lifecycle order.
var AllCampaignStatuses = []CampaignStatus{
	CampaignStatusDraft,
	CampaignStatusScheduled,
	CampaignStatusActive,
	CampaignStatusPaused,
	CampaignStatusCompleted,
	CampaignStatusFailed,
}

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID               uuid.UUID
	AccountID        uuid.UUID
	Name             string
	AgentID          *uuid.UUID
	ContactGroupID   *uuid.UUID
	ContactCount     int
	Status           CampaignStatus
	ConcurrentCalls  int
	MaxRetryDays     int
	Window           CallingWindow
	TimeZone         string
	ActiveCallsCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// FreeSlots is the number of attempts that may still be dispatched right now.
func (c *Campaign) FreeSlots() int {
	free := c.ConcurrentCalls - c.ActiveCallsCount
	if free < 0 {
		return 0
	}
	return free
}

// Location resolves the campaign timezone, falling back to UTC.
func (c *Campaign) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil || c.TimeZone == "" {
		return time.UTC
	}
	return loc
}

// CallingWindow is the daily time-of-day range and weekday set during which calls may be placed.
// EndMinute <= StartMinute means the window spans midnight.
type CallingWindow struct {
	StartMinute int
	EndMinute   int
	Weekdays    []time.Weekday
}

// Length returns the window duration.
func (w CallingWindow) Length() time.Duration {
	span := w.EndMinute - w.StartMinute
	if span <= 0 {
		span += 24 * 60
	}
	return time.Duration(span) * time.Minute
}

func (w CallingWindow) allows(day time.Weekday) bool {
	for _, d := range w.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Contains reports whether the local time falls inside the window. A window spanning
// midnight belongs to the weekday on which it opened.
func (w CallingWindow) Contains(local time.Time) bool {
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	if w.EndMinute <= w.StartMinute {
		if minute >= w.StartMinute {
			return w.allows(day)
		}
		if minute < w.EndMinute {
			return w.allows((day + 6) % 7)
		}
		return false
	}

	return w.allows(day) && minute >= w.StartMinute && minute < w.EndMinute
}

// OpenedAt returns the start of the window occurrence containing local. Only meaningful
// when Contains(local) is true.
func (w CallingWindow) OpenedAt(local time.Time) time.Time {
	y, m, d := local.Date()
	open := time.Date(y, m, d, w.StartMinute/60, w.StartMinute%60, 0, 0, local.Location())
	if open.After(local) {
		open = open.AddDate(0, 0, -1)
	}
	return open
}

// CampaignStats aggregates attempt outcomes for a campaign.
type CampaignStats struct {
	TotalAttempts      int64 `db:"total_attempts"`
	PendingAttempts    int64 `db:"pending_attempts"`
	InProgressAttempts int64 `db:"in_progress_attempts"`
	CompletedAttempts  int64 `db:"completed_attempts"`
	FailedAttempts     int64 `db:"failed_attempts"`
	NoAnswerAttempts   int64 `db:"no_answer_attempts"`
	VoicemailAttempts  int64 `db:"voicemail_attempts"`
	CancelledAttempts  int64 `db:"cancelled_attempts"`
	Appointments       int64 `db:"appointments"`
	ChargedCents       int64 `db:"charged_cents"`
}

// Agent is the voice agent a campaign dials with.
type Agent struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	Name            string
	ProviderAgentID string
	CreatedAt       time.Time
}

// ContactGroup is a named list of contacts bound to campaigns.
type ContactGroup struct {
	ID           uuid.UUID
	AccountID    uuid.UUID
	Name         string
	ContactCount int
	CreatedAt    time.Time
}

// Contact is one person to call. Phones are tried round-robin across calling days.
type Contact struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	Name      string
	Email     string
	Phones    []string
	Metadata  map[string]any
	CreatedAt time.Time
}
