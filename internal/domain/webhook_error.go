package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebhookErrorRecord is the durable trace of a webhook event that failed processing.
type WebhookErrorRecord struct {
	ID             uuid.UUID
	IdempotencyKey string
	WebhookType    string
	EventType      string
	EventID        string
	Payload        json.RawMessage
	ErrorMessage   string
	Retryable      bool
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	LastAttemptAt  *time.Time
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Exhausted reports whether the record will not be redriven again.
func (r *WebhookErrorRecord) Exhausted() bool {
	return r.ResolvedAt == nil && r.RetryCount >= r.MaxRetries
}

// WebhookIdempotencyKey joins the parts identifying one logical event.
func WebhookIdempotencyKey(webhookType, eventType, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", webhookType, eventType, eventID)
}
