package webhookerr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Event identifies one logical webhook delivery and carries the raw body for redrive.
type Event struct {
	WebhookType string
	EventType   string
	EventID     string
	Payload     json.RawMessage
}

// Key is the idempotency key of the event.
func (e Event) Key() string {
	return domain.WebhookIdempotencyKey(e.WebhookType, e.EventType, e.EventID)
}

// Backoff computes redrive delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// NextDelay is Base * 2^retryCount capped at Max.
func (b Backoff) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := b.Base
	for i := 0; i < retryCount; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Recorder persists processing failures and resolves them on later success.
type Recorder struct {
	repo       repository.WebhookErrorRepository
	backoff    Backoff
	maxRetries int
	logger     *logger.Logger
	now        func() time.Time
}

// NewRecorder builds a recorder from the retry config.
func NewRecorder(repo repository.WebhookErrorRepository, cfg config.RetryConfig, lg *logger.Logger) *Recorder {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Recorder{
		repo:       repo,
		backoff:    Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		maxRetries: cfg.MaxRetries,
		logger:     lg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RecordFailure upserts the error record for the event. Non-retryable failures are
// stored with max_retries 0 and no next_retry_at.
func (r *Recorder) RecordFailure(ctx context.Context, event Event, cause error) (*domain.WebhookErrorRecord, error) {
	now := r.now()
	retryable := Classify(cause)

	rec := &domain.WebhookErrorRecord{
		ID:             uuid.New(),
		IdempotencyKey: event.Key(),
		WebhookType:    event.WebhookType,
		EventType:      event.EventType,
		EventID:        event.EventID,
		Payload:        snapshot(event.Payload),
		ErrorMessage:   cause.Error(),
		Retryable:      retryable,
		CreatedAt:      now,
	}
	if retryable {
		rec.MaxRetries = r.maxRetries
		next := now.Add(r.backoff.NextDelay(0))
		rec.NextRetryAt = &next
	}

	stored, err := r.repo.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("webhook error recorder: %w", err)
	}

	r.logger.WithContext(ctx).Warn("webhook processing failed",
		zap.String("idempotency_key", stored.IdempotencyKey),
		zap.Bool("retryable", stored.Retryable),
		zap.Int("retry_count", stored.RetryCount),
		zap.Error(cause),
	)
	return stored, nil
}

// Resolve closes any open record for the event key.
func (r *Recorder) Resolve(ctx context.Context, key string) error {
	return r.repo.ResolveByKey(ctx, key, r.now())
}

// List returns records, newest first.
func (r *Recorder) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.WebhookErrorRecord, error) {
	return r.repo.List(ctx, unresolvedOnly, limit)
}

// RetryNow makes an unresolved record due immediately, granting one more attempt if it
// was exhausted.
func (r *Recorder) RetryNow(ctx context.Context, id uuid.UUID) (*domain.WebhookErrorRecord, error) {
	if err := r.repo.Reschedule(ctx, id, r.now()); err != nil {
		return nil, err
	}
	return r.repo.Get(ctx, id)
}

// snapshot keeps valid JSON payloads as they are and wraps anything else as a JSON string.
func snapshot(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
