package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

const webhookErrorColumns = `id, idempotency_key, webhook_type, event_type, event_id, payload, error_message,
	retryable, retry_count, max_retries, next_retry_at, last_attempt_at, resolved_at, created_at, updated_at`

// WebhookErrorRepository implements repository.WebhookErrorRepository.
type WebhookErrorRepository struct {
	db *sqlx.DB
}

// NewWebhookErrorRepository builds the repository.
func NewWebhookErrorRepository(db *sqlx.DB) *WebhookErrorRepository {
	return &WebhookErrorRepository{db: db}
}

// Upsert creates the record for a first failure. A later failure of the same logical
// event refreshes the error detail and keeps the redrive schedule; a failure after the
// record was resolved reopens it with a fresh schedule.
func (r *WebhookErrorRepository) Upsert(ctx context.Context, rec *domain.WebhookErrorRecord) (*domain.WebhookErrorRecord, error) {
	var out webhookErrorRecord
	err := r.db.GetContext(ctx, &out, `INSERT INTO webhook_error_records (
			id, idempotency_key, webhook_type, event_type, event_id, payload, error_message,
			retryable, retry_count, max_retries, next_retry_at, last_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $11, $11)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			error_message = EXCLUDED.error_message,
			last_attempt_at = EXCLUDED.last_attempt_at,
			updated_at = EXCLUDED.updated_at,
			retryable = CASE WHEN webhook_error_records.resolved_at IS NULL
				THEN webhook_error_records.retryable ELSE EXCLUDED.retryable END,
			retry_count = CASE WHEN webhook_error_records.resolved_at IS NULL
				THEN webhook_error_records.retry_count ELSE 0 END,
			max_retries = CASE WHEN webhook_error_records.resolved_at IS NULL
				THEN webhook_error_records.max_retries ELSE EXCLUDED.max_retries END,
			next_retry_at = CASE WHEN webhook_error_records.resolved_at IS NULL
				THEN webhook_error_records.next_retry_at ELSE EXCLUDED.next_retry_at END,
			resolved_at = NULL
		RETURNING `+webhookErrorColumns,
		rec.ID, rec.IdempotencyKey, rec.WebhookType, rec.EventType, rec.EventID, []byte(rec.Payload),
		rec.ErrorMessage, rec.Retryable, rec.MaxRetries, rec.NextRetryAt, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("webhook errors: upsert: %w", err)
	}
	result := out.toDomain()
	return &result, nil
}

// ResolveByKey marks the record for a logical event resolved, if one exists.
func (r *WebhookErrorRepository) ResolveByKey(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE webhook_error_records SET resolved_at = $2, next_retry_at = NULL, updated_at = $2
		WHERE idempotency_key = $1 AND resolved_at IS NULL`, key, at)
	if err != nil {
		return fmt.Errorf("webhook errors: resolve by key: %w", err)
	}
	return nil
}

// ClaimDue leases up to limit due records by pushing their next_retry_at forward. Rows
// locked by another sweeper are skipped.
func (r *WebhookErrorRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []webhookErrorRecord
	err := r.db.SelectContext(ctx, &recs, `UPDATE webhook_error_records SET next_retry_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_error_records
			WHERE resolved_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= $1
				AND retry_count < max_retries
			ORDER BY next_retry_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+webhookErrorColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("webhook errors: claim due: %w", err)
	}
	out := make([]*domain.WebhookErrorRecord, 0, len(recs))
	for _, rec := range recs {
		d := rec.toDomain()
		out = append(out, &d)
	}
	return out, nil
}

// MarkFailed records a failed redrive. A nil nextRetryAt means the record is exhausted.
func (r *WebhookErrorRepository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, message string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_error_records SET
			retry_count = $2, next_retry_at = $3, error_message = $4, last_attempt_at = $5, updated_at = $5
		WHERE id = $1 AND resolved_at IS NULL`, id, retryCount, nextRetryAt, message, at)
	if err != nil {
		return fmt.Errorf("webhook errors: mark failed: %w", err)
	}
	return requireRow(res, "webhook errors")
}

// MarkResolved closes the record after a successful redrive.
func (r *WebhookErrorRepository) MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE webhook_error_records SET
			resolved_at = COALESCE(resolved_at, $2), next_retry_at = NULL, last_attempt_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("webhook errors: mark resolved: %w", err)
	}
	return nil
}

// Reschedule makes an unresolved record due at the given time and grants it one more
// retry if it was exhausted.
func (r *WebhookErrorRepository) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhook_error_records SET
			next_retry_at = $2,
			max_retries = GREATEST(max_retries, retry_count + 1),
			updated_at = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("webhook errors: reschedule: %w", err)
	}
	return requireRow(res, "webhook errors")
}

// Get fetches a record.
func (r *WebhookErrorRepository) Get(ctx context.Context, id uuid.UUID) (*domain.WebhookErrorRecord, error) {
	var rec webhookErrorRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+webhookErrorColumns+` FROM webhook_error_records WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("webhook errors: get: %w", err)
	}
	d := rec.toDomain()
	return &d, nil
}

// List returns the newest records first.
func (r *WebhookErrorRepository) List(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.WebhookErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + webhookErrorColumns + ` FROM webhook_error_records`
	if unresolvedOnly {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY created_at DESC LIMIT $1`

	var recs []webhookErrorRecord
	if err := r.db.SelectContext(ctx, &recs, q, limit); err != nil {
		return nil, fmt.Errorf("webhook errors: list: %w", err)
	}
	out := make([]*domain.WebhookErrorRecord, 0, len(recs))
	for _, rec := range recs {
		d := rec.toDomain()
		out = append(out, &d)
	}
	return out, nil
}

type webhookErrorRecord struct {
	ID             uuid.UUID    `db:"id"`
	IdempotencyKey string       `db:"idempotency_key"`
	WebhookType    string       `db:"webhook_type"`
	EventType      string       `db:"event_type"`
	EventID        string       `db:"event_id"`
	Payload        []byte       `db:"payload"`
	ErrorMessage   string       `db:"error_message"`
	Retryable      bool         `db:"retryable"`
	RetryCount     int          `db:"retry_count"`
	MaxRetries     int          `db:"max_retries"`
	NextRetryAt    sql.NullTime `db:"next_retry_at"`
	LastAttemptAt  sql.NullTime `db:"last_attempt_at"`
	ResolvedAt     sql.NullTime `db:"resolved_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r webhookErrorRecord) toDomain() domain.WebhookErrorRecord {
	return domain.WebhookErrorRecord{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		WebhookType:    r.WebhookType,
		EventType:      r.EventType,
		EventID:        r.EventID,
		Payload:        r.Payload,
		ErrorMessage:   r.ErrorMessage,
		Retryable:      r.Retryable,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRetryAt:    timePtr(r.NextRetryAt),
		LastAttemptAt:  timePtr(r.LastAttemptAt),
		ResolvedAt:     timePtr(r.ResolvedAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
