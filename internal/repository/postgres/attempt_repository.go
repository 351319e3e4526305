package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

const attemptColumns = `id, campaign_id, contact_id, phone_index, total_phones, phone_number, attempt_day,
	attempt_number, call_status, scheduled_at, dispatched_at, started_at, ended_at, external_call_id,
	disconnect_reason, duration_ms, provider_cost_cents, charged_cents, recording_url, transcript,
	call_summary, custom_analysis, appointment_data, call_successful, created_at, updated_at`

// AttemptRepository implements repository.AttemptRepository.
type AttemptRepository struct {
	db *sqlx.DB
}

// NewAttemptRepository builds the repository.
func NewAttemptRepository(db *sqlx.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// CreateWithSlot takes one slot of the campaign semaphore and inserts the attempt in the
// same transaction. ErrNoSlot when the campaign is full or no longer active, ErrConflict
// when the contact already has an open attempt or an attempt for that day.
func (r *AttemptRepository) CreateWithSlot(ctx context.Context, a *domain.Attempt) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaigns SET active_calls_count = active_calls_count + 1
			WHERE id = $1 AND status = 'active' AND active_calls_count < concurrent_calls`, a.CampaignID)
		if err != nil {
			return fmt.Errorf("attempt repo: acquire slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("attempt repo: rows affected: %w", err)
		}
		if n == 0 {
			return repository.ErrNoSlot
		}

		_, err = tx.NamedExecContext(ctx, `INSERT INTO attempts (
				id, campaign_id, contact_id, phone_index, total_phones, phone_number, attempt_day,
				attempt_number, call_status, scheduled_at, created_at, updated_at
			) VALUES (
				:id, :campaign_id, :contact_id, :phone_index, :total_phones, :phone_number, :attempt_day,
				:attempt_number, :call_status, :scheduled_at, :created_at, :created_at
			)`, map[string]any{
			"id":             a.ID,
			"campaign_id":    a.CampaignID,
			"contact_id":     a.ContactID,
			"phone_index":    a.PhoneIndex,
			"total_phones":   a.TotalPhones,
			"phone_number":   a.PhoneNumber,
			"attempt_day":    a.AttemptDay,
			"attempt_number": a.AttemptNumber,
			"call_status":    domain.CallStatusPending,
			"scheduled_at":   a.ScheduledAt,
			"created_at":     a.CreatedAt,
		})
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConflict
			}
			return fmt.Errorf("attempt repo: insert: %w", err)
		}
		return nil
	})
}

// Get fetches an attempt by id.
func (r *AttemptRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Attempt, error) {
	return getAttempt(ctx, r.db, id)
}

func getAttempt(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.Attempt, error) {
	var rec attemptRecord
	if err := sqlx.GetContext(ctx, q, &rec, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("attempt repo: get: %w", err)
	}
	attempt := rec.toDomain()
	return &attempt, nil
}

// ClaimDispatch stamps dispatched_at on a pending attempt that nobody has claimed yet.
// Only the caller that gets true may dial.
func (r *AttemptRepository) ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET dispatched_at = $2, updated_at = $2
		WHERE id = $1 AND call_status = 'pending' AND dispatched_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("attempt repo: claim dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attempt repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// ListStaleDispatches returns pending attempts that never got a provider call id and were
// created or claimed before the cutoff, oldest first.
func (r *AttemptRepository) ListStaleDispatches(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM attempts
		WHERE call_status = 'pending' AND external_call_id IS NULL
		AND COALESCE(dispatched_at, created_at) < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("attempt repo: list stale dispatches: %w", err)
	}
	return ids, nil
}

// MarkDispatched stores the provider's call id once the call has been handed over.
func (r *AttemptRepository) MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET
			dispatched_at = COALESCE(dispatched_at, $3),
			external_call_id = COALESCE(external_call_id, NULLIF($2, '')),
			updated_at = $3
		WHERE id = $1`, id, externalCallID, at)
	if err != nil {
		return fmt.Errorf("attempt repo: mark dispatched: %w", err)
	}
	return requireRow(res, "attempt repo")
}

// MarkStarted moves a pending attempt to in-progress. It reports false, without error,
// when the attempt was already past pending.
func (r *AttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET
			call_status = 'in-progress',
			started_at = COALESCE(started_at, $3),
			external_call_id = COALESCE(external_call_id, NULLIF($2, '')),
			updated_at = $3
		WHERE id = $1 AND call_status = 'pending'`, id, externalCallID, at)
	if err != nil {
		return false, fmt.Errorf("attempt repo: mark started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attempt repo: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Finish writes the terminal status. Only the write that closes an open attempt releases
// its semaphore slot and, for a completed call, cancels the contact's other pending attempts.
func (r *AttemptRepository) Finish(ctx context.Context, id uuid.UUID, o domain.CallOutcome) (repository.FinishResult, error) {
	var result repository.FinishResult
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var keys struct {
			CampaignID uuid.UUID `db:"campaign_id"`
			ContactID  uuid.UUID `db:"contact_id"`
		}
		err := tx.GetContext(ctx, &keys, `UPDATE attempts SET
				call_status = $2,
				ended_at = $3,
				external_call_id = COALESCE(NULLIF($4, ''), external_call_id),
				disconnect_reason = NULLIF($5, ''),
				duration_ms = $6,
				provider_cost_cents = $7,
				recording_url = COALESCE(NULLIF($8, ''), recording_url),
				transcript = COALESCE(NULLIF($9, ''), transcript),
				updated_at = $3
			WHERE id = $1 AND call_status IN ('pending', 'in-progress')
			RETURNING campaign_id, contact_id`,
			id, o.Status, o.EndedAt, o.ExternalCallID, o.DisconnectReason, o.DurationMs,
			o.ProviderCostCents, o.RecordingURL, o.Transcript)
		switch {
		case err == nil:
			result.Applied = true
		case isNoRows(err):
		default:
			return fmt.Errorf("attempt repo: finish: %w", err)
		}

		if result.Applied {
			released := int64(1)
			if o.Status == domain.CallStatusCompleted {
				res, err := tx.ExecContext(ctx, `UPDATE attempts SET call_status = 'cancelled', ended_at = $4, updated_at = $4
					WHERE campaign_id = $1 AND contact_id = $2 AND id <> $3 AND call_status = 'pending'`,
					keys.CampaignID, keys.ContactID, id, o.EndedAt)
				if err != nil {
					return fmt.Errorf("attempt repo: cancel siblings: %w", err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return fmt.Errorf("attempt repo: rows affected: %w", err)
				}
				result.CancelledSiblings = int(n)
				released += n
			}

			if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET active_calls_count = GREATEST(active_calls_count - $2, 0)
				WHERE id = $1`, keys.CampaignID, released); err != nil {
				return fmt.Errorf("attempt repo: release slot: %w", err)
			}
		}

		attempt, err := getAttempt(ctx, tx, id)
		if err != nil {
			return err
		}
		result.Attempt = attempt

		if err := tx.GetContext(ctx, &result.AccountID, `SELECT account_id FROM campaigns WHERE id = $1`, attempt.CampaignID); err != nil {
			return fmt.Errorf("attempt repo: campaign account: %w", err)
		}
		return nil
	})
	return result, err
}

// RecordCharge stores the billed amount on the attempt.
func (r *AttemptRepository) RecordCharge(ctx context.Context, id uuid.UUID, chargedCents int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET charged_cents = $2, updated_at = NOW() WHERE id = $1`, id, chargedCents)
	if err != nil {
		return fmt.Errorf("attempt repo: record charge: %w", err)
	}
	return requireRow(res, "attempt repo")
}

// ApplyAnalysis attaches post-call analysis. Empty fields keep what is stored.
func (r *AttemptRepository) ApplyAnalysis(ctx context.Context, id uuid.UUID, analysis domain.CallAnalysis) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET
			call_summary = COALESCE(NULLIF($2, ''), call_summary),
			call_successful = COALESCE($3, call_successful),
			custom_analysis = COALESCE($4, custom_analysis),
			updated_at = NOW()
		WHERE id = $1`, id, analysis.Summary, nullBool(analysis.Successful), nullJSON(analysis.CustomAnalysis))
	if err != nil {
		return fmt.Errorf("attempt repo: apply analysis: %w", err)
	}
	return requireRow(res, "attempt repo")
}

// SetAppointment stores an extracted booking.
func (r *AttemptRepository) SetAppointment(ctx context.Context, id uuid.UUID, appointment *domain.Appointment) error {
	if appointment == nil {
		return nil
	}
	payload, err := json.Marshal(appointment)
	if err != nil {
		return fmt.Errorf("attempt repo: marshal appointment: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET appointment_data = $2, updated_at = NOW() WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("attempt repo: set appointment: %w", err)
	}
	return requireRow(res, "attempt repo")
}

// ListByCampaign pages through a campaign's attempts by id.
func (r *AttemptRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []attemptRecord
	var err error
	if afterID != nil {
		err = r.db.SelectContext(ctx, &recs, `SELECT `+attemptColumns+` FROM attempts
			WHERE campaign_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`, campaignID, *afterID, limit)
	} else {
		err = r.db.SelectContext(ctx, &recs, `SELECT `+attemptColumns+` FROM attempts
			WHERE campaign_id = $1 ORDER BY id ASC LIMIT $2`, campaignID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("attempt repo: list: %w", err)
	}
	out := make([]*domain.Attempt, 0, len(recs))
	for _, rec := range recs {
		a := rec.toDomain()
		out = append(out, &a)
	}
	return out, nil
}

func requireRow(res sql.Result, scope string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", scope, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

type attemptRecord struct {
	ID                uuid.UUID      `db:"id"`
	CampaignID        uuid.UUID      `db:"campaign_id"`
	ContactID         uuid.UUID      `db:"contact_id"`
	PhoneIndex        int            `db:"phone_index"`
	TotalPhones       int            `db:"total_phones"`
	PhoneNumber       string         `db:"phone_number"`
	AttemptDay        int            `db:"attempt_day"`
	AttemptNumber     int            `db:"attempt_number"`
	CallStatus        string         `db:"call_status"`
	ScheduledAt       time.Time      `db:"scheduled_at"`
	DispatchedAt      sql.NullTime   `db:"dispatched_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	EndedAt           sql.NullTime   `db:"ended_at"`
	ExternalCallID    sql.NullString `db:"external_call_id"`
	DisconnectReason  sql.NullString `db:"disconnect_reason"`
	DurationMs        int64          `db:"duration_ms"`
	ProviderCostCents int64          `db:"provider_cost_cents"`
	ChargedCents      int64          `db:"charged_cents"`
	RecordingURL      sql.NullString `db:"recording_url"`
	Transcript        sql.NullString `db:"transcript"`
	CallSummary       sql.NullString `db:"call_summary"`
	CustomAnalysis    []byte         `db:"custom_analysis"`
	AppointmentData   []byte         `db:"appointment_data"`
	CallSuccessful    sql.NullBool   `db:"call_successful"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r attemptRecord) toDomain() domain.Attempt {
	a := domain.Attempt{
		ID:                r.ID,
		CampaignID:        r.CampaignID,
		ContactID:         r.ContactID,
		PhoneIndex:        r.PhoneIndex,
		TotalPhones:       r.TotalPhones,
		PhoneNumber:       r.PhoneNumber,
		AttemptDay:        r.AttemptDay,
		AttemptNumber:     r.AttemptNumber,
		Status:            domain.CallStatus(r.CallStatus),
		ScheduledAt:       r.ScheduledAt,
		DispatchedAt:      timePtr(r.DispatchedAt),
		StartedAt:         timePtr(r.StartedAt),
		EndedAt:           timePtr(r.EndedAt),
		ExternalCallID:    stringPtr(r.ExternalCallID),
		DisconnectReason:  stringPtr(r.DisconnectReason),
		DurationMs:        r.DurationMs,
		ProviderCostCents: r.ProviderCostCents,
		ChargedCents:      r.ChargedCents,
		RecordingURL:      stringPtr(r.RecordingURL),
		Transcript:        stringPtr(r.Transcript),
		CallSummary:       stringPtr(r.CallSummary),
		CallSuccessful:    boolPtr(r.CallSuccessful),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.CustomAnalysis) > 0 {
		a.CustomAnalysis = json.RawMessage(r.CustomAnalysis)
	}
	if len(r.AppointmentData) > 0 {
		var appt domain.Appointment
		if err := json.Unmarshal(r.AppointmentData, &appt); err == nil {
			a.AppointmentData = &appt
		}
	}
	return a
}
