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

// TestSessionRepository implements repository.TestSessionRepository.
type TestSessionRepository struct {
	db *sqlx.DB
}

// NewTestSessionRepository builds the repository.
func NewTestSessionRepository(db *sqlx.DB) *TestSessionRepository {
	return &TestSessionRepository{db: db}
}

// Create inserts a pending session.
func (r *TestSessionRepository) Create(ctx context.Context, s *domain.TestCallSession) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO test_call_sessions (id, account_id, agent_id, phone_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $5)`, s.ID, s.AccountID, s.AgentID, s.PhoneNumber, s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("test sessions: insert: %w", err)
	}
	return nil
}

// Get fetches a session.
func (r *TestSessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.TestCallSession, error) {
	var rec sessionRecord
	err := r.db.GetContext(ctx, &rec, `SELECT id, account_id, agent_id, phone_number, status, external_call_id,
			duration_ms, provider_cost_cents, charged_cents, call_summary, appointment_data, created_at, updated_at
		FROM test_call_sessions WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("test sessions: get: %w", err)
	}
	s := rec.toDomain()
	return &s, nil
}

// ClaimDispatch stamps dispatched_at on a pending, unclaimed session.
func (r *TestSessionRepository) ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET dispatched_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND dispatched_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("test sessions: claim dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("test sessions: rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkDispatched stores the provider call id.
func (r *TestSessionRepository) MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET
			dispatched_at = COALESCE(dispatched_at, $3),
			external_call_id = COALESCE(external_call_id, NULLIF($2, '')),
			updated_at = $3
		WHERE id = $1`, id, externalCallID, at)
	if err != nil {
		return fmt.Errorf("test sessions: mark dispatched: %w", err)
	}
	return requireRow(res, "test sessions")
}

// MarkStarted moves a pending session to in-progress.
func (r *TestSessionRepository) MarkStarted(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET
			status = 'in-progress',
			started_at = COALESCE(started_at, $3),
			external_call_id = COALESCE(external_call_id, NULLIF($2, '')),
			updated_at = $3
		WHERE id = $1 AND status = 'pending'`, id, externalCallID, at)
	if err != nil {
		return false, fmt.Errorf("test sessions: mark started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("test sessions: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// Finish writes the terminal status of an open session.
func (r *TestSessionRepository) Finish(ctx context.Context, id uuid.UUID, o domain.CallOutcome) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET
			status = $2,
			ended_at = $3,
			external_call_id = COALESCE(NULLIF($4, ''), external_call_id),
			disconnect_reason = NULLIF($5, ''),
			duration_ms = $6,
			provider_cost_cents = $7,
			updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'in-progress')`,
		id, o.Status, o.EndedAt, o.ExternalCallID, o.DisconnectReason, o.DurationMs, o.ProviderCostCents)
	if err != nil {
		return false, fmt.Errorf("test sessions: finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("test sessions: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// RecordCharge stores the billed amount.
func (r *TestSessionRepository) RecordCharge(ctx context.Context, id uuid.UUID, chargedCents int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET charged_cents = $2, updated_at = NOW() WHERE id = $1`, id, chargedCents)
	if err != nil {
		return fmt.Errorf("test sessions: record charge: %w", err)
	}
	return requireRow(res, "test sessions")
}

// ApplyAnalysis attaches the summary and success flag.
func (r *TestSessionRepository) ApplyAnalysis(ctx context.Context, id uuid.UUID, analysis domain.CallAnalysis) error {
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET
			call_summary = COALESCE(NULLIF($2, ''), call_summary),
			call_successful = COALESCE($3, call_successful),
			updated_at = NOW()
		WHERE id = $1`, id, analysis.Summary, nullBool(analysis.Successful))
	if err != nil {
		return fmt.Errorf("test sessions: apply analysis: %w", err)
	}
	return requireRow(res, "test sessions")
}

// SetAppointment stores an extracted booking.
func (r *TestSessionRepository) SetAppointment(ctx context.Context, id uuid.UUID, appointment *domain.Appointment) error {
	if appointment == nil {
		return nil
	}
	payload, err := json.Marshal(appointment)
	if err != nil {
		return fmt.Errorf("test sessions: marshal appointment: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE test_call_sessions SET appointment_data = $2, updated_at = NOW() WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("test sessions: set appointment: %w", err)
	}
	return requireRow(res, "test sessions")
}

type sessionRecord struct {
	ID                uuid.UUID      `db:"id"`
	AccountID         uuid.UUID      `db:"account_id"`
	AgentID           uuid.UUID      `db:"agent_id"`
	PhoneNumber       string         `db:"phone_number"`
	Status            string         `db:"status"`
	ExternalCallID    sql.NullString `db:"external_call_id"`
	DurationMs        int64          `db:"duration_ms"`
	ProviderCostCents int64          `db:"provider_cost_cents"`
	ChargedCents      int64          `db:"charged_cents"`
	CallSummary       sql.NullString `db:"call_summary"`
	AppointmentData   []byte         `db:"appointment_data"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r sessionRecord) toDomain() domain.TestCallSession {
	s := domain.TestCallSession{
		ID:                r.ID,
		AccountID:         r.AccountID,
		AgentID:           r.AgentID,
		PhoneNumber:       r.PhoneNumber,
		Status:            domain.CallStatus(r.Status),
		ExternalCallID:    stringPtr(r.ExternalCallID),
		DurationMs:        r.DurationMs,
		ProviderCostCents: r.ProviderCostCents,
		ChargedCents:      r.ChargedCents,
		CallSummary:       stringPtr(r.CallSummary),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.AppointmentData) > 0 {
		var appt domain.Appointment
		if err := json.Unmarshal(r.AppointmentData, &appt); err == nil {
			s.AppointmentData = &appt
		}
	}
	return s
}
