package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

// ContactRepository persists contact groups and contacts.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// CreateGroup inserts an empty contact group.
func (r *ContactRepository) CreateGroup(ctx context.Context, group *domain.ContactGroup) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO contact_groups (id, account_id, name, contact_count, created_at)
		VALUES ($1, $2, $3, 0, $4)`, group.ID, group.AccountID, group.Name, group.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("contacts: create group: %w", err)
	}
	return nil
}

// GetGroup fetches a group.
func (r *ContactRepository) GetGroup(ctx context.Context, id uuid.UUID) (*domain.ContactGroup, error) {
	var rec struct {
		ID           uuid.UUID `db:"id"`
		AccountID    uuid.UUID `db:"account_id"`
		Name         string    `db:"name"`
		ContactCount int       `db:"contact_count"`
		CreatedAt    time.Time `db:"created_at"`
	}
	err := r.db.GetContext(ctx, &rec, `SELECT id, account_id, name, contact_count, created_at FROM contact_groups WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: get group: %w", err)
	}
	return &domain.ContactGroup{
		ID:           rec.ID,
		AccountID:    rec.AccountID,
		Name:         rec.Name,
		ContactCount: rec.ContactCount,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

// AddContacts inserts a batch of contacts and refreshes the group count, plus the count
// copied onto every unfinished campaign bound to the group. Returns the new count.
func (r *ContactRepository) AddContacts(ctx context.Context, groupID uuid.UUID, contacts []domain.Contact) (int, error) {
	if len(contacts) == 0 {
		group, err := r.GetGroup(ctx, groupID)
		if err != nil {
			return 0, err
		}
		return group.ContactCount, nil
	}

	rows := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		payload, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("contacts: marshal metadata: %w", err)
		}
		rows = append(rows, map[string]any{
			"id":         c.ID,
			"group_id":   groupID,
			"name":       c.Name,
			"email":      c.Email,
			"phones":     pq.StringArray(c.Phones),
			"metadata":   payload,
			"created_at": c.CreatedAt,
		})
	}

	var count int
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO contacts (id, group_id, name, email, phones, metadata, created_at)
			VALUES (:id, :group_id, :name, :email, :phones, :metadata, :created_at)
			ON CONFLICT (id) DO NOTHING`, rows); err != nil {
			return fmt.Errorf("contacts: bulk insert: %w", err)
		}

		if err := tx.GetContext(ctx, &count, `UPDATE contact_groups
			SET contact_count = (SELECT COUNT(*) FROM contacts WHERE group_id = $1)
			WHERE id = $1 RETURNING contact_count`, groupID); err != nil {
			if isNoRows(err) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("contacts: refresh count: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET contact_count = $2, updated_at = NOW()
			WHERE contact_group_id = $1 AND status <> 'completed'`, groupID, count); err != nil {
			return fmt.Errorf("contacts: propagate count: %w", err)
		}
		return nil
	})
	return count, err
}

// Get fetches a contact.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	err := r.db.GetContext(ctx, &rec, `SELECT id, group_id, name, email, phones, metadata, created_at
		FROM contacts WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: get: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// ListCandidates returns contacts that are unresolved, have no open attempt, still have
// retry days left and were not already tried in the current window occurrence, each with
// its latest attempt. Never-dialled contacts come first, then creation order.
func (r *ContactRepository) ListCandidates(ctx context.Context, q repository.CandidateQuery) ([]repository.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT c.id, c.group_id, c.name, c.email, c.phones, c.metadata, c.created_at,
			la.attempt_day AS last_day, la.attempt_number AS last_number, la.phone_index AS last_phone_index,
			la.call_status AS last_status, la.scheduled_at AS last_scheduled_at,
			COALESCE(cnt.n, 0) AS attempt_count
		FROM contacts c
		LEFT JOIN LATERAL (
			SELECT a.attempt_day, a.attempt_number, a.phone_index, a.call_status, a.scheduled_at
			FROM attempts a
			WHERE a.campaign_id = $1 AND a.contact_id = c.id
			ORDER BY a.attempt_day DESC
			LIMIT 1
		) la ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS n FROM attempts a WHERE a.campaign_id = $1 AND a.contact_id = c.id
		) cnt ON TRUE
		WHERE c.group_id = $2
		AND NOT EXISTS (
			SELECT 1 FROM attempts a
			WHERE a.campaign_id = $1 AND a.contact_id = c.id
			AND a.call_status IN ('pending', 'in-progress', 'completed')
		)
		AND (la.attempt_day IS NULL OR (la.attempt_day < $3 AND la.scheduled_at < $4))
		ORDER BY (la.attempt_day IS NULL) DESC, c.created_at ASC, c.id ASC
		LIMIT $5 OFFSET $6`, q.CampaignID, q.GroupID, q.MaxRetryDays, q.RetryBefore, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("contacts: list candidates: %w", err)
	}
	defer rows.Close()

	var results []repository.Candidate
	for rows.Next() {
		var rec candidateRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contacts: scan candidate: %w", err)
		}
		results = append(results, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: rows err: %w", err)
	}
	return results, nil
}

// HasRemaining reports whether any contact still needs a call or has one in flight.
func (r *ContactRepository) HasRemaining(ctx context.Context, campaignID, groupID uuid.UUID, maxRetryDays int) (bool, error) {
	var remaining bool
	err := r.db.GetContext(ctx, &remaining, `SELECT EXISTS (
		SELECT 1 FROM contacts c
		WHERE c.group_id = $2
		AND NOT EXISTS (
			SELECT 1 FROM attempts a WHERE a.campaign_id = $1 AND a.contact_id = c.id AND a.call_status = 'completed'
		)
		AND (
			NOT EXISTS (SELECT 1 FROM attempts a WHERE a.campaign_id = $1 AND a.contact_id = c.id AND a.attempt_day >= $3)
			OR EXISTS (SELECT 1 FROM attempts a WHERE a.campaign_id = $1 AND a.contact_id = c.id AND a.call_status IN ('pending', 'in-progress'))
		)
	)`, campaignID, groupID, maxRetryDays)
	if err != nil {
		return false, fmt.Errorf("contacts: has remaining: %w", err)
	}
	return remaining, nil
}

type contactRecord struct {
	ID        uuid.UUID      `db:"id"`
	GroupID   uuid.UUID      `db:"group_id"`
	Name      string         `db:"name"`
	Email     string         `db:"email"`
	Phones    pq.StringArray `db:"phones"`
	Metadata  []byte         `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	var meta map[string]any
	_ = json.Unmarshal(r.Metadata, &meta)
	return domain.Contact{
		ID:        r.ID,
		GroupID:   r.GroupID,
		Name:      r.Name,
		Email:     r.Email,
		Phones:    []string(r.Phones),
		Metadata:  meta,
		CreatedAt: r.CreatedAt,
	}
}

type candidateRecord struct {
	contactRecord
	LastDay         sql.NullInt64  `db:"last_day"`
	LastNumber      sql.NullInt64  `db:"last_number"`
	LastPhoneIndex  sql.NullInt64  `db:"last_phone_index"`
	LastStatus      sql.NullString `db:"last_status"`
	LastScheduledAt sql.NullTime   `db:"last_scheduled_at"`
	AttemptCount    int            `db:"attempt_count"`
}

func (r candidateRecord) toModel() repository.Candidate {
	candidate := repository.Candidate{
		Contact:      r.contactRecord.toDomain(),
		AttemptCount: r.AttemptCount,
	}
	if r.LastDay.Valid {
		candidate.LastAttempt = &repository.LastAttempt{
			Day:         int(r.LastDay.Int64),
			Number:      int(r.LastNumber.Int64),
			PhoneIndex:  int(r.LastPhoneIndex.Int64),
			Status:      domain.CallStatus(r.LastStatus.String),
			ScheduledAt: r.LastScheduledAt.Time,
		}
	}
	return candidate
}
