package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

const campaignColumns = `id, account_id, name, agent_id, contact_group_id, contact_count, status,
	concurrent_calls, max_retry_days, window_start_min, window_end_min, weekdays, time_zone,
	active_calls_count, created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, account_id, name, agent_id, contact_group_id, contact_count, status,
		concurrent_calls, max_retry_days, window_start_min, window_end_min, weekdays, time_zone,
		active_calls_count, created_at, updated_at
	) VALUES (
		:id, :account_id, :name, :agent_id, :contact_group_id, :contact_count, :status,
		:concurrent_calls, :max_retry_days, :window_start_min, :window_end_min, :weekdays, :time_zone,
		0, :created_at, :updated_at
	)`

	params := campaignParams(campaign)
	params["account_id"] = campaign.AccountID
	params["status"] = campaign.Status
	params["created_at"] = campaign.CreatedAt

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("campaign repo: insert: %w", err)
	}

	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update writes the editable configuration. Status and the semaphore are never touched
// here; the write only applies while the row is still in the status the caller read, and
// ErrConflict is returned otherwise.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		agent_id = :agent_id,
		contact_group_id = :contact_group_id,
		contact_count = :contact_count,
		concurrent_calls = :concurrent_calls,
		max_retry_days = :max_retry_days,
		window_start_min = :window_start_min,
		window_end_min = :window_end_min,
		weekdays = :weekdays,
		time_zone = :time_zone,
		updated_at = :updated_at
	 WHERE id = :id AND status = :status`

	params := campaignParams(campaign)
	params["status"] = campaign.Status

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign repo: agent already bound to a live campaign: %w", repository.ErrConflict)
		}
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, campaign.ID); err != nil {
			return err
		}
		return fmt.Errorf("campaign repo: %s left status %s during update: %w", campaign.ID, campaign.Status, repository.ErrConflict)
	}
	return nil
}

// CompareAndSetStatus moves the campaign from one status to another only if it is still in from.
func (r *CampaignRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = $3,
		updated_at = $4,
		started_at = CASE WHEN $3 = 'active' AND started_at IS NULL THEN $4 ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN $4 ELSE completed_at END
	 WHERE id = $1 AND status = $2`, id, from, to, at)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign repo: agent of %s is bound to another live campaign: %w", id, repository.ErrConflict)
		}
		return fmt.Errorf("campaign repo: set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("campaign repo: status of %s is no longer %s: %w", id, from, repository.ErrConflict)
	}
	return nil
}

// List returns campaigns with keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	return scanCampaigns(rows)
}

// ListByStatus returns campaigns filtered by status, least recently touched first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	return scanCampaigns(rows)
}

// CountLiveByAgent counts scheduled, active or paused campaigns using the agent. The
// partial unique index on campaigns.agent_id is what enforces the limit under races.
func (r *CampaignRepository) CountLiveByAgent(ctx context.Context, agentID, excludeCampaignID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM campaigns
		WHERE agent_id = $1 AND id <> $2 AND status IN ('scheduled', 'active', 'paused')`, agentID, excludeCampaignID)
	if err != nil {
		return 0, fmt.Errorf("campaign repo: count live by agent: %w", err)
	}
	return n, nil
}

// Delete removes a campaign that never ran or has finished. Live campaigns are refused.
func (r *CampaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns
		WHERE id = $1 AND status NOT IN ('scheduled', 'active', 'paused')
		AND NOT EXISTS (SELECT 1 FROM attempts WHERE campaign_id = $1)`, id)
	if err != nil {
		return fmt.Errorf("campaign repo: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("campaign repo: campaign %s is live or has attempts: %w", id, repository.ErrConflict)
	}
	return nil
}

func campaignParams(c *domain.Campaign) map[string]any {
	weekdays := make(pq.Int64Array, 0, len(c.Window.Weekdays))
	for _, d := range c.Window.Weekdays {
		weekdays = append(weekdays, int64(d))
	}
	return map[string]any{
		"id":               c.ID,
		"name":             c.Name,
		"agent_id":         uuidOrNil(c.AgentID),
		"contact_group_id": uuidOrNil(c.ContactGroupID),
		"contact_count":    c.ContactCount,
		"concurrent_calls": c.ConcurrentCalls,
		"max_retry_days":   c.MaxRetryDays,
		"window_start_min": c.Window.StartMinute,
		"window_end_min":   c.Window.EndMinute,
		"weekdays":         weekdays,
		"time_zone":        c.TimeZone,
		"updated_at":       c.UpdatedAt,
	}
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID               uuid.UUID     `db:"id"`
	AccountID        uuid.UUID     `db:"account_id"`
	Name             string        `db:"name"`
	AgentID          uuid.NullUUID `db:"agent_id"`
	ContactGroupID   uuid.NullUUID `db:"contact_group_id"`
	ContactCount     int           `db:"contact_count"`
	Status           string        `db:"status"`
	ConcurrentCalls  int           `db:"concurrent_calls"`
	MaxRetryDays     int           `db:"max_retry_days"`
	WindowStartMin   int           `db:"window_start_min"`
	WindowEndMin     int           `db:"window_end_min"`
	Weekdays         pq.Int64Array `db:"weekdays"`
	TimeZone         string        `db:"time_zone"`
	ActiveCallsCount int           `db:"active_calls_count"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
	StartedAt        sql.NullTime  `db:"started_at"`
	CompletedAt      sql.NullTime  `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	weekdays := make([]time.Weekday, 0, len(r.Weekdays))
	for _, d := range r.Weekdays {
		weekdays = append(weekdays, time.Weekday(d))
	}

	campaign := domain.Campaign{
		ID:               r.ID,
		AccountID:        r.AccountID,
		Name:             r.Name,
		ContactCount:     r.ContactCount,
		Status:           domain.CampaignStatus(r.Status),
		ConcurrentCalls:  r.ConcurrentCalls,
		MaxRetryDays:     r.MaxRetryDays,
		Window:           domain.CallingWindow{StartMinute: r.WindowStartMin, EndMinute: r.WindowEndMin, Weekdays: weekdays},
		TimeZone:         r.TimeZone,
		ActiveCallsCount: r.ActiveCallsCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        timePtr(r.StartedAt),
		CompletedAt:      timePtr(r.CompletedAt),
	}
	if r.AgentID.Valid {
		id := r.AgentID.UUID
		campaign.AgentID = &id
	}
	if r.ContactGroupID.Valid {
		id := r.ContactGroupID.UUID
		campaign.ContactGroupID = &id
	}
	return campaign
}
