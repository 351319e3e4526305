package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository by
// aggregating the attempts table, so the numbers can never drift from the rows.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	var stats domain.CampaignStats
	err := r.db.GetContext(ctx, &stats, `SELECT
			COUNT(*) AS total_attempts,
			COUNT(*) FILTER (WHERE call_status = 'pending') AS pending_attempts,
			COUNT(*) FILTER (WHERE call_status = 'in-progress') AS in_progress_attempts,
			COUNT(*) FILTER (WHERE call_status = 'completed') AS completed_attempts,
			COUNT(*) FILTER (WHERE call_status = 'failed') AS failed_attempts,
			COUNT(*) FILTER (WHERE call_status = 'no-answer') AS no_answer_attempts,
			COUNT(*) FILTER (WHERE call_status = 'voicemail') AS voicemail_attempts,
			COUNT(*) FILTER (WHERE call_status = 'cancelled') AS cancelled_attempts,
			COUNT(*) FILTER (WHERE appointment_data IS NOT NULL) AS appointments,
			COALESCE(SUM(charged_cents), 0) AS charged_cents
		FROM attempts WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &stats, nil
}
