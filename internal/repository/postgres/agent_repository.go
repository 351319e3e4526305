package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

// AgentRepository implements repository.AgentRepository.
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository builds the repository.
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create inserts an agent.
func (r *AgentRepository) Create(ctx context.Context, agent *domain.Agent) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO agents (id, account_id, name, provider_agent_id, created_at)
		VALUES (:id, :account_id, :name, :provider_agent_id, :created_at)`, agentRecord{
		ID:              agent.ID,
		AccountID:       agent.AccountID,
		Name:            agent.Name,
		ProviderAgentID: agent.ProviderAgentID,
		CreatedAt:       agent.CreatedAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("agent repo: insert: %w", err)
	}
	return nil
}

// Get fetches an agent by id.
func (r *AgentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	var rec agentRecord
	err := r.db.GetContext(ctx, &rec, `SELECT id, account_id, name, provider_agent_id, created_at FROM agents WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("agent repo: get: %w", err)
	}
	return &domain.Agent{
		ID:              rec.ID,
		AccountID:       rec.AccountID,
		Name:            rec.Name,
		ProviderAgentID: rec.ProviderAgentID,
		CreatedAt:       rec.CreatedAt,
	}, nil
}

type agentRecord struct {
	ID              uuid.UUID `db:"id"`
	AccountID       uuid.UUID `db:"account_id"`
	Name            string    `db:"name"`
	ProviderAgentID string    `db:"provider_agent_id"`
	CreatedAt       time.Time `db:"created_at"`
}
