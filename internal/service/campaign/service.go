package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Service orchestrates campaign lifecycle operations. Status changes go through
// Transition only.
type Service struct {
	repo      repository.CampaignRepository
	agents    repository.AgentRepository
	contacts  repository.ContactRepository
	attempts  repository.AttemptRepository
	statsRepo repository.CampaignStatisticsRepository
	logger    *logger.Logger
	now       func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	agents repository.AgentRepository,
	contacts repository.ContactRepository,
	attempts repository.AttemptRepository,
	stats repository.CampaignStatisticsRepository,
	lg *logger.Logger,
) *Service {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Service{
		repo:      repo,
		agents:    agents,
		contacts:  contacts,
		attempts:  attempts,
		statsRepo: stats,
		logger:    lg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	AccountID       uuid.UUID
	Name            string
	AgentID         *uuid.UUID
	ContactGroupID  *uuid.UUID
	ConcurrentCalls int
	MaxRetryDays    int
	Window          domain.CallingWindow
	TimeZone        string
}

// UpdateCampaignInput captures updatable properties. Nil fields are left unchanged.
type UpdateCampaignInput struct {
	ID              uuid.UUID
	Name            *string
	AgentID         *uuid.UUID
	ContactGroupID  *uuid.UUID
	ConcurrentCalls *int
	MaxRetryDays    *int
	Window          *domain.CallingWindow
	TimeZone        *string
}

// Create provisions a new draft campaign.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		AccountID:       input.AccountID,
		Name:            strings.TrimSpace(input.Name),
		Status:          domain.CampaignStatusDraft,
		ConcurrentCalls: input.ConcurrentCalls,
		MaxRetryDays:    input.MaxRetryDays,
		Window:          input.Window,
		TimeZone:        input.TimeZone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if input.AgentID != nil {
		if err := s.bindAgent(ctx, campaign, *input.AgentID); err != nil {
			return nil, err
		}
	}
	if input.ContactGroupID != nil {
		if err := s.bindContactGroup(ctx, campaign, *input.ContactGroupID); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	s.logger.Info("campaign created", zap.String("campaign_id", campaign.ID.String()), zap.String("account_id", campaign.AccountID.String()))
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns ordered by id.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// ListByStatus returns campaigns in a given status.
func (s *Service) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	return s.repo.ListByStatus(ctx, status, limit)
}

// Update modifies campaign settings. Rebinding the agent or contact group is only allowed
// while the campaign is editable; other settings may change until it completes.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if campaign.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, campaign.ID, campaign.Status)
	}

	rebinding := (input.AgentID != nil && !sameID(campaign.AgentID, *input.AgentID)) ||
		(input.ContactGroupID != nil && !sameID(campaign.ContactGroupID, *input.ContactGroupID))
	if rebinding && !domain.CanEditCampaign(campaign.Status) {
		return nil, fmt.Errorf("%w: campaign in status %s cannot change agent or contacts", apperrors.ErrConflict, campaign.Status)
	}

	if input.Name != nil {
		campaign.Name = strings.TrimSpace(*input.Name)
	}
	if input.ConcurrentCalls != nil {
		campaign.ConcurrentCalls = *input.ConcurrentCalls
	}
	if input.MaxRetryDays != nil {
		campaign.MaxRetryDays = *input.MaxRetryDays
	}
	if input.Window != nil {
		campaign.Window = *input.Window
	}
	if input.TimeZone != nil {
		campaign.TimeZone = *input.TimeZone
	}
	if err := validateSettings(campaign.Name, campaign.ConcurrentCalls, campaign.MaxRetryDays, campaign.Window, campaign.TimeZone); err != nil {
		return nil, err
	}

	if input.AgentID != nil && !sameID(campaign.AgentID, *input.AgentID) {
		if err := s.bindAgent(ctx, campaign, *input.AgentID); err != nil {
			return nil, err
		}
	}
	if input.ContactGroupID != nil && !sameID(campaign.ContactGroupID, *input.ContactGroupID) {
		if err := s.bindContactGroup(ctx, campaign, *input.ContactGroupID); err != nil {
			return nil, err
		}
	}

	campaign.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// Delete removes a campaign that is not live and never dialed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status.IsLive() {
		return fmt.Errorf("%w: campaign in status %s cannot be deleted", apperrors.ErrConflict, campaign.Status)
	}
	return s.repo.Delete(ctx, id)
}

// Transition is the single place a campaign status changes. The edge and the activation
// preconditions are validated against the current row and applied with a compare-and-set,
// so a concurrent change surfaces as ErrConflict rather than an unchecked overwrite.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if terr := domain.ValidateCampaignTransition(campaign, to); terr != nil {
		return nil, terr
	}

	from := campaign.Status
	now := s.now()
	if err := s.repo.CompareAndSetStatus(ctx, id, from, to, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("campaign service: %s changed concurrently: %w", id, err)
		}
		return nil, fmt.Errorf("campaign service: transition: %w", err)
	}

	campaign.Status = to
	campaign.UpdatedAt = now
	switch to {
	case domain.CampaignStatusActive:
		if campaign.StartedAt == nil {
			campaign.StartedAt = &now
		}
	case domain.CampaignStatusCompleted:
		campaign.CompletedAt = &now
	}

	s.logger.Info("campaign transitioned",
		zap.String("campaign_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return campaign, nil
}

// Schedule moves a draft campaign to scheduled.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.Transition(ctx, id, domain.CampaignStatusScheduled)
}

// Start activates a campaign.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.Transition(ctx, id, domain.CampaignStatusActive)
}

// Pause stops new dispatch. In-flight calls finish normally.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.Transition(ctx, id, domain.CampaignStatusPaused)
}

// Resume reactivates a paused campaign.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusPaused {
		return nil, &domain.TransitionError{From: campaign.Status, To: domain.CampaignStatusActive, Reason: domain.ReasonInvalidTransition}
	}
	return s.Transition(ctx, id, domain.CampaignStatusActive)
}

// Complete marks a campaign completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.Transition(ctx, id, domain.CampaignStatusCompleted)
}

// Fail marks a campaign failed.
func (s *Service) Fail(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.Transition(ctx, id, domain.CampaignStatusFailed)
}

// ResetToDraft returns a scheduled or failed campaign to draft.
func (s *Service) ResetToDraft(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.Transition(ctx, id, domain.CampaignStatusDraft)
}

// CompleteIfExhausted completes an active campaign with no open attempts and no contact
// left to dial. It reports whether the campaign was completed by this call.
func (s *Service) CompleteIfExhausted(ctx context.Context, id uuid.UUID) (bool, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if campaign.Status != domain.CampaignStatusActive || campaign.ActiveCallsCount > 0 || campaign.ContactGroupID == nil {
		return false, nil
	}
	remaining, err := s.contacts.HasRemaining(ctx, id, *campaign.ContactGroupID, campaign.MaxRetryDays)
	if err != nil {
		return false, fmt.Errorf("campaign service: check remaining: %w", err)
	}
	if remaining {
		return false, nil
	}
	if _, err := s.Transition(ctx, id, domain.CampaignStatusCompleted); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stats retrieves aggregated statistics.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.statsRepo.Get(ctx, id)
}

// Attempts pages through a campaign's attempts.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Attempt, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.attempts.ListByCampaign(ctx, id, afterID, limit)
}

func (s *Service) bindAgent(ctx context.Context, campaign *domain.Campaign, agentID uuid.UUID) error {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: agent %s not found", apperrors.ErrValidation, agentID)
		}
		return err
	}
	if agent.AccountID != campaign.AccountID {
		return fmt.Errorf("%w: agent %s belongs to another account", apperrors.ErrValidation, agentID)
	}
	live, err := s.repo.CountLiveByAgent(ctx, agentID, campaign.ID)
	if err != nil {
		return fmt.Errorf("campaign service: count agent campaigns: %w", err)
	}
	if !domain.CanReassignAgent(live) {
		return fmt.Errorf("%w: agent %s is bound to %d live campaign(s)", apperrors.ErrConflict, agentID, live)
	}
	campaign.AgentID = &agentID
	return nil
}

func (s *Service) bindContactGroup(ctx context.Context, campaign *domain.Campaign, groupID uuid.UUID) error {
	group, err := s.contacts.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: contact group %s not found", apperrors.ErrValidation, groupID)
		}
		return err
	}
	if group.AccountID != campaign.AccountID {
		return fmt.Errorf("%w: contact group %s belongs to another account", apperrors.ErrValidation, groupID)
	}
	campaign.ContactGroupID = &groupID
	campaign.ContactCount = group.ContactCount
	return nil
}

func sameID(current *uuid.UUID, next uuid.UUID) bool {
	return current != nil && *current == next
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.AccountID == uuid.Nil {
		return fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	return validateSettings(input.Name, input.ConcurrentCalls, input.MaxRetryDays, input.Window, input.TimeZone)
}

func validateSettings(name string, concurrent, retryDays int, window domain.CallingWindow, tz string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if concurrent <= 0 {
		return fmt.Errorf("%w: concurrent calls must be positive", apperrors.ErrValidation)
	}
	if retryDays < 0 {
		return fmt.Errorf("%w: max retry days cannot be negative", apperrors.ErrValidation)
	}
	if tz == "" {
		return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, tz, err)
	}
	if window.StartMinute < 0 || window.StartMinute >= 24*60 || window.EndMinute < 0 || window.EndMinute >= 24*60 {
		return fmt.Errorf("%w: calling window minutes must be within a day", apperrors.ErrValidation)
	}
	if window.StartMinute == window.EndMinute {
		return fmt.Errorf("%w: calling window must have positive duration", apperrors.ErrValidation)
	}
	if len(window.Weekdays) == 0 {
		return fmt.Errorf("%w: at least one weekday is required", apperrors.ErrValidation)
	}
	seen := make(map[time.Weekday]bool, len(window.Weekdays))
	for _, d := range window.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", apperrors.ErrValidation, d)
		}
		if seen[d] {
			return fmt.Errorf("%w: duplicate weekday %s", apperrors.ErrValidation, d)
		}
		seen[d] = true
	}
	return nil
}

// ParseClock converts "HH:MM" to minutes after midnight.
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", apperrors.ErrValidation, value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: invalid hour in %q", apperrors.ErrValidation, value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: invalid minute in %q", apperrors.ErrValidation, value)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes after midnight as "HH:MM".
func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
