package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/internal/service/directory"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Dispatcher is responsible for pushing call dispatch events.
type Dispatcher interface {
	DispatchCall(ctx context.Context, msg queue.DispatchMessage) error
}

// CreditChecker reports whether an account may place paid calls.
type CreditChecker interface {
	CanDispatch(ctx context.Context, accountID uuid.UUID, minBalanceCents int64) (bool, error)
}

// Service coordinates standalone agent test calls and the per-call event timeline.
type Service struct {
	sessions   repository.TestSessionRepository
	agents     repository.AgentRepository
	events     repository.CallEventStore
	dispatcher Dispatcher
	credit     CreditChecker
	minBalance int64
	logger     *logger.Logger
	now        func() time.Time
}

// NewService builds the test call service. events may be nil when no archive is configured.
func NewService(
	sessions repository.TestSessionRepository,
	agents repository.AgentRepository,
	events repository.CallEventStore,
	dispatcher Dispatcher,
	credit CreditChecker,
	minBalanceCents int64,
	lg *logger.Logger,
) *Service {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Service{
		sessions:   sessions,
		agents:     agents,
		events:     events,
		dispatcher: dispatcher,
		credit:     credit,
		minBalance: minBalanceCents,
		logger:     lg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// TriggerTestCallInput encapsulates the arguments for a test call.
type TriggerTestCallInput struct {
	AccountID   uuid.UUID
	AgentID     uuid.UUID
	PhoneNumber string
	Metadata    map[string]string
}

// TriggerTestCall creates a session and enqueues its dispatch.
func (s *Service) TriggerTestCall(ctx context.Context, input TriggerTestCallInput) (*domain.TestCallSession, error) {
	if input.AccountID == uuid.Nil || input.AgentID == uuid.Nil {
		return nil, fmt.Errorf("%w: account_id and agent_id are required", apperrors.ErrValidation)
	}
	phone, err := directory.NormalizePhone(input.PhoneNumber)
	if err != nil {
		return nil, err
	}

	agent, err := s.agents.Get(ctx, input.AgentID)
	if err != nil {
		return nil, fmt.Errorf("call service: lookup agent: %w", err)
	}
	if agent.AccountID != input.AccountID {
		return nil, fmt.Errorf("%w: agent belongs to another account", apperrors.ErrValidation)
	}

	ok, err := s.credit.CanDispatch(ctx, input.AccountID, s.minBalance)
	if err != nil {
		return nil, fmt.Errorf("call service: check credit: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: account is blocked or below the minimum balance", apperrors.ErrInsufficientCredit)
	}

	now := s.now()
	session := &domain.TestCallSession{
		ID:          uuid.New(),
		AccountID:   input.AccountID,
		AgentID:     agent.ID,
		PhoneNumber: phone,
		Status:      domain.CallStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("call service: persist session: %w", err)
	}

	sessionID := session.ID
	payload := queue.DispatchMessage{
		SessionID:       &sessionID,
		AccountID:       session.AccountID,
		PhoneNumber:     phone,
		ProviderAgentID: agent.ProviderAgentID,
		Metadata:        input.Metadata,
		EnqueuedAt:      now,
	}
	if err := s.dispatcher.DispatchCall(ctx, payload); err != nil {
		if _, ferr := s.sessions.Finish(ctx, session.ID, domain.CallOutcome{
			Status:           domain.CallStatusFailed,
			DisconnectReason: "dispatch_failed",
			EndedAt:          s.now(),
		}); ferr != nil {
			s.logger.WithContext(ctx).Error("failed to close undispatched session",
				zap.String("session_id", session.ID.String()), zap.Error(ferr))
		}
		return nil, fmt.Errorf("call service: dispatch call: %w", err)
	}

	s.logger.WithContext(ctx).Info("test call queued",
		zap.String("session_id", session.ID.String()),
		zap.String("agent_id", agent.ID.String()))
	return session, nil
}

// GetSession retrieves a test session by id.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*domain.TestCallSession, error) {
	return s.sessions.Get(ctx, id)
}

// CallEvents returns the archived webhook timeline of a provider call.
func (s *Service) CallEvents(ctx context.Context, externalCallID string, limit int) ([]repository.CallEvent, error) {
	externalCallID = strings.TrimSpace(externalCallID)
	if externalCallID == "" {
		return nil, fmt.Errorf("%w: call id is required", apperrors.ErrValidation)
	}
	if s.events == nil {
		return nil, fmt.Errorf("%w: call event archive is not configured", apperrors.ErrUnavailable)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.events.ListByCall(ctx, externalCallID, limit)
}
