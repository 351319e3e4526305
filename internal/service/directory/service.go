package directory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

const maxContactsPerBatch = 5000

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Service manages the agents and contact groups campaigns bind to.
type Service struct {
	agents   repository.AgentRepository
	contacts repository.ContactRepository
	logger   *logger.Logger
	now      func() time.Time
}

// NewService builds the directory service.
func NewService(agents repository.AgentRepository, contacts repository.ContactRepository, lg *logger.Logger) *Service {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Service{
		agents:   agents,
		contacts: contacts,
		logger:   lg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateAgentInput struct {
	AccountID       uuid.UUID
	Name            string
	ProviderAgentID string
}

// CreateAgent registers an agent handle.
func (s *Service) CreateAgent(ctx context.Context, in CreateAgentInput) (*domain.Agent, error) {
	name := strings.TrimSpace(in.Name)
	providerID := strings.TrimSpace(in.ProviderAgentID)
	switch {
	case in.AccountID == uuid.Nil:
		return nil, fmt.Errorf("%w: account_id is required", apperrors.ErrValidation)
	case name == "":
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrValidation)
	case providerID == "":
		return nil, fmt.Errorf("%w: provider_agent_id is required", apperrors.ErrValidation)
	}

	agent := &domain.Agent{
		ID:              uuid.New(),
		AccountID:       in.AccountID,
		Name:            name,
		ProviderAgentID: providerID,
		CreatedAt:       s.now(),
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("directory: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent fetches an agent.
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	return s.agents.Get(ctx, id)
}

type CreateGroupInput struct {
	AccountID uuid.UUID
	Name      string
}

// CreateGroup creates an empty contact group.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (*domain.ContactGroup, error) {
	name := strings.TrimSpace(in.Name)
	if in.AccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: account_id is required", apperrors.ErrValidation)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrValidation)
	}
	group := &domain.ContactGroup{ID: uuid.New(), AccountID: in.AccountID, Name: name, CreatedAt: s.now()}
	if err := s.contacts.CreateGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("directory: create group: %w", err)
	}
	return group, nil
}

// GetGroup fetches a contact group.
func (s *Service) GetGroup(ctx context.Context, id uuid.UUID) (*domain.ContactGroup, error) {
	return s.contacts.GetGroup(ctx, id)
}

type ContactInput struct {
	Name     string
	Email    string
	Phones   []string
	Metadata map[string]any
}

// AddContacts validates and appends contacts to a group. Creation order within the batch
// is preserved so the scheduler dials them in the order given. Returns the new group size.
func (s *Service) AddContacts(ctx context.Context, groupID uuid.UUID, in []ContactInput) (int, error) {
	if len(in) == 0 {
		return 0, fmt.Errorf("%w: at least one contact is required", apperrors.ErrValidation)
	}
	if len(in) > maxContactsPerBatch {
		return 0, fmt.Errorf("%w: at most %d contacts per request", apperrors.ErrValidation, maxContactsPerBatch)
	}
	if _, err := s.contacts.GetGroup(ctx, groupID); err != nil {
		return 0, err
	}

	base := s.now()
	contacts := make([]domain.Contact, 0, len(in))
	for i, c := range in {
		phones, err := NormalizePhones(c.Phones)
		if err != nil {
			return 0, fmt.Errorf("contact %d: %w", i, err)
		}
		contacts = append(contacts, domain.Contact{
			ID:        uuid.New(),
			GroupID:   groupID,
			Name:      strings.TrimSpace(c.Name),
			Email:     strings.TrimSpace(c.Email),
			Phones:    phones,
			Metadata:  c.Metadata,
			CreatedAt: base.Add(time.Duration(i) * time.Microsecond),
		})
	}

	count, err := s.contacts.AddContacts(ctx, groupID, contacts)
	if err != nil {
		return 0, fmt.Errorf("directory: add contacts: %w", err)
	}
	s.logger.Info("contacts added",
		zap.String("group_id", groupID.String()),
		zap.Int("added", len(contacts)),
		zap.Int("contact_count", count))
	return count, nil
}

// NormalizePhones strips formatting, requires E.164 and drops duplicates while keeping order.
func NormalizePhones(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, p := range raw {
		n, err := NormalizePhone(p)
		if err != nil {
			return nil, err
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one phone number is required", apperrors.ErrValidation)
	}
	return out, nil
}

// NormalizePhone removes spaces, dashes, dots and parentheses and checks E.164.
func NormalizePhone(raw string) (string, error) {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	if !e164.MatchString(n) {
		return "", fmt.Errorf("%w: %q is not an E.164 phone number", apperrors.ErrValidation, raw)
	}
	return n, nil
}
