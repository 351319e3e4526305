package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation or a lost compare-and-set.
	ErrConflict = apperrors.ErrConflict
	// ErrNoSlot indicates the campaign semaphore is full or the campaign stopped being active.
	ErrNoSlot = apperrors.ErrQuotaExceeded
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	CountLiveByAgent(ctx context.Context, agentID, excludeCampaignID uuid.UUID) (int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// AgentRepository stores voice agents.
type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
}

// ContactRepository stores contact groups and their contacts.
type ContactRepository interface {
	CreateGroup(ctx context.Context, group *domain.ContactGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*domain.ContactGroup, error)
	AddContacts(ctx context.Context, groupID uuid.UUID, contacts []domain.Contact) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
	HasRemaining(ctx context.Context, campaignID, groupID uuid.UUID, maxRetryDays int) (bool, error)
}

// CandidateQuery selects one page of dialable contacts. Contacts whose latest attempt was
// scheduled at or after RetryBefore are not returned.
type CandidateQuery struct {
	CampaignID   uuid.UUID
	GroupID      uuid.UUID
	MaxRetryDays int
	RetryBefore  time.Time
	Offset       int
	Limit        int
}

// Candidate is an unresolved contact with no open attempt, plus its latest attempt if any.
type Candidate struct {
	Contact      domain.Contact
	LastAttempt  *LastAttempt
	AttemptCount int
}

// LastAttempt summarises the most recent attempt for a contact.
type LastAttempt struct {
	Day         int
	Number      int
	PhoneIndex  int
	Status      domain.CallStatus
	ScheduledAt time.Time
}

// AttemptRepository mutates attempts. Every state change is a single conditional statement
// or transaction so concurrent webhook deliveries cannot double-apply.
type AttemptRepository interface {
	CreateWithSlot(ctx context.Context, attempt *domain.Attempt) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Attempt, error)
	ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) error
	ListStaleDispatches(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	MarkStarted(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (FinishResult, error)
	RecordCharge(ctx context.Context, id uuid.UUID, chargedCents int64) error
	ApplyAnalysis(ctx context.Context, id uuid.UUID, analysis domain.CallAnalysis) error
	SetAppointment(ctx context.Context, id uuid.UUID, appointment *domain.Appointment) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Attempt, error)
}

// FinishResult reports what a terminal write did.
type FinishResult struct {
	// Applied is false when the attempt was already final.
	Applied           bool
	Attempt           *domain.Attempt
	AccountID         uuid.UUID
	CancelledSiblings int
}

// TestSessionRepository stores standalone agent test calls.
type TestSessionRepository interface {
	Create(ctx context.Context, session *domain.TestCallSession) error
	Get(ctx context.Context, id uuid.UUID) (*domain.TestCallSession, error)
	ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) error
	MarkStarted(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (bool, error)
	RecordCharge(ctx context.Context, id uuid.UUID, chargedCents int64) error
	ApplyAnalysis(ctx context.Context, id uuid.UUID, analysis domain.CallAnalysis) error
	SetAppointment(ctx context.Context, id uuid.UUID, appointment *domain.Appointment) error
}

// LedgerRepository owns balances and the append-only transaction log.
type LedgerRepository interface {
	Debit(ctx context.Context, entry LedgerEntry) (LedgerResult, error)
	Credit(ctx context.Context, entry LedgerEntry) (LedgerResult, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*domain.Balance, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error)
	RecordException(ctx context.Context, exception domain.BillingException) error
	SetCreditBlocked(ctx context.Context, accountID uuid.UUID, blocked bool) error
}

// LedgerEntry describes one balance movement. AmountCents is always positive; the
// operation decides the sign.
type LedgerEntry struct {
	AccountID      uuid.UUID
	AmountCents    int64
	Kind           domain.TransactionKind
	Description    string
	Metadata       json.RawMessage
	CorrelationKey string
	At             time.Time
}

// LedgerResult is returned by Debit and Credit. On ErrInsufficientCredit only
// PreviousBalance and Available are set.
type LedgerResult struct {
	PreviousBalance int64
	NewBalance      int64
	Available       int64
	TransactionID   uuid.UUID
	Duplicate       bool
}

// WebhookErrorRepository persists failed webhook events for redrive.
type WebhookErrorRepository interface {
	Upsert(ctx context.Context, record *domain.WebhookErrorRecord) (*domain.WebhookErrorRecord, error)
	ResolveByKey(ctx context.Context, key string, at time.Time) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookErrorRecord, error)
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, message string, at time.Time) error
	MarkResolved(ctx context.Context, id uuid.UUID, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*domain.WebhookErrorRecord, error)
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.WebhookErrorRecord, error)
}

// CampaignStatisticsRepository aggregates attempt outcomes.
type CampaignStatisticsRepository interface {
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
}

// CallEventStore archives every inbound provider event per external call id.
type CallEventStore interface {
	Append(ctx context.Context, event CallEvent) error
	ListByCall(ctx context.Context, externalCallID string, limit int) ([]CallEvent, error)
}

// CallEvent is the archived form of one webhook delivery.
type CallEvent struct {
	ExternalCallID string
	EventType      string
	ReceivedAt     time.Time
	AttemptID      *uuid.UUID
	SessionID      *uuid.UUID
	Payload        []byte
}
