package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/internal/service/concurrency"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

const (
	minCandidatePage  = 50
	maxCandidatePages = 20
	staleReapBatch    = 200
)

// CampaignService is the slice of the campaign service the scheduler drives.
type CampaignService interface {
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	Transition(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) (*domain.Campaign, error)
}

// CandidateSource loads contacts that may be dialled.
type CandidateSource interface {
	ListCandidates(ctx context.Context, q repository.CandidateQuery) ([]repository.Candidate, error)
	HasRemaining(ctx context.Context, campaignID, groupID uuid.UUID, maxRetryDays int) (bool, error)
}

// AttemptWriter creates attempts under the campaign semaphore and closes failed or
// stranded ones.
type AttemptWriter interface {
	CreateWithSlot(ctx context.Context, attempt *domain.Attempt) error
	ListStaleDispatches(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	Finish(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (repository.FinishResult, error)
}

// AgentSource resolves the provider handle to dial with.
type AgentSource interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
}

// CreditChecker reports whether an account may place paid calls.
type CreditChecker interface {
	CanDispatch(ctx context.Context, accountID uuid.UUID, minBalanceCents int64) (bool, error)
}

// Dispatcher publishes dispatch instructions.
type Dispatcher interface {
	DispatchCall(ctx context.Context, msg queue.DispatchMessage) error
}

// Locker serialises work on one campaign across scheduler replicas. ok is false when
// another holder owns the lock.
type Locker interface {
	Lock(ctx context.Context, campaignID uuid.UUID) (unlock func(), ok bool, err error)
}

// RedisLocker adapts the Redis campaign lock to Locker.
type RedisLocker struct {
	lock *concurrency.CampaignLock
}

// NewRedisLocker wraps lock.
func NewRedisLocker(lock *concurrency.CampaignLock) RedisLocker {
	return RedisLocker{lock: lock}
}

// Deps groups the scheduler collaborators.
type Deps struct {
	Campaigns  CampaignService
	Contacts   CandidateSource
	Attempts   AttemptWriter
	Agents     AgentSource
	Credit     CreditChecker
	Dispatcher Dispatcher
	Locker     Locker
	Logger     *logger.Logger
}

// Scheduler periodically creates attempts for active campaigns inside their calling windows.
type Scheduler struct {
	deps       Deps
	cfg        config.SchedulerConfig
	minBalance int64
	logger     *logger.Logger
	now        func() time.Time
}

// New constructs a scheduler.
func New(deps Deps, cfg config.SchedulerConfig, minBalanceCents int64) *Scheduler {
	lg := deps.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	return &Scheduler{
		deps:       deps,
		cfg:        cfg,
		minBalance: minBalanceCents,
		logger:     lg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// TickResult summarises one pass.
type TickResult struct {
	Campaigns  int
	Dispatched int
	Completed  int
	Reaped     int
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		} else if res.Dispatched > 0 || res.Completed > 0 || res.Reaped > 0 {
			s.logger.Info("scheduler tick",
				zap.Int("campaigns", res.Campaigns),
				zap.Int("dispatched", res.Dispatched),
				zap.Int("completed", res.Completed),
				zap.Int("reaped", res.Reaped))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes every active campaign once.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	tracer := otel.Tracer("outbound.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var res TickResult
	reaped, err := s.reapStale(sctx)
	if err != nil {
		span.RecordError(err)
		s.logger.WithContext(sctx).Error("scheduler: stale dispatch sweep failed", zap.Error(err))
	}
	res.Reaped = reaped

	limit := s.cfg.CampaignLimit
	if limit <= 0 {
		limit = 200
	}
	campaigns, err := s.deps.Campaigns.ListByStatus(sctx, domain.CampaignStatusActive, limit)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("scheduler: list active campaigns: %w", err)
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	res.Campaigns = len(campaigns)
	for _, campaign := range campaigns {
		if sctx.Err() != nil {
			return res, sctx.Err()
		}
		cctx, cspan := tracer.Start(sctx, "scheduler.campaign", trace.WithAttributes(
			attribute.String("campaign.id", campaign.ID.String()),
			attribute.Int("campaign.concurrent_calls", campaign.ConcurrentCalls),
		))
		dispatched, completed, err := s.processCampaign(cctx, campaign)
		if err != nil {
			cspan.RecordError(err)
			s.logger.WithContext(cctx).Error("scheduler: campaign pass failed",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
		res.Dispatched += dispatched
		if completed {
			res.Completed++
		}
		cspan.SetAttributes(attribute.Int("attempts.dispatched", dispatched))
		cspan.End()
	}
	return res, nil
}

// reapStale fails pending attempts that never reached the provider within the dispatch
// lease, which frees their semaphore slots. This covers dispatches whose consumer gave up.
func (s *Scheduler) reapStale(ctx context.Context) (int, error) {
	lease := s.cfg.DispatchLease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	ids, err := s.deps.Attempts.ListStaleDispatches(ctx, s.now().Add(-lease), staleReapBatch)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		res, err := s.deps.Attempts.Finish(ctx, id, domain.CallOutcome{
			Status:           domain.CallStatusFailed,
			DisconnectReason: "dispatch_timeout",
			EndedAt:          s.now(),
		})
		if err != nil {
			return reaped, fmt.Errorf("close stale attempt %s: %w", id, err)
		}
		if res.Applied {
			reaped++
		}
	}
	return reaped, nil
}

func (s *Scheduler) processCampaign(ctx context.Context, campaign *domain.Campaign) (int, bool, error) {
	log := s.logger.WithContext(ctx).With(zap.String("campaign_id", campaign.ID.String()))

	if s.deps.Locker != nil {
		unlock, ok, err := s.deps.Locker.Lock(ctx, campaign.ID)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			log.Debug("scheduler: campaign locked by another replica")
			return 0, false, nil
		}
		defer unlock()
	}

	if campaign.ContactGroupID == nil || campaign.AgentID == nil {
		return 0, false, errors.New("active campaign without agent or contact group")
	}
	groupID := *campaign.ContactGroupID

	if campaign.ActiveCallsCount == 0 {
		remaining, err := s.deps.Contacts.HasRemaining(ctx, campaign.ID, groupID, campaign.MaxRetryDays)
		if err != nil {
			return 0, false, err
		}
		if !remaining {
			if _, err := s.deps.Campaigns.Transition(ctx, campaign.ID, domain.CampaignStatusCompleted); err != nil {
				return 0, false, fmt.Errorf("complete exhausted campaign: %w", err)
			}
			log.Info("scheduler: campaign completed, no contacts remaining")
			return 0, true, nil
		}
	}

	ok, err := s.deps.Credit.CanDispatch(ctx, campaign.AccountID, s.minBalance)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		log.Warn("scheduler: account blocked or under minimum balance", zap.String("account_id", campaign.AccountID.String()))
		return 0, false, nil
	}

	now := s.now()
	if !campaign.Window.Contains(now.In(campaign.Location())) {
		log.Debug("scheduler: outside calling window")
		return 0, false, nil
	}

	free := campaign.FreeSlots()
	if batch := s.cfg.MaxBatchSize; batch > 0 && free > batch {
		free = batch
	}
	if free == 0 {
		return 0, false, nil
	}

	plans, err := s.plan(ctx, campaign, groupID, now, free)
	if err != nil {
		return 0, false, err
	}
	if len(plans) == 0 {
		return 0, false, nil
	}

	agent, err := s.deps.Agents.Get(ctx, *campaign.AgentID)
	if err != nil {
		return 0, false, fmt.Errorf("load agent: %w", err)
	}

	dispatched := 0
	for _, plan := range plans {
		err := s.dispatch(ctx, campaign, agent, plan, now)
		switch {
		case err == nil:
			dispatched++
		case errors.Is(err, repository.ErrNoSlot):
			log.Debug("scheduler: semaphore full or campaign no longer active")
			return dispatched, false, nil
		case errors.Is(err, repository.ErrConflict):
			log.Debug("scheduler: attempt already exists", zap.String("contact_id", plan.Contact.ID.String()))
		default:
			log.Error("scheduler: dispatch failed", zap.String("contact_id", plan.Contact.ID.String()), zap.Error(err))
		}
	}
	return dispatched, false, nil
}

// plan pages through candidates until free plans are found. Retries whose jitter has not
// come due yet are skipped without hiding the contacts behind them.
func (s *Scheduler) plan(ctx context.Context, campaign *domain.Campaign, groupID uuid.UUID, now time.Time, free int) ([]Plan, error) {
	opened := campaign.Window.OpenedAt(now.In(campaign.Location()))
	q := repository.CandidateQuery{
		CampaignID:   campaign.ID,
		GroupID:      groupID,
		MaxRetryDays: campaign.MaxRetryDays,
		RetryBefore:  opened.UTC(),
		Limit:        max(free*4, minCandidatePage),
	}

	var plans []Plan
	for page := 0; page < maxCandidatePages && len(plans) < free; page++ {
		candidates, err := s.deps.Contacts.ListCandidates(ctx, q)
		if err != nil {
			return nil, err
		}
		plans = append(plans, Select(campaign, candidates, now, free-len(plans))...)
		if len(candidates) < q.Limit {
			break
		}
		q.Offset += len(candidates)
	}
	return plans, nil
}

func (s *Scheduler) dispatch(ctx context.Context, campaign *domain.Campaign, agent *domain.Agent, plan Plan, now time.Time) error {
	attempt := &domain.Attempt{
		ID:            uuid.New(),
		CampaignID:    campaign.ID,
		ContactID:     plan.Contact.ID,
		PhoneIndex:    plan.PhoneIndex,
		TotalPhones:   plan.TotalPhones,
		PhoneNumber:   plan.PhoneNumber,
		AttemptDay:    plan.Day,
		AttemptNumber: plan.Number,
		Status:        domain.CallStatusPending,
		ScheduledAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deps.Attempts.CreateWithSlot(ctx, attempt); err != nil {
		return err
	}

	attemptID := attempt.ID
	msg := queue.DispatchMessage{
		AttemptID:       &attemptID,
		CampaignID:      campaign.ID,
		AccountID:       campaign.AccountID,
		ContactID:       plan.Contact.ID,
		PhoneNumber:     plan.PhoneNumber,
		ProviderAgentID: agent.ProviderAgentID,
		AttemptDay:      plan.Day,
		Metadata: map[string]string{
			"contact_name":  plan.Contact.Name,
			"contact_email": plan.Contact.Email,
		},
		EnqueuedAt: now,
	}
	if err := s.deps.Dispatcher.DispatchCall(ctx, msg); err != nil {
		// Closing the attempt releases its slot; the contact is retried on a later day.
		if _, ferr := s.deps.Attempts.Finish(ctx, attempt.ID, domain.CallOutcome{
			Status:           domain.CallStatusFailed,
			DisconnectReason: "dispatch_failed",
			EndedAt:          s.now(),
		}); ferr != nil {
			return fmt.Errorf("publish dispatch: %w (close attempt: %v)", err, ferr)
		}
		return fmt.Errorf("publish dispatch: %w", err)
	}
	return nil
}

// Lock implements Locker.
func (l RedisLocker) Lock(ctx context.Context, campaignID uuid.UUID) (func(), bool, error) {
	lease, err := l.lock.Acquire(ctx, campaignID)
	if err != nil || lease == nil {
		return nil, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}, true, nil
}
