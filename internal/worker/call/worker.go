package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/internal/telephony"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// CampaignReader loads the campaign a dispatch belongs to.
type CampaignReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
}

// AttemptStore is the slice of the attempt repository the worker mutates.
type AttemptStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Attempt, error)
	ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) error
	Finish(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (repository.FinishResult, error)
}

// SessionStore is the slice of the test session repository the worker mutates.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.TestCallSession, error)
	ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, at time.Time) error
	Finish(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (bool, error)
}

// Deps groups the worker collaborators.
type Deps struct {
	Campaigns      CampaignReader
	Attempts       AttemptStore
	Sessions       SessionStore
	Provider       telephony.Provider
	RequestTimeout time.Duration
	Retry          queue.HandlerRetry
	Logger         *logger.Logger
}

// Worker consumes call dispatch events and places calls with the telephony provider.
type Worker struct {
	deps   Deps
	logger *logger.Logger
	now    func() time.Time
}

// New creates a new call worker instance.
func New(deps Deps) *Worker {
	lg := deps.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 10 * time.Second
	}
	if deps.Retry.Attempts <= 0 {
		deps.Retry = queue.DefaultHandlerRetry
	}
	return &Worker{deps: deps, logger: lg, now: func() time.Time { return time.Now().UTC() }}
}

// Run consumes reader until the context is cancelled. A failing handler is retried with
// backoff; the message is committed once it succeeds or the retries run out.
func (w *Worker) Run(ctx context.Context, reader *kafka.Reader) error {
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("call worker: fetch message", zap.Error(err))
			continue
		}

		var dispatch queue.DispatchMessage
		if err := json.Unmarshal(m.Value, &dispatch); err != nil {
			w.logger.Error("call worker: unmarshal dispatch", zap.Error(err), zap.Int64("offset", m.Offset))
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		hctx := queue.ExtractTrace(ctx, m)
		err = w.deps.Retry.Do(ctx, func(context.Context) error { return w.Handle(hctx, dispatch) })
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Stranded attempts are closed by the scheduler's stale dispatch sweep.
			w.logger.Error("call worker: giving up on dispatch", zap.Error(err), zap.Int64("offset", m.Offset))
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			w.logger.Error("call worker: commit", zap.Error(err))
		}
	}
}

// Handle places one call. Redelivered messages for calls that already left pending are
// ignored, and attempts of campaigns that stopped being active are cancelled undialled.
func (w *Worker) Handle(ctx context.Context, dispatch queue.DispatchMessage) error {
	tracer := otel.Tracer("outbound.callworker")
	ctx, span := tracer.Start(ctx, "call.dispatch", trace.WithAttributes(
		attribute.String("campaign.id", dispatch.CampaignID.String()),
		attribute.Int("attempt.day", dispatch.AttemptDay),
	))
	defer span.End()

	var err error
	switch {
	case dispatch.AttemptID != nil:
		span.SetAttributes(attribute.String("attempt.id", dispatch.AttemptID.String()))
		err = w.handleAttempt(ctx, *dispatch.AttemptID, dispatch)
	case dispatch.SessionID != nil:
		span.SetAttributes(attribute.String("session.id", dispatch.SessionID.String()))
		err = w.handleSession(ctx, *dispatch.SessionID, dispatch)
	default:
		w.logger.WithContext(ctx).Warn("call worker: dispatch without attempt or session id")
		return nil
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (w *Worker) handleAttempt(ctx context.Context, id uuid.UUID, dispatch queue.DispatchMessage) error {
	log := w.logger.WithContext(ctx).With(zap.String("attempt_id", id.String()))

	attempt, err := w.deps.Attempts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("call worker: attempt vanished")
			return nil
		}
		return err
	}
	if attempt.Status != domain.CallStatusPending || attempt.DispatchedAt != nil {
		log.Debug("call worker: attempt already dispatched or closed", zap.String("status", string(attempt.Status)))
		return nil
	}

	campaign, err := w.deps.Campaigns.Get(ctx, attempt.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status != domain.CampaignStatusActive {
		res, err := w.deps.Attempts.Finish(ctx, id, domain.CallOutcome{
			Status:           domain.CallStatusCancelled,
			DisconnectReason: "campaign_" + string(campaign.Status),
			EndedAt:          w.now(),
		})
		if err != nil {
			return fmt.Errorf("cancel attempt: %w", err)
		}
		if res.Applied {
			log.Info("call worker: attempt cancelled before dialling", zap.String("campaign_status", string(campaign.Status)))
		}
		return nil
	}

	claimed, err := w.deps.Attempts.ClaimDispatch(ctx, id, w.now())
	if err != nil {
		return fmt.Errorf("claim attempt: %w", err)
	}
	if !claimed {
		log.Debug("call worker: attempt claimed by an earlier delivery")
		return nil
	}

	attemptID := id
	result, callErr := w.place(ctx, telephony.CallRequest{
		AttemptID:       &attemptID,
		CampaignID:      attempt.CampaignID,
		PhoneNumber:     attempt.PhoneNumber,
		ProviderAgentID: dispatch.ProviderAgentID,
		Metadata:        dispatch.Metadata,
	})
	if callErr != nil {
		if _, err := w.deps.Attempts.Finish(ctx, id, failedOutcome(callErr, w.now())); err != nil {
			return fmt.Errorf("close rejected attempt: %w", err)
		}
		log.Warn("call worker: provider refused call", zap.Error(callErr))
		return nil
	}

	// The claim already blocks redials, so a failed write only loses the call id until
	// the started webhook supplies it.
	if err := w.deps.Attempts.MarkDispatched(ctx, id, result.ExternalCallID, w.now()); err != nil {
		log.Error("call worker: store external call id", zap.Error(err))
	}
	log.Info("call worker: call placed", zap.String("external_call_id", result.ExternalCallID))
	return nil
}

func (w *Worker) handleSession(ctx context.Context, id uuid.UUID, dispatch queue.DispatchMessage) error {
	log := w.logger.WithContext(ctx).With(zap.String("session_id", id.String()))

	session, err := w.deps.Sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("call worker: session vanished")
			return nil
		}
		return err
	}
	if session.Status != domain.CallStatusPending || session.ExternalCallID != nil {
		return nil
	}

	claimed, err := w.deps.Sessions.ClaimDispatch(ctx, id, w.now())
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if !claimed {
		return nil
	}

	sessionID := id
	result, callErr := w.place(ctx, telephony.CallRequest{
		SessionID:       &sessionID,
		PhoneNumber:     session.PhoneNumber,
		ProviderAgentID: dispatch.ProviderAgentID,
		Metadata:        dispatch.Metadata,
	})
	if callErr != nil {
		if _, err := w.deps.Sessions.Finish(ctx, id, failedOutcome(callErr, w.now())); err != nil {
			return fmt.Errorf("close rejected session: %w", err)
		}
		log.Warn("call worker: provider refused test call", zap.Error(callErr))
		return nil
	}
	if err := w.deps.Sessions.MarkDispatched(ctx, id, result.ExternalCallID, w.now()); err != nil {
		log.Error("call worker: store test call id", zap.Error(err))
	}
	return nil
}

func (w *Worker) place(ctx context.Context, req telephony.CallRequest) (telephony.CallResult, error) {
	meta := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.AttemptID != nil {
		meta["attempt_id"] = req.AttemptID.String()
	}
	if req.SessionID != nil {
		meta["session_id"] = req.SessionID.String()
	}
	if req.CampaignID != uuid.Nil {
		meta["campaign_id"] = req.CampaignID.String()
	}
	req.Metadata = meta

	callCtx, cancel := context.WithTimeout(ctx, w.deps.RequestTimeout)
	defer cancel()
	return w.deps.Provider.PlaceCall(callCtx, req)
}

func failedOutcome(err error, at time.Time) domain.CallOutcome {
	reason := "dispatch_failed"
	if errors.Is(err, telephony.ErrRejected) {
		reason = "dispatch_rejected"
	}
	return domain.CallOutcome{Status: domain.CallStatusFailed, DisconnectReason: reason, EndedAt: at}
}
