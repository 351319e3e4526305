package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/internal/service/ledger"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Deductor bills finished calls.
type Deductor interface {
	DeductForCall(ctx context.Context, req ledger.DeductRequest) (ledger.DeductResult, error)
}

// OutcomePublisher announces terminal outcomes.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, msg queue.CallOutcomeMessage) error
}

// Processor applies provider events to attempts and test sessions. It keeps no state;
// every mutation is a conditional write, so replays and races converge.
type Processor struct {
	attempts           repository.AttemptRepository
	sessions           repository.TestSessionRepository
	ledger             Deductor
	outcomes           OutcomePublisher
	events             repository.CallEventStore
	shortCallThreshold time.Duration
	logger             *logger.Logger
	now                func() time.Time
}

// ProcessorDeps groups the processor collaborators. Outcomes and Events are optional.
type ProcessorDeps struct {
	Attempts           repository.AttemptRepository
	Sessions           repository.TestSessionRepository
	Ledger             Deductor
	Outcomes           OutcomePublisher
	Events             repository.CallEventStore
	ShortCallThreshold time.Duration
	Logger             *logger.Logger
}

// NewProcessor builds a processor.
func NewProcessor(deps ProcessorDeps) *Processor {
	lg := deps.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	return &Processor{
		attempts:           deps.Attempts,
		sessions:           deps.Sessions,
		ledger:             deps.Ledger,
		outcomes:           deps.Outcomes,
		events:             deps.Events,
		shortCallThreshold: deps.ShortCallThreshold,
		logger:             lg,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// Redrive parses a stored payload and processes it again.
func (p *Processor) Redrive(ctx context.Context, payload json.RawMessage) error {
	ev, err := ParseEvent(payload)
	if err != nil {
		return err
	}
	return p.Process(ctx, ev)
}

// Process applies one event.
func (p *Processor) Process(ctx context.Context, ev *Event) error {
	ctx, span := otel.Tracer("outbound.webhook").Start(ctx, "webhook.process", trace.WithAttributes(
		attribute.String("webhook.event", string(ev.Type)),
		attribute.String("call.external_id", ev.Call.CallID),
		attribute.String("call.target_id", ev.TargetID.String()),
	))
	defer span.End()

	var err error
	switch ev.Type {
	case EventStarted:
		err = p.started(ctx, ev)
	case EventEnded:
		err = p.ended(ctx, ev)
	case EventAnalyzed:
		err = p.analyzed(ctx, ev)
	default:
		err = fmt.Errorf("%w: unsupported event %q", apperrors.ErrValidation, ev.Type)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p.archive(ctx, ev)
	return nil
}

func (p *Processor) started(ctx context.Context, ev *Event) error {
	at := p.now()
	if ev.Call.StartTimestamp > 0 {
		at = time.UnixMilli(ev.Call.StartTimestamp).UTC()
	}

	var (
		moved bool
		err   error
	)
	if ev.Target == TargetSession {
		moved, err = p.sessions.MarkStarted(ctx, ev.TargetID, ev.Call.CallID, at)
	} else {
		moved, err = p.attempts.MarkStarted(ctx, ev.TargetID, ev.Call.CallID, at)
	}
	if err != nil {
		return correlationError(ev, "mark started", err)
	}
	if !moved {
		p.logger.WithContext(ctx).Debug("started event ignored, call already past pending",
			zap.String("target_id", ev.TargetID.String()))
	}
	return nil
}

func (p *Processor) ended(ctx context.Context, ev *Event) error {
	now := p.now()
	status := DecideOutcome(ev.Call.DisconnectionReason, ev.Call.Duration(), p.shortCallThreshold)
	if status == domain.CallStatusCompleted && ev.Call.InVoicemail() {
		status = domain.CallStatusVoicemail
	}
	outcome := domain.CallOutcome{
		Status:            status,
		ExternalCallID:    ev.Call.CallID,
		DisconnectReason:  ev.Call.DisconnectionReason,
		DurationMs:        ev.Call.Duration().Milliseconds(),
		ProviderCostCents: ev.Call.ProviderCostCents(),
		RecordingURL:      ev.Call.RecordingURL,
		Transcript:        ev.Call.Transcript,
		EndedAt:           ev.Call.EndedAt(now),
	}

	var (
		applied    bool
		accountID  uuid.UUID
		campaignID uuid.UUID
	)
	if ev.Target == TargetSession {
		session, err := p.sessions.Get(ctx, ev.TargetID)
		if err != nil {
			return correlationError(ev, "load session", err)
		}
		accountID = session.AccountID
		if applied, err = p.sessions.Finish(ctx, ev.TargetID, outcome); err != nil {
			return fmt.Errorf("webhook: finish session: %w", err)
		}
	} else {
		res, err := p.attempts.Finish(ctx, ev.TargetID, outcome)
		if err != nil {
			return correlationError(ev, "finish attempt", err)
		}
		applied, accountID = res.Applied, res.AccountID
		if res.Attempt != nil {
			campaignID = res.Attempt.CampaignID
		}
		if res.CancelledSiblings > 0 {
			p.logger.WithContext(ctx).Info("cancelled sibling attempts",
				zap.String("attempt_id", ev.TargetID.String()),
				zap.Int("count", res.CancelledSiblings))
		}
	}

	// The deduction runs on every delivery; the ledger dedupes by correlation key, so a
	// replay after a partial failure completes the billing exactly once.
	charge, err := p.ledger.DeductForCall(ctx, ledger.DeductRequest{
		AccountID:         accountID,
		CorrelationKey:    ev.CorrelationKey(),
		ProviderCostCents: outcome.ProviderCostCents,
		Description:       fmt.Sprintf("call %s", ev.Call.CallID),
		Metadata: map[string]any{
			"external_call_id": ev.Call.CallID,
			"duration_ms":      outcome.DurationMs,
		},
	})
	if err != nil {
		return fmt.Errorf("webhook: deduct: %w", err)
	}
	var charged int64
	if !charge.Skipped && !charge.Rejected {
		charged = charge.ChargeCents
		if err := p.recordCharge(ctx, ev, charged); err != nil {
			return err
		}
	}

	appointment := ExtractAppointment(ev)
	if appointment != nil {
		if err := p.setAppointment(ctx, ev, appointment); err != nil {
			return err
		}
	}

	if applied {
		p.publish(ctx, queue.CallOutcomeMessage{
			AttemptID:        targetPtr(ev, TargetAttempt),
			SessionID:        targetPtr(ev, TargetSession),
			CampaignID:       campaignID,
			AccountID:        accountID,
			ExternalCallID:   ev.Call.CallID,
			Status:           string(status),
			DisconnectReason: ev.Call.DisconnectionReason,
			DurationMs:       outcome.DurationMs,
			ChargedCents:     charged,
			Appointment:      appointment != nil,
			OccurredAt:       outcome.EndedAt,
		})
	}
	return nil
}

func (p *Processor) analyzed(ctx context.Context, ev *Event) error {
	analysis := domain.CallAnalysis{}
	if a := ev.Call.CallAnalysis; a != nil {
		analysis.Summary = a.CallSummary
		analysis.Successful = a.CallSuccessful
		analysis.CustomAnalysis = a.CustomAnalysisData
	}

	var err error
	if ev.Target == TargetSession {
		err = p.sessions.ApplyAnalysis(ctx, ev.TargetID, analysis)
	} else {
		err = p.attempts.ApplyAnalysis(ctx, ev.TargetID, analysis)
	}
	if err != nil {
		return correlationError(ev, "apply analysis", err)
	}

	if appointment := ExtractAppointment(ev); appointment != nil {
		return p.setAppointment(ctx, ev, appointment)
	}
	return nil
}

func (p *Processor) recordCharge(ctx context.Context, ev *Event, cents int64) error {
	var err error
	if ev.Target == TargetSession {
		err = p.sessions.RecordCharge(ctx, ev.TargetID, cents)
	} else {
		err = p.attempts.RecordCharge(ctx, ev.TargetID, cents)
	}
	if err != nil {
		return fmt.Errorf("webhook: record charge: %w", err)
	}
	return nil
}

func (p *Processor) setAppointment(ctx context.Context, ev *Event, appt *domain.Appointment) error {
	var err error
	if ev.Target == TargetSession {
		err = p.sessions.SetAppointment(ctx, ev.TargetID, appt)
	} else {
		err = p.attempts.SetAppointment(ctx, ev.TargetID, appt)
	}
	if err != nil {
		return fmt.Errorf("webhook: set appointment: %w", err)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, msg queue.CallOutcomeMessage) {
	if p.outcomes == nil {
		return
	}
	if err := p.outcomes.PublishOutcome(ctx, msg); err != nil {
		p.logger.WithContext(ctx).Warn("publish call outcome failed",
			zap.String("external_call_id", msg.ExternalCallID), zap.Error(err))
	}
}

func (p *Processor) archive(ctx context.Context, ev *Event) {
	if p.events == nil {
		return
	}
	err := p.events.Append(ctx, repository.CallEvent{
		ExternalCallID: ev.Call.CallID,
		EventType:      string(ev.Type),
		ReceivedAt:     p.now(),
		AttemptID:      targetPtr(ev, TargetAttempt),
		SessionID:      targetPtr(ev, TargetSession),
		Payload:        ev.Raw,
	})
	if err != nil {
		p.logger.WithContext(ctx).Warn("archive call event failed",
			zap.String("external_call_id", ev.Call.CallID), zap.Error(err))
	}
}

func targetPtr(ev *Event, kind TargetKind) *uuid.UUID {
	if ev.Target != kind {
		return nil
	}
	id := ev.TargetID
	return &id
}

// correlationError marks an unknown target as a non-retryable not-found.
func correlationError(ev *Event, op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("webhook: %s: no record for %s: %w", op, ev.CorrelationKey(), apperrors.ErrNotFound)
	}
	return fmt.Errorf("webhook: %s: %w", op, err)
}
