package status

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// CampaignCompleter closes campaigns that have nothing left to dial.
type CampaignCompleter interface {
	CompleteIfExhausted(ctx context.Context, id uuid.UUID) (bool, error)
}

// Worker consumes call outcomes from the status topic and completes campaigns as soon
// as their last call ends, rather than on the next scheduler tick.
type Worker struct {
	campaigns CampaignCompleter
	retry     queue.HandlerRetry
	logger    *logger.Logger
}

// New creates a new status worker.
func New(campaigns CampaignCompleter, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Worker{campaigns: campaigns, retry: queue.DefaultHandlerRetry, logger: lg}
}

// Run processes outcome events until the context is cancelled.
func (w *Worker) Run(ctx context.Context, reader *kafka.Reader) error {
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		var outcome queue.CallOutcomeMessage
		if err := json.Unmarshal(msg.Value, &outcome); err != nil {
			w.logger.Error("status worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		hctx := queue.ExtractTrace(ctx, msg)
		err = w.retry.Do(ctx, func(context.Context) error { return w.Handle(hctx, outcome) })
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The scheduler still completes the campaign on a later tick.
			w.logger.Error("status worker: giving up on outcome", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}

// Handle reacts to one outcome. Test session outcomes carry no campaign and are only logged.
func (w *Worker) Handle(ctx context.Context, outcome queue.CallOutcomeMessage) error {
	ctx, span := otel.Tracer("outbound.statusworker").Start(ctx, "call.outcome", trace.WithAttributes(
		attribute.String("call.external_id", outcome.ExternalCallID),
		attribute.String("call.status", outcome.Status),
	))
	defer span.End()

	log := w.logger.WithContext(ctx)
	log.Info("call outcome",
		zap.String("external_call_id", outcome.ExternalCallID),
		zap.String("status", outcome.Status),
		zap.Int64("duration_ms", outcome.DurationMs),
		zap.Int64("charged_cents", outcome.ChargedCents),
		zap.Bool("appointment", outcome.Appointment))

	if outcome.AttemptID == nil || outcome.CampaignID == uuid.Nil {
		return nil
	}
	completed, err := w.campaigns.CompleteIfExhausted(ctx, outcome.CampaignID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if completed {
		log.Info("campaign completed after last call", zap.String("campaign_id", outcome.CampaignID.String()))
	}
	return nil
}
