package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/service/webhookerr"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// FailureRecorder persists processing failures for redrive.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, event webhookerr.Event, cause error) (*domain.WebhookErrorRecord, error)
	Resolve(ctx context.Context, key string) error
}

// EventProcessor applies a parsed event.
type EventProcessor interface {
	Process(ctx context.Context, ev *Event) error
}

// Intake turns one HTTP delivery into a response status.
type Intake struct {
	verifier  Verifier
	processor EventProcessor
	recorder  FailureRecorder
	logger    *logger.Logger
}

// NewIntake builds the intake.
func NewIntake(verifier Verifier, processor EventProcessor, recorder FailureRecorder, lg *logger.Logger) *Intake {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Intake{verifier: verifier, processor: processor, recorder: recorder, logger: lg}
}

// Receipt is the outcome of a delivery.
type Receipt struct {
	Status   int
	Message  string
	RecordID string
}

// Receive verifies, parses and processes one delivery. 401 for bad signatures, 400 for
// malformed or uncorrelated bodies, 200 on success, 202 when a failure was recorded for
// redrive, 500 only when the failure itself could not be recorded.
func (i *Intake) Receive(ctx context.Context, headers Headers, body []byte, now time.Time) Receipt {
	log := i.logger.WithContext(ctx)

	if err := i.verifier.Verify(headers, body, now); err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		return Receipt{Status: http.StatusUnauthorized, Message: "invalid signature"}
	}

	ev, err := ParseEvent(body)
	if err != nil {
		eventType, callID := PeekIdentity(body)
		if callID != "" {
			i.record(ctx, webhookerr.Event{WebhookType: WebhookType, EventType: eventType, EventID: callID, Payload: body}, err)
		}
		log.Warn("webhook malformed", zap.String("external_call_id", callID), zap.Error(err))
		return Receipt{Status: http.StatusBadRequest, Message: err.Error()}
	}

	key := webhookerr.Event{WebhookType: WebhookType, EventType: string(ev.Type), EventID: ev.Call.CallID, Payload: body}
	if perr := i.processor.Process(ctx, ev); perr != nil {
		rec, rerr := i.recorder.RecordFailure(ctx, key, perr)
		if rerr != nil {
			log.Error("webhook failure could not be recorded",
				zap.String("idempotency_key", key.Key()), zap.Error(rerr), zap.NamedError("cause", perr))
			return Receipt{Status: http.StatusInternalServerError, Message: "processing failed"}
		}
		if errors.Is(perr, apperrors.ErrNotFound) || errors.Is(perr, apperrors.ErrValidation) {
			return Receipt{Status: http.StatusBadRequest, Message: perr.Error(), RecordID: rec.ID.String()}
		}
		return Receipt{Status: http.StatusAccepted, Message: "recorded for retry", RecordID: rec.ID.String()}
	}

	if err := i.recorder.Resolve(ctx, key.Key()); err != nil {
		log.Warn("resolve webhook error record failed", zap.String("idempotency_key", key.Key()), zap.Error(err))
	}
	return Receipt{Status: http.StatusOK, Message: "ok"}
}

func (i *Intake) record(ctx context.Context, ev webhookerr.Event, cause error) {
	if _, err := i.recorder.RecordFailure(ctx, ev, cause); err != nil {
		i.logger.WithContext(ctx).Error("webhook failure could not be recorded",
			zap.String("idempotency_key", ev.Key()), zap.Error(err))
	}
}
