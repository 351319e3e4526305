package webhookerr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Redriver replays a stored webhook payload through the processor.
type Redriver interface {
	Redrive(ctx context.Context, payload json.RawMessage) error
}

// Sweeper redrives due error records.
type Sweeper struct {
	repo     repository.WebhookErrorRepository
	redriver Redriver
	backoff  Backoff
	lease    time.Duration
	batch    int
	logger   *logger.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper from the retry config.
func NewSweeper(repo repository.WebhookErrorRepository, redriver Redriver, cfg config.RetryConfig, lg *logger.Logger) *Sweeper {
	if lg == nil {
		lg = logger.Nop()
	}
	lease := cfg.ClaimLease
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		repo:     repo,
		redriver: redriver,
		backoff:  Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		lease:    lease,
		batch:    batch,
		logger:   lg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Claimed   int
	Resolved  int
	Failed    int
	Exhausted int
	// Full is set when the claim filled the batch, so more records may be due.
	Full bool
}

// Sweep claims one batch of due records and redrives each.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	records, err := s.repo.ClaimDue(ctx, s.now(), s.lease, s.batch)
	if err != nil {
		return result, fmt.Errorf("webhook error sweep: claim: %w", err)
	}
	result.Claimed = len(records)
	result.Full = len(records) >= s.batch

	tracer := otel.Tracer("outbound.retryworker")
	for _, rec := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		sctx, span := tracer.Start(ctx, "webhook.redrive", trace.WithAttributes(
			attribute.String("webhook.key", rec.IdempotencyKey),
			attribute.Int("webhook.retry_count", rec.RetryCount),
		))
		outcome := s.redrive(sctx, rec)
		span.End()

		switch outcome {
		case outcomeResolved:
			result.Resolved++
		case outcomeExhausted:
			result.Exhausted++
			result.Failed++
		case outcomeFailed:
			result.Failed++
		}
	}
	return result, nil
}

type redriveOutcome int

const (
	outcomeResolved redriveOutcome = iota
	outcomeFailed
	outcomeExhausted
	outcomeStoreError
)

func (s *Sweeper) redrive(ctx context.Context, rec *domain.WebhookErrorRecord) redriveOutcome {
	log := s.logger.WithContext(ctx).With(zap.String("idempotency_key", rec.IdempotencyKey), zap.String("record_id", rec.ID.String()))

	cause := s.redriver.Redrive(ctx, rec.Payload)
	now := s.now()
	if cause == nil {
		if err := s.repo.MarkResolved(ctx, rec.ID, now); err != nil {
			log.Error("webhook redrive succeeded but resolve failed", zap.Error(err))
			return outcomeStoreError
		}
		log.Info("webhook redrive resolved", zap.Int("retry_count", rec.RetryCount))
		return outcomeResolved
	}

	retryCount := rec.RetryCount + 1
	var next *time.Time
	exhausted := retryCount >= rec.MaxRetries || !Classify(cause)
	if !exhausted {
		at := now.Add(s.backoff.NextDelay(retryCount))
		next = &at
	}
	if err := s.repo.MarkFailed(ctx, rec.ID, retryCount, next, cause.Error(), now); err != nil {
		log.Error("webhook redrive failed and could not be recorded", zap.Error(err), zap.NamedError("cause", cause))
		return outcomeStoreError
	}

	if exhausted {
		log.Error("webhook redrive exhausted",
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", rec.MaxRetries),
			zap.Error(cause),
		)
		return outcomeExhausted
	}
	log.Warn("webhook redrive failed", zap.Int("retry_count", retryCount), zap.Time("next_retry_at", *next), zap.Error(cause))
	return outcomeFailed
}
