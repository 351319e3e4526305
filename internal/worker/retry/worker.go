package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-campaign-orchestrator/internal/service/webhookerr"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Sweeper redrives due webhook error records.
type Sweeper interface {
	Sweep(ctx context.Context) (webhookerr.SweepResult, error)
}

// Worker periodically redrives failed webhook events.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *logger.Logger
}

// New creates a retry worker instance.
func New(sweeper Sweeper, interval time.Duration, lg *logger.Logger) *Worker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Worker{sweeper: sweeper, interval: interval, logger: lg}
}

// Run sweeps until the context is cancelled. A full batch is followed immediately by
// another sweep so a backlog drains without waiting for the ticker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := w.sweeper.Sweep(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("retry worker: sweep failed", zap.Error(err))
			}
			return
		}
		if res.Claimed > 0 {
			w.logger.Info("retry worker: sweep",
				zap.Int("claimed", res.Claimed),
				zap.Int("resolved", res.Resolved),
				zap.Int("failed", res.Failed),
				zap.Int("exhausted", res.Exhausted))
		}
		if !res.Full {
			return
		}
	}
}
