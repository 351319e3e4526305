package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/voice-campaign-orchestrator/internal/service/webhookerr"
)

type scriptedSweeper struct {
	results []webhookerr.SweepResult
	calls   int
	cancel  context.CancelFunc
}

func (s *scriptedSweeper) Sweep(context.Context) (webhookerr.SweepResult, error) {
	s.calls++
	if s.calls > len(s.results) {
		s.cancel()
		return webhookerr.SweepResult{}, errors.New("stopped")
	}
	return s.results[s.calls-1], nil
}

func TestRunDrainsFullBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper := &scriptedSweeper{
		results: []webhookerr.SweepResult{
			{Claimed: 50, Resolved: 50, Full: true},
			{Claimed: 50, Resolved: 49, Failed: 1, Full: true},
			{Claimed: 3, Resolved: 3},
		},
		cancel: cancel,
	}
	w := New(sweeper, time.Millisecond, nil)

	err := w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if sweeper.calls != 4 {
		t.Fatalf("expected 3 sweeps plus the stopping one, got %d", sweeper.calls)
	}
}
