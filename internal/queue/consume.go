package queue

import (
	"context"
	"time"
)

// HandlerRetry bounds how often a consumer re-runs a failing handler before it gives up
// on a message and moves past it.
type HandlerRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultHandlerRetry is used by the call and status consumers.
var DefaultHandlerRetry = HandlerRetry{Attempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do runs fn until it succeeds, the attempts are used up or ctx ends, doubling the wait
// between runs. It returns the last error.
func (r HandlerRetry) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := r.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if r.MaxDelay > 0 && delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
	return err
}
