package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/telephony"
)

// Provider simulates call placement. It only acknowledges calls; no webhooks are sent.
type Provider struct {
	acceptRate float64
	latency    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.CallBridgeConfig) *Provider {
	latency := cfg.RequestTimeout / 20
	if latency <= 0 {
		latency = 50 * time.Millisecond
	}
	return &Provider{
		acceptRate: 0.95,
		latency:    latency,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlaceCall simulates the provider accepting a call.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.CallRequest) (telephony.CallResult, error) {
	if req.PhoneNumber == "" {
		return telephony.CallResult{}, fmt.Errorf("%w: empty phone number", telephony.ErrRejected)
	}

	select {
	case <-ctx.Done():
		return telephony.CallResult{}, ctx.Err()
	case <-time.After(p.latency):
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()
	if roll > p.acceptRate {
		return telephony.CallResult{}, fmt.Errorf("%w: simulated carrier refusal", telephony.ErrRejected)
	}
	return telephony.CallResult{ExternalCallID: "mock_" + uuid.NewString()}, nil
}
