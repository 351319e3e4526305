package call

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/internal/telephony"
)

type campaignStub struct{ campaign *domain.Campaign }

func (c campaignStub) Get(context.Context, uuid.UUID) (*domain.Campaign, error) {
	cp := *c.campaign
	return &cp, nil
}

type attemptStub struct {
	attempt    *domain.Attempt
	finished   []domain.CallOutcome
	dispatched string
	markErr    error
}

func (a *attemptStub) Get(_ context.Context, id uuid.UUID) (*domain.Attempt, error) {
	if a.attempt == nil || a.attempt.ID != id {
		return nil, repository.ErrNotFound
	}
	cp := *a.attempt
	return &cp, nil
}

func (a *attemptStub) ClaimDispatch(_ context.Context, _ uuid.UUID, at time.Time) (bool, error) {
	if a.attempt.Status != domain.CallStatusPending || a.attempt.DispatchedAt != nil {
		return false, nil
	}
	a.attempt.DispatchedAt = &at
	return true, nil
}

func (a *attemptStub) MarkDispatched(_ context.Context, _ uuid.UUID, externalCallID string, _ time.Time) error {
	if err := a.markErr; err != nil {
		a.markErr = nil
		return err
	}
	a.dispatched = externalCallID
	return nil
}

func (a *attemptStub) Finish(_ context.Context, _ uuid.UUID, o domain.CallOutcome) (repository.FinishResult, error) {
	a.finished = append(a.finished, o)
	applied := a.attempt.Status.IsOpen()
	a.attempt.Status = o.Status
	return repository.FinishResult{Applied: applied}, nil
}

type providerStub struct {
	requests []telephony.CallRequest
	err      error
}

func (p *providerStub) PlaceCall(_ context.Context, req telephony.CallRequest) (telephony.CallResult, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return telephony.CallResult{}, p.err
	}
	return telephony.CallResult{ExternalCallID: "ext-1"}, nil
}

func setup(status domain.CampaignStatus) (*Worker, *attemptStub, *providerStub, queue.DispatchMessage) {
	campaign := &domain.Campaign{ID: uuid.New(), Status: status}
	attempt := &domain.Attempt{ID: uuid.New(), CampaignID: campaign.ID, Status: domain.CallStatusPending, PhoneNumber: "+14155550100"}
	attempts := &attemptStub{attempt: attempt}
	provider := &providerStub{}
	w := New(Deps{Campaigns: campaignStub{campaign}, Attempts: attempts, Provider: provider})
	id := attempt.ID
	return w, attempts, provider, queue.DispatchMessage{AttemptID: &id, CampaignID: campaign.ID, ProviderAgentID: "agent_1"}
}

func TestHandlePlacesCall(t *testing.T) {
	w, attempts, provider, msg := setup(domain.CampaignStatusActive)

	require.NoError(t, w.Handle(context.Background(), msg))

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, msg.AttemptID.String(), req.Metadata["attempt_id"])
	assert.Equal(t, msg.CampaignID.String(), req.Metadata["campaign_id"])
	assert.Equal(t, "agent_1", req.ProviderAgentID)
	assert.Equal(t, "ext-1", attempts.dispatched)
}

func TestHandleIgnoresRedelivery(t *testing.T) {
	w, _, provider, msg := setup(domain.CampaignStatusActive)

	require.NoError(t, w.Handle(context.Background(), msg))
	require.NoError(t, w.Handle(context.Background(), msg))

	assert.Len(t, provider.requests, 1)
}

func TestHandleCancelsForPausedCampaign(t *testing.T) {
	w, attempts, provider, msg := setup(domain.CampaignStatusPaused)

	require.NoError(t, w.Handle(context.Background(), msg))

	assert.Empty(t, provider.requests)
	require.Len(t, attempts.finished, 1)
	assert.Equal(t, domain.CallStatusCancelled, attempts.finished[0].Status)
	assert.Equal(t, "campaign_paused", attempts.finished[0].DisconnectReason)
}

func TestHandleClosesRejectedCall(t *testing.T) {
	w, attempts, provider, msg := setup(domain.CampaignStatusActive)
	provider.err = fmt.Errorf("busy trunk: %w", telephony.ErrRejected)

	require.NoError(t, w.Handle(context.Background(), msg))

	require.Len(t, attempts.finished, 1)
	assert.Equal(t, domain.CallStatusFailed, attempts.finished[0].Status)
	assert.Equal(t, "dispatch_rejected", attempts.finished[0].DisconnectReason)
	assert.Empty(t, attempts.dispatched)
}

func TestHandleUnknownAttempt(t *testing.T) {
	w, _, provider, _ := setup(domain.CampaignStatusActive)
	id := uuid.New()

	require.NoError(t, w.Handle(context.Background(), queue.DispatchMessage{AttemptID: &id}))
	assert.Empty(t, provider.requests)
}

func TestHandleDoesNotRedialWhenCallIDWriteFails(t *testing.T) {
	w, attempts, provider, msg := setup(domain.CampaignStatusActive)
	attempts.markErr = errors.New("db blip")

	require.NoError(t, w.Handle(context.Background(), msg))
	require.NoError(t, w.Handle(context.Background(), msg))

	assert.Len(t, provider.requests, 1)
	assert.NotNil(t, attempts.attempt.DispatchedAt)
}

func TestHandleSkipsAttemptClaimedElsewhere(t *testing.T) {
	w, attempts, provider, msg := setup(domain.CampaignStatusActive)
	claimed := time.Now()
	attempts.attempt.DispatchedAt = &claimed

	require.NoError(t, w.Handle(context.Background(), msg))

	assert.Empty(t, provider.requests)
	assert.Empty(t, attempts.finished)
}
