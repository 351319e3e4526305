package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

type campaignRepoMock struct {
	mock.Mock
}

func (m *campaignRepoMock) Create(ctx context.Context, c *domain.Campaign) error {
	return m.Called(ctx, c).Error(0)
}

func (m *campaignRepoMock) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	args := m.Called(ctx, id)
	if c, ok := args.Get(0).(*domain.Campaign); ok {
		copied := *c
		return &copied, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *campaignRepoMock) Update(ctx context.Context, c *domain.Campaign) error {
	return m.Called(ctx, c).Error(0)
}

func (m *campaignRepoMock) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error {
	return m.Called(ctx, id, from, to, at).Error(0)
}

func (m *campaignRepoMock) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	args := m.Called(ctx, afterID, limit)
	out, _ := args.Get(0).([]*domain.Campaign)
	return out, args.Error(1)
}

func (m *campaignRepoMock) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	args := m.Called(ctx, status, limit)
	out, _ := args.Get(0).([]*domain.Campaign)
	return out, args.Error(1)
}

func (m *campaignRepoMock) CountLiveByAgent(ctx context.Context, agentID, excludeID uuid.UUID) (int, error) {
	args := m.Called(ctx, agentID, excludeID)
	return args.Int(0), args.Error(1)
}

func (m *campaignRepoMock) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type agentRepoMock struct {
	mock.Mock
}

func (m *agentRepoMock) Create(ctx context.Context, a *domain.Agent) error {
	return m.Called(ctx, a).Error(0)
}

func (m *agentRepoMock) Get(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*domain.Agent)
	return a, args.Error(1)
}

type contactRepoMock struct {
	mock.Mock
	repository.ContactRepository
}

func (m *contactRepoMock) GetGroup(ctx context.Context, id uuid.UUID) (*domain.ContactGroup, error) {
	args := m.Called(ctx, id)
	g, _ := args.Get(0).(*domain.ContactGroup)
	return g, args.Error(1)
}

func (m *contactRepoMock) HasRemaining(ctx context.Context, campaignID, groupID uuid.UUID, maxRetryDays int) (bool, error) {
	args := m.Called(ctx, campaignID, groupID, maxRetryDays)
	return args.Bool(0), args.Error(1)
}

func newTestService(repo *campaignRepoMock, agents *agentRepoMock, contacts *contactRepoMock) *Service {
	svc := NewService(repo, agents, contacts, nil, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return svc
}

func validWindow() domain.CallingWindow {
	return domain.CallingWindow{StartMinute: 9 * 60, EndMinute: 17 * 60, Weekdays: []time.Weekday{time.Monday, time.Tuesday}}
}

func readyCampaign(status domain.CampaignStatus) *domain.Campaign {
	agentID := uuid.New()
	groupID := uuid.New()
	return &domain.Campaign{
		ID:              uuid.New(),
		AccountID:       uuid.New(),
		Name:            "spring outreach",
		AgentID:         &agentID,
		ContactGroupID:  &groupID,
		ContactCount:    10,
		Status:          status,
		ConcurrentCalls: 2,
		Window:          validWindow(),
		TimeZone:        "UTC",
	}
}

func TestValidateCreateInputFailures(t *testing.T) {
	account := uuid.New()
	cases := map[string]CreateCampaignInput{
		"missing account": {Name: "x", ConcurrentCalls: 1, TimeZone: "UTC", Window: validWindow()},
		"missing name":    {AccountID: account, ConcurrentCalls: 1, TimeZone: "UTC", Window: validWindow()},
		"zero concurrent": {AccountID: account, Name: "x", TimeZone: "UTC", Window: validWindow()},
		"negative retry":  {AccountID: account, Name: "x", ConcurrentCalls: 1, MaxRetryDays: -1, TimeZone: "UTC", Window: validWindow()},
		"bad timezone":    {AccountID: account, Name: "x", ConcurrentCalls: 1, TimeZone: "Mars/Olympus", Window: validWindow()},
		"empty window": {AccountID: account, Name: "x", ConcurrentCalls: 1, TimeZone: "UTC",
			Window: domain.CallingWindow{StartMinute: 600, EndMinute: 600, Weekdays: []time.Weekday{time.Monday}}},
		"no weekdays": {AccountID: account, Name: "x", ConcurrentCalls: 1, TimeZone: "UTC",
			Window: domain.CallingWindow{StartMinute: 540, EndMinute: 600}},
		"duplicate weekday": {AccountID: account, Name: "x", ConcurrentCalls: 1, TimeZone: "UTC",
			Window: domain.CallingWindow{StartMinute: 540, EndMinute: 600, Weekdays: []time.Weekday{time.Monday, time.Monday}}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := validateCreateInput(tc)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestValidateCreateInputAcceptsMidnightWindow(t *testing.T) {
	input := CreateCampaignInput{
		AccountID:       uuid.New(),
		Name:            "night shift",
		ConcurrentCalls: 1,
		TimeZone:        "America/New_York",
		Window:          domain.CallingWindow{StartMinute: 22 * 60, EndMinute: 2 * 60, Weekdays: []time.Weekday{time.Friday}},
	}
	require.NoError(t, validateCreateInput(input))
}

func TestCreateBindsAgentAndGroup(t *testing.T) {
	repo := &campaignRepoMock{}
	agents := &agentRepoMock{}
	contacts := &contactRepoMock{}
	svc := newTestService(repo, agents, contacts)

	account := uuid.New()
	agentID := uuid.New()
	groupID := uuid.New()

	agents.On("Get", mock.Anything, agentID).Return(&domain.Agent{ID: agentID, AccountID: account}, nil)
	repo.On("CountLiveByAgent", mock.Anything, agentID, mock.Anything).Return(0, nil)
	contacts.On("GetGroup", mock.Anything, groupID).Return(&domain.ContactGroup{ID: groupID, AccountID: account, ContactCount: 42}, nil)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Campaign")).Return(nil)

	c, err := svc.Create(context.Background(), CreateCampaignInput{
		AccountID:       account,
		Name:            "  launch ",
		AgentID:         &agentID,
		ContactGroupID:  &groupID,
		ConcurrentCalls: 3,
		Window:          validWindow(),
		TimeZone:        "UTC",
	})
	require.NoError(t, err)
	assert.Equal(t, "launch", c.Name)
	assert.Equal(t, domain.CampaignStatusDraft, c.Status)
	assert.Equal(t, 42, c.ContactCount)
	require.NotNil(t, c.AgentID)
	assert.Equal(t, agentID, *c.AgentID)
	repo.AssertExpectations(t)
}

func TestCreateRefusesAgentBoundElsewhere(t *testing.T) {
	repo := &campaignRepoMock{}
	agents := &agentRepoMock{}
	svc := newTestService(repo, agents, &contactRepoMock{})

	account := uuid.New()
	agentID := uuid.New()
	agents.On("Get", mock.Anything, agentID).Return(&domain.Agent{ID: agentID, AccountID: account}, nil)
	repo.On("CountLiveByAgent", mock.Anything, agentID, mock.Anything).Return(1, nil)

	_, err := svc.Create(context.Background(), CreateCampaignInput{
		AccountID: account, Name: "x", AgentID: &agentID, ConcurrentCalls: 1, Window: validWindow(), TimeZone: "UTC",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestTransitionAppliesCompareAndSet(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusDraft)

	repo.On("Get", mock.Anything, c.ID).Return(c, nil)
	repo.On("CompareAndSetStatus", mock.Anything, c.ID, domain.CampaignStatusDraft, domain.CampaignStatusActive, mock.Anything).Return(nil)

	updated, err := svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, updated.Status)
	assert.NotNil(t, updated.StartedAt)
	repo.AssertExpectations(t)
}

func TestTransitionRejectsOffTableEdge(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusCompleted)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)

	_, err := svc.Start(context.Background(), c.ID)
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.ReasonInvalidTransition, terr.Reason)
	repo.AssertNotCalled(t, "CompareAndSetStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTransitionRejectsActivationWithoutContacts(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusDraft)
	c.ContactCount = 0
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)

	_, err := svc.Start(context.Background(), c.ID)
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.ReasonNoContacts, terr.Reason)
}

func TestTransitionSurfacesLostRace(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusActive)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)
	repo.On("CompareAndSetStatus", mock.Anything, c.ID, domain.CampaignStatusActive, domain.CampaignStatusPaused, mock.Anything).
		Return(repository.ErrConflict)

	_, err := svc.Pause(context.Background(), c.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestResumeOnlyFromPaused(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusScheduled)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)

	_, err := svc.Resume(context.Background(), c.ID)
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestUpdateRefusesRebindWhileActive(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusActive)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)

	other := uuid.New()
	_, err := svc.Update(context.Background(), UpdateCampaignInput{ID: c.ID, AgentID: &other})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestUpdateAllowsSettingsWhilePaused(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusPaused)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)
	repo.On("Update", mock.Anything, mock.AnythingOfType("*domain.Campaign")).Return(nil)

	concurrency := 5
	updated, err := svc.Update(context.Background(), UpdateCampaignInput{ID: c.ID, ConcurrentCalls: &concurrency})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.ConcurrentCalls)
}

func TestUpdateRebindLosesRaceWithActivation(t *testing.T) {
	repo := &campaignRepoMock{}
	agents := &agentRepoMock{}
	svc := newTestService(repo, agents, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusScheduled)
	other := &domain.Agent{ID: uuid.New(), AccountID: c.AccountID}
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)
	agents.On("Get", mock.Anything, other.ID).Return(other, nil)
	repo.On("CountLiveByAgent", mock.Anything, other.ID, c.ID).Return(0, nil)
	// The row moved to active after it was read, so the status-guarded write matches nothing.
	repo.On("Update", mock.Anything, mock.MatchedBy(func(u *domain.Campaign) bool {
		return u.Status == domain.CampaignStatusScheduled && *u.AgentID == other.ID
	})).Return(repository.ErrConflict)

	_, err := svc.Update(context.Background(), UpdateCampaignInput{ID: c.ID, AgentID: &other.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	repo.AssertExpectations(t)
}

func TestDeleteRefusesLiveCampaign(t *testing.T) {
	repo := &campaignRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, &contactRepoMock{})
	c := readyCampaign(domain.CampaignStatusPaused)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)

	err := svc.Delete(context.Background(), c.ID)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestParseClock(t *testing.T) {
	cases := map[string]int{"00:00": 0, "09:30": 570, "23:59": 1439}
	for in, want := range cases {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, in, FormatClock(got))
	}
	for _, bad := range []string{"", "9", "24:00", "12:60", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.ErrorIs(t, err, apperrors.ErrValidation, bad)
	}
}

func TestCompleteIfExhausted(t *testing.T) {
	repo := &campaignRepoMock{}
	contacts := &contactRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, contacts)
	c := readyCampaign(domain.CampaignStatusActive)
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)
	contacts.On("HasRemaining", mock.Anything, c.ID, *c.ContactGroupID, c.MaxRetryDays).Return(false, nil)
	repo.On("CompareAndSetStatus", mock.Anything, c.ID, domain.CampaignStatusActive, domain.CampaignStatusCompleted, mock.Anything).Return(nil)

	done, err := svc.CompleteIfExhausted(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, done)
	repo.AssertExpectations(t)
}

func TestCompleteIfExhaustedWaitsForOpenCalls(t *testing.T) {
	repo := &campaignRepoMock{}
	contacts := &contactRepoMock{}
	svc := newTestService(repo, &agentRepoMock{}, contacts)
	c := readyCampaign(domain.CampaignStatusActive)
	c.ActiveCallsCount = 2
	repo.On("Get", mock.Anything, c.ID).Return(c, nil)

	done, err := svc.CompleteIfExhausted(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, done)
	contacts.AssertNotCalled(t, "HasRemaining", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
