package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	"github.com/acme/voice-campaign-orchestrator/internal/service/ledger"
	"github.com/acme/voice-campaign-orchestrator/internal/service/webhookerr"
	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

type memoryAttempts struct {
	repository.AttemptRepository

	mu           sync.Mutex
	rows         map[uuid.UUID]*domain.Attempt
	account      uuid.UUID
	charges      map[uuid.UUID]int
	appointments int
}

func newMemoryAttempts(account uuid.UUID) *memoryAttempts {
	return &memoryAttempts{rows: map[uuid.UUID]*domain.Attempt{}, account: account, charges: map[uuid.UUID]int{}}
}

func (m *memoryAttempts) add(status domain.CallStatus) *domain.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &domain.Attempt{ID: uuid.New(), CampaignID: uuid.New(), ContactID: uuid.New(), Status: status}
	m.rows[a.ID] = a
	return a
}

func (m *memoryAttempts) get(id uuid.UUID) domain.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memoryAttempts) MarkStarted(_ context.Context, id uuid.UUID, callID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if a.Status != domain.CallStatusPending {
		return false, nil
	}
	a.Status = domain.CallStatusInProgress
	a.StartedAt = &at
	return true, nil
}

func (m *memoryAttempts) Finish(_ context.Context, id uuid.UUID, o domain.CallOutcome) (repository.FinishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return repository.FinishResult{}, repository.ErrNotFound
	}
	res := repository.FinishResult{AccountID: m.account}
	if a.Status.IsOpen() {
		a.Status = o.Status
		a.DurationMs = o.DurationMs
		a.ProviderCostCents = o.ProviderCostCents
		ended := o.EndedAt
		a.EndedAt = &ended
		res.Applied = true
	}
	cp := *a
	res.Attempt = &cp
	return res, nil
}

func (m *memoryAttempts) RecordCharge(_ context.Context, id uuid.UUID, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].ChargedCents = cents
	m.charges[id]++
	return nil
}

func (m *memoryAttempts) ApplyAnalysis(_ context.Context, id uuid.UUID, analysis domain.CallAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if analysis.Summary != "" {
		s := analysis.Summary
		a.CallSummary = &s
	}
	if analysis.Successful != nil {
		a.CallSuccessful = analysis.Successful
	}
	return nil
}

func (m *memoryAttempts) SetAppointment(_ context.Context, id uuid.UUID, appt *domain.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].AppointmentData = appt
	m.appointments++
	return nil
}

type memorySessions struct {
	repository.TestSessionRepository

	mu   sync.Mutex
	rows map[uuid.UUID]*domain.TestCallSession
}

func (m *memorySessions) Get(_ context.Context, id uuid.UUID) (*domain.TestCallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) Finish(_ context.Context, id uuid.UUID, o domain.CallOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	if !s.Status.IsOpen() {
		return false, nil
	}
	s.Status = o.Status
	return true, nil
}

func (m *memorySessions) RecordCharge(_ context.Context, id uuid.UUID, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].ChargedCents = cents
	return nil
}

// stubLedger charges cost*2 once per correlation key.
type stubLedger struct {
	mu      sync.Mutex
	balance int64
	seen    map[string]ledger.DeductResult
	reject  bool
	err     error
	keys    []string
}

func newStubLedger(balance int64) *stubLedger {
	return &stubLedger{balance: balance, seen: map[string]ledger.DeductResult{}}
}

func (l *stubLedger) DeductForCall(_ context.Context, req ledger.DeductRequest) (ledger.DeductResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, req.CorrelationKey)
	if l.err != nil {
		return ledger.DeductResult{}, l.err
	}
	if req.ProviderCostCents == 0 {
		return ledger.DeductResult{Skipped: true, NewBalance: l.balance}, nil
	}
	if prev, ok := l.seen[req.CorrelationKey]; ok {
		prev.Duplicate = true
		return prev, nil
	}
	if l.reject {
		return ledger.DeductResult{Rejected: true, ChargeCents: req.ProviderCostCents * 2, PreviousBalance: l.balance, NewBalance: l.balance}, nil
	}
	charge := req.ProviderCostCents * 2
	res := ledger.DeductResult{ChargeCents: charge, PreviousBalance: l.balance, NewBalance: l.balance - charge, TransactionID: uuid.New()}
	l.balance -= charge
	l.seen[req.CorrelationKey] = res
	return res, nil
}

type recordingOutcomes struct {
	mu   sync.Mutex
	msgs []queue.CallOutcomeMessage
	err  error
}

func (r *recordingOutcomes) PublishOutcome(_ context.Context, msg queue.CallOutcomeMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

type memoryEvents struct {
	repository.CallEventStore

	mu     sync.Mutex
	events []repository.CallEvent
}

func (m *memoryEvents) Append(_ context.Context, ev repository.CallEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type harness struct {
	attempts *memoryAttempts
	sessions *memorySessions
	ledger   *stubLedger
	outcomes *recordingOutcomes
	events   *memoryEvents
	proc     *Processor
}

func newHarness() *harness {
	account := uuid.New()
	h := &harness{
		attempts: newMemoryAttempts(account),
		sessions: &memorySessions{rows: map[uuid.UUID]*domain.TestCallSession{}},
		ledger:   newStubLedger(1000),
		outcomes: &recordingOutcomes{},
		events:   &memoryEvents{},
	}
	h.proc = NewProcessor(ProcessorDeps{
		Attempts:           h.attempts,
		Sessions:           h.sessions,
		Ledger:             h.ledger,
		Outcomes:           h.outcomes,
		Events:             h.events,
		ShortCallThreshold: 10 * time.Second,
	})
	return h
}

func endedBody(attemptID uuid.UUID, reason string, durationMs int64, cost float64) []byte {
	return []byte(`{"event":"call_ended","call":{"call_id":"call-` + attemptID.String()[:8] + `",
		"metadata":{"attempt_id":"` + attemptID.String() + `"},
		"disconnection_reason":"` + reason + `","duration_ms":` + strconv.FormatInt(durationMs, 10) + `,
		"end_timestamp":1700000000000,
		"call_cost":{"combined_cost":` + strconv.FormatFloat(cost, 'f', -1, 64) + `}}}`)
}

func mustParse(t *testing.T, body []byte) *Event {
	t.Helper()
	ev, err := ParseEvent(body)
	require.NoError(t, err)
	return ev
}

func TestEndedEventAppliesOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.attempts.add(domain.CallStatusInProgress)
	body := endedBody(a.ID, "user_hangup", 45_000, 60)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.proc.Process(ctx, mustParse(t, body)))
	}

	got := h.attempts.get(a.ID)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
	assert.Equal(t, int64(120), got.ChargedCents)
	assert.Equal(t, int64(880), h.ledger.balance)
	assert.Len(t, h.outcomes.msgs, 1)
	assert.Equal(t, "completed", h.outcomes.msgs[0].Status)
	assert.Equal(t, a.ID, *h.outcomes.msgs[0].AttemptID)
	assert.Len(t, h.events.events, 3)
	for _, key := range h.ledger.keys {
		assert.Equal(t, "attempt:"+a.ID.String(), key)
	}
}

func TestConcurrentDeliveriesChargeOnce(t *testing.T) {
	h := newHarness()
	a := h.attempts.add(domain.CallStatusInProgress)
	body := endedBody(a.ID, "agent_hangup", 90_000, 25)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := ParseEvent(body)
			if assert.NoError(t, err) {
				assert.NoError(t, h.proc.Process(context.Background(), ev))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(950), h.ledger.balance)
	assert.Len(t, h.ledger.seen, 1)
	assert.Len(t, h.outcomes.msgs, 1)
}

func TestEndedEventVoicemailFlag(t *testing.T) {
	h := newHarness()
	a := h.attempts.add(domain.CallStatusInProgress)
	body := []byte(`{"event":"call_ended","call":{"call_id":"vm","metadata":{"attempt_id":"` + a.ID.String() + `"},
		"disconnection_reason":"agent_hangup","duration_ms":30000,"call_analysis":{"in_voicemail":true}}}`)

	require.NoError(t, h.proc.Process(context.Background(), mustParse(t, body)))
	assert.Equal(t, domain.CallStatusVoicemail, h.attempts.get(a.ID).Status)
}

func TestShortHangupIsNoAnswer(t *testing.T) {
	h := newHarness()
	a := h.attempts.add(domain.CallStatusPending)

	require.NoError(t, h.proc.Process(context.Background(), mustParse(t, endedBody(a.ID, "user_hangup", 4_000, 0))))

	got := h.attempts.get(a.ID)
	assert.Equal(t, domain.CallStatusNoAnswer, got.Status)
	assert.Zero(t, h.attempts.charges[a.ID], "zero cost calls are not charged")
}

func TestStartedAfterEndedIsIgnored(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.attempts.add(domain.CallStatusPending)

	require.NoError(t, h.proc.Process(ctx, mustParse(t, endedBody(a.ID, "dial_no_answer", 0, 0))))
	started := []byte(`{"event":"call_started","call":{"call_id":"x","metadata":{"attempt_id":"` + a.ID.String() + `"}}}`)
	require.NoError(t, h.proc.Process(ctx, mustParse(t, started)))

	assert.Equal(t, domain.CallStatusNoAnswer, h.attempts.get(a.ID).Status)
}

func TestInFlightCallsOfPausedCampaignStillLand(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, h.attempts.add(domain.CallStatusInProgress).ID)
	}

	for _, id := range ids {
		require.NoError(t, h.proc.Process(ctx, mustParse(t, endedBody(id, "user_hangup", 30_000, 10))))
	}

	for _, id := range ids {
		got := h.attempts.get(id)
		assert.Equal(t, domain.CallStatusCompleted, got.Status)
		assert.Equal(t, int64(20), got.ChargedCents)
	}
	assert.Equal(t, int64(940), h.ledger.balance)
}

func TestRejectedChargeLeavesAttemptUncharged(t *testing.T) {
	h := newHarness()
	h.ledger.reject = true
	a := h.attempts.add(domain.CallStatusInProgress)

	require.NoError(t, h.proc.Process(context.Background(), mustParse(t, endedBody(a.ID, "user_hangup", 60_000, 500))))

	got := h.attempts.get(a.ID)
	assert.Equal(t, domain.CallStatusCompleted, got.Status)
	assert.Zero(t, got.ChargedCents)
	assert.Zero(t, h.attempts.charges[a.ID])
	require.Len(t, h.outcomes.msgs, 1)
	assert.Zero(t, h.outcomes.msgs[0].ChargedCents)
}

func TestLedgerFailureSurfacesAndReplayCompletesBilling(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.attempts.add(domain.CallStatusInProgress)
	body := endedBody(a.ID, "user_hangup", 60_000, 50)

	h.ledger.err = apperrors.ErrUnavailable
	err := h.proc.Process(ctx, mustParse(t, body))
	require.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Equal(t, domain.CallStatusCompleted, h.attempts.get(a.ID).Status)

	h.ledger.err = nil
	require.NoError(t, h.proc.Process(ctx, mustParse(t, body)))
	assert.Equal(t, int64(100), h.attempts.get(a.ID).ChargedCents)
	assert.Equal(t, int64(900), h.ledger.balance)
}

func TestAnalyzedKeepsExistingAppointment(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.attempts.add(domain.CallStatusCompleted)
	existing := &domain.Appointment{TimeText: "Friday", Provenance: "ended:tool_calls"}
	require.NoError(t, h.attempts.SetAppointment(ctx, a.ID, existing))

	body := []byte(`{"event":"call_analyzed","call":{"call_id":"c","metadata":{"attempt_id":"` + a.ID.String() + `"},
		"call_analysis":{"call_summary":"Booked a demo","call_successful":true}}}`)
	require.NoError(t, h.proc.Process(ctx, mustParse(t, body)))

	got := h.attempts.get(a.ID)
	assert.Equal(t, existing, got.AppointmentData)
	assert.Equal(t, 1, h.attempts.appointments)
	require.NotNil(t, got.CallSummary)
	assert.Equal(t, "Booked a demo", *got.CallSummary)
	require.NotNil(t, got.CallSuccessful)
	assert.True(t, *got.CallSuccessful)
}

func TestAnalyzedStoresAppointment(t *testing.T) {
	h := newHarness()
	a := h.attempts.add(domain.CallStatusCompleted)
	body := []byte(`{"event":"call_analyzed","call":{"call_id":"c","metadata":{"attempt_id":"` + a.ID.String() + `"},
		"tool_calls":[{"name":"book_appointment","id":"t","arguments":{"datetime":"Mon 9am","attendee_name":"Lin"}}]}}`)

	require.NoError(t, h.proc.Process(context.Background(), mustParse(t, body)))

	got := h.attempts.get(a.ID)
	require.NotNil(t, got.AppointmentData)
	assert.Equal(t, "Mon 9am", got.AppointmentData.TimeText)
	assert.Equal(t, "analyzed:tool_calls", got.AppointmentData.Provenance)
}

func TestUnknownAttemptIsNotFound(t *testing.T) {
	h := newHarness()
	err := h.proc.Process(context.Background(), mustParse(t, endedBody(uuid.New(), "user_hangup", 1000, 1)))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, h.events.events)
}

func TestSessionEventsBillTheSessionAccount(t *testing.T) {
	h := newHarness()
	session := &domain.TestCallSession{ID: uuid.New(), AccountID: uuid.New(), Status: domain.CallStatusInProgress}
	h.sessions.rows[session.ID] = session
	body := []byte(`{"event":"call_ended","call":{"call_id":"s","metadata":{"session_id":"` + session.ID.String() + `"},
		"disconnection_reason":"user_hangup","duration_ms":20000,"call_cost":{"combined_cost":7}}}`)

	require.NoError(t, h.proc.Process(context.Background(), mustParse(t, body)))

	assert.Equal(t, domain.CallStatusCompleted, session.Status)
	assert.Equal(t, int64(14), session.ChargedCents)
	assert.Equal(t, []string{"session:" + session.ID.String()}, h.ledger.keys)
	require.Len(t, h.outcomes.msgs, 1)
	assert.Nil(t, h.outcomes.msgs[0].AttemptID)
	assert.Equal(t, session.AccountID, h.outcomes.msgs[0].AccountID)
}

func TestPublishFailureDoesNotFailProcessing(t *testing.T) {
	h := newHarness()
	h.outcomes.err = errors.New("broker down")
	a := h.attempts.add(domain.CallStatusInProgress)

	assert.NoError(t, h.proc.Process(context.Background(), mustParse(t, endedBody(a.ID, "user_hangup", 30_000, 5))))
}

func TestRedrive(t *testing.T) {
	h := newHarness()
	a := h.attempts.add(domain.CallStatusInProgress)

	require.NoError(t, h.proc.Redrive(context.Background(), json.RawMessage(endedBody(a.ID, "dial_failed", 0, 0))))
	assert.Equal(t, domain.CallStatusFailed, h.attempts.get(a.ID).Status)

	assert.ErrorIs(t, h.proc.Redrive(context.Background(), json.RawMessage(`{}`)), apperrors.ErrValidation)
}

type stubProcessor struct{ err error }

func (s stubProcessor) Process(context.Context, *Event) error { return s.err }

type stubRecorder struct {
	recorded []webhookerr.Event
	resolved []string
	err      error
}

func (r *stubRecorder) RecordFailure(_ context.Context, ev webhookerr.Event, _ error) (*domain.WebhookErrorRecord, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.recorded = append(r.recorded, ev)
	return &domain.WebhookErrorRecord{ID: uuid.New(), IdempotencyKey: ev.Key()}, nil
}

func (r *stubRecorder) Resolve(_ context.Context, key string) error {
	r.resolved = append(r.resolved, key)
	return nil
}

func TestIntakeStatuses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	secret := "whsec"
	attemptID := uuid.New()
	good := endedBody(attemptID, "user_hangup", 30_000, 5)

	sign := func(body []byte) http.Header {
		h := http.Header{}
		h.Set(TimestampHeader, strconv.FormatInt(now.Unix(), 10))
		h.Set(SignatureHeader, Sign(secret, now.Unix(), body))
		return h
	}

	cases := []struct {
		name       string
		headers    http.Header
		body       []byte
		procErr    error
		recErr     error
		wantStatus int
		recorded   int
		resolved   int
	}{
		{name: "bad signature", headers: http.Header{}, body: good, wantStatus: http.StatusUnauthorized},
		{name: "ok", headers: sign(good), body: good, wantStatus: http.StatusOK, resolved: 1},
		{name: "retryable failure", headers: sign(good), body: good, procErr: apperrors.ErrUnavailable, wantStatus: http.StatusAccepted, recorded: 1},
		{name: "unknown target", headers: sign(good), body: good, procErr: apperrors.ErrNotFound, wantStatus: http.StatusBadRequest, recorded: 1},
		{name: "record failed", headers: sign(good), body: good, procErr: apperrors.ErrUnavailable, recErr: errors.New("db down"), wantStatus: http.StatusInternalServerError},
		{
			name:       "uncorrelated",
			headers:    sign([]byte(`{"event":"call_ended","call":{"call_id":"c"}}`)),
			body:       []byte(`{"event":"call_ended","call":{"call_id":"c"}}`),
			wantStatus: http.StatusBadRequest,
			recorded:   1,
		},
		{name: "garbage", headers: sign([]byte(`nope`)), body: []byte(`nope`), wantStatus: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &stubRecorder{err: tc.recErr}
			intake := NewIntake(Verifier{Secret: secret}, stubProcessor{err: tc.procErr}, rec, nil)

			receipt := intake.Receive(context.Background(), tc.headers, tc.body, now)

			assert.Equal(t, tc.wantStatus, receipt.Status)
			assert.Len(t, rec.recorded, tc.recorded)
			assert.Len(t, rec.resolved, tc.resolved)
		})
	}
}

func TestIntakeKeysFailuresByEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	attemptID := uuid.New()
	body := endedBody(attemptID, "user_hangup", 30_000, 5)
	h := http.Header{}
	h.Set(TimestampHeader, strconv.FormatInt(now.Unix(), 10))
	h.Set(SignatureHeader, Sign("k", now.Unix(), body))

	rec := &stubRecorder{}
	receipt := NewIntake(Verifier{Secret: "k"}, stubProcessor{err: apperrors.ErrUnavailable}, rec, nil).
		Receive(context.Background(), h, body, now)

	require.Equal(t, http.StatusAccepted, receipt.Status)
	require.Len(t, rec.recorded, 1)
	assert.Equal(t, "voice:ended:call-"+attemptID.String()[:8], rec.recorded[0].Key())
	assert.JSONEq(t, string(body), string(rec.recorded[0].Payload))
	assert.NotEmpty(t, receipt.RecordID)
}
