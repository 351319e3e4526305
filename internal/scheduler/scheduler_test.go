package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/domain"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
)

var everyDay = []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}

// world is an in-memory stand-in for the campaign, contact and attempt tables.
type world struct {
	mu          sync.Mutex
	campaign    domain.Campaign
	agent       domain.Agent
	contacts    []domain.Contact
	attempts    []*domain.Attempt
	dispatched  []queue.DispatchMessage
	failPublish bool
	blocked     bool
	peakOpen    int

	candidatePages int
}

func newWorld(concurrent, maxRetryDays int, contacts ...domain.Contact) *world {
	agentID, groupID := uuid.New(), uuid.New()
	return &world{
		campaign: domain.Campaign{
			ID:              uuid.New(),
			AccountID:       uuid.New(),
			AgentID:         &agentID,
			ContactGroupID:  &groupID,
			ContactCount:    len(contacts),
			Status:          domain.CampaignStatusActive,
			ConcurrentCalls: concurrent,
			MaxRetryDays:    maxRetryDays,
			Window:          domain.CallingWindow{StartMinute: 9 * 60, EndMinute: 17 * 60, Weekdays: everyDay},
			TimeZone:        "UTC",
		},
		agent:    domain.Agent{ID: agentID, ProviderAgentID: "agent_1"},
		contacts: contacts,
	}
}

func contact(phones ...string) domain.Contact {
	return domain.Contact{ID: uuid.New(), Phones: phones}
}

func (w *world) openCount() int {
	n := 0
	for _, a := range w.attempts {
		if a.Status.IsOpen() {
			n++
		}
	}
	return n
}

func (w *world) ListByStatus(_ context.Context, status domain.CampaignStatus, _ int) ([]*domain.Campaign, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.campaign.Status != status {
		return nil, nil
	}
	c := w.campaign
	c.ActiveCallsCount = w.openCount()
	return []*domain.Campaign{&c}, nil
}

func (w *world) Transition(_ context.Context, _ uuid.UUID, to domain.CampaignStatus) (*domain.Campaign, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := domain.ValidateCampaignTransition(&w.campaign, to); err != nil {
		return nil, err
	}
	w.campaign.Status = to
	c := w.campaign
	return &c, nil
}

func (w *world) attemptsFor(contactID uuid.UUID) []*domain.Attempt {
	var out []*domain.Attempt
	for _, a := range w.attempts {
		if a.ContactID == contactID {
			out = append(out, a)
		}
	}
	return out
}

func (w *world) ListCandidates(_ context.Context, q repository.CandidateQuery) ([]repository.Candidate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.candidatePages++
	var fresh, retries []repository.Candidate
	for _, c := range w.contacts {
		var last *domain.Attempt
		skip := false
		attempts := w.attemptsFor(c.ID)
		for _, a := range attempts {
			if a.Status.IsOpen() || a.Status == domain.CallStatusCompleted {
				skip = true
			}
			if last == nil || a.AttemptDay > last.AttemptDay {
				last = a
			}
		}
		if skip {
			continue
		}
		cand := repository.Candidate{Contact: c, AttemptCount: len(attempts)}
		if last == nil {
			fresh = append(fresh, cand)
			continue
		}
		if last.AttemptDay >= q.MaxRetryDays || !last.ScheduledAt.Before(q.RetryBefore) {
			continue
		}
		cand.LastAttempt = &repository.LastAttempt{
			Day: last.AttemptDay, Number: last.AttemptNumber, PhoneIndex: last.PhoneIndex,
			Status: last.Status, ScheduledAt: last.ScheduledAt,
		}
		retries = append(retries, cand)
	}
	out := append(fresh, retries...)
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (w *world) HasRemaining(_ context.Context, _, _ uuid.UUID, maxRetryDays int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.contacts {
		completed, open, exhausted := false, false, false
		for _, a := range w.attemptsFor(c.ID) {
			completed = completed || a.Status == domain.CallStatusCompleted
			open = open || a.Status.IsOpen()
			exhausted = exhausted || a.AttemptDay >= maxRetryDays
		}
		if !completed && (!exhausted || open) {
			return true, nil
		}
	}
	return false, nil
}

func (w *world) CreateWithSlot(_ context.Context, a *domain.Attempt) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.campaign.Status != domain.CampaignStatusActive || w.openCount() >= w.campaign.ConcurrentCalls {
		return repository.ErrNoSlot
	}
	for _, existing := range w.attemptsFor(a.ContactID) {
		if existing.Status.IsOpen() || existing.AttemptDay == a.AttemptDay {
			return repository.ErrConflict
		}
	}
	cp := *a
	w.attempts = append(w.attempts, &cp)
	if n := w.openCount(); n > w.peakOpen {
		w.peakOpen = n
	}
	return nil
}

func (w *world) ListStaleDispatches(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []uuid.UUID
	for _, a := range w.attempts {
		if len(ids) == limit {
			break
		}
		since := a.CreatedAt
		if a.DispatchedAt != nil {
			since = *a.DispatchedAt
		}
		if a.Status == domain.CallStatusPending && a.ExternalCallID == nil && since.Before(before) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (w *world) Finish(_ context.Context, id uuid.UUID, o domain.CallOutcome) (repository.FinishResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.attempts {
		if a.ID == id {
			if !a.Status.IsOpen() {
				return repository.FinishResult{Attempt: a}, nil
			}
			a.Status = o.Status
			return repository.FinishResult{Applied: true, Attempt: a}, nil
		}
	}
	return repository.FinishResult{}, repository.ErrNotFound
}

func (w *world) Get(_ context.Context, id uuid.UUID) (*domain.Agent, error) {
	if id != w.agent.ID {
		return nil, repository.ErrNotFound
	}
	a := w.agent
	return &a, nil
}

func (w *world) CanDispatch(context.Context, uuid.UUID, int64) (bool, error) {
	return !w.blocked, nil
}

func (w *world) DispatchCall(_ context.Context, msg queue.DispatchMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failPublish {
		return errors.New("broker unavailable")
	}
	w.dispatched = append(w.dispatched, msg)
	return nil
}

// finishOpen closes every open attempt with status.
func (w *world) finishOpen(status domain.CallStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.attempts {
		if a.Status.IsOpen() {
			a.Status = status
		}
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newScheduler(w *world, clk *clock, locker Locker) *Scheduler {
	s := New(Deps{
		Campaigns:  w,
		Contacts:   w,
		Attempts:   w,
		Agents:     w,
		Credit:     w,
		Dispatcher: w,
		Locker:     locker,
	}, config.SchedulerConfig{MaxBatchSize: 100}, 100)
	s.now = clk.now
	return s
}

// monday 2024-01-01 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 1, 1+day, hour, minute, 0, 0, time.UTC)
}

func TestTickNeverExceedsConcurrency(t *testing.T) {
	var contacts []domain.Contact
	for i := 0; i < 10; i++ {
		contacts = append(contacts, contact("+1415555010"+string(rune('0'+i))))
	}
	w := newWorld(3, 0, contacts...)
	clk := &clock{t: at(0, 9, 0)}
	s := newScheduler(w, clk, nil)
	ctx := context.Background()

	res, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dispatched != 3 {
		t.Fatalf("expected 3 dispatched, got %d", res.Dispatched)
	}

	res, _ = s.Tick(ctx)
	if res.Dispatched != 0 {
		t.Fatalf("expected no dispatch with all slots busy, got %d", res.Dispatched)
	}

	for round := 0; round < 5; round++ {
		w.finishOpen(domain.CallStatusCompleted)
		clk.t = clk.t.Add(5 * time.Minute)
		if _, err := s.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if w.peakOpen > 3 {
		t.Fatalf("peak open attempts %d exceeds concurrency 3", w.peakOpen)
	}
	if len(w.dispatched) != 10 {
		t.Fatalf("expected every contact dialled once, got %d", len(w.dispatched))
	}
	for i, msg := range w.dispatched {
		if msg.ContactID != contacts[i].ID {
			t.Fatalf("dispatch %d out of creation order", i)
		}
	}
}

func TestRetriesOncePerDayRoundRobin(t *testing.T) {
	const maxRetryDays = 2
	c := contact("+14155550100", "+14155550101")
	w := newWorld(5, maxRetryDays, c)
	clk := &clock{}
	s := newScheduler(w, clk, nil)
	ctx := context.Background()

	for day := 0; day < 5; day++ {
		for minute := 9 * 60; minute < 17*60; minute += 15 {
			clk.t = at(day, minute/60, minute%60)
			if _, err := s.Tick(ctx); err != nil {
				t.Fatalf("tick: %v", err)
			}
			w.finishOpen(domain.CallStatusNoAnswer)
		}
	}

	if len(w.attempts) != maxRetryDays+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetryDays+1, len(w.attempts))
	}
	seen := map[time.Time]bool{}
	for i, a := range w.attempts {
		if a.AttemptDay != i {
			t.Fatalf("attempt %d has day %d", i, a.AttemptDay)
		}
		if a.PhoneNumber != c.Phones[i%2] || a.PhoneIndex != i%2 || a.TotalPhones != 2 {
			t.Fatalf("attempt %d dialled %s (index %d)", i, a.PhoneNumber, a.PhoneIndex)
		}
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt %d numbered %d", i, a.AttemptNumber)
		}
		if seen[a.ScheduledAt] {
			t.Fatalf("attempt %d reuses scheduled time %s", i, a.ScheduledAt)
		}
		seen[a.ScheduledAt] = true
		if got := a.ScheduledAt.YearDay() - at(0, 0, 0).YearDay(); got != i {
			t.Fatalf("attempt %d placed on day %d", i, got)
		}
	}
	if w.attempts[0].ScheduledAt != at(0, 9, 0) {
		t.Fatalf("first attempt should dial at window open, got %s", w.attempts[0].ScheduledAt)
	}
	if w.campaign.Status != domain.CampaignStatusCompleted {
		t.Fatalf("expected exhausted campaign to complete, got %s", w.campaign.Status)
	}
}

func TestCompletedContactIsNotRedialled(t *testing.T) {
	w := newWorld(2, 3, contact("+14155550100"))
	clk := &clock{t: at(0, 10, 0)}
	s := newScheduler(w, clk, nil)
	ctx := context.Background()

	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	w.finishOpen(domain.CallStatusCompleted)

	clk.t = at(1, 16, 0)
	res, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(w.attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(w.attempts))
	}
	if res.Completed != 1 || w.campaign.Status != domain.CampaignStatusCompleted {
		t.Fatalf("expected campaign completion, got %s", w.campaign.Status)
	}
}

func TestOutsideWindowDoesNotDispatch(t *testing.T) {
	w := newWorld(2, 1, contact("+14155550100"))
	w.campaign.Window.Weekdays = []time.Weekday{time.Monday}
	clk := &clock{t: at(0, 8, 59)}
	s := newScheduler(w, clk, nil)

	if res, _ := s.Tick(context.Background()); res.Dispatched != 0 {
		t.Fatalf("dispatched before window opened")
	}
	clk.t = at(1, 10, 0)
	if res, _ := s.Tick(context.Background()); res.Dispatched != 0 {
		t.Fatalf("dispatched on an inactive weekday")
	}
	clk.t = at(0, 9, 0)
	if res, _ := s.Tick(context.Background()); res.Dispatched != 1 {
		t.Fatalf("expected dispatch inside window")
	}
}

func TestPublishFailureReleasesSlot(t *testing.T) {
	w := newWorld(1, 1, contact("+14155550100"))
	w.failPublish = true
	s := newScheduler(w, &clock{t: at(0, 9, 30)}, nil)

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dispatched != 0 {
		t.Fatalf("expected no successful dispatch")
	}
	if len(w.attempts) != 1 || w.attempts[0].Status != domain.CallStatusFailed {
		t.Fatalf("expected the attempt to be closed as failed")
	}
	if w.openCount() != 0 {
		t.Fatalf("slot was not released")
	}
}

func TestBlockedAccountIsSkipped(t *testing.T) {
	w := newWorld(1, 1, contact("+14155550100"))
	w.blocked = true
	s := newScheduler(w, &clock{t: at(0, 9, 30)}, nil)

	if res, _ := s.Tick(context.Background()); res.Dispatched != 0 || len(w.attempts) != 0 {
		t.Fatalf("blocked account must not dispatch")
	}
}

type heldLocker struct{}

func (heldLocker) Lock(context.Context, uuid.UUID) (func(), bool, error) { return nil, false, nil }

func TestLockedCampaignIsSkipped(t *testing.T) {
	w := newWorld(1, 1, contact("+14155550100"))
	s := newScheduler(w, &clock{t: at(0, 9, 30)}, heldLocker{})

	if res, _ := s.Tick(context.Background()); res.Dispatched != 0 {
		t.Fatalf("expected the locked campaign to be skipped")
	}
}

func TestSelectSkipsSameDayRetry(t *testing.T) {
	c := domain.Campaign{
		MaxRetryDays: 3,
		Window:       domain.CallingWindow{StartMinute: 22 * 60, EndMinute: 2 * 60, Weekdays: everyDay},
	}
	ct := contact("+14155550100")
	// 23:00 Monday and 01:00 Tuesday belong to the same window occurrence.
	cand := repository.Candidate{
		Contact:      ct,
		AttemptCount: 1,
		LastAttempt:  &repository.LastAttempt{Day: 0, Status: domain.CallStatusNoAnswer, ScheduledAt: at(0, 23, 0)},
	}
	if plans := Select(&c, []repository.Candidate{cand}, at(1, 1, 59), 1); len(plans) != 0 {
		t.Fatalf("retry inside the same window occurrence must wait")
	}

	next := at(1, 22, 0).Add(JitterOffset(ct.ID, 1, c.Window.Length()))
	plans := Select(&c, []repository.Candidate{cand}, next, 1)
	if len(plans) != 1 || plans[0].Day != 1 || plans[0].Number != 2 {
		t.Fatalf("expected day 1 retry at %s, got %+v", next, plans)
	}
}

func TestJitterOffsetIsDeterministicAndBounded(t *testing.T) {
	id := uuid.New()
	window := 8 * time.Hour
	for day := 1; day < 20; day++ {
		a := JitterOffset(id, day, window)
		if a != JitterOffset(id, day, window) {
			t.Fatalf("offset for day %d is not deterministic", day)
		}
		if a < 0 || a >= window*3/4 {
			t.Fatalf("offset %s outside window", a)
		}
	}
	if JitterOffset(id, 1, 0) != 0 {
		t.Fatalf("empty window should give zero offset")
	}
}

func TestLowConcurrencyReachesEveryContactOnDayZero(t *testing.T) {
	var contacts []domain.Contact
	for i := 0; i < 10; i++ {
		contacts = append(contacts, contact("+1415555020"+string(rune('0'+i))))
	}
	w := newWorld(1, 2, contacts...)
	clk := &clock{}
	s := newScheduler(w, clk, nil)
	ctx := context.Background()

	for minute := 9 * 60; minute < 17*60; minute += 15 {
		clk.t = at(0, minute/60, minute%60)
		if _, err := s.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		w.finishOpen(domain.CallStatusNoAnswer)
	}

	dialled := map[uuid.UUID]bool{}
	for _, a := range w.attempts {
		if a.AttemptDay != 0 {
			t.Fatalf("contact %s retried on the day it was first dialled", a.ContactID)
		}
		dialled[a.ContactID] = true
	}
	if len(dialled) != len(contacts) {
		t.Fatalf("expected all %d contacts dialled on day 0, got %d", len(contacts), len(dialled))
	}
}

func TestDueRetryBehindUndueRetriesIsFound(t *testing.T) {
	w := newWorld(1, 3)
	window := w.campaign.Window.Length()
	// Contacts whose retry jitter is the smallest go last so they sit beyond the first page.
	var early, late []domain.Contact
	var minJitter time.Duration = -1
	for i := 0; i < 2*minCandidatePage; i++ {
		c := contact("+14155550300")
		j := JitterOffset(c.ID, 1, window)
		switch {
		case minJitter < 0 || j < minJitter:
			minJitter = j
			early = append(early, late...)
			late = []domain.Contact{c}
		case j == minJitter:
			late = append(late, c)
		default:
			early = append(early, c)
		}
	}
	w.contacts = append(early, late...)
	for _, c := range w.contacts {
		w.attempts = append(w.attempts, &domain.Attempt{
			ID: uuid.New(), CampaignID: w.campaign.ID, ContactID: c.ID, AttemptDay: 0, AttemptNumber: 1,
			Status: domain.CallStatusNoAnswer, ScheduledAt: at(0, 9, 0),
		})
	}

	s := newScheduler(w, &clock{t: at(1, 9, 0).Add(minJitter)}, nil)
	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("expected the due retry to be dispatched, got %d", res.Dispatched)
	}
	if w.candidatePages < 2 {
		t.Fatalf("expected the scheduler to page past undue retries, read %d pages", w.candidatePages)
	}
	got := w.dispatched[0].ContactID
	for _, c := range late {
		if c.ID == got {
			return
		}
	}
	t.Fatalf("dispatched contact %s was not due", got)
}

func TestStrandedDispatchIsReapedAndSlotReleased(t *testing.T) {
	first, second := contact("+14155550100"), contact("+14155550101")
	w := newWorld(1, 1, first, second)
	clk := &clock{t: at(0, 9, 0)}
	s := newScheduler(w, clk, nil)
	ctx := context.Background()

	if res, _ := s.Tick(ctx); res.Dispatched != 1 {
		t.Fatalf("expected one dispatch, got %d", res.Dispatched)
	}
	// The consumer never placed the call: no provider id, still pending.
	clk.t = clk.t.Add(5 * time.Minute)
	if res, _ := s.Tick(ctx); res.Reaped != 0 || res.Dispatched != 0 {
		t.Fatalf("attempt reaped inside its lease: %+v", res)
	}

	clk.t = clk.t.Add(10 * time.Minute)
	res, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Reaped != 1 {
		t.Fatalf("expected the stranded attempt to be reaped, got %d", res.Reaped)
	}
	if w.attempts[0].Status != domain.CallStatusFailed {
		t.Fatalf("stranded attempt status %s", w.attempts[0].Status)
	}
	if res.Dispatched != 1 || w.dispatched[1].ContactID != second.ID {
		t.Fatalf("expected the freed slot to go to the next contact")
	}
}
