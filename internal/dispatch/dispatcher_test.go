package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/flowpbx/callsurvey/internal/metrics"
	"github.com/flowpbx/callsurvey/internal/queue"
	"github.com/flowpbx/callsurvey/internal/retry"
	"github.com/flowpbx/callsurvey/internal/survey"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	release chan struct{}
	outcome survey.Outcome
	code    string

	mu      sync.Mutex
	running int
	peak    int
	calls   []survey.CallSession
}

func (f *fakeRunner) Run(ctx context.Context, s survey.CallSession, _ survey.Template, _ <-chan struct{}) survey.CallSession {
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.calls = append(f.calls, s)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			s.State, s.Outcome, s.ErrorCode = survey.StateCancelled, survey.OutcomeCancelled, survey.CodeCancelled
			return s
		}
	}
	s.Outcome = f.outcome
	s.ErrorCode = f.code
	s.State = survey.State(f.outcome)
	if f.outcome == survey.OutcomeCompleted {
		s.Duration = time.Second
	}
	return s
}

func (f *fakeRunner) snapshot() (calls []survey.CallSession, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]survey.CallSession(nil), f.calls...), f.peak
}

type templates map[string]survey.Template

func (t templates) GetTemplate(_ context.Context, id string) (survey.Template, error) {
	tpl, ok := t[id]
	if !ok {
		return survey.Template{}, survey.ErrNotFound
	}
	return tpl, nil
}

type memStore struct {
	mu       sync.Mutex
	sessions []survey.CallSession
	metrics  map[string]survey.CampaignMetrics
}

func (m *memStore) SaveSession(_ context.Context, s survey.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memStore) SaveCampaignMetrics(_ context.Context, cm survey.CampaignMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		m.metrics = make(map[string]survey.CampaignMetrics)
	}
	m.metrics[cm.CampaignID] = cm
	return nil
}

func (m *memStore) saved() []survey.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]survey.CallSession(nil), m.sessions...)
}

type memResults struct {
	mu   sync.Mutex
	sent []string
}

func (r *memResults) Submit(_ context.Context, s survey.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s.ID)
	return nil
}

// blockingResults holds every Submit until release is closed.
type blockingResults struct {
	entered chan string
	release chan struct{}
}

func (r *blockingResults) Submit(_ context.Context, s survey.CallSession) error {
	r.entered <- s.ID
	<-r.release
	return nil
}

type closedStops struct{}

func (closedStops) StopChannel(string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type harness struct {
	q       *queue.Memory
	runner  *fakeRunner
	store   *memStore
	results *memResults
	agg     *metrics.Aggregator
	d       *Dispatcher
}

func newHarness(runner *fakeRunner, maxConcurrent int) *harness {
	logger := testLogger()
	h := &harness{
		q:       queue.NewMemory(100),
		runner:  runner,
		store:   &memStore{},
		results: &memResults{},
		agg:     metrics.NewAggregator(),
	}
	h.d = New(Deps{
		Queue:     h.q,
		Runner:    runner,
		Templates: templates{"t1": {ID: "t1", Questions: []survey.Question{{ID: "q1", Text: "?"}}}},
		Retry:     retry.NewController(h.q, 0, logger),
		Metrics:   h.agg,
		Store:     h.store,
		Results:   h.results,
	}, Config{MaxConcurrent: maxConcurrent, Interval: 5 * time.Millisecond}, logger)
	return h
}

func (h *harness) enqueue(t *testing.T, reqs ...survey.CallRequest) {
	t.Helper()
	for _, r := range reqs {
		if err := h.q.Enqueue(context.Background(), r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		h.agg.Queued(r.CampaignID, 1)
	}
}

// start runs the dispatcher until the returned stop func is called.
func (h *harness) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func request(id string) survey.CallRequest {
	return survey.CallRequest{
		ID:          id,
		CampaignID:  "c1",
		RecipientID: "p-" + id,
		Phone:       "+966500000001",
		TemplateID:  "t1",
		Priority:    5,
		ScheduledAt: time.Now().Add(-time.Second),
	}
}

func TestDispatcherRespectsConcurrencyCap(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 2)
	h.enqueue(t, request("r1"), request("r2"), request("r3"), request("r4"), request("r5"))

	stop := h.start(t)

	waitFor(t, "two active calls", func() bool { return h.d.ActiveCount() == 2 })
	time.Sleep(30 * time.Millisecond)
	if n, _ := h.q.Size(context.Background()); n != 3 {
		t.Errorf("queue size = %d, want 3", n)
	}

	close(runner.release)
	waitFor(t, "all sessions saved", func() bool { return len(h.store.saved()) == 5 })
	stop()

	calls, peak := runner.snapshot()
	if peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
	ids := make(map[string]bool)
	for _, c := range calls {
		if ids[c.ID] {
			t.Errorf("session ID %s reused", c.ID)
		}
		ids[c.ID] = true
	}
	if got := len(h.results.sent); got != 5 {
		t.Errorf("results submitted = %d, want 5", got)
	}
	if m := h.agg.Snapshot("c1"); m.Completed != 5 || m.Queued != 0 || m.InProgress != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatcherSkipsFutureRequests(t *testing.T) {
	runner := &fakeRunner{outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 5)
	future := request("r1")
	future.ScheduledAt = time.Now().Add(time.Hour)
	h.enqueue(t, future)

	stop := h.start(t)
	time.Sleep(40 * time.Millisecond)
	stop()

	if calls, _ := runner.snapshot(); len(calls) != 0 {
		t.Errorf("runner called %d times for a future request", len(calls))
	}
	if n, _ := h.q.Size(context.Background()); n != 1 {
		t.Errorf("queue size = %d, want 1", n)
	}
}

func TestDispatcherRetriesUntilExhausted(t *testing.T) {
	runner := &fakeRunner{outcome: survey.OutcomeNoAnswer, code: survey.CodeDialTimeout}
	h := newHarness(runner, 1)
	r := request("r1")
	r.MaxRetries = 1
	h.enqueue(t, r)

	stop := h.start(t)
	waitFor(t, "two attempts saved", func() bool { return len(h.store.saved()) == 2 })
	stop()

	saved := h.store.saved()
	if saved[0].Request.ID != saved[1].Request.ID || saved[0].ID == saved[1].ID {
		t.Errorf("attempts not linked by request ID: %+v", saved)
	}
	if saved[0].Outcome != survey.OutcomeNoAnswer {
		t.Errorf("first attempt outcome = %s", saved[0].Outcome)
	}
	last := saved[1]
	if last.Outcome != survey.OutcomeFailed || last.ErrorCode != survey.CodeRetryExhausted {
		t.Errorf("final = %s/%s, want FAILED/RETRY_EXHAUSTED", last.Outcome, last.ErrorCode)
	}
	if last.Request.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", last.Request.RetryCount)
	}
	if m := h.agg.Snapshot("c1"); m.Failed != 1 || m.Retried != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if len(h.results.sent) != 0 {
		t.Error("failed session submitted as results")
	}
	if h.store.metrics["c1"].Failed != 1 {
		t.Errorf("persisted metrics = %+v", h.store.metrics["c1"])
	}
}

func TestDispatcherUnknownTemplate(t *testing.T) {
	runner := &fakeRunner{outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 1)
	r := request("r1")
	r.TemplateID = "missing"
	h.enqueue(t, r)

	stop := h.start(t)
	waitFor(t, "session saved", func() bool { return len(h.store.saved()) == 1 })
	stop()

	s := h.store.saved()[0]
	if s.Outcome != survey.OutcomeFailed || s.ErrorCode != survey.CodeTemplateError {
		t.Errorf("session = %s/%s", s.Outcome, s.ErrorCode)
	}
	if calls, _ := runner.snapshot(); len(calls) != 0 {
		t.Error("runner called without a template")
	}
}

func TestDispatcherStoppedCampaignIsCancelled(t *testing.T) {
	runner := &fakeRunner{outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 1)
	h.d.deps.Stops = closedStops{}
	h.enqueue(t, request("r1"))

	stop := h.start(t)
	waitFor(t, "session saved", func() bool { return len(h.store.saved()) == 1 })
	stop()

	if s := h.store.saved()[0]; s.Outcome != survey.OutcomeCancelled {
		t.Errorf("Outcome = %s, want CANCELLED", s.Outcome)
	}
	if calls, _ := runner.snapshot(); len(calls) != 0 {
		t.Error("runner called for a stopped campaign")
	}
}

func TestDispatcherShutdownCancelsActiveCalls(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 3)
	h.enqueue(t, request("r1"), request("r2"))

	stop := h.start(t)
	waitFor(t, "two active calls", func() bool { return h.d.ActiveCount() == 2 })
	stop()

	if n := h.d.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount after Run returned = %d", n)
	}
	for _, s := range h.store.saved() {
		if s.Outcome != survey.OutcomeCancelled {
			t.Errorf("session %s outcome = %s", s.ID, s.Outcome)
		}
	}
}

type failingQueue struct{ queue.Queue }

func (failingQueue) DequeueNext(context.Context, time.Time) (survey.CallRequest, bool, error) {
	return survey.CallRequest{}, false, errors.New("redis down")
}

func TestDispatcherSurvivesDequeueErrors(t *testing.T) {
	runner := &fakeRunner{outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 1)
	h.d.deps.Queue = failingQueue{h.q}

	stop := h.start(t)
	time.Sleep(20 * time.Millisecond)
	stop()

	if calls, _ := runner.snapshot(); len(calls) != 0 {
		t.Errorf("runner called %d times", len(calls))
	}
}

func TestDispatcherFreesSlotBeforeSubmittingResults(t *testing.T) {
	runner := &fakeRunner{outcome: survey.OutcomeCompleted}
	h := newHarness(runner, 1)
	results := &blockingResults{entered: make(chan string, 2), release: make(chan struct{})}
	h.d.deps.Results = results
	h.enqueue(t, request("r1"), request("r2"))

	stop := h.start(t)

	select {
	case <-results.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never reached Submit")
	}
	// The first call is still being submitted; its slot already went to r2.
	waitFor(t, "second call", func() bool {
		calls, _ := runner.snapshot()
		return len(calls) == 2
	})
	waitFor(t, "second submit", func() bool { return len(results.entered) == 1 })
	if n := h.d.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount during Submit = %d, want 0", n)
	}

	close(results.release)
	stop()

	if _, peak := runner.snapshot(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}
