// Package dispatch drains the call queue into live conversations under a
// concurrency cap and routes every finished session to the retry
// controller, the metrics aggregator, the repository and the results sink.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callsurvey/internal/queue"
	"github.com/flowpbx/callsurvey/internal/retry"
	"github.com/flowpbx/callsurvey/internal/survey"
)

// CallRunner drives one session to a terminal state.
type CallRunner interface {
	Run(ctx context.Context, session survey.CallSession, tpl survey.Template, stop <-chan struct{}) survey.CallSession
}

// TemplateSource loads question templates.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (survey.Template, error)
}

// RetryPolicy decides the fate of a finished session.
type RetryPolicy interface {
	OnOutcome(ctx context.Context, s survey.CallSession) retry.Decision
}

// Recorder accumulates campaign counters.
type Recorder interface {
	Started(campaignID string)
	Record(s survey.CallSession, d retry.Decision)
	Snapshot(campaignID string) survey.CampaignMetrics
}

// SessionStore persists finished sessions and campaign totals.
type SessionStore interface {
	SaveSession(ctx context.Context, s survey.CallSession) error
	SaveCampaignMetrics(ctx context.Context, m survey.CampaignMetrics) error
}

// ResultSink receives completed surveys.
type ResultSink interface {
	Submit(ctx context.Context, s survey.CallSession) error
}

// StopSource hands out the stop signal of a campaign.
type StopSource interface {
	StopChannel(campaignID string) <-chan struct{}
}

// Config controls the dispatch loop.
type Config struct {
	MaxConcurrent int
	Interval      time.Duration
}

// Deps are the dispatcher's collaborators. Store, Results and Stops may be nil.
type Deps struct {
	Queue     queue.Queue
	Runner    CallRunner
	Templates TemplateSource
	Retry     RetryPolicy
	Metrics   Recorder
	Store     SessionStore
	Results   ResultSink
	Stops     StopSource
}

// Dispatcher starts due call requests while fewer than MaxConcurrent calls
// are active.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	active atomic.Int64
	wg     sync.WaitGroup
	wake   chan struct{}
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("subsystem", "dispatch"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// ActiveCount returns the number of calls currently running.
func (d *Dispatcher) ActiveCount() int {
	return int(d.active.Load())
}

// Notify asks the loop to check the queue before the next tick.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every started call has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Run dispatches until ctx is cancelled, then waits for running calls to
// finish. Cancelling ctx cancels the calls themselves.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"max_concurrent", d.cfg.MaxConcurrent,
		"interval", d.cfg.Interval,
	)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.fill(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// fill starts due requests until the cap is reached or none are due.
func (d *Dispatcher) fill(ctx context.Context) {
	for ctx.Err() == nil && d.ActiveCount() < d.cfg.MaxConcurrent {
		req, ok, err := d.deps.Queue.DequeueNext(ctx, d.now())
		if err != nil {
			d.logger.Error("dequeue failed", "error", err)
			return
		}
		if !ok {
			return
		}
		d.start(ctx, req)
	}
}

func (d *Dispatcher) start(ctx context.Context, req survey.CallRequest) {
	d.active.Add(1)
	d.wg.Add(1)

	session := survey.CallSession{
		ID:      uuid.NewString(),
		Request: req,
		State:   survey.StateQueued,
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.Started(req.CampaignID)
	}

	var stop <-chan struct{}
	if d.deps.Stops != nil {
		stop = d.deps.Stops.StopChannel(req.CampaignID)
	}

	d.logger.Info("dispatching call",
		"session_id", session.ID,
		"campaign_id", req.CampaignID,
		"call_request_id", req.ID,
		"priority", req.Priority,
		"retry_count", req.RetryCount,
	)

	go func() {
		defer d.wg.Done()
		final := d.runCall(ctx, session, stop)
		// The slot is free once the call ends, before storage and results.
		d.active.Add(-1)
		d.Notify()
		d.finish(context.WithoutCancel(ctx), final)
	}()
}

func (d *Dispatcher) runCall(ctx context.Context, session survey.CallSession, stop <-chan struct{}) survey.CallSession {
	req := session.Request
	now := d.now()

	if isClosed(stop) {
		session.State = survey.StateCancelled
		session.Outcome = survey.OutcomeCancelled
		session.ErrorCode = survey.CodeCancelled
		session.StartedAt, session.CompletedAt = now, now
		return session
	}

	tpl, err := d.deps.Templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		d.logger.Error("loading template", "session_id", session.ID, "template_id", req.TemplateID, "error", err)
		session.State = survey.StateFailed
		session.Outcome = survey.OutcomeFailed
		session.ErrorCode = survey.CodeTemplateError
		session.StartedAt, session.CompletedAt = now, now
		return session
	}

	return d.deps.Runner.Run(ctx, session, tpl, stop)
}

// finish hands a terminal session to retry, metrics, storage and results
// in that order. Storage and result errors are logged, never retried here.
func (d *Dispatcher) finish(ctx context.Context, s survey.CallSession) {
	log := d.logger.With("session_id", s.ID, "campaign_id", s.Request.CampaignID)

	dec := d.deps.Retry.OnOutcome(ctx, s)
	if !dec.Requeued {
		s.Outcome = dec.Outcome
		s.ErrorCode = dec.ErrorCode
		if dec.Outcome == survey.OutcomeFailed {
			s.State = survey.StateFailed
		}
	}

	if d.deps.Metrics != nil {
		d.deps.Metrics.Record(s, dec)
	}

	if d.deps.Store != nil {
		if err := d.deps.Store.SaveSession(ctx, s); err != nil {
			log.Error("saving session", "error", err)
		}
		if d.deps.Metrics != nil {
			if err := d.deps.Store.SaveCampaignMetrics(ctx, d.deps.Metrics.Snapshot(s.Request.CampaignID)); err != nil {
				log.Error("saving campaign metrics", "error", err)
			}
		}
	}

	if d.deps.Results != nil && s.Outcome == survey.OutcomeCompleted {
		if err := d.deps.Results.Submit(ctx, s); err != nil {
			log.Error("submitting results", "error", fmt.Errorf("session %s: %w", s.ID, err))
		}
	}

	if dec.Requeued {
		d.Notify()
	}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
