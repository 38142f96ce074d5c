package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/callsurvey/internal/retry"
	"github.com/flowpbx/callsurvey/internal/survey"
)

// campaignTotals is the mutable form of survey.CampaignMetrics.
type campaignTotals struct {
	queued        int
	inProgress    int
	completed     int
	failed        int
	cancelled     int
	retried       int
	totalDuration time.Duration
}

// Aggregator keeps per-campaign call counters. Recording a session is
// idempotent on the session ID.
type Aggregator struct {
	mu        sync.Mutex
	campaigns map[string]*campaignTotals
	recorded  map[string]bool
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		campaigns: make(map[string]*campaignTotals),
		recorded:  make(map[string]bool),
	}
}

func (a *Aggregator) totals(campaignID string) *campaignTotals {
	t, ok := a.campaigns[campaignID]
	if !ok {
		t = &campaignTotals{}
		a.campaigns[campaignID] = t
	}
	return t
}

// Queued adds n newly queued requests.
func (a *Aggregator) Queued(campaignID string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals(campaignID).queued += n
}

// Started moves one request from queued to in progress.
func (a *Aggregator) Started(campaignID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.totals(campaignID)
	t.queued--
	t.inProgress++
}

// Removed records n queued requests dropped by a campaign stop.
func (a *Aggregator) Removed(campaignID string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.totals(campaignID)
	t.queued -= n
	t.cancelled += n
}

// Record accounts for a finished session and the retry decision made on
// it. A session ID seen before is ignored.
func (a *Aggregator) Record(s survey.CallSession, d retry.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recorded[s.ID] {
		return
	}
	a.recorded[s.ID] = true

	t := a.totals(s.Request.CampaignID)
	t.inProgress = max(t.inProgress-1, 0)

	if d.Requeued {
		t.retried++
		t.queued++
		return
	}
	switch d.Outcome {
	case survey.OutcomeCompleted:
		t.completed++
		t.totalDuration += s.Duration
	case survey.OutcomeCancelled:
		t.cancelled++
	default:
		t.failed++
	}
}

// Snapshot returns the current metrics for campaignID.
func (a *Aggregator) Snapshot(campaignID string) survey.CampaignMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(campaignID)
}

func (a *Aggregator) snapshot(campaignID string) survey.CampaignMetrics {
	t, ok := a.campaigns[campaignID]
	if !ok {
		return survey.CampaignMetrics{CampaignID: campaignID}
	}
	m := survey.CampaignMetrics{
		CampaignID: campaignID,
		Queued:     t.queued,
		InProgress: t.inProgress,
		Completed:  t.completed,
		Failed:     t.failed,
		Cancelled:  t.cancelled,
		Retried:    t.retried,
	}
	if t.completed > 0 {
		m.AverageDuration = t.totalDuration / time.Duration(t.completed)
	}
	if terminal := t.completed + t.failed + t.cancelled; terminal > 0 {
		m.SuccessRate = float64(t.completed) / float64(terminal)
	}
	return m
}

// All returns snapshots for every known campaign, sorted by ID.
func (a *Aggregator) All() []survey.CampaignMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]survey.CampaignMetrics, 0, len(a.campaigns))
	for id := range a.campaigns {
		out = append(out, a.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

// Restore seeds a campaign's counters, e.g. from persisted metrics after a
// restart. In-progress calls are not carried over.
func (a *Aggregator) Restore(m survey.CampaignMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.campaigns[m.CampaignID] = &campaignTotals{
		queued:        m.Queued,
		completed:     m.Completed,
		failed:        m.Failed,
		cancelled:     m.Cancelled,
		retried:       m.Retried,
		totalDuration: m.AverageDuration * time.Duration(m.Completed),
	}
}
