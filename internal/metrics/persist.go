package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// MetricsSaver stores campaign snapshots.
type MetricsSaver interface {
	SaveCampaignMetrics(ctx context.Context, m survey.CampaignMetrics) error
}

// Persister periodically writes every campaign's snapshot to a store.
// Finished calls save their campaign immediately; the ticker covers
// queue changes from start and stop, which finish no call.
type Persister struct {
	agg      *Aggregator
	store    MetricsSaver
	interval time.Duration
	logger   *slog.Logger
}

// NewPersister creates a Persister that flushes every interval.
func NewPersister(agg *Aggregator, store MetricsSaver, interval time.Duration, logger *slog.Logger) *Persister {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Persister{
		agg:      agg,
		store:    store,
		interval: interval,
		logger:   logger.With("subsystem", "metrics"),
	}
}

// Run flushes on every tick and once more when ctx is cancelled.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			p.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush saves every known campaign and returns how many were written.
func (p *Persister) Flush(ctx context.Context) int {
	saved := 0
	for _, m := range p.agg.All() {
		if err := p.store.SaveCampaignMetrics(ctx, m); err != nil {
			p.logger.Error("persisting campaign metrics", "campaign_id", m.CampaignID, "error", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		p.logger.Debug("campaign metrics persisted", "campaigns", saved)
	}
	return saved
}
