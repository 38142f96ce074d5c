package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// metricsRepo implements MetricsRepository.
type metricsRepo struct {
	db *DB
}

// NewMetricsRepository creates a new MetricsRepository.
func NewMetricsRepository(db *DB) MetricsRepository {
	return &metricsRepo{db: db}
}

// Save upserts a campaign's metric snapshot.
func (r *metricsRepo) Save(ctx context.Context, m survey.CampaignMetrics) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO campaign_metrics (campaign_id, queued, in_progress, completed, failed,
		 cancelled, retried, average_duration_ms, success_rate, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (campaign_id) DO UPDATE SET
		   queued = excluded.queued,
		   in_progress = excluded.in_progress,
		   completed = excluded.completed,
		   failed = excluded.failed,
		   cancelled = excluded.cancelled,
		   retried = excluded.retried,
		   average_duration_ms = excluded.average_duration_ms,
		   success_rate = excluded.success_rate,
		   updated_at = excluded.updated_at`,
		m.CampaignID, m.Queued, m.InProgress, m.Completed, m.Failed,
		m.Cancelled, m.Retried, m.AverageDuration.Milliseconds(), m.SuccessRate, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting campaign metrics: %w", err)
	}
	return nil
}

// List returns every stored snapshot ordered by campaign ID.
func (r *metricsRepo) List(ctx context.Context) ([]survey.CampaignMetrics, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT campaign_id, queued, in_progress, completed, failed, cancelled, retried,
		 average_duration_ms, success_rate
		 FROM campaign_metrics ORDER BY campaign_id`)
	if err != nil {
		return nil, fmt.Errorf("querying campaign metrics: %w", err)
	}
	defer rows.Close()

	var out []survey.CampaignMetrics
	for rows.Next() {
		var (
			m     survey.CampaignMetrics
			avgMS int64
		)
		if err := rows.Scan(&m.CampaignID, &m.Queued, &m.InProgress, &m.Completed, &m.Failed,
			&m.Cancelled, &m.Retried, &avgMS, &m.SuccessRate); err != nil {
			return nil, fmt.Errorf("scanning campaign metrics row: %w", err)
		}
		m.AverageDuration = time.Duration(avgMS) * time.Millisecond
		out = append(out, m)
	}
	return out, rows.Err()
}
