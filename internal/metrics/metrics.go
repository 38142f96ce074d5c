// Package metrics aggregates per-campaign call outcomes and exposes them,
// with dispatcher and queue gauges, to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// ActiveCallsProvider exposes the number of calls currently running.
type ActiveCallsProvider interface {
	ActiveCount() int
}

// QueueSizer returns the number of queued call requests.
type QueueSizer interface {
	Size(ctx context.Context) (int, error)
}

// CampaignMetricsProvider returns the per-campaign counters.
type CampaignMetricsProvider interface {
	All() []survey.CampaignMetrics
}

// Collector is a prometheus.Collector that gathers survey metrics at scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	queue       QueueSizer
	campaigns   CampaignMetricsProvider
	startTime   time.Time

	activeCallsDesc   *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	retriesTotalDesc  *prometheus.Desc
	campaignQueued    *prometheus.Desc
	campaignInFlight  *prometheus.Desc
	successRatioDesc  *prometheus.Desc
	avgDurationDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	queue QueueSizer,
	campaigns CampaignMetricsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		queue:       queue,
		campaigns:   campaigns,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callsurvey_active_calls",
			"Number of survey calls currently dialing or connected",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"callsurvey_queue_depth",
			"Number of call requests waiting in the queue",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"callsurvey_calls_total",
			"Finalized call requests by campaign and outcome",
			[]string{"campaign_id", "outcome"}, nil,
		),
		retriesTotalDesc: prometheus.NewDesc(
			"callsurvey_retries_total",
			"Call attempts requeued for retry",
			[]string{"campaign_id"}, nil,
		),
		campaignQueued: prometheus.NewDesc(
			"callsurvey_campaign_queued",
			"Call requests queued per campaign",
			[]string{"campaign_id"}, nil,
		),
		campaignInFlight: prometheus.NewDesc(
			"callsurvey_campaign_in_progress",
			"Calls in progress per campaign",
			[]string{"campaign_id"}, nil,
		),
		successRatioDesc: prometheus.NewDesc(
			"callsurvey_campaign_success_ratio",
			"Completed over finalized call requests per campaign",
			[]string{"campaign_id"}, nil,
		),
		avgDurationDesc: prometheus.NewDesc(
			"callsurvey_campaign_average_duration_seconds",
			"Average duration of completed surveys per campaign",
			[]string{"campaign_id"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callsurvey_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queueDepthDesc
	ch <- c.callsTotalDesc
	ch <- c.retriesTotalDesc
	ch <- c.campaignQueued
	ch <- c.campaignInFlight
	ch <- c.successRatioDesc
	ch <- c.avgDurationDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCount()),
		)
	}

	if c.queue != nil {
		n, err := c.queue.Size(ctx)
		if err != nil {
			slog.Error("metrics: failed to read queue depth", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.campaigns != nil {
		for _, m := range c.campaigns.All() {
			id := m.CampaignID
			for outcome, n := range map[string]int{
				"completed": m.Completed,
				"failed":    m.Failed,
				"cancelled": m.Cancelled,
			} {
				ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(n), id, outcome)
			}
			ch <- prometheus.MustNewConstMetric(c.retriesTotalDesc, prometheus.CounterValue, float64(m.Retried), id)
			ch <- prometheus.MustNewConstMetric(c.campaignQueued, prometheus.GaugeValue, float64(m.Queued), id)
			ch <- prometheus.MustNewConstMetric(c.campaignInFlight, prometheus.GaugeValue, float64(m.InProgress), id)
			ch <- prometheus.MustNewConstMetric(c.successRatioDesc, prometheus.GaugeValue, m.SuccessRate, id)
			ch <- prometheus.MustNewConstMetric(c.avgDurationDesc, prometheus.GaugeValue, m.AverageDuration.Seconds(), id)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
