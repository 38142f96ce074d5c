// Package queue holds pending call requests ordered by priority, schedule
// time and insertion order.
package queue

import (
	"context"
	"time"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// Queue is a bounded priority queue of call requests. Enqueue and
// DequeueNext are atomic with respect to each other.
type Queue interface {
	// Enqueue adds req, returning survey.ErrQueueFull when the queue is at
	// capacity. A rejected request leaves the queue unchanged.
	Enqueue(ctx context.Context, req survey.CallRequest) error

	// DequeueNext removes and returns the highest-ordered request whose
	// ScheduledAt is not after now. ok is false when nothing is due.
	DequeueNext(ctx context.Context, now time.Time) (req survey.CallRequest, ok bool, err error)

	// Size returns the number of queued requests, due or not.
	Size(ctx context.Context) (int, error)

	// RemoveCampaign drops every queued request for campaignID and returns
	// how many were removed.
	RemoveCampaign(ctx context.Context, campaignID string) (int, error)
}

// before reports whether a is dequeued ahead of b among due requests:
// priority descending, then ScheduledAt ascending, then FIFO.
func before(a, b survey.CallRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.Seq < b.Seq
}
