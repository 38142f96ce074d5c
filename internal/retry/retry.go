// Package retry decides whether a finished call attempt is requeued or
// finalized.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/callsurvey/internal/queue"
	"github.com/flowpbx/callsurvey/internal/survey"
)

// Decision is the controller's verdict on one finished session.
type Decision struct {
	// Requeued is true when Next was put back on the queue.
	Requeued bool
	Next     survey.CallRequest

	// Outcome and ErrorCode are the final values when the request is not
	// requeued. They differ from the session's when retries ran out.
	Outcome   survey.Outcome
	ErrorCode string
	Err       error
}

// Controller requeues retryable outcomes after a fixed delay.
type Controller struct {
	queue  queue.Queue
	delay  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewController creates a Controller that reschedules retries delay after
// the failed attempt ended.
func NewController(q queue.Queue, delay time.Duration, logger *slog.Logger) *Controller {
	return &Controller{
		queue:  q,
		delay:  delay,
		now:    time.Now,
		logger: logger.With("subsystem", "retry"),
	}
}

// OnOutcome handles a terminal session.
func (c *Controller) OnOutcome(ctx context.Context, s survey.CallSession) Decision {
	req := s.Request
	log := c.logger.With("session_id", s.ID, "call_request_id", req.ID, "outcome", s.Outcome)

	if !s.Outcome.Retryable() {
		return Decision{Outcome: s.Outcome, ErrorCode: s.ErrorCode}
	}

	if req.RetryCount >= req.MaxRetries {
		log.Info("retries exhausted", "retry_count", req.RetryCount, "max_retries", req.MaxRetries)
		return Decision{
			Outcome:   survey.OutcomeFailed,
			ErrorCode: survey.CodeRetryExhausted,
			Err:       fmt.Errorf("%w after %d attempts: last outcome %s", survey.ErrRetryExhausted, req.RetryCount+1, s.Outcome),
		}
	}

	next := req
	next.RetryCount++
	next.ScheduledAt = c.now().Add(c.delay)
	next.Seq = 0

	if err := c.queue.Enqueue(ctx, next); err != nil {
		code := survey.CodeQueueFull
		if !errors.Is(err, survey.ErrQueueFull) {
			code = survey.CodeDispatchFailed
		}
		log.Warn("requeue failed, finalizing", "error", err)
		return Decision{Outcome: survey.OutcomeFailed, ErrorCode: code, Err: err}
	}

	log.Info("call requeued", "retry_count", next.RetryCount, "scheduled_at", next.ScheduledAt)
	return Decision{Requeued: true, Next: next}
}
