package survey

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("call queue is full")

	// ErrRetryExhausted marks a session whose retryable failure hit max_retries.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrLowConfidence is recorded on a turn, never propagated to the caller.
	ErrLowConfidence = errors.New("classification below confidence threshold")

	// ErrNotFound is returned by repositories for unknown IDs.
	ErrNotFound = errors.New("not found")

	// ErrCampaignRunning is returned when starting a campaign twice.
	ErrCampaignRunning = errors.New("campaign already running")
)

// ValidationError rejects a malformed request at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DispatchError wraps a gateway failure to place a call.
type DispatchError struct {
	Phone string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching call to %s: %v", e.Phone, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected channel message.
type ProtocolError struct {
	State  State
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %s", e.State, e.Detail)
}

// Timeout phases.
const (
	PhaseDial     = "dial"
	PhaseResponse = "response"
)

// TimeoutError reports an expired dial or response timer.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string {
	return e.Phase + " timeout"
}
