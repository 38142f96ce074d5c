package telephony

import (
	"context"
	"time"
)

// SignalKind is a dial progress event.
type SignalKind int

const (
	SignalRinging SignalKind = iota + 1
	SignalAnswered
	SignalBusy
	SignalNoAnswer
	SignalFailed
)

func (k SignalKind) String() string {
	switch k {
	case SignalRinging:
		return "ringing"
	case SignalAnswered:
		return "answered"
	case SignalBusy:
		return "busy"
	case SignalNoAnswer:
		return "no-answer"
	case SignalFailed:
		return "failed"
	}
	return "unknown"
}

// Signal is delivered on Channel.Signals while the call is being placed.
type Signal struct {
	Kind   SignalKind
	Reason string
}

// DialRequest describes an outbound call.
type DialRequest struct {
	SessionID string
	Phone     string
	CallerID  string
	Custom    map[string]string
}

// Gateway places outbound calls.
type Gateway interface {
	// Dial starts placing the call and returns as soon as the carrier has
	// accepted it. Failure to place the call at all is returned as an
	// error; everything after that is reported on the channel.
	Dial(ctx context.Context, req DialRequest) (Channel, error)
}

// Channel is a single call's media and control stream.
type Channel interface {
	// Signals reports dial progress. It is closed after a terminal signal
	// (Answered, Busy, NoAnswer, Failed).
	Signals() <-chan Signal

	// Messages delivers inbound messages once the call is answered. It is
	// closed when the far end disconnects.
	Messages() <-chan Message

	// Send delivers an outbound message.
	Send(ctx context.Context, m Message) error

	// Close hangs up if needed and releases resources. Safe to call twice.
	Close() error
}

// MulawBytesPerSecond is the byte rate of 8 kHz mu-law audio.
const MulawBytesPerSecond = 8000

// AudioDuration returns the playback length of mu-law audio.
func AudioDuration(audio []byte) time.Duration {
	return time.Duration(len(audio)) * time.Second / MulawBytesPerSecond
}
