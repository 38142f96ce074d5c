package conversation

import (
	"time"

	"github.com/flowpbx/callsurvey/internal/classifier"
)

// Event is an input to Machine.Handle. The set is closed.
type Event interface {
	event()
}

// Start begins dialing.
type Start struct{}

// DialFailed reports that the gateway could not place the call.
type DialFailed struct{ Err error }

// Ringing reports that the far end is alerting.
type Ringing struct{}

// Answered reports that the far end picked up.
type Answered struct{}

// Busy reports a busy or declined destination.
type Busy struct{}

// NoAnswer reports that the dial timer expired or the carrier gave up.
type NoAnswer struct{}

// PlaybackDone reports that the prompt with Label finished playing.
type PlaybackDone struct{ Label string }

// SpeakFailed reports a text-to-speech failure.
type SpeakFailed struct{ Err error }

// ResponseCaptured ends a listening window. Transcript is empty when no
// speech was heard. Err is set when transcription failed.
type ResponseCaptured struct {
	Transcript string
	Elapsed    time.Duration
	Err        error
}

// Classified carries the classifier's verdict on the last response.
type Classified struct{ Result classifier.Result }

// Advance moves past a recorded turn to the next question or the closing.
type Advance struct{}

// ChannelClosed reports that the call channel failed or the far end hung up.
type ChannelClosed struct{ Err error }

// ProtocolViolation reports an unexpected or malformed peer message.
type ProtocolViolation struct{ Detail string }

// Cancel is delivered when the campaign is stopped.
type Cancel struct{}

func (Start) event()             {}
func (DialFailed) event()        {}
func (Ringing) event()           {}
func (Answered) event()          {}
func (Busy) event()              {}
func (NoAnswer) event()          {}
func (PlaybackDone) event()      {}
func (SpeakFailed) event()       {}
func (ResponseCaptured) event()  {}
func (Classified) event()        {}
func (Advance) event()           {}
func (ChannelClosed) event()     {}
func (ProtocolViolation) event() {}
func (Cancel) event()            {}

// Action is an output of Machine.Handle for the Runner to perform.
type Action interface {
	action()
}

// Dial places the call.
type Dial struct{}

// Speak synthesizes Text, streams it and waits for playback to finish.
type Speak struct {
	Text  string
	Label string
}

// Listen collects caller audio for up to Timeout and transcribes it.
type Listen struct {
	Timeout time.Duration
}

// Classify runs the classifier on Transcript against Expected. An empty
// Transcript classifies as UNCERTAIN without consulting the classifier.
type Classify struct {
	Transcript string
	Expected   []string
}

// Next asks the runner to deliver Advance.
type Next struct{}

// Hangup ends an answered call.
type Hangup struct{}

// SendError reports a failure to the peer before hangup.
type SendError struct{ Message string }

func (Dial) action()      {}
func (Speak) action()     {}
func (Listen) action()    {}
func (Classify) action()  {}
func (Next) action()      {}
func (Hangup) action()    {}
func (SendError) action() {}
