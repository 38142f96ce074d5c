package survey

// State is a conversation protocol state.
type State string

const (
	StateQueued           State = "QUEUED"
	StateDialing          State = "DIALING"
	StateRinging          State = "RINGING"
	StateAnswered         State = "ANSWERED"
	StateGreeting         State = "GREETING"
	StateAsking           State = "ASKING"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateClassifying      State = "CLASSIFYING"
	StateAdvancing        State = "ADVANCING"
	StateCompleting       State = "COMPLETING"
	StateCompleted        State = "COMPLETED"
	StateNoAnswer         State = "NO_ANSWER"
	StateBusy             State = "BUSY"
	StateFailed           State = "FAILED"
	StateCancelled        State = "CANCELLED"
	StateDispatchFailed   State = "DISPATCH_FAILED"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateNoAnswer, StateBusy, StateFailed, StateCancelled, StateDispatchFailed:
		return true
	}
	return false
}

// Outcome is the terminal result of a CallSession.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeCompleted      Outcome = "COMPLETED"
	OutcomeNoAnswer       Outcome = "NO_ANSWER"
	OutcomeBusy           Outcome = "BUSY"
	OutcomeFailed         Outcome = "FAILED"
	OutcomeCancelled      Outcome = "CANCELLED"
	OutcomeDispatchFailed Outcome = "DISPATCH_FAILED"
)

// OutcomeFor maps a terminal state to its outcome.
func OutcomeFor(s State) Outcome {
	switch s {
	case StateCompleted:
		return OutcomeCompleted
	case StateNoAnswer:
		return OutcomeNoAnswer
	case StateBusy:
		return OutcomeBusy
	case StateFailed:
		return OutcomeFailed
	case StateCancelled:
		return OutcomeCancelled
	case StateDispatchFailed:
		return OutcomeDispatchFailed
	}
	return OutcomeNone
}

// Retryable reports whether the outcome is a transient dial failure.
func (o Outcome) Retryable() bool {
	return o == OutcomeNoAnswer || o == OutcomeBusy || o == OutcomeDispatchFailed
}

// Answer is a classified response category.
type Answer string

const (
	AnswerAffirmative Answer = "AFFIRMATIVE"
	AnswerNegative    Answer = "NEGATIVE"
	AnswerUncertain   Answer = "UNCERTAIN"
)

// Value returns the numeric encoding stored with submitted results.
func (a Answer) Value() int {
	switch a {
	case AnswerAffirmative:
		return 1
	case AnswerNegative:
		return 0
	default:
		return 3
	}
}

// Error codes recorded on sessions and turns.
const (
	CodeDialTimeout     = "DIAL_TIMEOUT"
	CodeBusy            = "BUSY"
	CodeDispatchFailed  = "DISPATCH_FAILED"
	CodeTTSError        = "TTS_ERROR"
	CodeSTTError        = "STT_ERROR"
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeRetryExhausted  = "RETRY_EXHAUSTED"
	CodeQueueFull       = "QUEUE_FULL"
	CodeCancelled       = "CANCELLED"
	CodeResponseTimeout = "RESPONSE_TIMEOUT"
	CodeTemplateError   = "TEMPLATE_ERROR"
)

// ChannelErrorCode returns the error code for a channel failure in state s.
func ChannelErrorCode(s State) string {
	return string(s) + "_CHANNEL_ERROR"
}
