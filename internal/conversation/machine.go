// Package conversation drives one outbound survey call: a pure state
// machine that decides what happens next, and a runner that performs the
// machine's actions against the carrier and speech services.
package conversation

import (
	"fmt"
	"time"

	"github.com/flowpbx/callsurvey/internal/classifier"
	"github.com/flowpbx/callsurvey/internal/survey"
)

// Prompt labels used to match playback completion to the prompt sent.
const (
	labelGreeting = "greeting"
	labelClosing  = "closing"
)

func questionLabel(i int) string {
	return fmt.Sprintf("question:%d", i)
}

// Transition is the result of handling one event.
type Transition struct {
	From    survey.State
	To      survey.State
	Actions []Action

	// Ignored is set when the event does not apply in From.
	Ignored bool
}

// Machine owns a CallSession and advances it one event at a time. It does
// no I/O; every side effect is returned as an Action.
type Machine struct {
	session         survey.CallSession
	template        survey.Template
	responseTimeout time.Duration
	now             func() time.Time
	answered        bool

	// Held between AWAITING_RESPONSE and CLASSIFYING. A non-empty
	// pendingCode marks a capture that classifies as UNCERTAIN.
	pendingTranscript string
	pendingElapsed    time.Duration
	pendingCode       string
}

// NewMachine prepares session to run tpl. The session starts in QUEUED.
func NewMachine(session survey.CallSession, tpl survey.Template, responseTimeout time.Duration, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	session.State = survey.StateQueued
	session.CurrentQuestionIndex = 0
	session.TotalQuestions = len(tpl.Questions)
	session.Turns = make([]survey.ConversationTurn, 0, len(tpl.Questions))
	return &Machine{
		session:         session,
		template:        tpl,
		responseTimeout: responseTimeout,
		now:             now,
	}
}

// State returns the current protocol state.
func (m *Machine) State() survey.State {
	return m.session.State
}

// Answered reports whether the call was picked up.
func (m *Machine) Answered() bool {
	return m.answered
}

// Session returns a snapshot of the session.
func (m *Machine) Session() survey.CallSession {
	return m.session.Clone()
}

// Handle applies ev to the current state.
func (m *Machine) Handle(ev Event) Transition {
	from := m.session.State
	if from.Terminal() {
		return Transition{From: from, To: from, Ignored: true}
	}

	switch e := ev.(type) {
	case Cancel:
		if from == survey.StateCompleting {
			// Every turn is recorded; the goodbye plays out.
			return Transition{From: from, To: from, Ignored: true}
		}
		return m.finish(from, survey.StateCancelled, survey.CodeCancelled, m.hangup()...)
	case ProtocolViolation:
		var actions []Action
		if m.answered {
			actions = []Action{SendError{Message: e.Detail}, Hangup{}}
		}
		return m.finish(from, survey.StateFailed, survey.CodeProtocolError, actions...)
	}

	switch from {
	case survey.StateQueued:
		if _, ok := ev.(Start); ok {
			m.session.StartedAt = m.now()
			return m.move(from, survey.StateDialing, Dial{})
		}

	case survey.StateDialing, survey.StateRinging:
		switch ev.(type) {
		case Ringing:
			if from == survey.StateDialing {
				return m.move(from, survey.StateRinging)
			}
		case Answered:
			m.answered = true
			m.session.AnsweredAt = m.now()
			return m.move(from, survey.StateGreeting, Speak{Text: m.template.Greeting, Label: labelGreeting})
		case Busy:
			return m.finish(from, survey.StateBusy, survey.CodeBusy)
		case NoAnswer:
			return m.finish(from, survey.StateNoAnswer, survey.CodeDialTimeout)
		case DialFailed, ChannelClosed:
			return m.finish(from, survey.StateDispatchFailed, survey.CodeDispatchFailed)
		}

	case survey.StateGreeting:
		switch e := ev.(type) {
		case PlaybackDone:
			if e.Label == labelGreeting {
				return m.ask(from)
			}
		case SpeakFailed:
			return m.finish(from, survey.StateFailed, survey.CodeTTSError, Hangup{})
		case ChannelClosed:
			return m.channelError(from)
		}

	case survey.StateAsking:
		switch e := ev.(type) {
		case PlaybackDone:
			if e.Label == questionLabel(m.session.CurrentQuestionIndex) {
				return m.move(from, survey.StateAwaitingResponse, Listen{Timeout: m.window(m.session.CurrentQuestionIndex)})
			}
		case SpeakFailed:
			return m.finish(from, survey.StateFailed, survey.CodeTTSError, Hangup{})
		case ChannelClosed:
			return m.channelError(from)
		}

	case survey.StateAwaitingResponse:
		switch e := ev.(type) {
		case ResponseCaptured:
			q := m.template.Questions[m.session.CurrentQuestionIndex]
			m.pendingElapsed = e.Elapsed
			m.pendingTranscript = e.Transcript
			switch {
			case e.Err != nil:
				m.pendingCode = survey.CodeSTTError
			case e.Transcript == "":
				m.pendingCode = survey.CodeResponseTimeout
			}
			if m.pendingCode != "" {
				return m.move(from, survey.StateClassifying, Classify{Expected: q.ExpectedResponses})
			}
			return m.move(from, survey.StateClassifying, Classify{Transcript: e.Transcript, Expected: q.ExpectedResponses})
		case ChannelClosed:
			return m.channelError(from)
		}

	case survey.StateClassifying:
		switch e := ev.(type) {
		case Classified:
			res := e.Result
			if m.pendingCode != "" {
				res = classifier.Result{Answer: survey.AnswerUncertain}
			}
			m.record(m.pendingTranscript, res, m.pendingElapsed, m.pendingCode)
			return m.move(from, survey.StateAdvancing, Next{})
		case ChannelClosed:
			return m.channelError(from)
		}

	case survey.StateAdvancing:
		switch ev.(type) {
		case Advance:
			return m.ask(from)
		case ChannelClosed:
			return m.channelError(from)
		}

	case survey.StateCompleting:
		switch e := ev.(type) {
		case PlaybackDone:
			if e.Label == labelClosing {
				return m.finish(from, survey.StateCompleted, "", Hangup{})
			}
		case SpeakFailed:
			return m.finish(from, survey.StateFailed, survey.CodeTTSError, Hangup{})
		case ChannelClosed:
			// Every answer is already recorded; the caller hung up on the goodbye.
			return m.finish(from, survey.StateCompleted, "")
		}
	}

	return Transition{From: from, To: from, Ignored: true}
}

// ask moves to ASKING for the current question, or to COMPLETING once
// every question has a turn.
func (m *Machine) ask(from survey.State) Transition {
	i := m.session.CurrentQuestionIndex
	if i >= m.session.TotalQuestions {
		return m.move(from, survey.StateCompleting, Speak{Text: m.template.Closing, Label: labelClosing})
	}
	q := m.template.Questions[i]
	return m.move(from, survey.StateAsking, Speak{Text: q.Text, Label: questionLabel(i)})
}

// window is how long question i waits for an answer: its pause_seconds,
// or the configured response timeout when that is zero.
func (m *Machine) window(i int) time.Duration {
	if p := m.template.Questions[i].PauseSeconds; p > 0 {
		return time.Duration(p) * time.Second
	}
	return m.responseTimeout
}

// record appends the turn for the current question and moves the index on.
func (m *Machine) record(transcript string, res classifier.Result, elapsed time.Duration, code string) {
	i := m.session.CurrentQuestionIndex
	q := m.template.Questions[i]
	m.session.Turns = append(m.session.Turns, survey.ConversationTurn{
		QuestionID:      q.ID,
		QuestionOrder:   q.Order,
		QuestionText:    q.Text,
		ExpectedAnswers: q.ExpectedResponses,
		PauseSeconds:    q.PauseSeconds,
		RawTranscript:   transcript,
		Answer:          res.Answer,
		Confidence:      res.Confidence,
		LowConfidence:   res.Low(),
		ErrorCode:       code,
		AnsweredAt:      m.now(),
		ResponseTime:    elapsed,
	})
	m.session.CurrentQuestionIndex = i + 1
	m.pendingTranscript = ""
	m.pendingElapsed = 0
	m.pendingCode = ""
}

func (m *Machine) channelError(from survey.State) Transition {
	return m.finish(from, survey.StateFailed, survey.ChannelErrorCode(from))
}

func (m *Machine) hangup() []Action {
	if m.answered {
		return []Action{Hangup{}}
	}
	return nil
}

func (m *Machine) move(from, to survey.State, actions ...Action) Transition {
	m.session.State = to
	return Transition{From: from, To: to, Actions: actions}
}

func (m *Machine) finish(from, to survey.State, code string, actions ...Action) Transition {
	now := m.now()
	m.session.State = to
	m.session.Outcome = survey.OutcomeFor(to)
	m.session.ErrorCode = code
	m.session.CompletedAt = now
	if !m.session.StartedAt.IsZero() {
		m.session.Duration = now.Sub(m.session.StartedAt)
	}
	return Transition{From: from, To: to, Actions: actions}
}
