package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/flowpbx/callsurvey/internal/classifier"
	"github.com/flowpbx/callsurvey/internal/media"
	"github.com/flowpbx/callsurvey/internal/speech"
	"github.com/flowpbx/callsurvey/internal/survey"
	"github.com/flowpbx/callsurvey/internal/telephony"
)

// ErrRemoteHangup is reported when the far end disconnects mid-call.
var ErrRemoteHangup = errors.New("remote party hung up")

// Classifier labels a transcript.
type Classifier interface {
	Classify(transcript string, expected []string) classifier.Result
}

// Config holds per-call timing.
type Config struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	// SilenceTimeout ends a response once speech was heard and this much
	// time passes without another voiced frame.
	SilenceTimeout time.Duration
	// MarkGrace is added to the audio duration while waiting for the
	// carrier to echo a call.mark.
	MarkGrace      time.Duration
	CallerID       string
	VoiceThreshold int
}

// chunkBytes splits synthesized audio into one-second response.stream frames.
const chunkBytes = telephony.MulawBytesPerSecond

// maxResponseBytes caps buffered caller audio per answer.
const maxResponseBytes = 60 * telephony.MulawBytesPerSecond

// hangupTimeout bounds the goodbye sent after the call context is gone.
const hangupTimeout = 2 * time.Second

// dtmfAnswers maps keypad digits to spoken equivalents.
var dtmfAnswers = map[string]string{
	"1": "نعم",
	"2": "لا",
	"3": "مش عارف",
}

// Runner executes conversations. One Runner serves every call.
type Runner struct {
	gateway    telephony.Gateway
	tts        speech.Synthesizer
	stt        speech.Transcriber
	classifier Classifier
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(gw telephony.Gateway, tts speech.Synthesizer, stt speech.Transcriber, cl Classifier, cfg Config, logger *slog.Logger) *Runner {
	if cfg.VoiceThreshold <= 0 {
		cfg.VoiceThreshold = media.DefaultVoiceThreshold
	}
	return &Runner{
		gateway:    gw,
		tts:        tts,
		stt:        stt,
		classifier: cl,
		cfg:        cfg,
		logger:     logger.With("subsystem", "conversation"),
		now:        time.Now,
	}
}

// call is the per-run state the machine does not own.
type call struct {
	sessionID string
	request   survey.CallRequest
	ch        telephony.Channel
	dialTimer *time.Timer
	language  string
	logger    *slog.Logger
}

func (c *call) close() {
	if c.dialTimer != nil {
		c.dialTimer.Stop()
	}
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.logger.Debug("closing channel", "error", err)
		}
	}
}

// Run drives session through tpl until a terminal state and returns the
// final session. A signal on stop, or ctx cancellation, is observed at the
// next transition boundary; a response being listened to is captured first.
func (r *Runner) Run(ctx context.Context, session survey.CallSession, tpl survey.Template, stop <-chan struct{}) survey.CallSession {
	lang := session.Request.Language
	if lang == "" {
		lang = tpl.Language
	}
	c := &call{
		sessionID: session.ID,
		request:   session.Request,
		language:  lang,
		logger:    r.logger.With(
			"session_id", session.ID,
			"campaign_id", session.Request.CampaignID,
			"call_request_id", session.Request.ID,
		),
	}
	defer c.close()

	m := NewMachine(session, tpl, r.cfg.ResponseTimeout, r.now)
	tr := m.Handle(Start{})
	r.logTransition(c, tr)

	for !m.State().Terminal() {
		ev := r.perform(ctx, c, tr.Actions)
		if ev == nil {
			ev = r.await(ctx, c, m.State(), stop)
		}
		// In COMPLETING every answer is already recorded. A stop lets the
		// closing play out; a cancelled context ends it where it is.
		if m.State() == survey.StateCompleting {
			if ctx.Err() != nil {
				ev = ChannelClosed{Err: ctx.Err()}
			}
		} else if stopped(ctx, stop) {
			ev = Cancel{}
		}
		tr = m.Handle(ev)
		r.logTransition(c, tr)
	}

	// Terminal actions run even when ctx is already cancelled.
	r.perform(context.WithoutCancel(ctx), c, tr.Actions)

	final := m.Session()
	c.logger.Info("call finished",
		"outcome", final.Outcome,
		"error_code", final.ErrorCode,
		"answered_questions", len(final.Turns),
		"duration", final.Duration,
	)
	return final
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (r *Runner) logTransition(c *call, tr Transition) {
	if tr.Ignored {
		c.logger.Debug("event ignored", "state", tr.From)
		return
	}
	c.logger.Debug("call state changed", "from", tr.From, "to", tr.To)
}

// perform executes actions in order and returns the event produced by the
// last action that yields one.
func (r *Runner) perform(ctx context.Context, c *call, actions []Action) Event {
	var ev Event
	for _, a := range actions {
		switch a := a.(type) {
		case Dial:
			ev = r.dial(ctx, c)
		case Speak:
			ev = r.speak(ctx, c, a)
		case Listen:
			ev = r.listen(ctx, c, a)
		case Classify:
			if a.Transcript == "" {
				ev = Classified{Result: classifier.Result{Answer: survey.AnswerUncertain}}
				break
			}
			ev = Classified{Result: r.classifier.Classify(a.Transcript, a.Expected)}
		case Next:
			ev = Advance{}
		case SendError:
			r.send(ctx, c, telephony.ErrorMessage{Message: a.Message})
		case Hangup:
			r.send(ctx, c, telephony.CallHangup{})
		}
	}
	return ev
}

func (r *Runner) send(ctx context.Context, c *call, msg telephony.Message) {
	if c.ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, hangupTimeout)
	defer cancel()
	if err := c.ch.Send(ctx, msg); err != nil {
		c.logger.Debug("sending message", "type", msg.Type(), "error", err)
	}
}

// dial places the call. It returns nil on success; progress is read by await.
func (r *Runner) dial(ctx context.Context, c *call) Event {
	ch, err := r.gateway.Dial(ctx, telephony.DialRequest{
		SessionID: c.sessionID,
		Phone:     c.request.Phone,
		CallerID:  r.cfg.CallerID,
		Custom: map[string]string{
			"session_id":   c.sessionID,
			"campaign_id":  c.request.CampaignID,
			"recipient_id": c.request.RecipientID,
		},
	})
	if err != nil {
		derr := &survey.DispatchError{Phone: c.request.Phone, Err: err}
		c.logger.Warn("dial failed", "error", derr)
		return DialFailed{Err: derr}
	}
	c.ch = ch
	c.dialTimer = time.NewTimer(r.cfg.DialTimeout)
	return nil
}

// await blocks for the next event when the last transition issued no
// action that produces one. Only dialing waits this way.
func (r *Runner) await(ctx context.Context, c *call, state survey.State, stop <-chan struct{}) Event {
	if state != survey.StateDialing && state != survey.StateRinging {
		return ProtocolViolation{Detail: "no pending action in state " + string(state)}
	}
	for {
		select {
		case <-ctx.Done():
			return Cancel{}
		case <-stop:
			return Cancel{}
		case <-c.dialTimer.C:
			c.logger.Info("dial timed out", "after", r.cfg.DialTimeout)
			return NoAnswer{}
		case sig, ok := <-c.ch.Signals():
			if !ok {
				return ChannelClosed{Err: errors.New("dial signals closed before answer")}
			}
			c.logger.Debug("dial signal", "signal", sig.Kind.String(), "reason", sig.Reason)
			switch sig.Kind {
			case telephony.SignalRinging:
				return Ringing{}
			case telephony.SignalAnswered:
				c.dialTimer.Stop()
				return Answered{}
			case telephony.SignalBusy:
				return Busy{}
			case telephony.SignalNoAnswer:
				return NoAnswer{}
			case telephony.SignalFailed:
				return DialFailed{Err: &survey.DispatchError{Phone: c.request.Phone, Err: errors.New(sig.Reason)}}
			}
		}
	}
}

// speak synthesizes a prompt, announces it with speech.started and streams
// it, then waits for the carrier to echo the prompt's mark or for the
// audio's playing time to elapse.
func (r *Runner) speak(ctx context.Context, c *call, a Speak) Event {
	if strings.TrimSpace(a.Text) == "" {
		return PlaybackDone{Label: a.Label}
	}

	audio, err := r.tts.Synthesize(ctx, a.Text, c.language)
	if err != nil {
		c.logger.Error("synthesizing prompt", "label", a.Label, "error", err)
		return SpeakFailed{Err: err}
	}

	if err := c.ch.Send(ctx, telephony.SpeechStarted{}); err != nil {
		return ChannelClosed{Err: err}
	}
	for off := 0; off < len(audio); off += chunkBytes {
		end := min(off+chunkBytes, len(audio))
		if err := c.ch.Send(ctx, telephony.ResponseStream{Audio: audio[off:end]}); err != nil {
			return ChannelClosed{Err: err}
		}
	}
	if err := c.ch.Send(ctx, telephony.CallMark{Label: a.Label}); err != nil {
		return ChannelClosed{Err: err}
	}

	timer := time.NewTimer(telephony.AudioDuration(audio) + r.cfg.MarkGrace)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Cancel{}
		case <-timer.C:
			return PlaybackDone{Label: a.Label}
		case msg, ok := <-c.ch.Messages():
			if !ok {
				return ChannelClosed{Err: ErrRemoteHangup}
			}
			switch m := msg.(type) {
			case telephony.CallMark:
				if m.Label == a.Label {
					return PlaybackDone{Label: a.Label}
				}
			case telephony.CallHangup:
				return ChannelClosed{Err: ErrRemoteHangup}
			case telephony.ErrorMessage:
				return ProtocolViolation{Detail: m.Message}
			case telephony.DTMF:
				c.logger.Debug("dtmf during prompt ignored", "digit", m.Digit)
			}
		}
	}
}

// listen buffers caller audio until silence follows speech, the response
// timer expires or a keypad answer arrives, then transcribes it.
func (r *Runner) listen(ctx context.Context, c *call, a Listen) Event {
	start := r.now()
	deadline := time.NewTimer(a.Timeout)
	defer deadline.Stop()

	var (
		buf     []byte
		voiced  bool
		silence *time.Timer
		quiet   <-chan time.Time
	)
	defer func() {
		if silence != nil {
			silence.Stop()
		}
	}()

collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case <-deadline.C:
			break collect
		case <-quiet:
			break collect
		case msg, ok := <-c.ch.Messages():
			if !ok {
				return ChannelClosed{Err: ErrRemoteHangup}
			}
			switch m := msg.(type) {
			case telephony.AudioInput:
				if len(buf)+len(m.Audio) <= maxResponseBytes {
					buf = append(buf, m.Audio...)
				}
				if media.Voiced(m.Audio, r.cfg.VoiceThreshold) {
					voiced = true
					if silence == nil {
						silence = time.NewTimer(r.cfg.SilenceTimeout)
					} else {
						silence.Reset(r.cfg.SilenceTimeout)
					}
					quiet = silence.C
				}
			case telephony.DTMF:
				if text, ok := dtmfAnswers[m.Digit]; ok {
					c.logger.Info("keypad answer", "digit", m.Digit)
					return ResponseCaptured{Transcript: text, Elapsed: r.now().Sub(start)}
				}
			case telephony.CallHangup:
				return ChannelClosed{Err: ErrRemoteHangup}
			case telephony.ErrorMessage:
				return ProtocolViolation{Detail: m.Message}
			}
		}
	}

	elapsed := r.now().Sub(start)
	if ctx.Err() != nil {
		return ResponseCaptured{Elapsed: elapsed}
	}
	if !voiced {
		c.logger.Info("no response heard", "elapsed", elapsed)
		return ResponseCaptured{Elapsed: elapsed}
	}

	text, err := r.stt.Transcribe(ctx, buf, c.language)
	if err != nil {
		c.logger.Error("transcribing response", "error", err)
		return ResponseCaptured{Elapsed: elapsed, Err: err}
	}
	c.logger.Debug("response transcribed", "transcript", text, "audio_bytes", len(buf))
	return ResponseCaptured{Transcript: text, Elapsed: elapsed}
}
