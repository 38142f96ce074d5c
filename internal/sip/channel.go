package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/callsurvey/internal/media"
	"github.com/flowpbx/callsurvey/internal/telephony"
)

var (
	// ErrNotAnswered is returned by Send before the call is answered.
	ErrNotAnswered = errors.New("call not answered")
	// ErrClosed is returned by Send after the call ended.
	ErrClosed = errors.New("call closed")

	errClosedWhileAnswering = errors.New("call closed while answering")
)

// channel is one outbound call: the INVITE dialog plus its RTP leg.
type channel struct {
	sessionID string
	callID    string
	gw        *TrunkGateway
	pair      *media.SocketPair
	logger    *slog.Logger

	// ctx ends the INVITE transaction and the leg.
	ctx    context.Context
	cancel context.CancelFunc

	signals  chan telephony.Signal
	messages chan telephony.Message

	mu            sync.Mutex
	signalsClosed bool
	leg           *media.Leg
	invite        *sip.Request
	ok            *sip.Response
	remoteBye     bool
	mediaStopped  bool

	// hangup sends BYE for an established dialog. Replaced in tests.
	hangup func(invite *sip.Request, ok *sip.Response) error

	mediaOnce sync.Once
	closeOnce sync.Once
}

func newChannel(gw *TrunkGateway, sessionID, callID string, pair *media.SocketPair) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{
		sessionID: sessionID,
		callID:    callID,
		gw:        gw,
		pair:      pair,
		logger:    gw.logger.With("session_id", sessionID, "call_id", callID),
		ctx:       ctx,
		cancel:    cancel,
		signals:   make(chan telephony.Signal, 8),
		messages:  make(chan telephony.Message, 64),
		hangup:    gw.sendBYE,
	}
}

func (c *channel) Signals() <-chan telephony.Signal   { return c.signals }
func (c *channel) Messages() <-chan telephony.Message { return c.messages }

// signal delivers a dial progress signal. Signals after a terminal one
// are dropped.
func (c *channel) signal(s telephony.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signalsClosed {
		return
	}
	select {
	case c.signals <- s:
	default:
	}
	if s.Kind != telephony.SignalRinging {
		c.signalsClosed = true
		close(c.signals)
	}
}

// progress follows the INVITE transaction to a final response. A single
// digest challenge is answered; a second one fails the call.
func (c *channel) progress(tx sip.ClientTransaction, req *sip.Request) {
	authed := false
	ringing := false
	for {
		var res *sip.Response
		select {
		case <-c.ctx.Done():
			tx.Terminate()
			c.signal(telephony.Signal{Kind: telephony.SignalFailed, Reason: "call closed while dialing"})
			return
		case <-tx.Done():
			tx.Terminate()
			reason := "trunk transaction ended without final response"
			if err := tx.Err(); err != nil {
				reason = "trunk transaction error: " + err.Error()
			}
			c.signal(telephony.Signal{Kind: telephony.SignalFailed, Reason: reason})
			return
		case res = <-tx.Responses():
		}

		c.logger.Debug("trunk response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if !ringing {
				ringing = true
				c.signal(telephony.Signal{Kind: telephony.SignalRinging})
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authed:
			tx.Terminate()
			authReq, err := authorize(req, res, c.gw.authUser(), c.gw.cfg.Password)
			if err != nil {
				c.signal(telephony.Signal{Kind: telephony.SignalFailed, Reason: err.Error()})
				return
			}
			tx, err = c.gw.client.TransactionRequest(c.ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				c.signal(telephony.Signal{Kind: telephony.SignalFailed, Reason: "sending authenticated invite: " + err.Error()})
				return
			}
			req = authReq
			authed = true

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := c.gw.client.WriteRequest(ack); err != nil {
				c.logger.Error("sending ack", "error", err)
			}
			if err := c.answered(req, res); err != nil {
				if errors.Is(err, errClosedWhileAnswering) {
					// Close has already run and will not hang up for us.
					if err := c.hangup(req, res); err != nil {
						c.logger.Warn("hangup failed", "error", err)
					}
				} else {
					c.logger.Warn("answered call has no usable media", "error", err)
				}
				c.signal(telephony.Signal{Kind: telephony.SignalFailed, Reason: err.Error()})
				return
			}
			c.signal(telephony.Signal{Kind: telephony.SignalAnswered})
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			kind := statusSignal(res.StatusCode)
			c.logger.Info("call not answered", "status", res.StatusCode, "outcome", kind.String())
			c.signal(telephony.Signal{Kind: kind, Reason: statusText(res)})
			return
		}
	}
}

// answered records the dialog and starts the leg toward the address the
// far end put in its answer.
func (c *channel) answered(invite *sip.Request, ok *sip.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return errClosedWhileAnswering
	}
	c.invite = invite
	c.ok = ok

	sd, err := media.ParseSDP(ok.Body())
	if err != nil {
		return fmt.Errorf("parsing answer sdp: %w", err)
	}
	neg, err := sd.Negotiate()
	if err != nil {
		return err
	}

	c.leg = media.NewLeg(c.pair.RTPConn, media.LegConfig{
		Remote:          neg.Remote,
		DTMFPayloadType: neg.DTMFPayloadType,
	}, c, c.logger)
	c.leg.Start(c.ctx)
	c.logger.Info("call answered", "remote_rtp", neg.Remote.String())
	return nil
}

// Audio, Digit and MarkReached implement media.Handler.

func (c *channel) Audio(frame []byte) {
	select {
	case c.messages <- telephony.AudioInput{Audio: frame}:
	default:
		// Dropped while the engine is not listening.
	}
}

func (c *channel) Digit(digit string) {
	c.deliver(telephony.DTMF{Digit: digit})
}

func (c *channel) MarkReached(label string) {
	c.deliver(telephony.CallMark{Label: label})
}

func (c *channel) deliver(m telephony.Message) {
	select {
	case c.messages <- m:
	case <-c.ctx.Done():
	}
}

// infoDigit delivers a digit that arrived as SIP INFO rather than from
// the leg.
func (c *channel) infoDigit(digit string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mediaStopped || c.leg == nil {
		return
	}
	select {
	case c.messages <- telephony.DTMF{Digit: digit}:
	default:
	}
}

// Send plays audio, queues marks and hangs up. Other message types have
// no SIP counterpart and are accepted silently.
func (c *channel) Send(ctx context.Context, m telephony.Message) error {
	c.mu.Lock()
	leg := c.leg
	c.mu.Unlock()

	if _, ok := m.(telephony.CallHangup); ok {
		return c.Close()
	}
	if leg == nil {
		return ErrNotAnswered
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	switch v := m.(type) {
	case telephony.ResponseStream:
		leg.Play(v.Audio)
	case telephony.CallMark:
		leg.Mark(v.Label)
	case telephony.ErrorMessage:
		c.logger.Debug("error message not sent over sip", "message", v.Message)
	}
	return nil
}

// remoteHangup ends media after a BYE from the far end.
func (c *channel) remoteHangup() {
	c.mu.Lock()
	c.remoteBye = true
	c.mu.Unlock()
	c.stopMedia()
}

// stopMedia stops the leg and closes Messages.
func (c *channel) stopMedia() {
	c.mediaOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.mediaStopped = true
		leg := c.leg
		c.mu.Unlock()
		if leg != nil {
			leg.Close()
		}
		close(c.messages)
	})
}

// Close sends BYE if the call was answered and is still up, then frees
// the ports.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stopMedia()

		c.mu.Lock()
		invite, ok, remoteBye := c.invite, c.ok, c.remoteBye
		c.mu.Unlock()

		if invite != nil && !remoteBye {
			if err = c.hangup(invite, ok); err != nil {
				c.logger.Warn("hangup failed", "error", err)
			}
		}
		c.gw.ports.Release(c.pair)
		c.gw.forget(c.callID)
	})
	return err
}
