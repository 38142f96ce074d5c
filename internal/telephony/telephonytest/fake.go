// Package telephonytest provides in-memory Gateway and Channel fakes.
package telephonytest

import (
	"context"
	"sync"

	"github.com/flowpbx/callsurvey/internal/telephony"
)

// Channel is a scriptable telephony.Channel. Signals and inbound messages
// are queued with Signal and Deliver; outbound messages are recorded.
type Channel struct {
	signals  chan telephony.Signal
	messages chan telephony.Message

	// OnSend, if set, runs after each outbound message is recorded.
	OnSend func(c *Channel, m telephony.Message)

	mu     sync.Mutex
	sent   []telephony.Message
	closed bool
}

// NewChannel creates a Channel with the given signals already queued.
func NewChannel(signals ...telephony.SignalKind) *Channel {
	c := &Channel{
		signals:  make(chan telephony.Signal, 16),
		messages: make(chan telephony.Message, 256),
	}
	for _, s := range signals {
		c.Signal(s)
	}
	return c
}

// Signal queues a dial progress signal.
func (c *Channel) Signal(kind telephony.SignalKind) {
	c.signals <- telephony.Signal{Kind: kind}
}

// Deliver queues an inbound message.
func (c *Channel) Deliver(m telephony.Message) {
	c.messages <- m
}

func (c *Channel) Signals() <-chan telephony.Signal   { return c.signals }
func (c *Channel) Messages() <-chan telephony.Message { return c.messages }

func (c *Channel) Send(_ context.Context, m telephony.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(c, m)
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Sent returns the outbound messages so far.
func (c *Channel) Sent() []telephony.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]telephony.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Count returns how many sent messages have the given wire type.
func (c *Channel) Count(msgType string) int {
	n := 0
	for _, m := range c.Sent() {
		if m.Type() == msgType {
			n++
		}
	}
	return n
}

// Gateway is a telephony.Gateway that delegates to DialFunc and records
// every request.
type Gateway struct {
	DialFunc func(ctx context.Context, req telephony.DialRequest) (telephony.Channel, error)

	mu    sync.Mutex
	dials []telephony.DialRequest
}

func (g *Gateway) Dial(ctx context.Context, req telephony.DialRequest) (telephony.Channel, error) {
	g.mu.Lock()
	g.dials = append(g.dials, req)
	g.mu.Unlock()
	return g.DialFunc(ctx, req)
}

// Dials returns the recorded dial requests.
func (g *Gateway) Dials() []telephony.DialRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]telephony.DialRequest, len(g.dials))
	copy(out, g.dials)
	return out
}

// EchoMarks is an OnSend hook that acknowledges every call.mark as played.
func EchoMarks(c *Channel, m telephony.Message) {
	if mark, ok := m.(telephony.CallMark); ok {
		c.Deliver(mark)
	}
}
