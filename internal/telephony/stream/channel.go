package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callsurvey/internal/telephony"
)

// ErrNotConnected is returned by Send before the carrier opens the stream.
var ErrNotConnected = errors.New("stream not connected")

// writeTimeout bounds a single frame write when ctx has no deadline.
const writeTimeout = 5 * time.Second

// channel is one call. Signals come from the status webhook and the
// handshake; messages come from the stream's read loop.
type channel struct {
	sessionID string
	gw        *Gateway

	signals  chan telephony.Signal
	messages chan telephony.Message
	done     chan struct{}

	mu            sync.Mutex
	conn          *websocket.Conn
	signalsClosed bool
	closeOnce     sync.Once
}

func newChannel(sessionID string, gw *Gateway) *channel {
	return &channel{
		sessionID: sessionID,
		gw:        gw,
		signals:   make(chan telephony.Signal, 8),
		messages:  make(chan telephony.Message, 64),
		done:      make(chan struct{}),
	}
}

func (c *channel) Signals() <-chan telephony.Signal   { return c.signals }
func (c *channel) Messages() <-chan telephony.Message { return c.messages }

// signal delivers a dial progress signal. Signals after a terminal one,
// or beyond the buffer, are dropped.
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

func (c *channel) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("stream already attached")
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return errors.New("call already closed")
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	c.signal(telephony.Signal{Kind: telephony.SignalAnswered})
	return nil
}

// readLoop decodes inbound frames until the stream ends, then closes
// Messages. Undecodable frames are reported as error messages.
func (c *channel) readLoop() {
	defer close(c.messages)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := telephony.Decode(frame)
		if err != nil {
			msg = telephony.ErrorMessage{Message: err.Error()}
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// Send writes one frame to the carrier.
func (c *channel) Send(ctx context.Context, m telephony.Message) error {
	frame, err := telephony.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close ends the stream and unregisters the call.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.gw.forget(c.sessionID)
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.done)
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}
