package media

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// readTimeout bounds each socket read so the receive loop notices
// cancellation promptly.
const readTimeout = 50 * time.Millisecond

// Handler receives what a Leg hears. Audio and Digit are called from the
// receive goroutine, MarkReached from the send goroutine. None may block
// for long.
type Handler interface {
	Audio(frame []byte)
	Digit(digit string)
	MarkReached(label string)
}

// LegConfig is the negotiated remote side of a leg.
type LegConfig struct {
	Remote          *net.UDPAddr
	DTMFPayloadType int // -1 when telephone-event was not negotiated
}

type playItem struct {
	audio []byte
	mark  string
}

// Leg is the RTP side of one answered call. Audio queued with Play is
// paced out as 20ms PCMU packets; a Mark queued behind it is reported
// once everything before it has been sent. Inbound PCMU frames and
// RFC 2833 digits are handed to the Handler.
type Leg struct {
	conn    *net.UDPConn
	dtmfPT  int
	handler Handler
	logger  *slog.Logger

	// remote starts at the SDP address and follows the first source we
	// hear from (symmetric RTP).
	remote  atomic.Pointer[net.UDPAddr]
	learned atomic.Bool

	mu    sync.Mutex
	queue []playItem
	wake  chan struct{}

	ssrc uint32
	seq  uint16
	ts   uint32

	sent     atomic.Int64
	received atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeg wraps conn. Nothing is sent or read until Start.
func NewLeg(conn *net.UDPConn, cfg LegConfig, h Handler, logger *slog.Logger) *Leg {
	l := &Leg{
		conn:    conn,
		dtmfPT:  cfg.DTMFPayloadType,
		handler: h,
		logger:  logger.With("subsystem", "rtp-leg"),
		wake:    make(chan struct{}, 1),
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.UintN(65536)),
		ts:      rand.Uint32(),
	}
	l.remote.Store(cfg.Remote)
	return l
}

// Start launches the send and receive loops.
func (l *Leg) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(2)
	go l.sendLoop(ctx)
	go l.receiveLoop(ctx)
}

// Play queues mu-law audio behind anything already queued.
func (l *Leg) Play(audio []byte) {
	if len(audio) == 0 {
		return
	}
	l.enqueue(playItem{audio: bytes.Clone(audio)})
}

// Mark queues a label that is reported when playback reaches it.
func (l *Leg) Mark(label string) {
	l.enqueue(playItem{mark: label})
}

// Pending returns the number of queued audio bytes not yet sent.
func (l *Leg) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, it := range l.queue {
		n += len(it.audio)
	}
	return n
}

// Stats returns packets sent and received so far.
func (l *Leg) Stats() (sent, received int64) {
	return l.sent.Load(), l.received.Load()
}

// Close stops both loops and waits for them. The socket stays open; it
// belongs to whoever allocated it.
func (l *Leg) Close() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.conn.SetReadDeadline(time.Now())
	l.wg.Wait()
}

func (l *Leg) enqueue(it playItem) {
	l.mu.Lock()
	l.queue = append(l.queue, it)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops any marks at the head of the queue and up to one packet of
// audio after them.
func (l *Leg) next() (frame []byte, marks []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 && l.queue[0].audio == nil {
		marks = append(marks, l.queue[0].mark)
		l.queue = l.queue[1:]
	}
	if len(l.queue) == 0 {
		return nil, marks
	}
	head := &l.queue[0]
	n := min(samplesPerPacket, len(head.audio))
	frame = head.audio[:n]
	head.audio = head.audio[n:]
	if len(head.audio) == 0 {
		l.queue = l.queue[1:]
	}
	return frame, marks
}

func (l *Leg) sendLoop(ctx context.Context) {
	defer l.wg.Done()

	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	var deadline time.Time
	marker := true

	for {
		frame, marks := l.next()
		for _, m := range marks {
			l.handler.MarkReached(m)
		}
		if frame == nil {
			marker = true
			deadline = time.Time{}
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			}
			continue
		}

		n := copy(pkt[rtpHeaderSize:], frame)
		for i := rtpHeaderSize + n; i < len(pkt); i++ {
			pkt[i] = UlawSilence
		}
		buildRTPHeader(pkt[:rtpHeaderSize], PayloadPCMU, marker, l.seq, l.ts, l.ssrc)
		marker = false

		if _, err := l.conn.WriteToUDP(pkt, l.remote.Load()); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("sending rtp packet", "error", err)
		} else {
			l.sent.Add(1)
		}
		l.seq++
		l.ts += timestampIncrement

		// Pace on wall-clock deadlines so processing time does not drift.
		if deadline.IsZero() {
			deadline = time.Now()
		}
		deadline = deadline.Add(packetDuration)
		if wait := time.Until(deadline); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (l *Leg) receiveLoop(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var dtmf dtmfDetector

	for {
		if ctx.Err() != nil {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				l.logger.Debug("rtp read error", "error", err)
			}
			continue
		}

		p, ok := parseRTP(buf[:n])
		if !ok {
			continue
		}
		l.received.Add(1)

		if l.learned.CompareAndSwap(false, true) {
			if sdp := l.remote.Load(); sdp == nil || !sdp.IP.Equal(from.IP) || sdp.Port != from.Port {
				l.logger.Debug("learned rtp source", "sdp", sdp, "source", from)
				l.remote.Store(from)
			}
		}

		switch {
		case p.PayloadType == PayloadPCMU:
			l.handler.Audio(bytes.Clone(p.Payload))
		case p.PayloadType == l.dtmfPT:
			if digit, ok := dtmf.feed(p.Timestamp, p.Payload); ok {
				l.logger.Debug("dtmf digit detected", "digit", digit)
				l.handler.Digit(digit)
			}
		}
	}
}
