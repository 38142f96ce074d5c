package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/callsurvey/internal/media"
	"github.com/flowpbx/callsurvey/internal/telephony"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testChannel returns a channel on a loopback RTP port whose BYEs are
// counted instead of sent.
func testChannel(t *testing.T) (*channel, *atomic.Int32) {
	t.Helper()
	ports, err := media.NewPortPool(net.IPv4(127, 0, 0, 1), 42000, 42099, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	g := &TrunkGateway{
		logger: testLogger(),
		ports:  ports,
		calls:  make(map[string]*channel),
	}
	pair, err := ports.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	c := newChannel(g, "session-1", "call-1", pair)
	g.track(c)

	var byes atomic.Int32
	c.hangup = func(*sip.Request, *sip.Response) error {
		byes.Add(1)
		return nil
	}
	t.Cleanup(func() { c.Close() })
	return c, &byes
}

// answer completes the dialog with an SDP answer pointing at far.
func answer(t *testing.T, c *channel, far *net.UDPConn) {
	t.Helper()
	invite := testInvite(t)
	port := far.LocalAddr().(*net.UDPAddr).Port
	body := fmt.Sprintf("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n"+
		"m=audio %d RTP/AVP 0 101\r\na=rtpmap:0 PCMU/8000\r\na=rtpmap:101 telephone-event/8000\r\n", port)
	ok := sip.NewResponseFromRequest(invite, 200, "OK", []byte(body))
	if err := c.answered(invite, ok); err != nil {
		t.Fatalf("answered: %v", err)
	}
}

func listenFar(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextMessage(t *testing.T, c *channel) (telephony.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		return m, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil, false
	}
}

func TestChannelSignals(t *testing.T) {
	c, _ := testChannel(t)

	c.signal(telephony.Signal{Kind: telephony.SignalRinging})
	c.signal(telephony.Signal{Kind: telephony.SignalBusy, Reason: "486 Busy Here"})
	c.signal(telephony.Signal{Kind: telephony.SignalAnswered})

	var got []telephony.SignalKind
	for s := range c.Signals() {
		got = append(got, s.Kind)
	}
	want := []telephony.SignalKind{telephony.SignalRinging, telephony.SignalBusy}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("signals = %v, want %v", got, want)
	}
}

func TestChannelSendBeforeAnswer(t *testing.T) {
	c, byes := testChannel(t)

	err := c.Send(context.Background(), telephony.ResponseStream{Audio: []byte{1}})
	if !errors.Is(err, ErrNotAnswered) {
		t.Errorf("err = %v, want ErrNotAnswered", err)
	}

	// Hanging up an unanswered call sends no BYE.
	if err := c.Send(context.Background(), telephony.CallHangup{}); err != nil {
		t.Errorf("hangup: %v", err)
	}
	if byes.Load() != 0 {
		t.Errorf("byes = %d, want 0", byes.Load())
	}
	if _, ok := <-c.Messages(); ok {
		t.Error("messages not closed after hangup")
	}
}

func TestChannelPlaysPromptAndEchoesMark(t *testing.T) {
	c, byes := testChannel(t)
	far := listenFar(t)
	answer(t, c, far)

	ctx := context.Background()
	if err := c.Send(ctx, telephony.ResponseStream{Audio: make([]byte, 320)}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, telephony.CallMark{Label: "question:0"}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	for i := 0; i < 2; i++ {
		far.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := far.ReadFromUDP(buf); err != nil {
			t.Fatalf("reading rtp packet %d: %v", i, err)
		}
	}

	m, ok := nextMessage(t, c)
	if !ok {
		t.Fatal("messages closed")
	}
	if mark, isMark := m.(telephony.CallMark); !isMark || mark.Label != "question:0" {
		t.Errorf("message = %#v, want mark question:0", m)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if byes.Load() != 1 {
		t.Errorf("byes = %d, want 1", byes.Load())
	}
	if err := c.Send(ctx, telephony.CallMark{Label: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
}

func TestChannelCallerAudioAndRemoteHangup(t *testing.T) {
	c, byes := testChannel(t)
	far := listenFar(t)
	answer(t, c, far)

	pkt := make([]byte, 12+160)
	pkt[0] = 0x80
	for i := 12; i < len(pkt); i++ {
		pkt[i] = 0x55
	}
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.pair.Ports.RTP}
	if _, err := far.WriteToUDP(pkt, local); err != nil {
		t.Fatal(err)
	}

	m, ok := nextMessage(t, c)
	if !ok {
		t.Fatal("messages closed")
	}
	in, isAudio := m.(telephony.AudioInput)
	if !isAudio || len(in.Audio) != 160 {
		t.Fatalf("message = %#v, want 160 bytes of audio", m)
	}

	c.infoDigit("1")
	m, _ = nextMessage(t, c)
	if d, isDTMF := m.(telephony.DTMF); !isDTMF || d.Digit != "1" {
		t.Errorf("message = %#v, want DTMF 1", m)
	}

	c.remoteHangup()
	for {
		if _, ok := nextMessage(t, c); !ok {
			break
		}
	}

	c.Close()
	if byes.Load() != 0 {
		t.Errorf("byes = %d after remote hangup, want 0", byes.Load())
	}
	if c.gw.ActiveCount() != 0 {
		t.Errorf("call still tracked after close")
	}
	c.infoDigit("2")
}

func TestChannelClosedWhileAnswering(t *testing.T) {
	c, _ := testChannel(t)
	c.Close()

	invite := testInvite(t)
	ok := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	if err := c.answered(invite, ok); !errors.Is(err, errClosedWhileAnswering) {
		t.Errorf("err = %v, want errClosedWhileAnswering", err)
	}
}

func TestChannelAnswerWithoutAudio(t *testing.T) {
	c, byes := testChannel(t)

	invite := testInvite(t)
	body := "v=0\r\nc=IN IP4 127.0.0.1\r\nm=audio 4000 RTP/AVP 8\r\n"
	ok := sip.NewResponseFromRequest(invite, 200, "OK", []byte(body))
	if err := c.answered(invite, ok); !errors.Is(err, media.ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}

	// The dialog exists, so closing must still hang up.
	c.Close()
	if byes.Load() != 1 {
		t.Errorf("byes = %d, want 1", byes.Load())
	}
}
