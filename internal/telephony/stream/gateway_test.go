package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callsurvey/internal/telephony"
)

const testToken = "carrier-secret"

type fakeCarrier struct {
	mu       sync.Mutex
	requests []originateRequest
	auth     []string
	status   int
}

func (f *fakeCarrier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "no capacity", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"call_id":"carrier-1"}`))
}

func (f *fakeCarrier) received() ([]originateRequest, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]originateRequest(nil), f.requests...), append([]string(nil), f.auth...)
}

func (f *fakeCarrier) reject(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

type testEnv struct {
	gw      *Gateway
	carrier *fakeCarrier
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	carrier := &fakeCarrier{}
	carrierSrv := httptest.NewServer(carrier)
	t.Cleanup(carrierSrv.Close)

	gw := New(Config{
		OriginateURL: carrierSrv.URL,
		Token:        testToken,
		StreamURL:    "wss://survey.example/telephony/stream",
		SetupTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Get("/telephony/stream", gw.HandleStream)
	r.Post("/telephony/status", gw.HandleStatus)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{gw: gw, carrier: carrier, server: srv}
}

func (e *testEnv) connect(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/telephony/stream?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func writeMessage(t *testing.T, conn *websocket.Conn, m telephony.Message) {
	t.Helper()
	frame, err := telephony.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) telephony.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := telephony.Decode(frame)
	if err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return m
}

func nextSignal(t *testing.T, ch telephony.Channel) telephony.Signal {
	t.Helper()
	select {
	case s := <-ch.Signals():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no signal")
		return telephony.Signal{}
	}
}

func TestDialAndStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ch, err := env.gw.Dial(ctx, telephony.DialRequest{
		SessionID: "s1",
		Phone:     "+966500000001",
		CallerID:  "+15550000000",
		Custom:    map[string]string{"campaign_id": "c1"},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	requests, auth := env.carrier.received()
	if len(requests) != 1 {
		t.Fatalf("originate requests = %d", len(requests))
	}
	got := requests[0]
	if got.To != "+966500000001" || got.Custom["session_id"] != "s1" || got.Custom["campaign_id"] != "c1" {
		t.Errorf("originate = %+v", got)
	}
	if auth[0] != "Bearer "+testToken {
		t.Errorf("Authorization = %q", auth[0])
	}

	resp, err := http.Post(env.server.URL+"/telephony/status?token="+testToken, "application/json",
		strings.NewReader(`{"session_id":"s1","status":"ringing"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if s := nextSignal(t, ch); s.Kind != telephony.SignalRinging {
		t.Errorf("signal = %v, want ringing", s.Kind)
	}

	conn, _, err := env.connect(t, testToken)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	writeMessage(t, conn, telephony.SessionSetup{Context: telephony.SessionContext{
		CalleeNumber: "+966500000001",
		Custom:       map[string]string{"session_id": "s1"},
	}})
	if m := readMessage(t, conn); m.Type() != telephony.TypeSessionReady {
		t.Fatalf("reply = %s, want session.ready", m.Type())
	}
	if s := nextSignal(t, ch); s.Kind != telephony.SignalAnswered {
		t.Errorf("signal = %v, want answered", s.Kind)
	}

	writeMessage(t, conn, telephony.AudioInput{Audio: []byte{0x01, 0x02}})
	select {
	case m := <-ch.Messages():
		in, ok := m.(telephony.AudioInput)
		if !ok || len(in.Audio) != 2 {
			t.Errorf("message = %#v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	if err := ch.Send(ctx, telephony.CallMark{Label: "greeting"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m, ok := readMessage(t, conn).(telephony.CallMark); !ok || m.Label != "greeting" {
		t.Errorf("outbound = %#v", m)
	}

	conn.Close()
	select {
	case _, ok := <-ch.Messages():
		if ok {
			t.Error("expected Messages to close after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Messages not closed after disconnect")
	}
}

func TestStatusBusyEndsSignals(t *testing.T) {
	env := newTestEnv(t)
	ch, err := env.gw.Dial(context.Background(), telephony.DialRequest{SessionID: "s2", Phone: "+966500000002"})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	for _, status := range []string{"busy", "answered"} {
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/telephony/status",
			strings.NewReader(`{"session_id":"s2","status":"`+status+`"}`))
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	if s := nextSignal(t, ch); s.Kind != telephony.SignalBusy {
		t.Errorf("signal = %v, want busy", s.Kind)
	}
	if _, ok := <-ch.Signals(); ok {
		t.Error("signals not closed after busy")
	}

	ch.Close()
	if env.gw.Pending() != 0 {
		t.Errorf("Pending = %d after close", env.gw.Pending())
	}
}

func TestRejectedCalls(t *testing.T) {
	env := newTestEnv(t)

	env.carrier.reject(http.StatusServiceUnavailable)
	if _, err := env.gw.Dial(context.Background(), telephony.DialRequest{SessionID: "s3", Phone: "+966500000003"}); err == nil {
		t.Error("Dial succeeded despite carrier 503")
	}
	if env.gw.Pending() != 0 {
		t.Errorf("Pending = %d after failed dial", env.gw.Pending())
	}

	if _, resp, err := env.connect(t, "wrong"); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: err = %v", err)
	}

	resp, err := http.Post(env.server.URL+"/telephony/status?token="+testToken, "application/json",
		strings.NewReader(`{"session_id":"nope","status":"busy"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d", resp.StatusCode)
	}
}

func TestHandshakeUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := env.connect(t, testToken)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	writeMessage(t, conn, telephony.SessionSetup{Context: telephony.SessionContext{
		Custom: map[string]string{"session_id": "ghost"},
	}})
	m, ok := readMessage(t, conn).(telephony.ErrorMessage)
	if !ok || !strings.Contains(m.Message, "unknown session") {
		t.Errorf("reply = %#v", m)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	env := newTestEnv(t)
	ch, err := env.gw.Dial(context.Background(), telephony.DialRequest{SessionID: "s4", Phone: "+966500000004"})
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if err := ch.Send(context.Background(), telephony.CallHangup{}); err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}
