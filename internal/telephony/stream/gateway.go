// Package stream is a telephony.Gateway for carriers that originate calls
// over HTTP and connect answered calls back over a WebSocket media stream.
//
// Dial asks the carrier to call the recipient. The carrier reports dial
// progress to the status webhook and, once the callee answers, opens the
// stream and sends session.setup carrying the session ID it was given in
// the custom context. The gateway replies session.ready and hands the
// stream to the waiting Channel.
package stream

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/flowpbx/callsurvey/internal/telephony"
)

// Config configures the carrier integration.
type Config struct {
	// OriginateURL is the carrier endpoint that places outbound calls.
	OriginateURL string
	// Token authenticates requests in both directions.
	Token string
	// StreamURL and StatusURL are this service's public endpoints, passed
	// to the carrier with every call.
	StreamURL string
	StatusURL string
	// CallsPerSecond caps originate requests. Zero means unlimited.
	CallsPerSecond float64
	// SetupTimeout bounds the wait for session.setup after upgrade.
	SetupTimeout time.Duration
}

// originateRequest is the body POSTed to the carrier.
type originateRequest struct {
	To        string            `json:"to"`
	From      string            `json:"from,omitempty"`
	StreamURL string            `json:"stream_url"`
	StatusURL string            `json:"status_url,omitempty"`
	Custom    map[string]string `json:"custom"`
}

type originateResponse struct {
	CallID string `json:"call_id"`
}

// StatusEvent is the body of a dial progress webhook.
type StatusEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Gateway originates calls and serves the carrier's stream and status callbacks.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu    sync.Mutex
	calls map[string]*channel
}

// New creates a Gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		logger: logger.With("subsystem", "stream"),
		calls:  make(map[string]*channel),
	}
}

// Dial asks the carrier to call req.Phone. The returned Channel reports
// progress from the status webhook and carries media once the carrier
// connects the stream.
func (g *Gateway) Dial(ctx context.Context, req telephony.DialRequest) (telephony.Channel, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for dial slot: %w", err)
	}

	ch := newChannel(req.SessionID, g)
	g.mu.Lock()
	g.calls[req.SessionID] = ch
	g.mu.Unlock()

	custom := make(map[string]string, len(req.Custom)+1)
	for k, v := range req.Custom {
		custom[k] = v
	}
	custom["session_id"] = req.SessionID

	callID, err := g.originate(ctx, originateRequest{
		To:        req.Phone,
		From:      req.CallerID,
		StreamURL: g.cfg.StreamURL,
		StatusURL: g.cfg.StatusURL,
		Custom:    custom,
	})
	if err != nil {
		g.forget(req.SessionID)
		return nil, err
	}

	g.logger.Info("call originated", "session_id", req.SessionID, "carrier_call_id", callID)
	return ch, nil
}

func (g *Gateway) originate(ctx context.Context, body originateRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshalling originate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.OriginateURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating originate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending originate request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("carrier rejected call (status %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out originateResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			g.logger.Debug("unparseable originate response", "error", err)
		}
	}
	return out.CallID, nil
}

func (g *Gateway) lookup(sessionID string) *channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[sessionID]
}

func (g *Gateway) forget(sessionID string) {
	g.mu.Lock()
	delete(g.calls, sessionID)
	g.mu.Unlock()
}

// Pending returns the number of calls awaiting or holding a stream.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// authorized checks the bearer header or token query parameter.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(g.cfg.Token)) == 1
}

// HandleStatus receives dial progress from the carrier.
func (g *Gateway) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var ev StatusEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind, ok := signalFor(ev.Status)
	if !ok {
		// Post-answer statuses such as completed arrive over the stream.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ch := g.lookup(ev.SessionID)
	if ch == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	g.logger.Debug("dial status", "session_id", ev.SessionID, "status", ev.Status, "reason", ev.Reason)
	ch.signal(telephony.Signal{Kind: kind, Reason: ev.Reason})
	w.WriteHeader(http.StatusNoContent)
}

func signalFor(status string) (telephony.SignalKind, bool) {
	switch strings.ToLower(status) {
	case "ringing", "in-progress-ringing":
		return telephony.SignalRinging, true
	case "answered", "in-progress":
		return telephony.SignalAnswered, true
	case "busy":
		return telephony.SignalBusy, true
	case "no-answer", "no_answer", "noanswer":
		return telephony.SignalNoAnswer, true
	case "failed", "canceled", "cancelled", "rejected":
		return telephony.SignalFailed, true
	}
	return 0, false
}

// HandleStream upgrades the carrier's media connection, completes the
// session handshake and attaches the stream to its call.
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	ch, err := g.handshake(conn)
	if err != nil {
		g.logger.Warn("stream handshake failed", "error", err, "remote_addr", r.RemoteAddr)
		if frame, encErr := telephony.Encode(telephony.ErrorMessage{Message: err.Error()}); encErr == nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.TextMessage, frame)
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session setup failed"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ch.readLoop()
}

var errUnknownSession = errors.New("unknown session")

func (g *Gateway) handshake(conn *websocket.Conn) (*channel, error) {
	conn.SetReadDeadline(time.Now().Add(g.cfg.SetupTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading session.setup: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := telephony.Decode(frame)
	if err != nil {
		return nil, err
	}
	setup, ok := msg.(telephony.SessionSetup)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %s", telephony.TypeSessionSetup, msg.Type())
	}

	sessionID := setup.Context.Custom["session_id"]
	ch := g.lookup(sessionID)
	if ch == nil {
		return nil, fmt.Errorf("%w %q", errUnknownSession, sessionID)
	}

	ready, err := telephony.Encode(telephony.SessionReady{})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, ready); err != nil {
		return nil, fmt.Errorf("sending session.ready: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	if err := ch.attach(conn); err != nil {
		return nil, err
	}

	g.logger.Info("stream connected",
		"session_id", sessionID,
		"caller", setup.Context.CallerNumber,
		"callee", setup.Context.CalleeNumber,
	)
	return ch, nil
}
