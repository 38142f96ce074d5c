// Package sip places survey calls through a SIP trunk. Each call is an
// outbound INVITE with a PCMU offer; once answered, audio flows over an
// RTP leg from the media package.
package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flowpbx/callsurvey/internal/media"
	"github.com/flowpbx/callsurvey/internal/telephony"
)

const (
	// healthCheckInterval is how often we send OPTIONS pings to the trunk.
	healthCheckInterval = 30 * time.Second
	// healthCheckTimeout is the max time to wait for an OPTIONS response.
	healthCheckTimeout = 5 * time.Second
	// byeTimeout bounds the hangup transaction.
	byeTimeout = 5 * time.Second
)

// Config describes the trunk and our side of the signalling and media.
type Config struct {
	Host         string
	Port         int
	Transport    string // udp or tcp
	Username     string
	AuthUsername string // digest user when it differs from Username
	Password     string
	CallerID     string // From user when the dial request has none
	PrefixStrip  int
	PrefixAdd    string

	ListenPort int    // local SIP port
	ExternalIP string // advertised in Contact and SDP

	RTPPortMin int
	RTPPortMax int

	CallsPerSecond float64 // 0 means unlimited
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 5060
	}
	if c.RTPPortMin == 0 {
		c.RTPPortMin = 10000
	}
	if c.RTPPortMax == 0 {
		c.RTPPortMax = 20000
	}
}

// TrunkGateway implements telephony.Gateway over a SIP trunk.
type TrunkGateway struct {
	cfg     Config
	mediaIP net.IP
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	ports   *media.PortPool
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	calls map[string]*channel // keyed by Call-ID

	healthy atomic.Bool
}

// New creates the user agent, server and client. Nothing listens until
// Run is called.
func New(cfg Config, logger *slog.Logger) (*TrunkGateway, error) {
	cfg.setDefaults()
	if cfg.Host == "" {
		return nil, errors.New("sip trunk host is required")
	}
	l := logger.With("subsystem", "sip")

	mediaIP := net.ParseIP(cfg.ExternalIP)
	if mediaIP == nil {
		return nil, fmt.Errorf("external ip %q is not an ip address", cfg.ExternalIP)
	}

	ports, err := media.NewPortPool(nil, cfg.RTPPortMin, cfg.RTPPortMax, l)
	if err != nil {
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callsurvey"),
		sipgo.WithUserAgentHostname(cfg.ExternalIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}

	g := &TrunkGateway{
		cfg:     cfg,
		mediaIP: mediaIP,
		ua:      ua,
		srv:     srv,
		client:  client,
		ports:   ports,
		limiter: rate.NewLimiter(limit, 1),
		logger:  l,
		calls:   make(map[string]*channel),
	}

	srv.OnBye(g.handleBye)
	srv.OnOptions(g.handleOptions)
	srv.OnInfo(g.handleInfo)
	return g, nil
}

// Run listens for in-dialog requests from the trunk and pings it with
// OPTIONS until ctx is cancelled.
func (g *TrunkGateway) Run(ctx context.Context) error {
	go g.healthCheckLoop(ctx)

	addr := "0.0.0.0:" + strconv.Itoa(g.cfg.ListenPort)
	network := strings.ToLower(g.cfg.Transport)
	g.logger.Info("sip listener starting", "addr", addr, "transport", network, "trunk", g.cfg.Host)
	if err := g.srv.ListenAndServe(ctx, network, addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listener: %w", err)
	}
	return nil
}

// Close hangs up every call still up and releases the SIP stack.
func (g *TrunkGateway) Close() {
	g.mu.Lock()
	calls := make([]*channel, 0, len(g.calls))
	for _, c := range g.calls {
		calls = append(calls, c)
	}
	g.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
	g.client.Close()
	g.srv.Close()
	g.ua.Close()
}

// Healthy reports whether the last OPTIONS ping to the trunk succeeded.
func (g *TrunkGateway) Healthy() bool {
	return g.healthy.Load()
}

// ActiveCount returns the number of calls being placed or up.
func (g *TrunkGateway) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Dial sends the INVITE and returns once the transaction is started.
// Progress arrives on the channel's Signals.
func (g *TrunkGateway) Dial(ctx context.Context, req telephony.DialRequest) (telephony.Channel, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for dial slot: %w", err)
	}

	pair, err := g.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating rtp ports: %w", err)
	}

	callID := uuid.NewString()
	invite, err := g.newInvite(callID, req, pair.Ports.RTP)
	if err != nil {
		g.ports.Release(pair)
		return nil, err
	}

	c := newChannel(g, req.SessionID, callID, pair)
	g.track(c)

	tx, err := g.client.TransactionRequest(ctx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("sending invite to trunk: %w", err)
	}

	c.logger.Info("invite sent", "recipient", invite.Recipient.String(), "rtp_port", pair.Ports.RTP)
	go c.progress(tx, invite)
	return c, nil
}

func (g *TrunkGateway) newInvite(callID string, req telephony.DialRequest, rtpPort int) (*sip.Request, error) {
	number := applyPrefixRules(req.Phone, g.cfg.PrefixStrip, g.cfg.PrefixAdd)
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", number, g.cfg.Host, g.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing trunk uri: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, recipient)
	invite.SetTransport(strings.ToUpper(g.cfg.Transport))
	invite.SetBody(media.Offer(g.mediaIP, rtpPort, rand.Uint64N(1<<62)))
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	cid := sip.CallIDHeader(callID)
	invite.AppendHeader(&cid)

	callerID := req.CallerID
	if callerID == "" {
		callerID = g.cfg.CallerID
	}
	if callerID == "" {
		callerID = g.cfg.Username
	}
	from := &sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   callerID,
			Host:   g.cfg.Host,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	invite.AppendHeader(from)

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   callerID,
			Host:   g.cfg.ExternalIP,
			Port:   g.cfg.ListenPort,
		},
	})
	return invite, nil
}

func (g *TrunkGateway) authUser() string {
	if g.cfg.AuthUsername != "" {
		return g.cfg.AuthUsername
	}
	return g.cfg.Username
}

func (g *TrunkGateway) track(c *channel) {
	g.mu.Lock()
	g.calls[c.callID] = c
	g.mu.Unlock()
}

func (g *TrunkGateway) forget(callID string) {
	g.mu.Lock()
	delete(g.calls, callID)
	g.mu.Unlock()
}

func (g *TrunkGateway) lookup(req *sip.Request) *channel {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[cid.Value()]
}

// sendBYE ends an answered call from our side.
func (g *TrunkGateway) sendBYE(invite *sip.Request, ok *sip.Response) error {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	tx, err := g.client.TransactionRequest(ctx, buildBYE(invite, ok), sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("bye rejected: %s", statusText(res))
	}
	return nil
}

func (g *TrunkGateway) healthCheckLoop(ctx context.Context) {
	for {
		err := g.sendOptions(ctx)
		if ctx.Err() != nil {
			return
		}
		was := g.healthy.Swap(err == nil)
		switch {
		case err != nil && was:
			g.logger.Warn("trunk health check failed", "trunk", g.cfg.Host, "error", err)
		case err == nil && !was:
			g.logger.Info("trunk reachable", "trunk", g.cfg.Host)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(healthCheckInterval):
		}
	}
}

func (g *TrunkGateway) sendOptions(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", g.cfg.Host, g.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(g.cfg.Transport))

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	tx, err := g.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}
	// Trunks that challenge OPTIONS are still up.
	if res.StatusCode >= 300 && res.StatusCode != 401 && res.StatusCode != 407 {
		return fmt.Errorf("options ping returned %s", statusText(res))
	}
	return nil
}
