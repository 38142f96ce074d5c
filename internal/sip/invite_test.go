package sip

import (
	"net"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/callsurvey/internal/telephony"
)

func TestStatusSignal(t *testing.T) {
	tests := []struct {
		status int
		want   telephony.SignalKind
	}{
		{486, telephony.SignalBusy},
		{600, telephony.SignalBusy},
		{408, telephony.SignalNoAnswer},
		{480, telephony.SignalNoAnswer},
		{487, telephony.SignalNoAnswer},
		{403, telephony.SignalFailed},
		{404, telephony.SignalFailed},
		{488, telephony.SignalFailed},
		{503, telephony.SignalFailed},
		{302, telephony.SignalFailed},
	}
	for _, tt := range tests {
		if got := statusSignal(tt.status); got != tt.want {
			t.Errorf("statusSignal(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestApplyPrefixRules(t *testing.T) {
	tests := []struct {
		name   string
		number string
		strip  int
		add    string
		want   string
	}{
		{
			name:   "no transformation",
			number: "966512345678",
			want:   "966512345678",
		},
		{
			name:   "strip plus sign",
			number: "+966512345678",
			strip:  1,
			want:   "966512345678",
		},
		{
			name:   "international access code",
			number: "+966512345678",
			strip:  1,
			add:    "00",
			want:   "00966512345678",
		},
		{
			name:   "strip more than length",
			number: "12",
			strip:  5,
			want:   "",
		},
		{
			name:   "strip more than length then add prefix",
			number: "12",
			strip:  5,
			add:    "999",
			want:   "999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyPrefixRules(tt.number, tt.strip, tt.add)
			if got != tt.want {
				t.Errorf("applyPrefixRules(%q, %d, %q) = %q, want %q",
					tt.number, tt.strip, tt.add, got, tt.want)
			}
		})
	}
}

// testInvite builds an INVITE the way Dial does, plus the headers the
// client transaction layer would add.
func testInvite(t *testing.T) *sip.Request {
	t.Helper()
	g := &TrunkGateway{cfg: Config{
		Host:       "trunk.example.net",
		Port:       5060,
		Transport:  "udp",
		CallerID:   "966500000000",
		ExternalIP: "192.0.2.10",
		ListenPort: 5080,
	}}
	g.mediaIP = net.ParseIP("192.0.2.10")

	invite, err := g.newInvite("call-1", telephony.DialRequest{Phone: "+966512345678"}, 10000)
	if err != nil {
		t.Fatalf("newInvite: %v", err)
	}
	invite.AppendHeader(&sip.ToHeader{Address: invite.Recipient})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.INVITE})
	invite.AppendHeader(sip.NewHeader("Via", "SIP/2.0/UDP 192.0.2.10:5080;branch=z9hG4bK.test"))
	return invite
}

func TestNewInvite(t *testing.T) {
	invite := testInvite(t)

	if invite.Recipient.User != "+966512345678" || invite.Recipient.Host != "trunk.example.net" {
		t.Errorf("recipient = %s", invite.Recipient.String())
	}
	if cid := invite.CallID(); cid == nil || cid.Value() != "call-1" {
		t.Errorf("call-id = %v", cid)
	}
	if from := invite.From(); from == nil || from.Address.User != "966500000000" {
		t.Errorf("from = %v", from)
	}
	if contact := invite.Contact(); contact == nil || contact.Address.Port != 5080 {
		t.Errorf("contact = %v", contact)
	}
	if !strings.Contains(string(invite.Body()), "m=audio 10000 RTP/AVP 0 101") {
		t.Errorf("sdp offer:\n%s", invite.Body())
	}
}

func TestAuthorize(t *testing.T) {
	invite := testInvite(t)

	tests := []struct {
		name       string
		status     int
		challenge  string
		wantHeader string
	}{
		{"www-authenticate", 401, "WWW-Authenticate", "Authorization"},
		{"proxy-authenticate", 407, "Proxy-Authenticate", "Proxy-Authorization"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sip.NewResponseFromRequest(invite, tt.status, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader(tt.challenge,
				`Digest realm="trunk.example.net", nonce="dcd98b7102dd2f0e", algorithm=MD5`))

			authReq, err := authorize(invite, res, "acct", "secret")
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			h := authReq.GetHeader(tt.wantHeader)
			if h == nil {
				t.Fatalf("%s header missing", tt.wantHeader)
			}
			for _, want := range []string{`username="acct"`, `realm="trunk.example.net"`, `nonce="dcd98b7102dd2f0e"`} {
				if !strings.Contains(h.Value(), want) {
					t.Errorf("%s = %q, missing %s", tt.wantHeader, h.Value(), want)
				}
			}
			if authReq.GetHeader("Via") != nil {
				t.Error("via should be removed so the client adds a fresh branch")
			}
			if invite.GetHeader(tt.wantHeader) != nil {
				t.Error("original request was modified")
			}
		})
	}

	t.Run("missing challenge header", func(t *testing.T) {
		res := sip.NewResponseFromRequest(invite, 401, "Unauthorized", nil)
		if _, err := authorize(invite, res, "acct", "secret"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestBuildACKAndBYE(t *testing.T) {
	invite := testInvite(t)

	ok := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	ok.To().Params.Add("tag", "remote-tag")
	ok.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "callee", Host: "203.0.113.10", Port: 5070},
	})

	ack := buildACKFor2xx(invite, ok)
	bye := buildBYE(invite, ok)

	for _, tt := range []struct {
		req    *sip.Request
		method sip.RequestMethod
		seq    uint32
	}{
		{ack, sip.ACK, 2},
		{bye, sip.BYE, 3},
	} {
		req := tt.req
		if req.Method != tt.method {
			t.Errorf("method = %s, want %s", req.Method, tt.method)
		}
		if req.Recipient.Host != "203.0.113.10" || req.Recipient.Port != 5070 {
			t.Errorf("%s recipient = %s, want the response contact", tt.method, req.Recipient.String())
		}
		if cseq := req.CSeq(); cseq == nil || cseq.SeqNo != tt.seq || cseq.MethodName != tt.method {
			t.Errorf("%s cseq = %v", tt.method, cseq)
		}
		if cid := req.CallID(); cid == nil || cid.Value() != "call-1" {
			t.Errorf("%s call-id = %v", tt.method, cid)
		}
		if tag, _ := req.To().Params.Get("tag"); tag != "remote-tag" {
			t.Errorf("%s to tag = %q", tt.method, tag)
		}
	}

	// The INVITE's own CSeq must not change.
	if invite.CSeq().SeqNo != 2 || invite.CSeq().MethodName != sip.INVITE {
		t.Errorf("invite cseq modified: %v", invite.CSeq())
	}
}

func TestParseInfoDTMF(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
		wantErr     bool
	}{
		{"relay", "application/dtmf-relay", "Signal=5\r\nDuration=160\r\n", "5", false},
		{"relay lowercase key", "application/dtmf-relay", "signal=#\nduration=100", "#", false},
		{"relay event code for star", "application/dtmf-relay", "Signal=10\r\n", "*", false},
		{"relay with charset", "application/dtmf-relay; charset=utf-8", "Signal=1", "1", false},
		{"plain", "application/dtmf", "3", "3", false},
		{"plain lowercase letter", "application/dtmf", "a", "A", false},
		{"relay missing signal", "application/dtmf-relay", "Duration=160", "", true},
		{"relay invalid signal", "application/dtmf-relay", "Signal=X", "", true},
		{"plain invalid", "application/dtmf", "12", "", true},
		{"unsupported type", "application/sdp", "v=0", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInfoDTMF(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
