package sip

import (
	"errors"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// errInvalidDTMFInfo is returned when an INFO body is not a DTMF digit.
var errInvalidDTMFInfo = errors.New("invalid dtmf info body")

var validDTMFSignals = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"*": true, "#": true,
	"A": true, "B": true, "C": true, "D": true,
}

// handleBye is the far end hanging up.
func (g *TrunkGateway) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	c := g.lookup(req)
	if c == nil {
		g.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	g.respond(req, tx, 200, "OK")
	c.logger.Info("far end hung up")
	c.remoteHangup()
}

// handleOptions answers keepalive pings from the trunk.
func (g *TrunkGateway) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo takes DTMF sent as SIP INFO, for trunks that do not carry
// RFC 2833 events in the media.
func (g *TrunkGateway) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	c := g.lookup(req)
	if c == nil {
		g.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	g.respond(req, tx, 200, "OK")

	ct := req.ContentType()
	if ct == nil {
		return
	}
	digit, err := parseInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		c.logger.Debug("sip info ignored", "content_type", ct.Value())
		return
	}
	c.logger.Debug("sip info dtmf received", "digit", digit)
	c.infoDigit(digit)
}

func (g *TrunkGateway) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to send response",
			"method", req.Method.String(),
			"code", code,
			"error", err,
		)
	}
}

// parseInfoDTMF reads a digit from an application/dtmf-relay body
// ("Signal=5\r\nDuration=160") or an application/dtmf body ("5").
func parseInfoDTMF(contentType string, body []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf":
		sig := strings.ToUpper(strings.TrimSpace(string(body)))
		if !validDTMFSignals[sig] {
			return "", errInvalidDTMFInfo
		}
		return sig, nil

	case "application/dtmf-relay":
		for _, line := range strings.Split(string(body), "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "signal") {
				continue
			}
			sig := strings.ToUpper(strings.TrimSpace(value))
			// Some endpoints send the event code for * and #.
			if n, err := strconv.Atoi(sig); err == nil && (n == 10 || n == 11) {
				sig = map[int]string{10: "*", 11: "#"}[n]
			}
			if !validDTMFSignals[sig] {
				return "", errInvalidDTMFInfo
			}
			return sig, nil
		}
	}
	return "", errInvalidDTMFInfo
}
