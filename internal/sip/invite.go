package sip

import (
	"context"
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/callsurvey/internal/telephony"
)

// statusSignal maps a final INVITE failure to the dial outcome the
// conversation engine understands.
func statusSignal(statusCode int) telephony.SignalKind {
	switch statusCode {
	case 486, 600:
		return telephony.SignalBusy
	case 408, 480, 487:
		return telephony.SignalNoAnswer
	default:
		return telephony.SignalFailed
	}
}

// applyPrefixRules strips the first strip digits from number and then
// prepends add.
func applyPrefixRules(number string, strip int, add string) string {
	if strip > 0 {
		if strip >= len(number) {
			number = ""
		} else {
			number = number[strip:]
		}
	}
	return add + number
}

// authorize answers a 401/407 digest challenge by cloning the original
// request with the matching authorization header.
func authorize(req *sip.Request, challenge *sip.Response, username, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := challenge.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("trunk sent %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing trunk auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing trunk digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. Per
// RFC 3261 §13.2.2.4 the UAC core sends it, not the transaction layer.
// The Request-URI is the response's Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	ack := inDialogRequest(sip.ACK, inviteReq, inviteResp)
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	return ack
}

// buildBYE creates the BYE that ends an answered call. It uses the next
// CSeq number in our direction of the dialog.
func buildBYE(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	bye := inDialogRequest(sip.BYE, inviteReq, inviteResp)
	if cseq := bye.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = sip.BYE
	}
	return bye
}

func inDialogRequest(method sip.RequestMethod, inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, req)
	}
	if h := inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	req.SetTransport(inviteReq.Transport())
	req.SetSource(inviteReq.Source())
	return req
}

// getResponse waits for the first response from a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

func statusText(res *sip.Response) string {
	return strconv.Itoa(res.StatusCode) + " " + res.Reason
}
