package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrNoAudio is returned when an answer carries no usable audio stream.
var ErrNoAudio = errors.New("sdp has no usable audio")

// Codec is one a=rtpmap entry.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
}

// MediaDescription is a parsed m= section.
type MediaDescription struct {
	Type       string
	Port       int
	Formats    []int
	Connection string // media-level c= address, if any
	Codecs     []Codec
	Direction  string
}

// CodecByName returns the first codec with the given name (case-insensitive), or nil.
func (m *MediaDescription) CodecByName(name string) *Codec {
	for i := range m.Codecs {
		if strings.EqualFold(m.Codecs[i].Name, name) {
			return &m.Codecs[i]
		}
	}
	return nil
}

// Offers reports whether pt is listed on the m= line.
func (m *MediaDescription) Offers(pt int) bool {
	for _, f := range m.Formats {
		if f == pt {
			return true
		}
	}
	return false
}

// SessionDescription holds the parts of an SDP body a call leg needs.
type SessionDescription struct {
	Connection string // session-level c= address
	Media      []MediaDescription
}

// AudioMedia returns the first audio media description, or nil.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// Answer is the remote half of a negotiated audio stream.
type Answer struct {
	Remote *net.UDPAddr
	// DTMFPayloadType is the telephone-event payload type the far end
	// accepted, or -1.
	DTMFPayloadType int
}

// Negotiate checks that the far end accepted PCMU and returns where to
// send it.
func (s *SessionDescription) Negotiate() (Answer, error) {
	m := s.AudioMedia()
	if m == nil || m.Port == 0 {
		return Answer{}, ErrNoAudio
	}
	if !m.Offers(PayloadPCMU) {
		return Answer{}, fmt.Errorf("%w: pcmu not accepted", ErrNoAudio)
	}
	addr := m.Connection
	if addr == "" {
		addr = s.Connection
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return Answer{}, fmt.Errorf("%w: connection address %q", ErrNoAudio, addr)
	}

	a := Answer{Remote: &net.UDPAddr{IP: ip, Port: m.Port}, DTMFPayloadType: -1}
	if c := m.CodecByName("telephone-event"); c != nil && m.Offers(c.PayloadType) {
		a.DTMFPayloadType = c.PayloadType
	}
	return a, nil
}

// ParseSDP parses an SDP body. Lines it does not need are skipped.
func ParseSDP(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty sdp body")
	}

	sd := &SessionDescription{}
	var current *MediaDescription

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			addr, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if current != nil {
				current.Connection = addr
			} else {
				sd.Connection = addr
			}

		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			current = &sd.Media[len(sd.Media)-1]

		case 'a':
			if current != nil {
				parseMediaAttribute(current, value)
			}
		}
	}

	return sd, nil
}

// Offer builds the SDP offer for an outbound call leg: PCMU plus
// telephone-event on the given address and RTP port.
func Offer(ip net.IP, port int, sessionID uint64) []byte {
	addrType := "IP4"
	if ip.To4() == nil {
		addrType = "IP6"
	}
	id := strconv.FormatUint(sessionID, 10)
	pt := strconv.Itoa(PayloadTelephoneEvent)

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=callsurvey " + id + " " + id + " IN " + addrType + " " + ip.String() + "\r\n")
	b.WriteString("s=callsurvey\r\n")
	b.WriteString("c=IN " + addrType + " " + ip.String() + "\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("m=audio " + strconv.Itoa(port) + " RTP/AVP 0 " + pt + "\r\n")
	b.WriteString("a=rtpmap:0 PCMU/8000\r\n")
	b.WriteString("a=rtpmap:" + pt + " telephone-event/8000\r\n")
	b.WriteString("a=fmtp:" + pt + " 0-15\r\n")
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=sendrecv\r\n")
	return []byte(b.String())
}

// parseConnection parses <nettype> <addrtype> <address>.
func parseConnection(value string) (string, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return "", fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	// Strip TTL/multicast suffix (e.g. "224.2.1.1/127").
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("invalid ip address %q", addr)
	}
	return addr, nil
}

// parseMediaLine parses <media> <port>[/<count>] <proto> <fmt> ...
func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:      parts[0],
		Direction: "sendrecv",
	}

	portStr, _, _ := strings.Cut(parts[1], "/")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			// Non-RTP formats (e.g. "webrtc-datachannel") are not ours.
			continue
		}
		md.Formats = append(md.Formats, pt)
	}
	return md, nil
}

func parseMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		if c, err := parseRtpmap(attr[len("rtpmap:"):]); err == nil {
			md.Codecs = append(md.Codecs, c)
		}
	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		md.Direction = attr
	}
}

// parseRtpmap parses <payload type> <encoding name>/<clock rate>[/<channels>].
func parseRtpmap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}
	encParts := strings.Split(enc, "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", enc)
	}
	rate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}
	return Codec{PayloadType: pt, Name: encParts[0], ClockRate: rate}, nil
}
