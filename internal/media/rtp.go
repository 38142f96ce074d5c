package media

import (
	"encoding/binary"
	"time"
)

const (
	// RTP payload types for supported codecs.
	PayloadPCMU = 0 // G.711 u-law

	// PayloadTelephoneEvent is the dynamic payload type we offer for
	// RFC 2833 telephone-event (DTMF).
	PayloadTelephoneEvent = 101

	// samplesPerPacket is the number of audio samples per RTP packet.
	// At 8 kHz with 20ms ptime, each G.711 packet carries 160 bytes.
	samplesPerPacket = 160

	// packetDuration is the duration of one RTP packet.
	packetDuration = 20 * time.Millisecond

	// rtpHeaderSize is the fixed RTP header size (no CSRCs, no extensions).
	rtpHeaderSize = 12

	rtpVersion = 2

	// timestampIncrement is the RTP timestamp increment per packet.
	timestampIncrement = 160

	// maxRTPPacket is the largest UDP datagram we read.
	maxRTPPacket = 1500
)

// buildRTPHeader writes a 12-byte RTP header into buf.
// marker should be true for the first packet of a talkspurt.
func buildRTPHeader(buf []byte, pt int, marker bool, seq uint16, ts uint32, ssrc uint32) {
	// Byte 0: V=2, P=0, X=0, CC=0
	buf[0] = rtpVersion << 6
	buf[1] = byte(pt & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}

// rtpPacket is the parsed view of an inbound datagram.
type rtpPacket struct {
	PayloadType int
	Timestamp   uint32
	Payload     []byte
}

// parseRTP validates the version and skips CSRCs and header extensions.
// It returns false for anything that is not RTP.
func parseRTP(pkt []byte) (rtpPacket, bool) {
	if len(pkt) < rtpHeaderSize || pkt[0]>>6 != rtpVersion {
		return rtpPacket{}, false
	}
	off := rtpHeaderSize + 4*int(pkt[0]&0x0F)
	if pkt[0]&0x10 != 0 {
		if len(pkt) < off+4 {
			return rtpPacket{}, false
		}
		off += 4 + 4*int(binary.BigEndian.Uint16(pkt[off+2:off+4]))
	}
	end := len(pkt)
	if pkt[0]&0x20 != 0 && end > off {
		end -= int(pkt[end-1])
	}
	if off > end {
		return rtpPacket{}, false
	}
	return rtpPacket{
		PayloadType: int(pkt[1] & 0x7F),
		Timestamp:   binary.BigEndian.Uint32(pkt[4:8]),
		Payload:     pkt[off:end],
	}, true
}
