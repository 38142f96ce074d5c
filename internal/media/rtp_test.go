package media

import (
	"encoding/binary"
	"testing"
)

func TestBuildRTPHeader(t *testing.T) {
	buf := make([]byte, rtpHeaderSize)

	buildRTPHeader(buf, PayloadPCMU, true, 100, 1600, 0x12345678)

	// Version 2, no padding, no extension, no CSRCs.
	if buf[0] != 0x80 {
		t.Errorf("byte 0 = 0x%02x, want 0x80", buf[0])
	}
	// Marker bit set, PT = 0 (PCMU).
	if buf[1] != 0x80 {
		t.Errorf("byte 1 = 0x%02x, want 0x80", buf[1])
	}
	if seq := binary.BigEndian.Uint16(buf[2:4]); seq != 100 {
		t.Errorf("seq = %d, want 100", seq)
	}
	if ts := binary.BigEndian.Uint32(buf[4:8]); ts != 1600 {
		t.Errorf("ts = %d, want 1600", ts)
	}
	if ssrc := binary.BigEndian.Uint32(buf[8:12]); ssrc != 0x12345678 {
		t.Errorf("ssrc = 0x%08x, want 0x12345678", ssrc)
	}
}

func TestBuildRTPHeader_NoMarker(t *testing.T) {
	buf := make([]byte, rtpHeaderSize)

	buildRTPHeader(buf, PayloadTelephoneEvent, false, 200, 3200, 0xAABBCCDD)

	if buf[1] != PayloadTelephoneEvent {
		t.Errorf("byte 1 = 0x%02x, want 0x%02x", buf[1], PayloadTelephoneEvent)
	}
}

func TestParseRTP(t *testing.T) {
	plain := make([]byte, rtpHeaderSize+3)
	buildRTPHeader(plain, PayloadPCMU, false, 1, 480, 7)
	copy(plain[rtpHeaderSize:], []byte{1, 2, 3})

	// One CSRC and a one-word header extension.
	ext := make([]byte, rtpHeaderSize+4+8+2)
	buildRTPHeader(ext, 8, false, 1, 960, 7)
	ext[0] |= 0x10 | 0x01
	binary.BigEndian.PutUint16(ext[rtpHeaderSize+4+2:], 1)
	copy(ext[rtpHeaderSize+4+8:], []byte{9, 9})

	// Two bytes of padding.
	padded := make([]byte, rtpHeaderSize+4)
	buildRTPHeader(padded, PayloadPCMU, false, 1, 0, 7)
	padded[0] |= 0x20
	padded[rtpHeaderSize] = 5
	padded[rtpHeaderSize+1] = 6
	padded[len(padded)-1] = 2

	tests := []struct {
		name    string
		pkt     []byte
		ok      bool
		pt      int
		payload []byte
	}{
		{"plain", plain, true, PayloadPCMU, []byte{1, 2, 3}},
		{"csrc and extension", ext, true, 8, []byte{9, 9}},
		{"padding", padded, true, PayloadPCMU, []byte{5, 6}},
		{"short", plain[:8], false, 0, nil},
		{"wrong version", append([]byte{0x40}, plain[1:]...), false, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := parseRTP(tt.pkt)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if p.PayloadType != tt.pt {
				t.Errorf("pt = %d, want %d", p.PayloadType, tt.pt)
			}
			if string(p.Payload) != string(tt.payload) {
				t.Errorf("payload = %v, want %v", p.Payload, tt.payload)
			}
		})
	}
}

func TestMeanAmplitude(t *testing.T) {
	silence := make([]byte, samplesPerPacket)
	for i := range silence {
		silence[i] = UlawSilence
	}
	if Voiced(silence, DefaultVoiceThreshold) {
		t.Error("silence frame reported as voiced")
	}

	loud := make([]byte, samplesPerPacket)
	for i := range loud {
		// 0x00 and 0x80 are the largest magnitudes of either sign.
		if i%2 == 0 {
			loud[i] = 0x00
		} else {
			loud[i] = 0x80
		}
	}
	if !Voiced(loud, DefaultVoiceThreshold) {
		t.Errorf("loud frame not voiced, amplitude %d", MeanAmplitude(loud))
	}
	if MeanAmplitude(nil) != 0 {
		t.Error("empty frame should have zero amplitude")
	}
}
