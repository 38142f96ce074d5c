package media

// DTMFEvent represents an RFC 2833 telephone-event payload.
// The payload format (RFC 4733 §2.3) is:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8  // 0-9 digits, 10 = *, 11 = #, 12-15 = A-D
	End      bool   // E bit: marks end of event
	Volume   uint8  // power level in dBm0 (0-63)
	Duration uint16 // event duration in timestamp units
}

const dtmfPayloadSize = 4

// ParseDTMFEvent parses a telephone-event payload. Returns nil if the
// payload is too short.
func ParseDTMFEvent(payload []byte) *DTMFEvent {
	if len(payload) < dtmfPayloadSize {
		return nil
	}
	return &DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// DTMFEventName returns the keypad character for an event code, or "?".
func DTMFEventName(event uint8) string {
	switch {
	case event <= 9:
		return string(rune('0' + event))
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event >= 12 && event <= 15:
		return string(rune('A' + event - 12))
	default:
		return "?"
	}
}

// dtmfDetector turns a stream of telephone-event packets into digits.
// A digit is emitted once, on the first End packet of each event;
// senders retransmit the End packet with the same event and timestamp.
type dtmfDetector struct {
	lastEvent uint8
	lastTS    uint32
	seen      bool
}

func (d *dtmfDetector) feed(ts uint32, payload []byte) (string, bool) {
	ev := ParseDTMFEvent(payload)
	if ev == nil || !ev.End {
		return "", false
	}
	if d.seen && ev.Event == d.lastEvent && ts == d.lastTS {
		return "", false
	}
	d.lastEvent, d.lastTS, d.seen = ev.Event, ts, true

	name := DTMFEventName(ev.Event)
	if name == "?" {
		return "", false
	}
	return name, true
}
