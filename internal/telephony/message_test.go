package telephony

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeSessionSetup(t *testing.T) {
	frame := []byte(`{"type":"session.setup","data":{"context":{"caller_number":"100","callee_number":"+966500000000","direction":"outbound","custom":{"session_id":"s1"}}}}`)
	m, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	setup, ok := m.(SessionSetup)
	if !ok {
		t.Fatalf("got %T, want SessionSetup", m)
	}
	if setup.Context.CalleeNumber != "+966500000000" || setup.Context.Custom["session_id"] != "s1" {
		t.Errorf("context = %+v", setup.Context)
	}
}

func TestDecodeAudioInput(t *testing.T) {
	m, err := Decode([]byte(`{"type":"audio.input","data":{"audio":"//8A"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	in, ok := m.(AudioInput)
	if !ok {
		t.Fatalf("got %T", m)
	}
	if len(in.Audio) != 3 || in.Audio[0] != 0xFF || in.Audio[2] != 0x00 {
		t.Errorf("audio = %x", in.Audio)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{`},
		{"bad base64", `{"type":"audio.input","data":{"audio":"***"}}`},
		{"bad data", `{"type":"call.mark","data":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.frame)); err == nil {
				t.Error("expected error")
			}
		})
	}

	_, err := Decode([]byte(`{"type":"call.transfer"}`))
	if !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{SessionReady{}, `{"type":"session.ready"}`},
		{CallHangup{}, `{"type":"call.hangup"}`},
		{CallMark{Label: "question:1"}, `{"type":"call.mark","data":{"label":"question:1"}}`},
		{ResponseStream{Audio: []byte{0xFF, 0xFF, 0x00}}, `{"type":"response.stream","data":{"audio":"//8A"}}`},
		{ErrorMessage{Message: "boom"}, `{"type":"error","data":{"message":"boom"}}`},
	}
	for _, tt := range tests {
		got, err := Encode(tt.msg)
		if err != nil {
			t.Fatalf("Encode(%T): %v", tt.msg, err)
		}
		if string(got) != tt.want {
			t.Errorf("Encode(%T) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestAudioDuration(t *testing.T) {
	if got := AudioDuration(make([]byte, 4000)); got != 500*time.Millisecond {
		t.Errorf("AudioDuration = %v", got)
	}
}
