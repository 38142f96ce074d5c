// Package telephony defines the carrier-facing call channel: the closed
// set of messages exchanged during a call, their JSON wire form, and the
// Gateway and Channel interfaces the conversation engine drives.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire type names.
const (
	TypeSessionSetup   = "session.setup"
	TypeSessionReady   = "session.ready"
	TypeAudioInput     = "audio.input"
	TypeResponseStream = "response.stream"
	TypeSpeechStarted  = "speech.started"
	TypeCallMark       = "call.mark"
	TypeCallHangup     = "call.hangup"
	TypeCallDTMF       = "call.dtmf"
	TypeError          = "error"
)

// ErrUnknownMessage is returned by Decode for an unrecognised type tag.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one of the variants declared in this file.
type Message interface {
	Type() string
}

// SessionContext describes the call the carrier connected.
type SessionContext struct {
	CallerNumber string            `json:"caller_number"`
	CalleeNumber string            `json:"callee_number"`
	Direction    string            `json:"direction"`
	Custom       map[string]string `json:"custom,omitempty"`
}

// SessionSetup opens a media session; the engine must reply SessionReady.
type SessionSetup struct {
	Context SessionContext
}

// SessionReady acknowledges SessionSetup.
type SessionReady struct{}

// AudioInput carries caller audio (8 kHz mu-law).
type AudioInput struct {
	Audio []byte
}

// ResponseStream carries synthesized audio toward the caller (8 kHz mu-law).
type ResponseStream struct {
	Audio []byte
}

// SpeechStarted tells the carrier the engine began speaking.
type SpeechStarted struct{}

// CallMark labels a point in the outbound audio. When sent by the carrier
// it reports that playback reached the mark.
type CallMark struct {
	Label string
}

// CallHangup ends the call from either side.
type CallHangup struct{}

// DTMF is a keypad digit pressed by the caller.
type DTMF struct {
	Digit string
}

// ErrorMessage reports a failure to the peer.
type ErrorMessage struct {
	Message string
}

func (SessionSetup) Type() string   { return TypeSessionSetup }
func (SessionReady) Type() string   { return TypeSessionReady }
func (AudioInput) Type() string     { return TypeAudioInput }
func (ResponseStream) Type() string { return TypeResponseStream }
func (SpeechStarted) Type() string  { return TypeSpeechStarted }
func (CallMark) Type() string       { return TypeCallMark }
func (CallHangup) Type() string     { return TypeCallHangup }
func (DTMF) Type() string           { return TypeCallDTMF }
func (ErrorMessage) Type() string   { return TypeError }

type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type audioData struct {
	Audio string `json:"audio"`
}

type setupData struct {
	Context SessionContext `json:"context"`
}

type markData struct {
	Label string `json:"label"`
}

type dtmfData struct {
	Digit string `json:"digit"`
}

type errorData struct {
	Message string `json:"message"`
}

// Decode parses one wire frame into its variant.
func Decode(frame []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionSetup:
		var d setupData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return SessionSetup{Context: d.Context}, nil
	case TypeSessionReady:
		return SessionReady{}, nil
	case TypeAudioInput, TypeResponseStream:
		var d audioData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		audio, err := base64.StdEncoding.DecodeString(d.Audio)
		if err != nil {
			return nil, fmt.Errorf("decoding %s audio: %w", env.Type, err)
		}
		if env.Type == TypeAudioInput {
			return AudioInput{Audio: audio}, nil
		}
		return ResponseStream{Audio: audio}, nil
	case TypeSpeechStarted:
		return SpeechStarted{}, nil
	case TypeCallMark:
		var d markData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return CallMark{Label: d.Label}, nil
	case TypeCallHangup:
		return CallHangup{}, nil
	case TypeCallDTMF:
		var d dtmfData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return DTMF{Digit: d.Digit}, nil
	case TypeError:
		var d errorData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return ErrorMessage{Message: d.Message}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
}

func decodeData(env wireEnvelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding %s data: %w", env.Type, err)
	}
	return nil
}

// Encode renders m in wire form.
func Encode(m Message) ([]byte, error) {
	var data any
	switch v := m.(type) {
	case SessionSetup:
		data = setupData{Context: v.Context}
	case AudioInput:
		data = audioData{Audio: base64.StdEncoding.EncodeToString(v.Audio)}
	case ResponseStream:
		data = audioData{Audio: base64.StdEncoding.EncodeToString(v.Audio)}
	case CallMark:
		data = markData{Label: v.Label}
	case DTMF:
		data = dtmfData{Digit: v.Digit}
	case ErrorMessage:
		data = errorData{Message: v.Message}
	case SessionReady, SpeechStarted, CallHangup:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}

	env := wireEnvelope{Type: m.Type()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", m.Type(), err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
