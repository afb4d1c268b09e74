package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies browser websocket payload variants.
type MessageType string

const (
	TypeStartSession       MessageType = "start_session"
	TypeStopSession        MessageType = "stop_session"
	TypeAudioInput         MessageType = "audio_input"
	TypeAudioOutput        MessageType = "audio_output"
	TypeConversationUpdate MessageType = "conversation_update"
	TypeSystemEvent        MessageType = "system_event"
	TypeSessionEnded       MessageType = "session_ended"
	TypeErrorEvent         MessageType = "error_event"
)

// ErrUnknownType marks frames whose type field is not recognized. Callers
// drop these frames and keep the session alive so that newer clients do not
// break older servers.
var ErrUnknownType = errors.New("unknown message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// StartConfig is the client-chosen session configuration carried by
// start_session.
type StartConfig struct {
	Industry       string `json:"industry,omitempty"`
	VoiceModel     string `json:"voice_model,omitempty"`
	VoiceName      string `json:"voice_name,omitempty"`
	InputDeviceID  string `json:"input_device_id,omitempty"`
	OutputDeviceID string `json:"output_device_id,omitempty"`
}

type StartSession struct {
	Type   MessageType `json:"type"`
	Config StartConfig `json:"config"`
}

type StopSession struct {
	Type MessageType `json:"type"`
}

// AudioInput is the normalized inbound audio chunk. The wire form may be a
// base64 JSON frame or a raw binary websocket frame; both end up here so the
// relay path is encoding-agnostic.
type AudioInput struct {
	PCM        []byte
	SampleRate int
}

type audioInputWire struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio"`
	SampleRate  int         `json:"sample_rate"`
}

type AudioOutput struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio"`
	SampleRate  int         `json:"sample_rate"`
	Seq         uint64      `json:"seq"`
}

// NewAudioOutput wraps a synthesized PCM chunk for delivery to the browser.
func NewAudioOutput(pcm []byte, sampleRate int, seq uint64) AudioOutput {
	return AudioOutput{
		Type:        TypeAudioOutput,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  sampleRate,
		Seq:         seq,
	}
}

type ConversationUpdate struct {
	Type    MessageType `json:"type"`
	Role    string      `json:"role"`
	Content string      `json:"content"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type SessionEnded struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

// ParseClientMessage decodes a text frame from the browser. Unknown types
// return ErrUnknownType; malformed payloads return a decode error. Neither is
// session-fatal.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStopSession:
		var msg StopSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioInput:
		var msg audioInputWire
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_input")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid audio payload: %w", err)
		}
		return AudioInput{PCM: pcm, SampleRate: msg.SampleRate}, nil
	default:
		return nil, ErrUnknownType
	}
}
