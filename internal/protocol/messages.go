package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket control payload variants. Audio travels
// as binary frames and never appears here.
type MessageType string

const (
	// Inbound control messages.
	TypeTTSStart     MessageType = "tts_start"
	TypeTTSStop      MessageType = "tts_stop"
	TypeSetSpeed     MessageType = "set_speed"
	TypeClearHistory MessageType = "clear_history"
	TypeInterrupt    MessageType = "interrupt"

	// Outbound events.
	TypePartialUserRequest     MessageType = "partial_user_request"
	TypeFinalUserRequest       MessageType = "final_user_request"
	TypePartialAssistantAnswer MessageType = "partial_assistant_answer"
	TypeFinalAssistantAnswer   MessageType = "final_assistant_answer"
	TypeTTSChunk               MessageType = "tts_chunk"
	TypeTTSInterruption        MessageType = "tts_interruption"
	TypeSessionID              MessageType = "session_id"
	TypeSessionRestored        MessageType = "session_restored"
	TypeErrorEvent             MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is any inbound text message. One struct covers the whole
// control set; fields irrelevant to a given type are zero.
type ClientControl struct {
	Type  MessageType `json:"type"`
	Speed float64     `json:"speed,omitempty"`
}

type PartialUserRequest struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type FinalUserRequest struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type PartialAssistantAnswer struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Text   string      `json:"text"`
}

type FinalAssistantAnswer struct {
	Type     MessageType `json:"type"`
	TurnID   string      `json:"turn_id"`
	Text     string      `json:"text"`
	TextOnly bool        `json:"text_only,omitempty"`
}

// TTSChunk carries synthesized audio. Content is base64 PCM16LE; Worker is
// "quick" or "final" so the client can attribute superseded spans.
type TTSChunk struct {
	Type        MessageType `json:"type"`
	TurnID      string      `json:"turn_id"`
	Worker      string      `json:"worker"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
	IsFinal     bool        `json:"is_final,omitempty"`
}

// TTSInterruption tells the client to flush its playback buffer now.
type TTSInterruption struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
}

type SessionID struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// SessionRestored is sent instead of SessionID when a reconnect presented a
// valid, unexpired token.
type SessionRestored struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	Messages  []HistoryMsg `json:"messages"`
	Preserved int          `json:"preserved"`
}

type HistoryMsg struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ErrorEvent reports a stage failure. Retryable tells the client whether
// repeating the same input could succeed.
type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
	Retryable bool        `json:"retryable"`
}

// ParseClientControl validates one inbound text message. Unknown types and
// malformed payloads are errors; callers drop the message and keep reading.
func ParseClientControl(raw []byte) (ClientControl, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientControl{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTTSStart, TypeTTSStop, TypeClearHistory, TypeInterrupt:
		return ClientControl{Type: env.Type}, nil
	case TypeSetSpeed:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return ClientControl{}, err
		}
		if msg.Speed < 0.5 || msg.Speed > 2.0 {
			return ClientControl{}, fmt.Errorf("set_speed out of range: %v", msg.Speed)
		}
		return msg, nil
	default:
		return ClientControl{}, ErrUnsupportedType
	}
}
