package engine

import "context"

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

// STTEvent is one recognizer emission. Partial events carry the rolling
// hypothesis; a final event carries the committed transcript for the turn.
type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Timestamp  int64
}

// STTSession is one live recognition stream. SendPCM pushes raw PCM16LE
// audio; Finalize forces the recognizer to commit whatever it holds.
type STTSession interface {
	SendPCM(ctx context.Context, pcm []byte, sampleRate int) error
	Finalize(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error)
}

// CompletionRequest is the normalized request sent to the language model.
type CompletionRequest struct {
	SessionID string   `json:"session_id"`
	TurnID    string   `json:"turn_id"`
	InputText string   `json:"input_text"`
	History   []string `json:"history,omitempty"`
}

// CompletionResponse is the final response after streaming deltas.
type CompletionResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error stops
// the stream; the adapter surfaces that error to the caller.
type DeltaHandler func(delta string) error

// LLMAdapter bridges the pipeline to a streaming language model backend.
type LLMAdapter interface {
	StreamResponse(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

// TTSEvent is one synthesizer emission. Audio events carry raw PCM16LE.
type TTSEvent struct {
	Type   TTSEventType
	PCM    []byte
	Code   string
	Detail string
}

// TTSSettings tune a synthesis stream. Speed is a playback-rate multiplier.
type TTSSettings struct {
	Speed float64
}

// TTSStream accepts sentence-sized text and emits PCM chunks. CloseInput
// flushes pending synthesis and ends the stream with a final event.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID string, settings TTSSettings) (TTSStream, error)
}
