package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockProvider is a local STT/TTS backend used when no real engine is
// configured. Output is deterministic so the pipeline can be exercised
// end to end without external services.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	s := &mockSTTSession{events: events}
	return s, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, voiceID string, settings TTSSettings) (TTSStream, error) {
	speed := settings.Speed
	if speed <= 0 {
		speed = 1.0
	}
	events := make(chan TTSEvent, 128)
	return &mockTTSStream{events: events, speed: speed, voice: voiceID}, nil
}

type mockSTTSession struct {
	mu       sync.Mutex
	events   chan STTEvent
	chunks   int
	heardAny bool
	closed   bool
}

func (s *mockSTTSession) SendPCM(_ context.Context, pcm []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if audible(pcm) {
		s.heardAny = true
		s.events <- STTEvent{
			Type:       STTEventPartial,
			Text:       fmt.Sprintf("simulated partial %d", s.chunks),
			Confidence: 0.5,
			Timestamp:  time.Now().UnixMilli(),
		}
	}
	return nil
}

func (s *mockSTTSession) Finalize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text := ""
	if s.heardAny {
		text = "simulated voice input"
	}
	s.events <- STTEvent{Type: STTEventFinal, Text: text, Confidence: 0.7, Timestamp: time.Now().UnixMilli()}
	s.heardAny = false
	return nil
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func audible(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if v > 512 || v < -512 {
			return true
		}
	}
	return false
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	speed  float64
	voice  string
	closed bool
}

// mockSamplesPerRune sizes synthetic audio roughly like real speech at
// 16kHz, so playback-length assertions behave sensibly in tests.
const mockSamplesPerRune = 800

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventAudio, PCM: synthesizePCM(text, s.speed, s.voice)}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// synthesizePCM renders text as a deterministic PCM16LE tone whose length
// tracks text length and shrinks as speed rises. The voice shifts the tone
// so a voice substitution is visible in the audio bytes.
func synthesizePCM(text string, speed float64, voice string) []byte {
	runes := []rune(text)
	samples := int(float64(len(runes)*mockSamplesPerRune) / speed)
	if samples < mockSamplesPerRune {
		samples = mockSamplesPerRune
	}
	timbre := voiceTimbre(voice)
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		r := runes[i%len(runes)]
		v := int16((int(r)%128)*64 - 4096 + int(timbre))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

// voiceTimbre maps a voice ID onto a small DC offset in [0, 512).
func voiceTimbre(voice string) int16 {
	var h uint32
	for _, r := range voice {
		h = h*31 + uint32(r)
	}
	return int16(h % 512)
}

// MockLLM provides deterministic local replies when no model is reachable.
type MockLLM struct{}

func NewMockLLM() *MockLLM { return &MockLLM{} }

func (a *MockLLM) StreamResponse(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return CompletionResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	// Emit word by word so downstream sentence assembly is exercised.
	var out strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		default:
		}
		out.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	return CompletionResponse{Text: out.String()}, nil
}

func buildMockReply(req CompletionRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "I am listening."
	}
	if len(req.History) == 0 {
		return fmt.Sprintf("I heard you say %s. Tell me more when you are ready.", base)
	}
	return fmt.Sprintf("I heard you say %s. We have spoken %d times already this session.", base, len(req.History))
}
