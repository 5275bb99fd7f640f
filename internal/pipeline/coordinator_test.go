package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/avrile/cadence/internal/audio"
	"github.com/avrile/cadence/internal/engine"
	"github.com/avrile/cadence/internal/history"
	"github.com/avrile/cadence/internal/observability"
	"github.com/avrile/cadence/internal/protocol"
	"github.com/avrile/cadence/internal/session"
)

type fixture struct {
	inbound  chan any
	outbound chan any
	mgr      *session.Manager
	sess     session.Session
}

func startPipeline(t *testing.T, llm engine.LLMAdapter) *fixture {
	t.Helper()

	mgr := session.NewManager(time.Minute)
	sess, _ := mgr.Resume("", "voice-test")
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	coord := New(Config{}, engine.NewMockProvider(), llm, engine.NewMockProvider(),
		mgr, history.NewInMemoryStore(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan any, 256)
	outbound := make(chan any, 1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx, sess, inbound, outbound)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{inbound: inbound, outbound: outbound, mgr: mgr, sess: sess}
}

func (f *fixture) await(t *testing.T, timeout time.Duration, match func(any) bool) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-f.outbound:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for expected message")
			return nil
		}
	}
}

func loudBatch(flags uint32) audio.Batch {
	pcm := make([]byte, audio.PayloadBytes)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(4000)))
	}
	return audio.Batch{Flags: flags, PCM: pcm}
}

func quietBatch() audio.Batch {
	return audio.Batch{PCM: make([]byte, audio.PayloadBytes)}
}

func speakThenPause(f *fixture) {
	for i := 0; i < 3; i++ {
		f.inbound <- loudBatch(0)
	}
	// Let the recognizer partials land before silence accumulates.
	time.Sleep(80 * time.Millisecond)
	for i := 0; i < 30; i++ {
		f.inbound <- quietBatch()
	}
}

func TestPipelineHappyPath(t *testing.T) {
	f := startPipeline(t, engine.NewMockLLM())
	speakThenPause(f)

	msg := f.await(t, 3*time.Second, func(m any) bool {
		_, ok := m.(protocol.FinalUserRequest)
		return ok
	})
	if got := msg.(protocol.FinalUserRequest).Text; got != "simulated voice input" {
		t.Fatalf("final transcript = %q", got)
	}

	var quickSeen, finalAfterQuickDone bool
	var chunks []protocol.TTSChunk
	answer := f.await(t, 3*time.Second, func(m any) bool {
		if c, ok := m.(protocol.TTSChunk); ok {
			chunks = append(chunks, c)
		}
		_, ok := m.(protocol.FinalAssistantAnswer)
		return ok
	}).(protocol.FinalAssistantAnswer)

	if !strings.HasPrefix(answer.Text, "I heard you say") {
		t.Fatalf("answer text = %q", answer.Text)
	}
	if answer.TextOnly {
		t.Fatalf("TextOnly = true with working synthesis")
	}
	if len(chunks) == 0 {
		t.Fatalf("no audio chunks before final answer")
	}
	for _, c := range chunks {
		if c.Worker == "quick" {
			if finalAfterQuickDone {
				t.Fatalf("quick chunk after final chunk")
			}
			quickSeen = true
		}
		if c.Worker == "final" {
			finalAfterQuickDone = true
		}
	}
	if !quickSeen {
		t.Fatalf("no quick worker chunk observed")
	}

	got, err := f.mgr.Get(f.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.History) != 2 {
		t.Fatalf("history = %+v, want user+assistant", got.History)
	}
}

// blockingLLM emits an opening sentence then holds the stream open until
// the turn is cancelled.
type blockingLLM struct{}

func (blockingLLM) StreamResponse(ctx context.Context, _ engine.CompletionRequest, onDelta engine.DeltaHandler) (engine.CompletionResponse, error) {
	if onDelta != nil {
		if err := onDelta("Quick answer right here. "); err != nil {
			return engine.CompletionResponse{}, err
		}
	}
	<-ctx.Done()
	return engine.CompletionResponse{}, ctx.Err()
}

func TestPipelineBargeInCancelsAndRelistens(t *testing.T) {
	f := startPipeline(t, blockingLLM{})
	speakThenPause(f)

	chunk := f.await(t, 3*time.Second, func(m any) bool {
		_, ok := m.(protocol.TTSChunk)
		return ok
	}).(protocol.TTSChunk)
	oldTurn := chunk.TurnID

	// User speaks over playback.
	f.inbound <- loudBatch(audio.FlagTTSPlaying)

	intr := f.await(t, 2*time.Second, func(m any) bool {
		_, ok := m.(protocol.TTSInterruption)
		return ok
	}).(protocol.TTSInterruption)
	if intr.TurnID != oldTurn {
		t.Fatalf("interruption turn = %q, want %q", intr.TurnID, oldTurn)
	}

	// The cancelled turn stays dead: no more of its audio may surface.
	staleDeadline := time.After(300 * time.Millisecond)
	for {
		select {
		case m := <-f.outbound:
			if c, ok := m.(protocol.TTSChunk); ok && c.TurnID == oldTurn {
				t.Fatalf("chunk for cancelled turn %q delivered after interruption", oldTurn)
			}
		case <-staleDeadline:
			return
		}
	}
}

func TestPipelineInterruptControl(t *testing.T) {
	f := startPipeline(t, blockingLLM{})
	speakThenPause(f)

	f.await(t, 3*time.Second, func(m any) bool {
		_, ok := m.(protocol.TTSChunk)
		return ok
	})

	f.inbound <- protocol.ClientControl{Type: protocol.TypeInterrupt}

	f.await(t, 2*time.Second, func(m any) bool {
		_, ok := m.(protocol.TTSInterruption)
		return ok
	})
}

type failLLM struct{}

func (failLLM) StreamResponse(context.Context, engine.CompletionRequest, engine.DeltaHandler) (engine.CompletionResponse, error) {
	return engine.CompletionResponse{}, errors.New("model unavailable")
}

func TestPipelineGenerationFailureSpeaksApology(t *testing.T) {
	f := startPipeline(t, failLLM{})
	speakThenPause(f)

	errMsg := f.await(t, 3*time.Second, func(m any) bool {
		e, ok := m.(protocol.ErrorEvent)
		return ok && e.Code == "generation_failed"
	}).(protocol.ErrorEvent)
	if errMsg.Detail == "" {
		t.Fatalf("error event missing detail")
	}
	if !errMsg.Retryable {
		t.Fatalf("generation_failed not marked retryable")
	}

	answer := f.await(t, 3*time.Second, func(m any) bool {
		_, ok := m.(protocol.FinalAssistantAnswer)
		return ok
	}).(protocol.FinalAssistantAnswer)
	if !strings.Contains(answer.Text, "Sorry") {
		t.Fatalf("answer = %q, want apology", answer.Text)
	}
}

func TestPipelineSetSpeedControl(t *testing.T) {
	f := startPipeline(t, engine.NewMockLLM())
	f.inbound <- protocol.ClientControl{Type: protocol.TypeSetSpeed, Speed: 1.5}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.mgr.Get(f.sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.TTSSpeed == 1.5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("TTSSpeed never updated")
}
