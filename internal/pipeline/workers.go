package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avrile/cadence/internal/engine"
)

// Worker names as they appear in outbound chunk messages and metrics.
const (
	WorkerLLM      = "llm"
	WorkerQuickTTS = "tts_quick"
	WorkerFinalTTS = "tts_final"
)

// DefaultDetachGrace is how long a cancelled worker may keep running before
// the supervisor stops waiting and abandons it.
const DefaultDetachGrace = 250 * time.Millisecond

type workerEvent struct {
	turnID string
	worker string

	delta string // llm streaming fragment
	text  string // llm final text
	pcm   []byte // tts audio chunk

	done bool
	err  error
}

// GenerationRequest is handed to the worker pool when a turn's transcript
// commits.
type GenerationRequest struct {
	SessionID string
	TurnID    string
	Text      string
	History   []string
	VoiceID   string
	Speed     float64
	Token     *CancelToken
}

// emitFn posts a worker event back to the coordinator loop. It must not
// block forever: delivery races connection shutdown.
type emitFn func(workerEvent)

// runLLMWorker streams the model response for one turn. The token is
// checked before every delta; cancellation aborts the stream mid-flight.
func (c *Coordinator) runLLMWorker(ctx context.Context, req GenerationRequest, emit emitFn) {
	req.Token.AttachWorker()
	defer req.Token.DetachWorker()

	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-req.Token.Done():
			cancel()
		case <-llmCtx.Done():
		}
	}()

	c.metrics.WorkerEvents.WithLabelValues(WorkerLLM, "dispatch").Inc()

	resp, err := c.llm.StreamResponse(llmCtx, engine.CompletionRequest{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		InputText: req.Text,
		History:   req.History,
	}, func(delta string) error {
		if req.Token.Cancelled() {
			return context.Canceled
		}
		emit(workerEvent{turnID: req.TurnID, worker: WorkerLLM, delta: delta})
		return nil
	})

	switch {
	case req.Token.Cancelled() || errors.Is(err, context.Canceled):
		c.metrics.WorkerEvents.WithLabelValues(WorkerLLM, "cancelled").Inc()
	case err != nil:
		c.metrics.WorkerEvents.WithLabelValues(WorkerLLM, "failed").Inc()
		emit(workerEvent{turnID: req.TurnID, worker: WorkerLLM, err: err})
	default:
		c.metrics.WorkerEvents.WithLabelValues(WorkerLLM, "done").Inc()
		emit(workerEvent{turnID: req.TurnID, worker: WorkerLLM, done: true, text: resp.Text})
	}
}

// runTTSWorker synthesizes one text segment and streams PCM chunks back.
// worker distinguishes the quick opening sentence from the final remainder.
func (c *Coordinator) runTTSWorker(ctx context.Context, worker string, req GenerationRequest, text string, emit emitFn) {
	req.Token.AttachWorker()
	defer req.Token.DetachWorker()

	c.metrics.WorkerEvents.WithLabelValues(worker, "dispatch").Inc()

	text = engine.SanitizeSpeechText(text)
	if strings.TrimSpace(text) == "" {
		c.metrics.WorkerEvents.WithLabelValues(worker, "done").Inc()
		emit(workerEvent{turnID: req.TurnID, worker: worker, done: true})
		return
	}

	stream, err := c.tts.StartStream(ctx, req.VoiceID, engine.TTSSettings{Speed: req.Speed})
	if err != nil {
		c.metrics.WorkerEvents.WithLabelValues(worker, "failed").Inc()
		emit(workerEvent{turnID: req.TurnID, worker: worker, err: err})
		return
	}
	defer stream.Close()

	if err := stream.SendText(ctx, text); err != nil {
		c.metrics.WorkerEvents.WithLabelValues(worker, "failed").Inc()
		emit(workerEvent{turnID: req.TurnID, worker: worker, err: err})
		return
	}
	if err := stream.CloseInput(ctx); err != nil {
		c.metrics.WorkerEvents.WithLabelValues(worker, "failed").Inc()
		emit(workerEvent{turnID: req.TurnID, worker: worker, err: err})
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.metrics.WorkerEvents.WithLabelValues(worker, "cancelled").Inc()
			return
		case <-req.Token.Done():
			c.metrics.WorkerEvents.WithLabelValues(worker, "cancelled").Inc()
			return
		case ev, ok := <-stream.Events():
			if !ok {
				c.metrics.WorkerEvents.WithLabelValues(worker, "done").Inc()
				emit(workerEvent{turnID: req.TurnID, worker: worker, done: true})
				return
			}
			switch ev.Type {
			case engine.TTSEventAudio:
				if req.Token.Cancelled() {
					c.metrics.WorkerEvents.WithLabelValues(worker, "cancelled").Inc()
					return
				}
				emit(workerEvent{turnID: req.TurnID, worker: worker, pcm: ev.PCM})
			case engine.TTSEventFinal:
				c.metrics.WorkerEvents.WithLabelValues(worker, "done").Inc()
				emit(workerEvent{turnID: req.TurnID, worker: worker, done: true})
				return
			case engine.TTSEventError:
				c.metrics.WorkerEvents.WithLabelValues(worker, "failed").Inc()
				emit(workerEvent{turnID: req.TurnID, worker: worker, err: errors.New(ev.Detail)})
				return
			}
		}
	}
}
