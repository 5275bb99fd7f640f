package pipeline

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/avrile/cadence/internal/audio"
	"github.com/avrile/cadence/internal/engine"
	"github.com/avrile/cadence/internal/history"
	"github.com/avrile/cadence/internal/observability"
	"github.com/avrile/cadence/internal/protocol"
	"github.com/avrile/cadence/internal/reliability"
	"github.com/avrile/cadence/internal/session"
	"github.com/avrile/cadence/internal/turndetect"
)

// errorEvent builds one outbound failure report, classifying whether the
// client may usefully retry the same input.
func errorEvent(code, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      code,
		Detail:    detail,
		Retryable: reliability.IsRetryableErrorCode(code),
	}
}

// Config tunes one coordinator instance shared by all connections.
type Config struct {
	SampleRate  int
	EnergyFloor float64
	DetachGrace time.Duration
	Estimator   turndetect.ThresholdEstimator
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.EnergyFloor <= 0 {
		c.EnergyFloor = 500
	}
	if c.DetachGrace <= 0 {
		c.DetachGrace = DefaultDetachGrace
	}
	if c.Estimator == nil {
		c.Estimator = turndetect.HeuristicEstimator{}
	}
	return c
}

const apologyText = "Sorry, I hit a snag answering that. Could you say it again?"

// criticalSendTimeout bounds delivery of messages the client must see.
// Bulk audio is best-effort and dropped when the writer is saturated.
const criticalSendTimeout = 600 * time.Millisecond

// Coordinator runs the turn-taking loop between the audio stream and the
// STT/LLM/TTS engine. One Run per connection; all turn state lives on that
// goroutine's stack, only CancelTokens are shared with workers.
type Coordinator struct {
	cfg      Config
	stt      engine.STTProvider
	llm      engine.LLMAdapter
	tts      engine.TTSProvider
	sessions *session.Manager
	archive  history.Store
	metrics  *observability.Metrics
}

func New(
	cfg Config,
	stt engine.STTProvider,
	llm engine.LLMAdapter,
	tts engine.TTSProvider,
	sessions *session.Manager,
	archive history.Store,
	metrics *observability.Metrics,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		stt:      stt,
		llm:      llm,
		tts:      tts,
		sessions: sessions,
		archive:  archive,
		metrics:  metrics,
	}
}

// turnState is the supervisor's view of the active turn. It is rebuilt from
// scratch for every turn; nothing carries over.
type turnState struct {
	turn *Turn

	commitAt   time.Time
	firstToken bool

	quickStarted bool
	quickDone    bool

	llmDone      bool
	remainder    string
	finalStarted bool
	finalDone    bool
	finalBuffer  [][]byte

	audioSeq  int
	audioSent bool
	textOnly  bool
}

func (st *turnState) quickSettled() bool {
	return !st.quickStarted || st.quickDone
}

func (st *turnState) finalSettled() bool {
	return st.llmDone && (!st.finalStarted || st.finalDone)
}

// Run drives one connection until its context ends or inbound closes.
// Inbound values are audio.Batch and protocol.ClientControl; outbound
// receives protocol message structs for the gateway's writer.
func (c *Coordinator) Run(ctx context.Context, sess session.Session, inbound <-chan any, outbound chan<- any) error {
	sttSession, sttEvents, err := c.stt.StartSession(ctx, sess.ID)
	if err != nil {
		c.metrics.EngineErrors.WithLabelValues("stt", "connect_failed").Inc()
		c.send(ctx, outbound, errorEvent("transcription_failed", err.Error()), true)
		return err
	}
	defer sttSession.Close()

	tracker := turndetect.NewSilenceTracker(c.cfg.SampleRate, audio.BatchSamples, c.cfg.EnergyFloor)
	detector := turndetect.NewDetector(c.cfg.Estimator)

	workerEvents := make(chan workerEvent, 256)
	emit := func(ev workerEvent) {
		select {
		case workerEvents <- ev:
		case <-ctx.Done():
		}
	}

	speed := sess.TTSSpeed
	if speed <= 0 {
		speed = 1.0
	}
	st := &turnState{}

	for {
		select {
		case <-ctx.Done():
			c.abandonTurn(st, "connection_closed")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				c.abandonTurn(st, "connection_closed")
				return nil
			}
			switch m := msg.(type) {
			case audio.Batch:
				c.handleBatch(ctx, &sess, st, m, sttSession, tracker, detector, outbound)
			case protocol.ClientControl:
				speed = c.handleControl(ctx, &sess, st, m, speed, outbound)
			}

		case ev, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				continue
			}
			c.handleSTT(ctx, &sess, st, ev, detector, outbound, speed, emit)

		case ev := <-workerEvents:
			c.handleWorker(ctx, &sess, st, ev, outbound, speed, emit)
		}
	}
}

func (c *Coordinator) handleBatch(
	ctx context.Context,
	sess *session.Session,
	st *turnState,
	batch audio.Batch,
	sttSession engine.STTSession,
	tracker *turndetect.SilenceTracker,
	detector *turndetect.Detector,
	outbound chan<- any,
) {
	_ = c.sessions.Touch(sess.ID)

	energy := audio.MeanAbsAmplitude(batch.PCM)
	silence, speech := tracker.Observe(energy)

	// Speech while the assistant is generating or speaking is a barge-in.
	// The client's playback flag guards against the assistant's own audio
	// leaking into the microphone path counting as user speech.
	if speech && st.turn != nil && st.turn.Live() &&
		(st.turn.Phase == PhaseGenerating || st.turn.Phase == PhaseSpeaking) {
		if batch.TTSPlaying() || st.turn.Phase == PhaseGenerating {
			c.cancelTurn(ctx, sess, st, "barge_in", outbound)
		}
	}

	// A cancelled or finished turn leaves the floor open: the same batch
	// that interrupted starts the next turn.
	if st.turn == nil || !st.turn.Live() {
		if speech {
			c.beginTurn(st, detector)
		} else {
			return
		}
	}

	if st.turn.Phase == PhaseListening {
		if err := sttSession.SendPCM(ctx, batch.PCM, c.cfg.SampleRate); err != nil {
			c.metrics.EngineErrors.WithLabelValues("stt", "send_failed").Inc()
			c.send(ctx, outbound, errorEvent("transcription_failed", err.Error()), true)
		}

		boundary, fired := detector.Feed(st.turn.Partial(), silence)
		if fired && boundary == turndetect.BoundaryEnd {
			st.turn.Phase = PhaseTranscribing
			c.metrics.TurnTransitions.WithLabelValues(string(PhaseTranscribing)).Inc()
			st.commitAt = time.Now()
			if err := sttSession.Finalize(ctx); err != nil {
				c.metrics.EngineErrors.WithLabelValues("stt", "finalize_failed").Inc()
				c.send(ctx, outbound, errorEvent("transcription_failed", err.Error()), true)
				c.resetTurn(st, detector)
			}
		}
	}
}

// beginTurn opens a fresh LISTENING turn and primes the detector with the
// speech onset.
func (c *Coordinator) beginTurn(st *turnState, detector *turndetect.Detector) {
	*st = turnState{turn: NewTurn()}
	detector.Reset()
	detector.Feed("", 0)
	c.metrics.TurnTransitions.WithLabelValues(string(PhaseListening)).Inc()
	c.metrics.SessionEvents.WithLabelValues("turn_started").Inc()
}

func (c *Coordinator) handleSTT(
	ctx context.Context,
	sess *session.Session,
	st *turnState,
	ev engine.STTEvent,
	detector *turndetect.Detector,
	outbound chan<- any,
	speed float64,
	emit emitFn,
) {
	if st.turn == nil || !st.turn.Live() {
		return
	}

	switch ev.Type {
	case engine.STTEventPartial:
		if st.turn.Transcribed() {
			return
		}
		st.turn.SetPartial(ev.Text)
		c.send(ctx, outbound, protocol.PartialUserRequest{
			Type: protocol.TypePartialUserRequest,
			Text: ev.Text,
		}, false)

	case engine.STTEventFinal:
		if !st.turn.CommitTranscript(ev.Text) {
			return
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			// Noise without words: drop the turn and keep listening.
			c.metrics.SessionEvents.WithLabelValues("empty_transcript").Inc()
			c.resetTurn(st, detector)
			return
		}
		c.send(ctx, outbound, protocol.FinalUserRequest{
			Type: protocol.TypeFinalUserRequest,
			Text: text,
		}, true)

		historyLines := c.historyLines(sess.ID)
		_ = c.sessions.AppendHistory(sess.ID, "user", text)
		c.archiveExchange(ctx, sess.ID, st.turn.ID, "user", text)

		st.turn.Phase = PhaseGenerating
		c.metrics.TurnTransitions.WithLabelValues(string(PhaseGenerating)).Inc()
		if !st.commitAt.IsZero() {
			c.metrics.ObserveStage(observability.StageTranscriptCommit, time.Since(st.commitAt))
		}
		st.commitAt = time.Now()

		go c.runLLMWorker(ctx, GenerationRequest{
			SessionID: sess.ID,
			TurnID:    st.turn.ID,
			Text:      text,
			History:   historyLines,
			VoiceID:   sess.VoiceID,
			Speed:     speed,
			Token:     st.turn.Token,
		}, emit)

	case engine.STTEventError:
		c.metrics.EngineErrors.WithLabelValues("stt", ev.Code).Inc()
		c.send(ctx, outbound, errorEvent("transcription_failed", ev.Detail), true)
		c.resetTurn(st, detector)
	}
}

func (c *Coordinator) handleWorker(
	ctx context.Context,
	sess *session.Session,
	st *turnState,
	ev workerEvent,
	outbound chan<- any,
	speed float64,
	emit emitFn,
) {
	// Events from a superseded turn are dead on arrival. A cancelled turn
	// never resurrects, whatever its workers still deliver.
	if st.turn == nil || !st.turn.Live() || ev.turnID != st.turn.ID {
		return
	}

	switch ev.worker {
	case WorkerLLM:
		c.handleLLMEvent(ctx, sess, st, ev, outbound, speed, emit)
	case WorkerQuickTTS, WorkerFinalTTS:
		c.handleTTSEvent(ctx, sess, st, ev, outbound)
	}
}

func (c *Coordinator) handleLLMEvent(
	ctx context.Context,
	sess *session.Session,
	st *turnState,
	ev workerEvent,
	outbound chan<- any,
	speed float64,
	emit emitFn,
) {
	switch {
	case ev.err != nil:
		c.metrics.EngineErrors.WithLabelValues("llm", "stream_failed").Inc()
		c.send(ctx, outbound, errorEvent("generation_failed", ev.err.Error()), true)
		// Speak an apology instead of going silent, then close the turn.
		st.turn.AppendResponse(apologyText)
		c.send(ctx, outbound, protocol.PartialAssistantAnswer{
			Type:   protocol.TypePartialAssistantAnswer,
			TurnID: st.turn.ID,
			Text:   st.turn.Response(),
		}, true)
		st.llmDone = true
		st.remainder = ""
		if !st.quickStarted {
			st.quickStarted = true
			go c.runTTSWorker(ctx, WorkerQuickTTS, c.request(sess, st, speed), apologyText, emit)
		}
		c.maybeFinish(ctx, sess, st, outbound)

	case ev.done:
		st.llmDone = true
		full := st.turn.Response()
		if ev.text != "" {
			full = ev.text
		}
		if st.quickStarted {
			if _, tail, ok := engine.FirstSentence(full); ok {
				st.remainder = tail
			}
		} else {
			st.remainder = full
		}
		if strings.TrimSpace(st.remainder) != "" {
			st.finalStarted = true
			go c.runTTSWorker(ctx, WorkerFinalTTS, c.request(sess, st, speed), st.remainder, emit)
		}
		c.maybeFinish(ctx, sess, st, outbound)

	default: // streaming delta
		if !st.firstToken {
			st.firstToken = true
			c.metrics.ObserveStage(observability.StageFirstToken, time.Since(st.commitAt))
		}
		st.turn.AppendResponse(ev.delta)
		c.send(ctx, outbound, protocol.PartialAssistantAnswer{
			Type:   protocol.TypePartialAssistantAnswer,
			TurnID: st.turn.ID,
			Text:   st.turn.Response(),
		}, false)

		if !st.quickStarted {
			if head, _, ok := engine.FirstSentence(st.turn.Response()); ok {
				st.quickStarted = true
				go c.runTTSWorker(ctx, WorkerQuickTTS, c.request(sess, st, speed), head, emit)
			}
		}
	}
}

func (c *Coordinator) handleTTSEvent(
	ctx context.Context,
	sess *session.Session,
	st *turnState,
	ev workerEvent,
	outbound chan<- any,
) {
	switch {
	case ev.err != nil:
		stage := "tts_quick"
		if ev.worker == WorkerFinalTTS {
			stage = "tts_final"
		}
		c.metrics.EngineErrors.WithLabelValues(stage, "synth_failed").Inc()
		c.send(ctx, outbound, errorEvent("synthesis_failed", ev.err.Error()), true)
		if ev.worker == WorkerQuickTTS {
			st.quickDone = true
			c.flushFinalBuffer(ctx, st, outbound)
		} else {
			st.finalDone = true
		}
		if !st.audioSent {
			st.textOnly = true
		}
		c.maybeFinish(ctx, sess, st, outbound)

	case ev.done:
		if ev.worker == WorkerQuickTTS {
			st.quickDone = true
			c.flushFinalBuffer(ctx, st, outbound)
		} else {
			st.finalDone = true
		}
		c.maybeFinish(ctx, sess, st, outbound)

	default: // audio chunk
		if ev.worker == WorkerFinalTTS && !st.quickSettled() {
			// Final audio never plays before the opening sentence ends.
			st.finalBuffer = append(st.finalBuffer, ev.pcm)
			return
		}
		c.sendChunk(ctx, st, ev.worker, ev.pcm, outbound)
	}
}

func (c *Coordinator) sendChunk(ctx context.Context, st *turnState, worker string, pcm []byte, outbound chan<- any) {
	if st.turn.Token.Cancelled() {
		return
	}
	if !st.audioSent {
		st.audioSent = true
		st.turn.Phase = PhaseSpeaking
		c.metrics.TurnTransitions.WithLabelValues(string(PhaseSpeaking)).Inc()
		c.metrics.ObserveFirstAudioLatency(time.Since(st.commitAt))
		if worker == WorkerQuickTTS {
			c.metrics.ObserveStage(observability.StageQuickSynth, time.Since(st.commitAt))
		}
	}
	st.audioSeq++
	c.send(ctx, outbound, protocol.TTSChunk{
		Type:        protocol.TypeTTSChunk,
		TurnID:      st.turn.ID,
		Worker:      shortWorker(worker),
		Seq:         st.audioSeq,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
	}, false)
}

func (c *Coordinator) flushFinalBuffer(ctx context.Context, st *turnState, outbound chan<- any) {
	for _, pcm := range st.finalBuffer {
		c.sendChunk(ctx, st, WorkerFinalTTS, pcm, outbound)
	}
	st.finalBuffer = nil
}

func (c *Coordinator) maybeFinish(ctx context.Context, sess *session.Session, st *turnState, outbound chan<- any) {
	if st.turn == nil || !st.turn.Live() {
		return
	}
	if !st.quickSettled() || !st.finalSettled() {
		return
	}

	response := strings.TrimSpace(st.turn.Response())
	c.send(ctx, outbound, protocol.FinalAssistantAnswer{
		Type:     protocol.TypeFinalAssistantAnswer,
		TurnID:   st.turn.ID,
		Text:     response,
		TextOnly: st.textOnly,
	}, true)
	if response != "" {
		_ = c.sessions.AppendHistory(sess.ID, "assistant", response)
		c.archiveExchange(ctx, sess.ID, st.turn.ID, "assistant", response)
	}

	st.turn.Phase = PhaseDone
	c.metrics.TurnTransitions.WithLabelValues(string(PhaseDone)).Inc()
	c.metrics.ObserveStage(observability.StageTurnTotal, time.Since(st.turn.StartedAt))
	st.turn = nil
}

func (c *Coordinator) handleControl(
	ctx context.Context,
	sess *session.Session,
	st *turnState,
	msg protocol.ClientControl,
	speed float64,
	outbound chan<- any,
) float64 {
	_ = c.sessions.Touch(sess.ID)

	switch msg.Type {
	case protocol.TypeInterrupt, protocol.TypeTTSStop:
		c.cancelTurn(ctx, sess, st, "client_"+string(msg.Type), outbound)
	case protocol.TypeTTSStart:
		c.metrics.SessionEvents.WithLabelValues("client_playback_started").Inc()
	case protocol.TypeSetSpeed:
		speed = msg.Speed
		_ = c.sessions.SetTTSSpeed(sess.ID, msg.Speed)
	case protocol.TypeClearHistory:
		_ = c.sessions.ClearHistory(sess.ID)
	}
	return speed
}

// cancelTurn trips the active turn's token exactly once, tells the client
// to flush playback, and leaves the floor open for the next turn.
func (c *Coordinator) cancelTurn(ctx context.Context, sess *session.Session, st *turnState, reason string, outbound chan<- any) {
	if st.turn == nil || !st.turn.Live() {
		return
	}
	if !st.turn.Token.Cancel(reason) {
		return
	}

	st.turn.Phase = PhaseCancelled
	c.metrics.TurnTransitions.WithLabelValues(string(PhaseCancelled)).Inc()
	c.metrics.SessionEvents.WithLabelValues("turn_cancelled").Inc()

	c.send(ctx, outbound, protocol.TTSInterruption{
		Type:   protocol.TypeTTSInterruption,
		TurnID: st.turn.ID,
	}, true)

	// Whatever the model said before the cut stays in history.
	if response := strings.TrimSpace(st.turn.Response()); response != "" {
		_ = c.sessions.AppendHistory(sess.ID, "assistant", response)
		c.archiveExchange(ctx, sess.ID, st.turn.ID, "assistant", response)
	}

	token := st.turn.Token
	grace := c.cfg.DetachGrace
	time.AfterFunc(grace, func() {
		if token.LiveWorkers() > 0 {
			c.metrics.WorkerEvents.WithLabelValues("supervisor", "force_detached").Inc()
		}
	})
}

// abandonTurn cancels without client notification, for connection teardown.
func (c *Coordinator) abandonTurn(st *turnState, reason string) {
	if st.turn == nil || !st.turn.Live() {
		return
	}
	if st.turn.Token.Cancel(reason) {
		st.turn.Phase = PhaseCancelled
		c.metrics.TurnTransitions.WithLabelValues(string(PhaseCancelled)).Inc()
	}
}

// resetTurn discards the active turn without a client-visible cancellation,
// used when a turn dissolves (empty transcript, STT error).
func (c *Coordinator) resetTurn(st *turnState, detector *turndetect.Detector) {
	if st.turn != nil {
		st.turn.Token.Cancel("turn_reset")
	}
	st.turn = nil
	detector.Reset()
}

func (c *Coordinator) request(sess *session.Session, st *turnState, speed float64) GenerationRequest {
	return GenerationRequest{
		SessionID: sess.ID,
		TurnID:    st.turn.ID,
		VoiceID:   sess.VoiceID,
		Speed:     speed,
		Token:     st.turn.Token,
	}
}

func (c *Coordinator) historyLines(sessionID string) []string {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil
	}
	lines := make([]string, 0, len(s.History))
	for _, e := range s.History {
		lines = append(lines, e.Role+": "+e.Text)
	}
	return lines
}

func (c *Coordinator) archiveExchange(ctx context.Context, sessionID, turnID, role, text string) {
	if c.archive == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	go func() {
		defer cancel()
		_ = c.archive.SaveExchange(saveCtx, history.ExchangeRecord{
			SessionID: sessionID,
			TurnID:    turnID,
			Role:      role,
			Text:      text,
		})
	}()
}

// send delivers one outbound message. Critical events block briefly; bulk
// traffic drops when the writer cannot keep up.
func (c *Coordinator) send(ctx context.Context, outbound chan<- any, msg any, critical bool) {
	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case outbound <- msg:
		case <-timer.C:
			c.metrics.SessionEvents.WithLabelValues("outbound_timeout").Inc()
		case <-ctx.Done():
		}
		return
	}
	select {
	case outbound <- msg:
	default:
		c.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}

func shortWorker(worker string) string {
	if worker == WorkerFinalTTS {
		return "final"
	}
	return "quick"
}
