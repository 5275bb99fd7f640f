package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/avrile/cadence/internal/audio"
	"github.com/avrile/cadence/internal/config"
	"github.com/avrile/cadence/internal/engine"
	"github.com/avrile/cadence/internal/history"
	"github.com/avrile/cadence/internal/observability"
	"github.com/avrile/cadence/internal/protocol"
	"github.com/avrile/cadence/internal/session"
)

// Coordinator drives one connection's turn-taking loop.
type Coordinator interface {
	Run(ctx context.Context, sess session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	coordinator Coordinator
	tts         engine.TTSProvider
	archive     history.Store
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, coordinator Coordinator, tts engine.TTSProvider, archive history.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		coordinator: coordinator,
		tts:         tts,
		archive:     archive,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  audio.FrameBytes,
			WriteBufferSize: audio.FrameBytes,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so a
				// foreign page cannot drive the user's microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/stream", s.handleStream)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/sessions/{sessionID}/history", s.handleSessionHistory)
	r.Post("/v1/synthesize/preview", s.handlePreview)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"connected_sessions": s.sessions.ConnectedCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

// handleSessionHistory returns the archived exchanges for one session,
// oldest first. The archive outlives the bounded in-session window, so this
// is the transcript view rather than the prompting context.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history archive not configured")
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit out of range")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	records, err := s.archive.RecentExchanges(ctx, sessionID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []history.ExchangeRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"exchanges":  records,
	})
}

// handleStream is the realtime endpoint. Binary frames carry timestamped
// PCM batches; text frames carry JSON control messages. An optional
// session query parameter resumes a previous session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "coordinator not configured")
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("session"))
	sess, restored := s.sessions.Resume(token, s.cfg.DefaultVoice)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ConnectedCount()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.coordinator.Run(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound)
	}()

	// Session handshake goes out first, before any pipeline traffic.
	if restored {
		msgs := make([]protocol.HistoryMsg, 0, len(sess.History))
		for _, e := range sess.History {
			msgs = append(msgs, protocol.HistoryMsg{Role: e.Role, Text: e.Text})
		}
		outbound <- protocol.SessionRestored{
			Type:      protocol.TypeSessionRestored,
			SessionID: sess.ID,
			Messages:  msgs,
			Preserved: len(msgs),
		}
	} else {
		outbound <- protocol.SessionID{
			Type:      protocol.TypeSessionID,
			SessionID: sess.ID,
		}
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	s.readLoop(ctx, conn, sess.ID, inbound, outbound)

	cancel()
	close(inbound)
	<-runDone
	<-writerDone

	_ = s.sessions.Disconnect(sess.ID)
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ConnectedCount()))
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, inbound chan<- any, outbound chan<- any) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			batch, err := audio.DecodeFrame(data)
			if err != nil {
				// Malformed frames are dropped, the stream keeps going.
				s.metrics.ProtocolErrors.Inc()
				log.Printf("WARNING: session %s: dropping malformed audio frame: %v", sessionID, err)
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", "audio_batch").Inc()
			parsed = batch

		case websocket.TextMessage:
			control, err := protocol.ParseClientControl(data)
			if err != nil {
				s.metrics.ProtocolErrors.Inc()
				errEvent := protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Code:   "protocol_error",
					Detail: err.Error(),
				}
				select {
				case outbound <- errEvent:
				default:
					// Keep websocket writes single-threaded; drop when the
					// outbound queue is saturated.
				}
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", string(control.Type)).Inc()
			parsed = control

		default:
			continue
		}

		select {
		case <-ctx.Done():
			return
		case inbound <- parsed:
		}
	}
}

// writeLoop is the single websocket writer. On a tts_interruption it purges
// queued audio for the cancelled turn so stale speech never reaches the
// client after the cut.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	write := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			cancel()
			return false
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			if intr, isIntr := msg.(protocol.TTSInterruption); isIntr {
				if !write(intr) {
					return
				}
				for _, kept := range purgeCancelledAudio(outbound, intr.TurnID) {
					if !write(kept) {
						return
					}
				}
				continue
			}
			if !write(msg) {
				return
			}
		}
	}
}

// purgeCancelledAudio drains whatever is queued right now, dropping audio
// chunks of the cancelled turn and returning everything else in order.
func purgeCancelledAudio(outbound <-chan any, turnID string) []any {
	var kept []any
	for {
		select {
		case msg, ok := <-outbound:
			if !ok {
				return kept
			}
			if chunk, isChunk := msg.(protocol.TTSChunk); isChunk && chunk.TurnID == turnID {
				continue
			}
			kept = append(kept, msg)
		default:
			return kept
		}
	}
}

type previewRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

// handlePreview synthesizes a short sample and returns it as a WAV file.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.tts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "synthesis not configured")
		return
	}

	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	voice := strings.TrimSpace(req.VoiceID)
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	if speed < 0.5 || speed > 2.0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "speed out of range")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	pcm, err := s.synthesize(ctx, voice, text, speed)
	if err != nil {
		respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		return
	}

	wav, err := audio.EncodeWAVPCM16LE(pcm, s.cfg.SampleRate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "synthesis_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (s *Server) synthesize(ctx context.Context, voice, text string, speed float64) ([]byte, error) {
	stream, err := s.tts.StartStream(ctx, voice, engine.TTSSettings{Speed: speed})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.SendText(ctx, text); err != nil {
		return nil, err
	}
	if err := stream.CloseInput(ctx); err != nil {
		return nil, err
	}

	var pcm []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return pcm, nil
			}
			switch ev.Type {
			case engine.TTSEventAudio:
				pcm = append(pcm, ev.PCM...)
			case engine.TTSEventFinal:
				return pcm, nil
			case engine.TTSEventError:
				return nil, errors.New(ev.Detail)
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.PartialUserRequest:
		return m.Type, true
	case protocol.FinalUserRequest:
		return m.Type, true
	case protocol.PartialAssistantAnswer:
		return m.Type, true
	case protocol.FinalAssistantAnswer:
		return m.Type, true
	case protocol.TTSChunk:
		return m.Type, true
	case protocol.TTSInterruption:
		return m.Type, true
	case protocol.SessionID:
		return m.Type, true
	case protocol.SessionRestored:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
