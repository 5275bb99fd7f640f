package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avrile/cadence/internal/config"
	"github.com/avrile/cadence/internal/engine"
	"github.com/avrile/cadence/internal/gateway"
	"github.com/avrile/cadence/internal/history"
	"github.com/avrile/cadence/internal/observability"
	"github.com/avrile/cadence/internal/pipeline"
	"github.com/avrile/cadence/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer archive.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("history archive: postgres")
	} else {
		log.Printf("history archive: in-memory")
	}

	stt, tts := buildSpeechProviders(cfg)
	llm := buildLLM(cfg)

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetEvictHook(func(_ session.Session) {
		metrics.SessionEvents.WithLabelValues("evicted").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ConnectedCount()))
	})

	coordinator := pipeline.New(
		pipeline.Config{
			SampleRate:  cfg.SampleRate,
			EnergyFloor: float64(cfg.EnergyFloor),
		},
		stt,
		llm,
		tts,
		sessions,
		archive,
		metrics,
	)

	srv := gateway.New(cfg, sessions, coordinator, tts, archive, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func buildSpeechProviders(cfg config.Config) (engine.STTProvider, engine.TTSProvider) {
	switch cfg.EngineMode {
	case "failover":
		// Both backends are local mocks today, but the fallback leg speaks
		// with its own voice so a failover is audible end to end.
		primary := engine.NewMockProvider()
		fallback := engine.NewMockProvider()
		log.Printf("speech engine: failover pair (fallback voice %q)", cfg.FallbackVoice)
		return engine.NewFailoverProviderPair(primary, primary, fallback, fallback, cfg.FallbackVoice)
	default:
		log.Printf("speech engine: mock")
		p := engine.NewMockProvider()
		return p, p
	}
}

func buildLLM(cfg config.Config) engine.LLMAdapter {
	switch cfg.LLMMode {
	case "http":
		log.Printf("llm adapter: http (%s)", cfg.LLMHTTPURL)
		return engine.NewHTTPLLMAdapterWithOptions(cfg.LLMHTTPURL, cfg.LLMStrict)
	case "mock":
		log.Printf("llm adapter: mock")
		return engine.NewMockLLM()
	default: // auto
		if cfg.LLMHTTPURL != "" {
			log.Printf("llm adapter: http (%s) with mock fallback", cfg.LLMHTTPURL)
			return engine.NewFallbackLLM(
				engine.NewHTTPLLMAdapterWithOptions(cfg.LLMHTTPURL, cfg.LLMStrict),
				engine.NewMockLLM(),
			)
		}
		log.Printf("llm adapter: mock (no CADENCE_LLM_HTTP_URL set)")
		return engine.NewMockLLM()
	}
}
