package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the turn coordinator service.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	SessionIdleTimeout time.Duration
	MetricsNamespace   string

	AllowAnyOrigin bool

	SampleRate  int
	EnergyFloor int

	EngineMode    string
	LLMMode       string
	LLMHTTPURL    string
	LLMStrict     bool
	DefaultVoice  string
	FallbackVoice string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("CADENCE_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("CADENCE_METRICS_NAMESPACE", "cadence"),
		AllowAnyOrigin:     false,
		SampleRate:         16000,
		EnergyFloor:        500,
		EngineMode:         envOrDefault("CADENCE_ENGINE_MODE", "mock"),
		LLMMode:            envOrDefault("CADENCE_LLM_MODE", "auto"),
		LLMHTTPURL:         stringsTrimSpace("CADENCE_LLM_HTTP_URL"),
		DefaultVoice:       envOrDefault("CADENCE_DEFAULT_VOICE", "ivy"),
		FallbackVoice:      envOrDefault("CADENCE_FALLBACK_VOICE", "sage"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
		SessionIdleTimeout: 5 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("CADENCE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("CADENCE_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("CADENCE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMStrict, err = boolFromEnv("CADENCE_LLM_STRICT", cfg.LLMStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("CADENCE_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EnergyFloor, err = intFromEnv("CADENCE_ENERGY_FLOOR", cfg.EnergyFloor)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("CADENCE_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("CADENCE_SAMPLE_RATE must be positive")
	}
	if cfg.EnergyFloor <= 0 {
		return Config{}, fmt.Errorf("CADENCE_ENERGY_FLOOR must be positive")
	}
	switch cfg.EngineMode {
	case "mock", "failover":
	default:
		return Config{}, fmt.Errorf("CADENCE_ENGINE_MODE must be mock or failover")
	}
	switch cfg.LLMMode {
	case "auto", "mock":
	case "http":
		if cfg.LLMHTTPURL == "" {
			return Config{}, fmt.Errorf("CADENCE_LLM_MODE=http requires CADENCE_LLM_HTTP_URL")
		}
	default:
		return Config{}, fmt.Errorf("CADENCE_LLM_MODE must be auto, http or mock")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
