package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voicedesk service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	AgentAPIKey string
	AgentWSURL  string
	ListenModel string
	ThinkModel  string
	VoiceModel  string

	ConnectTimeout  time.Duration
	IdleTimeout     time.Duration
	SessionMaxAge   time.Duration
	ToolTimeout     time.Duration
	FillerThreshold time.Duration

	InboundQueueSize  int
	OutboundQueueSize int

	DatabaseURL   string
	TranscriptDir string
	PersonaFile   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voicedesk"),
		AllowAnyOrigin:    false,
		AgentAPIKey:       stringsTrimSpace("DEEPGRAM_API_KEY"),
		AgentWSURL:        envOrDefault("AGENT_WS_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		ListenModel:       envOrDefault("AGENT_LISTEN_MODEL", "nova-3"),
		ThinkModel:        envOrDefault("AGENT_THINK_MODEL", "gpt-4o-mini"),
		VoiceModel:        envOrDefault("AGENT_VOICE_MODEL", "aura-2-thalia-en"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		TranscriptDir:     envOrDefault("APP_TRANSCRIPT_DIR", "transcripts"),
		PersonaFile:       stringsTrimSpace("APP_PERSONA_FILE"),
		ShutdownTimeout:   15 * time.Second,
		ConnectTimeout:    10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		SessionMaxAge:     30 * time.Minute,
		ToolTimeout:       8 * time.Second,
		FillerThreshold:   300 * time.Millisecond,
		InboundQueueSize:  64,
		OutboundQueueSize: 256,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("AGENT_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxAge, err = durationFromEnv("APP_SESSION_MAX_AGE", cfg.SessionMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("APP_TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FillerThreshold, err = durationFromEnv("APP_FILLER_THRESHOLD", cfg.FillerThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.InboundQueueSize, err = intFromEnv("APP_INBOUND_QUEUE_SIZE", cfg.InboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("APP_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.IdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SessionMaxAge < cfg.IdleTimeout {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_AGE must be at least the idle timeout")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("AGENT_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_TOOL_TIMEOUT must be positive")
	}
	if cfg.InboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_INBOUND_QUEUE_SIZE must be positive")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_OUTBOUND_QUEUE_SIZE must be positive")
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
