package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.IdleTimeout)
	}
	if cfg.SessionMaxAge != 30*time.Minute {
		t.Errorf("SessionMaxAge = %v, want 30m", cfg.SessionMaxAge)
	}
	if cfg.ListenModel != "nova-3" {
		t.Errorf("ListenModel = %q", cfg.ListenModel)
	}
	if cfg.InboundQueueSize != 64 || cfg.OutboundQueueSize != 256 {
		t.Errorf("queue sizes = %d/%d, want 64/256", cfg.InboundQueueSize, cfg.OutboundQueueSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_SESSION_IDLE_TIMEOUT", "45s")
	t.Setenv("APP_TOOL_TIMEOUT", "12s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")
	t.Setenv("DEEPGRAM_API_KEY", "  dg-key  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Errorf("IdleTimeout = %v, want 45s", cfg.IdleTimeout)
	}
	if cfg.ToolTimeout != 12*time.Second {
		t.Errorf("ToolTimeout = %v, want 12s", cfg.ToolTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Error("AllowAnyOrigin = false, want true")
	}
	if cfg.AgentAPIKey != "dg-key" {
		t.Errorf("AgentAPIKey = %q, want trimmed", cfg.AgentAPIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"APP_SESSION_IDLE_TIMEOUT", "nonsense"},
		{"APP_SESSION_IDLE_TIMEOUT", "1s"},
		{"APP_INBOUND_QUEUE_SIZE", "0"},
		{"APP_TOOL_TIMEOUT", "-5s"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s error = nil, want error", tc.key, tc.value)
			}
		})
	}
}

func TestMaxAgeMustCoverIdle(t *testing.T) {
	t.Setenv("APP_SESSION_MAX_AGE", "10s")
	t.Setenv("APP_SESSION_IDLE_TIMEOUT", "30s")
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want max-age validation error")
	}
}
