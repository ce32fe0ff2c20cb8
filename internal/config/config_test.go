package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CODESHELF_HEARTBEAT_SECONDS", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	if cfg.Heartbeat != 30*time.Second {
		t.Fatalf("expected 30s heartbeat, got %s", cfg.Heartbeat)
	}
	if cfg.ListenerMaxConns != 50 {
		t.Fatalf("expected 50 listener connections, got %d", cfg.ListenerMaxConns)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected redis disabled by default, got %q", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CODESHELF_HEARTBEAT_SECONDS", "5")
	t.Setenv("CODESHELF_ACCESS_TTL_SECONDS", "not-a-number")
	t.Setenv("API_ADDR", ":9000")

	cfg := Load()
	if cfg.Heartbeat != 5*time.Second {
		t.Fatalf("expected 5s heartbeat, got %s", cfg.Heartbeat)
	}
	if cfg.AccessTTL != 900*time.Second {
		t.Fatalf("expected fallback access ttl, got %s", cfg.AccessTTL)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected :9000, got %q", cfg.Addr)
	}
}
