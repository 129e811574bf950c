package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected 10s heartbeat default got %v", cfg.HeartbeatInterval)
	}
	if cfg.FollowerInterval != 25*time.Second {
		t.Fatalf("expected 25s follower default got %v", cfg.FollowerInterval)
	}
	if cfg.MaxConcurrentPolls != 5 {
		t.Fatalf("expected 5 concurrent polls got %d", cfg.MaxConcurrentPolls)
	}
	if cfg.LockBackend != "postgres" {
		t.Fatalf("expected postgres lock backend got %q", cfg.LockBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("METRIC_POLL_INTERVAL", "3s")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("ALLOW_PRIVATE_EGRESS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if cfg.MetricInterval != 3*time.Second {
		t.Fatalf("expected 3s metric interval got %v", cfg.MetricInterval)
	}
	if cfg.LockBackend != "redis" {
		t.Fatalf("expected redis got %q", cfg.LockBackend)
	}
	if !cfg.AllowPrivateEgress {
		t.Fatalf("expected private egress allowed")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
	}
	for name, want := range cases {
		cfg := &Config{LogLevel: name}
		if got := cfg.SlogLevel(); got != want {
			t.Fatalf("level %q: expected %v got %v", name, want, got)
		}
	}
}
