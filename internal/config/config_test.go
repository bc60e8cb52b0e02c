package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-studio/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromStudioHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	writeConfig(t, home, "text_workers: 3\nwatchdog:\n  threshold_seconds: 90\n")
	t.Setenv("STUDIO_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.TextWorkers != 3 {
		t.Fatalf("expected text_workers=3 got %d", cfg.TextWorkers)
	}
	if cfg.WatchdogThreshold().Seconds() != 90 {
		t.Fatalf("expected 90s threshold, got %s", cfg.WatchdogThreshold())
	}
	if cfg.DBPath != filepath.Join(home, "studio.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis when config.yaml is missing")
	}
	if cfg.HeartbeatIntervalSeconds != 10 || cfg.Watchdog.ThresholdSeconds != 120 || cfg.Watchdog.BatchLimit != 50 {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.TextWorkers != 4 || cfg.MediaWorkers != 2 || cfg.DefaultMaxAttempts != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg)
	}
	if len(cfg.PersistStreamWorkflows) != 1 || cfg.PersistStreamWorkflows[0] != "storyboard" {
		t.Fatalf("unexpected persist allow-list: %v", cfg.PersistStreamWorkflows)
	}
	if cfg.Watchdog.Schedule != "@every 1m" || cfg.LeaseRequeueSchedule != "@every 15s" {
		t.Fatalf("unexpected schedules: %q %q", cfg.Watchdog.Schedule, cfg.LeaseRequeueSchedule)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	writeConfig(t, home, "bind_addr: 127.0.0.1:1000\nmedia_workers: 1\n")
	t.Setenv("STUDIO_BIND_ADDR", "0.0.0.0:2000")
	t.Setenv("STUDIO_MEDIA_WORKERS", "6")
	t.Setenv("STUDIO_AUTH_TOKEN", "tok")
	t.Setenv("STUDIO_WATCHDOG_THRESHOLD_SECONDS", "300")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:2000" || cfg.MediaWorkers != 6 || cfg.AuthToken != "tok" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Watchdog.ThresholdSeconds != 300 {
		t.Fatalf("expected threshold 300, got %d", cfg.Watchdog.ThresholdSeconds)
	}
}

func TestLoad_InvalidEnvValueFails(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	t.Setenv("STUDIO_TEXT_WORKERS", "many")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected error for non-numeric STUDIO_TEXT_WORKERS")
	}
}

func TestLoad_RejectsHeartbeatTooCloseToThreshold(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	writeConfig(t, home, "heartbeat_interval_seconds: 60\nwatchdog:\n  threshold_seconds: 90\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "heartbeat_interval_seconds") {
		t.Fatalf("expected heartbeat validation error, got %v", err)
	}
}

func TestLoad_HandlersNormalizedAndValidated(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	writeConfig(t, home, `
handlers:
  text.storyboard:
    endpoint: http://127.0.0.1:9002/storyboard
    steps:
      - key: outline
      - key: scenes
        max_attempts: 3
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	h := cfg.Handlers["text.storyboard"]
	if h.PollIntervalMillis != 2000 || h.PollTimeoutSeconds != 600 {
		t.Fatalf("poll defaults not applied: %+v", h)
	}
	if h.Steps[0].MaxAttempts != 1 || h.Steps[0].Title != "outline" || h.Steps[1].MaxAttempts != 3 {
		t.Fatalf("step defaults not applied: %+v", h.Steps)
	}

	writeConfig(t, home, `
handlers:
  image.generate:
    steps:
      - key: a
`)
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected missing endpoint error")
	}

	writeConfig(t, home, `
handlers:
  text.storyboard:
    endpoint: http://x
    steps:
      - key: a
      - key: a
`)
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "duplicate step key") {
		t.Fatalf("expected duplicate step error, got %v", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	writeConfig(t, home, "text_workers: [\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := config.LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable for identical config")
	}
	b.Watchdog.BatchLimit = 5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when watchdog limit changes")
	}
}

func TestRestartRequired(t *testing.T) {
	home := filepath.Join(t.TempDir(), "studio")
	prev, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	next := prev
	next.LogLevel = "debug"
	next.Watchdog.ThresholdSeconds = 300
	next.PersistStreamWorkflows = []string{"storyboard", "episode"}
	if keys := config.RestartRequired(prev, next); len(keys) != 0 {
		t.Fatalf("reloadable changes flagged as restart-only: %v", keys)
	}
	next.BindAddr = "0.0.0.0:1"
	next.MediaWorkers = 8
	keys := config.RestartRequired(prev, next)
	if len(keys) != 2 || keys[0] != "bind_addr" || keys[1] != "workers" {
		t.Fatalf("unexpected restart keys: %v", keys)
	}
}
