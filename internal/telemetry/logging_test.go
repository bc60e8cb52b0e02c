package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-studio/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	logger, closer, err := NewLogger(home, level, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("provider call",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"url", "https://cdn.example/a.png?X-Amz-Signature=abcdef0123456789abcdef",
	)

	entry := readLastEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if url, _ := entry["url"].(string); strings.Contains(url, "abcdef0123456789abcdef") {
		t.Fatalf("expected signature redaction, got %q", url)
	}
}

func TestNewLogger_LevelVarAdjustsAtRuntime(t *testing.T) {
	home := t.TempDir()
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger, closer, err := NewLogger(home, level, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	level.Set(slog.LevelInfo)
	logger.Info("visible")

	entry := readLastEntry(t, home)
	if entry["msg"] != "visible" {
		t.Fatalf("expected visible entry, got %#v", entry["msg"])
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(raw), "hidden") {
		t.Fatal("info entry should have been filtered at warn level")
	}
}

func TestWithContext_AddsCorrelationIDs(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	ctx := shared.WithTraceID(context.Background(), "trace-9")
	ctx = shared.WithTaskID(ctx, "task-9")
	ctx = shared.WithWorker(ctx, "media/0")
	WithContext(ctx, logger).Info("claimed")

	entry := readLastEntry(t, home)
	if entry["task_id"] != "task-9" || entry["worker"] != "media/0" {
		t.Fatalf("missing correlation ids: %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
