package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-studio/internal/config"
	"github.com/basket/go-studio/internal/doctor"
)

func TestParseServeArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    serveMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: serveRun},
		{name: "double dash help", args: []string{"--help"}, want: serveHelp},
		{name: "single dash help", args: []string{"-h"}, want: serveHelp},
		{name: "help token", args: []string{"help"}, want: serveHelp},
		{name: "unexpected arg", args: []string{"extra"}, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServeArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintServeUsage(t *testing.T) {
	var buf bytes.Buffer
	printServeUsage(&buf)
	out := buf.String()
	if !strings.Contains(out, "usage: studiod serve [--help]") {
		t.Fatalf("usage output missing serve usage: %q", out)
	}
	if !strings.Contains(out, "studiod [-quiet]") {
		t.Fatalf("usage output missing flag usage: %q", out)
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790/healthz"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz"},
		{":9000", "http://127.0.0.1:9000/healthz"},
		{"[::1]:9000", "http://[::1]:9000/healthz"},
		{"http://studio.internal:8080/", "http://studio.internal:8080/healthz"},
		{"", "http://127.0.0.1:18790/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.in); got != tt.want {
			t.Fatalf("healthURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"healthy":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if code := fetchHealth(context.Background(), srv.URL+"/healthz", &out); code != 0 {
		t.Fatalf("healthy exit code = %d", code)
	}
	if out.String() != "{\"healthy\":true}\n" {
		t.Fatalf("output = %q", out.String())
	}

	healthy = false
	out.Reset()
	if code := fetchHealth(context.Background(), srv.URL+"/healthz", &out); code != 1 {
		t.Fatalf("unhealthy exit code = %d", code)
	}
}

func TestLoadAuthToken(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}

	first, err := loadAuthToken(cfg, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first == "" {
		t.Fatal("expected a generated token")
	}
	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("stat auth.token: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("auth.token mode = %v", info.Mode().Perm())
	}

	again, err := loadAuthToken(cfg, nil)
	if err != nil || again != first {
		t.Fatalf("reload = %q, %v; want %q", again, err, first)
	}

	cfg.AuthToken = "  from-config  "
	if tok, _ := loadAuthToken(cfg, nil); tok != "from-config" {
		t.Fatalf("configured token = %q", tok)
	}
}

func TestLiveConfig_AppliesReloadableSettings(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	level := new(slog.LevelVar)
	live := newLiveConfig(cfg, level, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	before := live.fingerprint()
	threshold, limit := live.watchdogSettings()
	if threshold != 120*time.Second || limit != 50 {
		t.Fatalf("initial watchdog settings = %v, %d", threshold, limit)
	}

	next := cfg
	next.LogLevel = "debug"
	next.Watchdog.ThresholdSeconds = 300
	next.Watchdog.BatchLimit = 10
	next.Retention.TaskEventsDays = 3
	next.TextWorkers = cfg.TextWorkers + 1
	live.apply(next, logger)

	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
	threshold, limit = live.watchdogSettings()
	if threshold != 300*time.Second || limit != 10 {
		t.Fatalf("reloaded watchdog settings = %v, %d", threshold, limit)
	}
	if got := live.retentionPolicy().TaskEventDays; got != 3 {
		t.Fatalf("retention task event days = %d", got)
	}
	if live.fingerprint() == before {
		t.Fatal("fingerprint should change after reload")
	}
}

func TestPrintDiagnosis(t *testing.T) {
	var buf bytes.Buffer
	printDiagnosis(&buf, doctor.Diagnosis{
		Results: []doctor.CheckResult{
			{Name: "Database", Status: "PASS", Message: "ok"},
			{Name: "Network", Status: "FAIL", Message: "down", Detail: "image.generate: unreachable"},
		},
	})
	out := buf.String()
	for _, want := range []string{"Studio Doctor Report", "Database", "Network", "image.generate: unreachable"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
