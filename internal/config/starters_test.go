package config

import (
	"os"
	"testing"
)

func TestWriteStarter_LoadsWithDefaults(t *testing.T) {
	home := t.TempDir()
	if err := WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load starter: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("starter config should satisfy genesis")
	}
	if cfg.TextWorkers != 4 || cfg.MediaWorkers != 2 {
		t.Fatalf("unexpected worker counts: %d/%d", cfg.TextWorkers, cfg.MediaWorkers)
	}
	if len(cfg.PersistStreamWorkflows) != 1 || cfg.PersistStreamWorkflows[0] != "storyboard" {
		t.Fatalf("unexpected persist allow-list: %v", cfg.PersistStreamWorkflows)
	}
}

func TestWriteStarter_KeepsExistingFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("text_workers: 9\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := WriteStarter(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	raw, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(raw) != "text_workers: 9\n" {
		t.Fatalf("existing config was overwritten: %q", raw)
	}
}
