package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected server addr: %s", cfg.Server.Addr)
	}
	if cfg.Attribution.ConfidenceFloor != 0.5 {
		t.Errorf("unexpected confidence floor: %f", cfg.Attribution.ConfidenceFloor)
	}
	if cfg.Scoring.Interval != 5*time.Minute {
		t.Errorf("unexpected scoring interval: %v", cfg.Scoring.Interval)
	}
	if cfg.Storage.Enabled {
		t.Error("storage should default to disabled")
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	raw := `
server:
  addr: ":9090"
logging:
  level: debug
feeds:
  - name: otx-public
    adapter_type: otx
    priority: 3
    sync_interval: 10m
    confidence_baseline: 0.9
  - name: lab-sim
    adapter_type: sim
    options:
      seed: "42"
correlation:
  retention: 12h
storage:
  enabled: true
  driver: sqlite
  dsn: "file:test.db"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("override lost: %s", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("default lost: %v", cfg.Server.ReadTimeout)
	}
	if len(cfg.Feeds) != 2 {
		t.Fatalf("expected 2 feeds, got %d", len(cfg.Feeds))
	}
	if cfg.Feeds[0].SyncInterval != 10*time.Minute {
		t.Errorf("sync interval not parsed: %v", cfg.Feeds[0].SyncInterval)
	}
	if cfg.Feeds[1].Options["seed"] != "42" {
		t.Errorf("adapter options not parsed: %v", cfg.Feeds[1].Options)
	}
	if cfg.Correlation.Retention != 12*time.Hour {
		t.Errorf("retention not parsed: %v", cfg.Correlation.Retention)
	}
	if !cfg.Storage.Enabled || cfg.Storage.DSN != "file:test.db" {
		t.Errorf("storage config not parsed: %+v", cfg.Storage)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
