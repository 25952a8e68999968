package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/config"
	"github.com/lvonguyen/intelforge/internal/feed"
	"github.com/lvonguyen/intelforge/internal/intel"
	"github.com/lvonguyen/intelforge/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Events.Receiver.Addr = "127.0.0.1:0"
	cfg.Feeds = []feed.Config{{
		Name:         "lab-sim",
		AdapterType:  "sim",
		Priority:     2,
		SyncInterval: 50 * time.Millisecond,
		Options:      map[string]string{"seed": "7", "batch_size": "10"},
	}}
	cfg.Storage.Enabled = true
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "file:" + filepath.Join(t.TempDir(), "engine.db")
	return cfg
}

func TestEngineIngestsAndPersists(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Wait for the sim feed to sync and the store to fill.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if total, _ := e.Indicators.Count(); total > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sim feed never populated the indicator store")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Give the persistence consumer a moment to write through, then stop.
	time.Sleep(200 * time.Millisecond)
	e.Shutdown()

	// A fresh storage handle sees the persisted indicators.
	s, err := storage.NewStore(cfg.Storage)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	persisted, err := s.LoadIndicators(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) == 0 {
		t.Error("expected indicators persisted to storage")
	}
}

// TestEngineAlertStatusWritesThrough checks that an analyst triage
// transition reaches the durable alert log, not just the in-memory one.
func TestEngineAlertStatusWritesThrough(t *testing.T) {
	cfg := testConfig(t)
	cfg.Feeds = nil

	e, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	alert := intel.Alert{
		ID: "al-triage", Kind: intel.AlertKindHunting, Severity: 6, RuleID: "r1",
		Subject: "host-1", Timestamp: time.Now().UTC(), Status: intel.AlertStatusNew,
	}
	e.Bus.Publish(bus.TopicHuntingAlert, alert)
	time.Sleep(200 * time.Millisecond)
	e.Bus.Publish(bus.TopicAlertStatusChanged, bus.AlertStatusChange{
		AlertID: alert.ID, Status: intel.AlertStatusResolved, At: time.Now().UTC(),
	})
	time.Sleep(200 * time.Millisecond)
	e.Shutdown()

	db, err := sql.Open("sqlite", cfg.Storage.DSN)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var status string
	if err := db.QueryRow(`SELECT status FROM alerts WHERE id = ?`, alert.ID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != string(intel.AlertStatusResolved) {
		t.Errorf("expected resolved status persisted, got %q", status)
	}
}

func TestEngineRehydratesOnStart(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if total, _ := first.Indicators.Count(); total > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sim feed never populated the indicator store")
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	first.Shutdown()

	// Second engine over the same database starts warm, without any feeds.
	cfg.Feeds = nil
	second, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := second.Start(ctx2); err != nil {
		t.Fatal(err)
	}
	defer second.Shutdown()

	if total, _ := second.Indicators.Count(); total == 0 {
		t.Error("expected rehydrated indicators on restart")
	}
}
