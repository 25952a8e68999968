package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/indicator"
	"github.com/lvonguyen/intelforge/internal/intel"
)

// scriptedAdapter returns canned batches or errors, counting sync calls.
type scriptedAdapter struct {
	name    string
	records []intel.IndicatorRecord
	err     error
	syncs   atomic.Int64
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Sync(ctx context.Context) ([]intel.IndicatorRecord, error) {
	a.syncs.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.records, nil
}

func newTestManager(t *testing.T) (*Manager, *indicator.Store, *bus.Bus) {
	t.Helper()
	store := indicator.NewStore(indicator.Config{ShardPow: 2}, nil)
	b := bus.New(64, nil)
	m := NewManager(store, b, nil)
	t.Cleanup(func() {
		m.Close()
		b.Close()
	})
	return m, store, b
}

func waitForStatus(t *testing.T, m *Manager, id intel.FeedID, want intel.FeedStatus) intel.ThreatFeed {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		feed, err := m.Get(id)
		if err != nil {
			t.Fatalf("get feed: %v", err)
		}
		if feed.Status == want {
			return feed
		}
		time.Sleep(2 * time.Millisecond)
	}
	feed, _ := m.Get(id)
	t.Fatalf("feed never reached status %s, stuck at %s with %d errors",
		want, feed.Status, feed.ConsecutiveErrors)
	return intel.ThreatFeed{}
}

func TestSyncIngestsAndPublishes(t *testing.T) {
	m, store, b := newTestManager(t)
	sub := b.Subscribe(bus.TopicIndicatorNew)
	defer sub.Close()

	adapter := &scriptedAdapter{
		name: "sim",
		records: []intel.IndicatorRecord{
			{Type: intel.IOCTypeIP, Value: "1.2.3.4", Confidence: 0.8, Severity: 7, Source: "test-feed", SeenAt: time.Now()},
		},
	}
	if err := m.RegisterAdapter(Config{Name: "test-feed", AdapterType: "sim", SyncInterval: time.Hour}, adapter); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.C():
		payload, ok := msg.Payload.(bus.IndicatorNew)
		if !ok {
			t.Fatalf("unexpected payload type %T", msg.Payload)
		}
		if payload.Value != "1.2.3.4" || payload.Source != "test-feed" {
			t.Errorf("unexpected payload: %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for indicator.new")
	}

	if _, ok := store.Get(intel.IOCTypeIP, "1.2.3.4"); !ok {
		t.Error("indicator not stored after sync")
	}
}

func TestMalformedRecordsSkippedNotFatal(t *testing.T) {
	m, store, _ := newTestManager(t)

	adapter := &scriptedAdapter{
		name: "sim",
		records: []intel.IndicatorRecord{
			{Type: "registry", Value: "HKLM\\bad", Confidence: 0.5, Severity: 5, Source: "mixed", SeenAt: time.Now()},
			{Type: intel.IOCTypeDomain, Value: "good.example.com", Confidence: 0.5, Severity: 5, Source: "mixed", SeenAt: time.Now()},
			{Type: intel.IOCTypeIP, Value: "", Confidence: 0.5, Severity: 5, Source: "mixed", SeenAt: time.Now()},
		},
	}
	if err := m.RegisterAdapter(Config{Name: "mixed", AdapterType: "sim", SyncInterval: time.Hour}, adapter); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if feed, _ := m.Get("mixed"); feed.Metrics.SyncCount > 0 {
			if feed.Metrics.RecordsSkipped != 2 {
				t.Errorf("expected 2 skipped records, got %d", feed.Metrics.RecordsSkipped)
			}
			if feed.Metrics.IndicatorsTotal != 1 {
				t.Errorf("expected 1 ingested record, got %d", feed.Metrics.IndicatorsTotal)
			}
			if _, ok := store.Get(intel.IOCTypeDomain, "good.example.com"); !ok {
				t.Error("valid record should survive a batch with malformed entries")
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("sync never completed")
}

// TestFeedDegradesAfterConsecutiveFailures drives an always-failing adapter
// through five sync attempts and expects the feed to park in the degraded
// state with no further automatic retries.
func TestFeedDegradesAfterConsecutiveFailures(t *testing.T) {
	m, _, b := newTestManager(t)
	statusSub := b.Subscribe(bus.TopicFeedStatusChanged)
	defer statusSub.Close()

	adapter := &scriptedAdapter{name: "sim", err: errors.New("connection refused")}
	if err := m.RegisterAdapter(Config{Name: "flaky", AdapterType: "sim", SyncInterval: time.Millisecond}, adapter); err != nil {
		t.Fatal(err)
	}

	feed := waitForStatus(t, m, "flaky", intel.FeedStatusDegraded)
	if feed.ConsecutiveErrors != degradedThreshold {
		t.Errorf("expected %d consecutive errors, got %d", degradedThreshold, feed.ConsecutiveErrors)
	}

	select {
	case msg := <-statusSub.C():
		change := msg.Payload.(bus.FeedStatusChange)
		if change.New != intel.FeedStatusDegraded || change.FeedID != "flaky" {
			t.Errorf("unexpected status change: %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no feed.status_changed published on degradation")
	}

	// Parked: the sync count must not grow on its own.
	parked := adapter.syncs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := adapter.syncs.Load(); got != parked {
		t.Errorf("degraded feed kept syncing: %d -> %d", parked, got)
	}
}

// TestRetryFeedRestoresDegradedFeed parks a feed, heals the adapter, and
// verifies a manual retry resumes syncing with a clean error count.
func TestRetryFeedRestoresDegradedFeed(t *testing.T) {
	m, store, _ := newTestManager(t)

	adapter := &scriptedAdapter{name: "sim", err: errors.New("upstream 503")}
	if err := m.RegisterAdapter(Config{Name: "healing", AdapterType: "sim", SyncInterval: time.Millisecond}, adapter); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "healing", intel.FeedStatusDegraded)

	// Heal the upstream and retry.
	adapter.err = nil
	adapter.records = []intel.IndicatorRecord{
		{Type: intel.IOCTypeHash, Value: "aabbccddeeff00112233445566778899", Confidence: 0.6, Severity: 4, Source: "healing", SeenAt: time.Now()},
	}
	if err := m.RetryFeed("healing"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	feed := waitForStatus(t, m, "healing", intel.FeedStatusActive)
	if feed.ConsecutiveErrors != 0 {
		t.Errorf("expected error count reset after retry, got %d", feed.ConsecutiveErrors)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Get(intel.IOCTypeHash, "aabbccddeeff00112233445566778899"); ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("retried feed never ingested records")
}

func TestDisableFeedStopsScheduling(t *testing.T) {
	m, _, _ := newTestManager(t)

	adapter := &scriptedAdapter{name: "sim"}
	if err := m.RegisterAdapter(Config{Name: "victim", AdapterType: "sim", SyncInterval: time.Millisecond}, adapter); err != nil {
		t.Fatal(err)
	}

	if err := m.DisableFeed("victim"); err != nil {
		t.Fatal(err)
	}
	feed, err := m.Get("victim")
	if err != nil {
		t.Fatal(err)
	}
	if feed.Status != intel.FeedStatusDisabled {
		t.Errorf("expected disabled status, got %s", feed.Status)
	}

	if err := m.RetryFeed("victim"); !errors.Is(err, ErrFeedDisabled) {
		t.Errorf("expected ErrFeedDisabled on retry of disabled feed, got %v", err)
	}

	before := adapter.syncs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := adapter.syncs.Load(); got != before {
		t.Errorf("disabled feed kept syncing: %d -> %d", before, got)
	}
}

func TestRetryUnknownFeed(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.RetryFeed("nope"); !errors.Is(err, ErrFeedNotFound) {
		t.Errorf("expected ErrFeedNotFound, got %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Minute
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoffFor(base, tt.errors); got != tt.want {
			t.Errorf("backoffFor(%v, %d) = %v, want %v", base, tt.errors, got, tt.want)
		}
	}
}

func TestUnknownAdapterType(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.RegisterFeed(Config{Name: "x", AdapterType: "stix-taxii"}); !errors.Is(err, ErrUnknownAdapter) {
		t.Errorf("expected ErrUnknownAdapter, got %v", err)
	}
}

func TestSimAdapterDeterministic(t *testing.T) {
	a1 := NewSimAdapter("s", Config{Options: map[string]string{"seed": "42", "batch_size": "10"}})
	a2 := NewSimAdapter("s", Config{Options: map[string]string{"seed": "42", "batch_size": "10"}})

	r1, err := a1.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a2.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(r1) != 10 || len(r2) != 10 {
		t.Fatalf("expected 10 records each, got %d and %d", len(r1), len(r2))
	}
	for i := range r1 {
		if r1[i].Value != r2[i].Value || r1[i].Type != r2[i].Type {
			t.Errorf("record %d differs across same-seed adapters: %v vs %v", i, r1[i], r2[i])
		}
		if err := r1[i].Validate(); err != nil {
			t.Errorf("sim adapter produced invalid record: %v", err)
		}
	}
}
