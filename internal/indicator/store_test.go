package indicator

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lvonguyen/intelforge/internal/intel"
)

func testStore() *Store {
	return NewStore(Config{ShardPow: 4, ArchiveTTL: 90 * 24 * time.Hour}, nil)
}

func TestUpsertCreatesIndicator(t *testing.T) {
	s := testStore()

	id, created, err := s.Upsert(intel.IndicatorRecord{
		Type:       intel.IOCTypeIP,
		Value:      "1.2.3.4",
		Confidence: 0.9,
		Severity:   8,
		Source:     "feed-1",
		SeenAt:     time.Now(),
		Tags:       []string{"c2", "c2"},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty indicator ID")
	}
	if !created {
		t.Error("first sighting should report created")
	}

	ind, ok := s.Get(intel.IOCTypeIP, "1.2.3.4")
	if !ok {
		t.Fatal("indicator not found after upsert")
	}
	if len(ind.Tags) != 1 {
		t.Errorf("expected deduplicated tags, got %v", ind.Tags)
	}
	if len(ind.Sources) != 1 || ind.Sources[0] != "feed-1" {
		t.Errorf("unexpected sources: %v", ind.Sources)
	}
}

func TestUpsertRejectsMalformedRecords(t *testing.T) {
	s := testStore()

	tests := []struct {
		name string
		rec  intel.IndicatorRecord
	}{
		{"unknown type", intel.IndicatorRecord{Type: "registry", Value: "x", Confidence: 0.5, Severity: 5, Source: "f"}},
		{"empty value", intel.IndicatorRecord{Type: intel.IOCTypeIP, Confidence: 0.5, Severity: 5, Source: "f"}},
		{"confidence over 1", intel.IndicatorRecord{Type: intel.IOCTypeIP, Value: "1.1.1.1", Confidence: 1.5, Severity: 5, Source: "f"}},
		{"severity zero", intel.IndicatorRecord{Type: intel.IOCTypeIP, Value: "1.1.1.1", Confidence: 0.5, Severity: 0, Source: "f"}},
		{"severity over 10", intel.IndicatorRecord{Type: intel.IOCTypeIP, Value: "1.1.1.1", Confidence: 0.5, Severity: 11, Source: "f"}},
		{"missing source", intel.IndicatorRecord{Type: intel.IOCTypeIP, Value: "1.1.1.1", Confidence: 0.5, Severity: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.Upsert(tt.rec); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

// TestTwoFeedMerge covers the spec scenario: F1 (priority 3, confidence 0.9)
// then F2 (priority 2, confidence 0.7) for the same value yields one stored
// indicator with merged sources and a priority-weighted confidence of 0.82.
func TestTwoFeedMerge(t *testing.T) {
	s := testStore()
	s.SetSourcePriority("f1", 3)
	s.SetSourcePriority("f2", 2)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	id1, _, err := s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "1.2.3.4",
		Confidence: 0.9, Severity: 7, Source: "f1", SeenAt: t0,
	})
	if err != nil {
		t.Fatal(err)
	}

	t1 := t0.Add(10 * time.Minute)
	id2, created, err := s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "1.2.3.4",
		Confidence: 0.7, Severity: 5, Source: "f2", SeenAt: t1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if created {
		t.Error("second sighting of same value should not report created")
	}
	if id1 != id2 {
		t.Errorf("expected same indicator ID for both sightings, got %s and %s", id1, id2)
	}

	ind, _ := s.Get(intel.IOCTypeIP, "1.2.3.4")
	if len(ind.Sources) != 2 {
		t.Errorf("expected 2 sources, got %v", ind.Sources)
	}
	// (3*0.9 + 2*0.7) / 5 = 0.82
	if math.Abs(ind.Confidence-0.82) > 1e-9 {
		t.Errorf("expected weighted confidence 0.82, got %v", ind.Confidence)
	}
	if !ind.LastSeen.Equal(t1) {
		t.Errorf("expected lastSeen %v, got %v", t1, ind.LastSeen)
	}
	if !ind.FirstSeen.Equal(t0) {
		t.Errorf("expected firstSeen %v, got %v", t0, ind.FirstSeen)
	}
	if ind.Severity != 7 {
		t.Errorf("expected max severity 7, got %d", ind.Severity)
	}
}

// TestLastSeenNeverDecreases verifies an out-of-order sighting cannot move
// lastSeen backwards.
func TestLastSeenNeverDecreases(t *testing.T) {
	s := testStore()

	now := time.Now().UTC()
	s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeDomain, Value: "evil.example.com",
		Confidence: 0.8, Severity: 6, Source: "f1", SeenAt: now,
	})
	s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeDomain, Value: "evil.example.com",
		Confidence: 0.8, Severity: 6, Source: "f2", SeenAt: now.Add(-time.Hour),
	})

	ind, _ := s.Get(intel.IOCTypeDomain, "evil.example.com")
	if !ind.LastSeen.Equal(now) {
		t.Errorf("lastSeen moved backwards: %v", ind.LastSeen)
	}
	// The earlier sighting should extend firstSeen instead.
	if !ind.FirstSeen.Equal(now.Add(-time.Hour)) {
		t.Errorf("expected firstSeen extended, got %v", ind.FirstSeen)
	}
}

// TestUpsertIdempotent re-applies an identical sighting and expects no
// semantic change beyond lastSeen.
func TestUpsertIdempotent(t *testing.T) {
	s := testStore()

	rec := intel.IndicatorRecord{
		Type: intel.IOCTypeHash, Value: "d41d8cd98f00b204e9800998ecf8427e",
		Confidence: 0.6, Severity: 4, Source: "f1",
		SeenAt: time.Now().UTC(), Tags: []string{"malware"},
	}
	s.Upsert(rec)
	before, _ := s.Get(intel.IOCTypeHash, rec.Value)

	rec.SeenAt = rec.SeenAt.Add(time.Minute)
	s.Upsert(rec)
	after, _ := s.Get(intel.IOCTypeHash, rec.Value)

	if after.Confidence != before.Confidence {
		t.Errorf("confidence changed on idempotent re-upsert: %v -> %v", before.Confidence, after.Confidence)
	}
	if len(after.Sources) != 1 || len(after.Tags) != 1 {
		t.Errorf("sources/tags changed on idempotent re-upsert: %v %v", after.Sources, after.Tags)
	}
	if !after.LastSeen.After(before.LastSeen) {
		t.Error("lastSeen should advance with the new sighting")
	}
}

// TestConfidenceAlwaysBounded fuzzes a sequence of upserts and checks the
// stored invariants confidence in [0,1] and severity in [1,10].
func TestConfidenceAlwaysBounded(t *testing.T) {
	s := testStore()
	s.SetSourcePriority("a", 5)
	s.SetSourcePriority("b", 1)

	for i := 0; i < 50; i++ {
		s.Upsert(intel.IndicatorRecord{
			Type:       intel.IOCTypeURL,
			Value:      fmt.Sprintf("http://bad.example/%d", i%7),
			Confidence: float64(i%11) / 10.0,
			Severity:   1 + i%10,
			Source:     intel.FeedID([]string{"a", "b"}[i%2]),
			SeenAt:     time.Now(),
		})
	}

	s.ForEach(func(ind intel.Indicator) bool {
		if ind.Confidence < 0 || ind.Confidence > 1 {
			t.Errorf("confidence out of range: %v", ind.Confidence)
		}
		if ind.Severity < 1 || ind.Severity > 10 {
			t.Errorf("severity out of range: %d", ind.Severity)
		}
		return true
	})
}

func TestConcurrentUpsertsSameKey(t *testing.T) {
	s := testStore()

	var wg sync.WaitGroup
	const workers = 16
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Upsert(intel.IndicatorRecord{
					Type:       intel.IOCTypeIP,
					Value:      "9.9.9.9",
					Confidence: 0.5,
					Severity:   5,
					Source:     intel.FeedID(fmt.Sprintf("feed-%d", n)),
					SeenAt:     time.Now(),
				})
			}
		}(w)
	}
	wg.Wait()

	ind, ok := s.Get(intel.IOCTypeIP, "9.9.9.9")
	if !ok {
		t.Fatal("indicator missing after concurrent upserts")
	}
	if len(ind.Sources) != workers {
		t.Errorf("expected %d merged sources, got %d", workers, len(ind.Sources))
	}
	total, _ := s.Count()
	if total != 1 {
		t.Errorf("expected a single deduplicated indicator, got %d", total)
	}
}

func TestArchiveExpired(t *testing.T) {
	s := NewStore(Config{ShardPow: 2, ArchiveTTL: 90 * 24 * time.Hour}, nil)

	old := time.Now().UTC().Add(-91 * 24 * time.Hour)
	s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "10.0.0.1",
		Confidence: 0.5, Severity: 5, Source: "f1", SeenAt: old,
	})
	s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "10.0.0.2",
		Confidence: 0.5, Severity: 5, Source: "f1", SeenAt: time.Now().UTC(),
	})

	if n := s.ArchiveExpired(time.Now().UTC()); n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	// Archived indicators are excluded from default queries...
	if got := len(s.Query(Filter{Type: intel.IOCTypeIP})); got != 1 {
		t.Errorf("expected 1 active indicator in default query, got %d", got)
	}
	// ...but stay queryable when asked for.
	if got := len(s.Query(Filter{Type: intel.IOCTypeIP, IncludeArchived: true})); got != 2 {
		t.Errorf("expected 2 indicators including archived, got %d", got)
	}

	// A new sighting reactivates the archived indicator.
	s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "10.0.0.1",
		Confidence: 0.5, Severity: 5, Source: "f2", SeenAt: time.Now().UTC(),
	})
	ind, _ := s.Get(intel.IOCTypeIP, "10.0.0.1")
	if ind.Archived {
		t.Error("new sighting should reactivate an archived indicator")
	}
}

func TestMergeAttributionUnions(t *testing.T) {
	s := testStore()

	id, _, _ := s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeDomain, Value: "apt.example.org",
		Confidence: 0.7, Severity: 8, Source: "f1", SeenAt: time.Now(),
	})

	s.MergeAttribution(id, []intel.ActorID{"actor-1"}, nil)
	s.MergeAttribution(id, []intel.ActorID{"actor-1", "actor-2"}, []intel.CampaignID{"camp-1"})

	ind, _ := s.GetByID(id)
	if len(ind.ActorIDs) != 2 {
		t.Errorf("expected 2 actors after union, got %v", ind.ActorIDs)
	}
	if len(ind.CampaignIDs) != 1 {
		t.Errorf("expected 1 campaign, got %v", ind.CampaignIDs)
	}
}

func TestRestorePreservesIdentityAndMerges(t *testing.T) {
	s := testStore()
	now := time.Now().UTC()

	s.Restore(intel.Indicator{
		ID: "persisted-1", Type: intel.IOCTypeIP, Value: "198.51.100.7",
		Confidence: 0.8, Severity: 6, FirstSeen: now.Add(-48 * time.Hour),
		LastSeen: now.Add(-time.Hour), Sources: []intel.FeedID{"f1"},
		Tags: []string{"c2"}, ThreatScore: 0.4,
	})

	ind, ok := s.GetByID("persisted-1")
	if !ok {
		t.Fatal("restored indicator not reachable by ID")
	}
	if ind.Confidence != 0.8 || ind.ThreatScore != 0.4 {
		t.Errorf("restored fields lost: %+v", ind)
	}

	// A later sighting merges instead of creating a duplicate.
	id, created, err := s.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "198.51.100.7",
		Confidence: 0.6, Severity: 7, Source: "f2", SeenAt: now,
	})
	if err != nil || created {
		t.Fatalf("sighting after restore should merge: created=%v err=%v", created, err)
	}
	if id != "persisted-1" {
		t.Errorf("merge changed identity: %s", id)
	}

	// Restore never clobbers a live entry.
	s.Restore(intel.Indicator{
		ID: "persisted-2", Type: intel.IOCTypeIP, Value: "198.51.100.7",
		Confidence: 0.1, Severity: 1, Sources: []intel.FeedID{"f9"},
	})
	if _, ok := s.GetByID("persisted-2"); ok {
		t.Error("restore over an existing (type,value) should be a no-op")
	}
}
