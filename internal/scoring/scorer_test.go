package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/lvonguyen/intelforge/internal/attribution"
	"github.com/lvonguyen/intelforge/internal/indicator"
	"github.com/lvonguyen/intelforge/internal/intel"
)

// TestDecayNonIncreasingAndFloored walks ages upward and checks the decay
// curve never rises and never drops below 0.5.
func TestDecayNonIncreasingAndFloored(t *testing.T) {
	prev := Decay(0)
	if prev != 1 {
		t.Errorf("decay at age 0 should be 1, got %v", prev)
	}
	for age := 0.5; age <= 120; age += 0.5 {
		d := Decay(age)
		if d > prev {
			t.Fatalf("decay increased at age %v: %v > %v", age, d, prev)
		}
		if d < 0.5 {
			t.Fatalf("decay below floor at age %v: %v", age, d)
		}
		prev = d
	}
	if Decay(1000) != 0.5 {
		t.Errorf("very old indicators should sit at the floor, got %v", Decay(1000))
	}
}

func TestIndicatorScore(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	fresh := intel.Indicator{Confidence: 0.8, LastSeen: now}
	if got := IndicatorScore(&fresh, now); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("fresh unattributed indicator should score its confidence, got %v", got)
	}

	// 15 days old: decay 0.5 floor not yet reached (1 - 15/30 = 0.5).
	aging := intel.Indicator{Confidence: 0.8, LastSeen: now.Add(-15 * 24 * time.Hour)}
	if got := IndicatorScore(&aging, now); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("expected 0.8*0.5 = 0.4, got %v", got)
	}

	// Attribution boosts: 1 campaign + 2 actors -> x(1 + 0.1 + 0.3).
	attributed := intel.Indicator{
		Confidence:  0.5,
		LastSeen:    now,
		ActorIDs:    []intel.ActorID{"a1", "a2"},
		CampaignIDs: []intel.CampaignID{"c1"},
	}
	if got := IndicatorScore(&attributed, now); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("expected 0.5*1.4 = 0.7, got %v", got)
	}

	// Never above 1.
	hot := intel.Indicator{
		Confidence: 1.0,
		LastSeen:   now,
		ActorIDs:   []intel.ActorID{"a1", "a2", "a3", "a4"},
	}
	if got := IndicatorScore(&hot, now); got != 1 {
		t.Errorf("score must clamp to 1, got %v", got)
	}
}

func TestActorScoreBuckets(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	recent := intel.ThreatActor{Sophistication: "advanced", LastActivity: now.Add(-10 * 24 * time.Hour)}
	mid := intel.ThreatActor{Sophistication: "advanced", LastActivity: now.Add(-60 * 24 * time.Hour)}
	old := intel.ThreatActor{Sophistication: "advanced", LastActivity: now.Add(-200 * 24 * time.Hour)}

	sRecent := ActorScore(&recent, 0, now)
	sMid := ActorScore(&mid, 0, now)
	sOld := ActorScore(&old, 0, now)
	if !(sRecent > sMid && sMid > sOld) {
		t.Errorf("recency buckets not ordered: %v %v %v", sRecent, sMid, sOld)
	}

	// More live indicators raise the score, saturating at 10.
	quiet := ActorScore(&recent, 0, now)
	busy := ActorScore(&recent, 10, now)
	busier := ActorScore(&recent, 50, now)
	if !(busy > quiet) {
		t.Errorf("live indicators should raise the score: %v vs %v", busy, quiet)
	}
	if busy != busier {
		t.Errorf("liveness should saturate: %v vs %v", busy, busier)
	}
}

func TestRecomputeUpdatesStoreAndActors(t *testing.T) {
	now := time.Now().UTC()
	store := indicator.NewStore(indicator.Config{ShardPow: 2}, nil)
	matcher := attribution.NewMatcher(store, 0, nil)
	matcher.LoadActors([]intel.ThreatActor{
		{ID: "actor-1", Name: "A", Sophistication: "high", LastActivity: now.Add(-5 * 24 * time.Hour)},
	})

	id, _, err := store.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeIP, Value: "203.0.113.5",
		Confidence: 0.8, Severity: 8, Source: "f1", SeenAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	store.MergeAttribution(id, []intel.ActorID{"actor-1"}, nil)

	s := NewScorer(store, matcher, nil)
	s.Recompute(now)

	ind, _ := store.GetByID(id)
	if ind.ThreatScore <= 0 {
		t.Errorf("expected indicator threat score set, got %v", ind.ThreatScore)
	}
	want := 0.8 * 1.15
	if math.Abs(ind.ThreatScore-want) > 1e-9 {
		t.Errorf("expected score %v, got %v", want, ind.ThreatScore)
	}

	actor, _ := matcher.Actor("actor-1")
	if actor.RiskScore <= 0 {
		t.Errorf("expected actor risk score set, got %v", actor.RiskScore)
	}

	landscape, at := s.Landscape()
	if landscape <= 0 || landscape > 1 {
		t.Errorf("landscape out of range: %v", landscape)
	}
	if !at.Equal(now) {
		t.Errorf("expected lastRun %v, got %v", now, at)
	}
}

// TestArchivedExcludedFromAggregates archives the only indicator and
// expects the landscape rollup to ignore it.
func TestArchivedExcludedFromAggregates(t *testing.T) {
	now := time.Now().UTC()
	store := indicator.NewStore(indicator.Config{ShardPow: 2, ArchiveTTL: 24 * time.Hour}, nil)
	store.Upsert(intel.IndicatorRecord{
		Type: intel.IOCTypeDomain, Value: "stale.example.org",
		Confidence: 0.9, Severity: 9, Source: "f1", SeenAt: now.Add(-48 * time.Hour),
	})
	if n := store.ArchiveExpired(now); n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	s := NewScorer(store, nil, nil)
	s.Recompute(now)

	landscape, _ := s.Landscape()
	if landscape != 0 {
		t.Errorf("archived-only store should yield landscape 0, got %v", landscape)
	}
}
