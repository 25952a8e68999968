// Package scoring derives per-indicator, per-actor, and landscape-wide risk
// scores from confidence, recency, and attribution context. Scores are
// recomputed on a fixed interval, never per-event.
package scoring

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/intel"
)

const (
	// decayFloor keeps stale indicators at residual risk instead of zero.
	decayFloor = 0.5

	decayHorizonDays = 30.0

	campaignWeight = 0.1
	actorWeight    = 0.15
)

// IndicatorSource is the store access the scorer needs.
type IndicatorSource interface {
	ForEach(fn func(intel.Indicator) bool)
	SetThreatScore(id string, score float64) bool
}

// ActorRegistry is the attribution access the scorer needs.
type ActorRegistry interface {
	Actors() []intel.ThreatActor
	Campaigns() []intel.Campaign
	SetActorRiskScore(id intel.ActorID, score float64)
}

// Scorer recomputes risk scores over the store and actor registry.
type Scorer struct {
	store  IndicatorSource
	actors ActorRegistry
	logger *zap.Logger

	mu        sync.RWMutex
	landscape float64
	lastRun   time.Time
}

// NewScorer creates a risk scorer.
func NewScorer(store IndicatorSource, actors ActorRegistry, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{store: store, actors: actors, logger: logger}
}

// Decay maps indicator age in days to a multiplier in [0.5, 1]. It is
// non-increasing and floored so stale indicators keep residual risk.
func Decay(ageDays float64) float64 {
	if ageDays <= 0 {
		return 1
	}
	d := 1 - ageDays/decayHorizonDays
	if d < decayFloor {
		return decayFloor
	}
	return d
}

// IndicatorScore computes one indicator's threat score at the given time:
// confidence x decay(age) x attribution boost, clamped to [0,1].
func IndicatorScore(ind *intel.Indicator, now time.Time) float64 {
	ageDays := now.Sub(ind.LastSeen).Hours() / 24
	boost := 1 + campaignWeight*float64(len(ind.CampaignIDs)) + actorWeight*float64(len(ind.ActorIDs))
	return intel.ClampConfidence(ind.Confidence * Decay(ageDays) * boost)
}

var sophisticationTier = map[string]float64{
	"low":      0.25,
	"medium":   0.5,
	"high":     0.75,
	"advanced": 1.0,
}

// ActorScore blends sophistication, recency of last activity, and the count
// of attributed live indicators.
func ActorScore(actor *intel.ThreatActor, liveIndicators int, now time.Time) float64 {
	soph, ok := sophisticationTier[actor.Sophistication]
	if !ok {
		soph = 0.5
	}

	var recency float64
	switch age := now.Sub(actor.LastActivity); {
	case age < 30*24*time.Hour:
		recency = 1.0
	case age < 90*24*time.Hour:
		recency = 0.7
	default:
		recency = 0.4
	}

	liveness := math.Min(1, float64(liveIndicators)/10)
	return intel.ClampConfidence(0.5*soph + 0.3*recency + 0.2*liveness)
}

// Recompute runs one full scoring pass: every live indicator, every actor,
// then the landscape rollup. Archived indicators keep their last score and
// are excluded from aggregates.
func (s *Scorer) Recompute(now time.Time) {
	liveByActor := make(map[intel.ActorID]int)
	var (
		weightedSum float64
		weightTotal float64
		live        int
	)

	s.store.ForEach(func(ind intel.Indicator) bool {
		if ind.Archived {
			return true
		}
		score := IndicatorScore(&ind, now)
		s.store.SetThreatScore(ind.ID, score)

		w := float64(ind.Severity)
		weightedSum += score * w
		weightTotal += w
		live++
		for _, actorID := range ind.ActorIDs {
			liveByActor[actorID]++
		}
		return true
	})

	ongoing := 0
	if s.actors != nil {
		for _, actor := range s.actors.Actors() {
			score := ActorScore(&actor, liveByActor[actor.ID], now)
			s.actors.SetActorRiskScore(actor.ID, score)
		}
		for _, camp := range s.actors.Campaigns() {
			if camp.Status == intel.CampaignOngoing {
				ongoing++
			}
		}
	}

	var indicatorComponent float64
	if weightTotal > 0 {
		indicatorComponent = weightedSum / weightTotal
	}
	campaignComponent := math.Min(1, float64(ongoing)/5)
	landscape := intel.ClampConfidence(0.8*indicatorComponent + 0.2*campaignComponent)

	s.mu.Lock()
	s.landscape = landscape
	s.lastRun = now
	s.mu.Unlock()

	s.logger.Debug("risk scores recomputed",
		zap.Int("live_indicators", live),
		zap.Int("ongoing_campaigns", ongoing),
		zap.Float64("landscape", landscape),
	)
}

// Landscape returns the latest landscape score and when it was computed.
func (s *Scorer) Landscape() (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.landscape, s.lastRun
}

// Start recomputes on a fixed interval until ctx is cancelled.
func (s *Scorer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.Recompute(time.Now().UTC())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Recompute(time.Now().UTC())
			}
		}
	}()
}
