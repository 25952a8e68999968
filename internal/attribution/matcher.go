// Package attribution links stored indicators to known threat actors and
// campaigns. Matching runs asynchronously off the event bus so ingestion
// never waits on enrichment.
package attribution

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/intel"
)

// DefaultConfidenceFloor discards weak tag-overlap matches.
const DefaultConfidenceFloor = 0.5

// IndicatorStore is the subset of the store the matcher needs.
type IndicatorStore interface {
	GetByID(id string) (intel.Indicator, bool)
	MergeAttribution(id string, actors []intel.ActorID, campaigns []intel.CampaignID) bool
}

// Matcher scores indicators against a registry of actors and campaigns.
type Matcher struct {
	store  IndicatorStore
	logger *zap.Logger
	floor  float64

	mu        sync.RWMutex
	actors    map[intel.ActorID]*intel.ThreatActor
	campaigns map[intel.CampaignID]*intel.Campaign
}

// NewMatcher creates a matcher over the given store. A floor of 0 selects
// the default.
func NewMatcher(store IndicatorStore, floor float64, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Matcher{
		store:     store,
		logger:    logger,
		floor:     floor,
		actors:    make(map[intel.ActorID]*intel.ThreatActor),
		campaigns: make(map[intel.CampaignID]*intel.Campaign),
	}
}

// LoadActors registers or replaces actors in the registry.
func (m *Matcher) LoadActors(actors []intel.ThreatActor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range actors {
		a := actors[i]
		m.actors[a.ID] = &a
	}
}

// LoadCampaigns registers or replaces campaigns in the registry.
func (m *Matcher) LoadCampaigns(campaigns []intel.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range campaigns {
		c := campaigns[i]
		m.campaigns[c.ID] = &c
	}
}

// Actors returns all known actors sorted by risk score, highest first.
func (m *Matcher) Actors() []intel.ThreatActor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]intel.ThreatActor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Campaigns returns all known campaigns, ongoing first.
func (m *Matcher) Campaigns() []intel.Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]intel.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == intel.CampaignOngoing
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Actor returns one actor by ID.
func (m *Matcher) Actor(id intel.ActorID) (intel.ThreatActor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return intel.ThreatActor{}, false
	}
	return *a, true
}

// SetActorRiskScore updates an actor's score. Called by the risk scorer.
func (m *Matcher) SetActorRiskScore(id intel.ActorID, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[id]; ok {
		a.RiskScore = score
	}
}

// Enrich scores one indicator against the registry. An exact value match
// scores 1.0; tag overlap scores |overlap|/|entity tags|. Matches below the
// confidence floor are discarded.
func (m *Matcher) Enrich(ind intel.Indicator) (actorIDs []intel.ActorID, campaignIDs []intel.CampaignID) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, actor := range m.actors {
		if m.scoreActor(actor, ind) >= m.floor {
			actorIDs = append(actorIDs, id)
		}
	}
	for id, camp := range m.campaigns {
		if m.scoreCampaign(camp, ind) < m.floor {
			continue
		}
		campaignIDs = append(campaignIDs, id)
		// A campaign match implicates its actor.
		if camp.ActorID != "" && !containsActor(actorIDs, camp.ActorID) {
			actorIDs = append(actorIDs, camp.ActorID)
		}
	}
	sort.Slice(actorIDs, func(i, j int) bool { return actorIDs[i] < actorIDs[j] })
	sort.Slice(campaignIDs, func(i, j int) bool { return campaignIDs[i] < campaignIDs[j] })
	return actorIDs, campaignIDs
}

func (m *Matcher) scoreActor(actor *intel.ThreatActor, ind intel.Indicator) float64 {
	for _, v := range actor.KnownIndicators {
		if v == ind.Value {
			return 1.0
		}
	}
	return tagOverlap(actor.Tags, ind.Tags)
}

func (m *Matcher) scoreCampaign(camp *intel.Campaign, ind intel.Indicator) float64 {
	if camp.Contains(ind.Type, ind.Value) {
		return 1.0
	}
	return tagOverlap(camp.Tags, ind.Tags)
}

// tagOverlap is the fraction of the entity's tags present on the indicator.
func tagOverlap(entityTags, indicatorTags []string) float64 {
	if len(entityTags) == 0 || len(indicatorTags) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(indicatorTags))
	for _, t := range indicatorTags {
		set[t] = struct{}{}
	}
	overlap := 0
	for _, t := range entityTags {
		if _, ok := set[t]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(entityTags))
}

func containsActor(ids []intel.ActorID, id intel.ActorID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Run consumes new-indicator events until ctx is cancelled or the
// subscription closes, merging attribution back into the store.
func (m *Matcher) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			payload, ok := msg.Payload.(bus.IndicatorNew)
			if !ok {
				continue
			}
			m.enrichByID(payload.ID)
		}
	}
}

func (m *Matcher) enrichByID(id string) {
	ind, ok := m.store.GetByID(id)
	if !ok {
		return
	}
	actors, campaigns := m.Enrich(ind)
	if len(actors) == 0 && len(campaigns) == 0 {
		return
	}
	if m.store.MergeAttribution(id, actors, campaigns) {
		m.logger.Debug("indicator attributed",
			zap.String("indicator_id", id),
			zap.Int("actors", len(actors)),
			zap.Int("campaigns", len(campaigns)),
		)
	}
}
