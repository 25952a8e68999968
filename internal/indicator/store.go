// Package indicator provides the canonical, deduplicated IOC store.
// It is a lock-striped sharded table keyed by (type, value): concurrent
// upserts to the same key serialize, upserts to different keys proceed
// independently.
package indicator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// ErrStoreContention indicates a shard lock could not be acquired within the
// retry budget. Callers treat it as retryable; Upsert itself falls back to a
// blocking acquire so sightings are never silently dropped.
var ErrStoreContention = errors.New("indicator store contention")

const (
	defaultShardPow   = 5 // 32 shards
	maxShardPow       = 10
	lockRetryAttempts = 8
	lockRetryBase     = 500 * time.Microsecond
)

// Config holds store tuning parameters.
type Config struct {
	ShardPow       uint8         `yaml:"shard_pow"`
	ArchiveTTL     time.Duration `yaml:"archive_ttl"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShardPow:       defaultShardPow,
		ArchiveTTL:     90 * 24 * time.Hour,
		ReaperInterval: 1 * time.Hour,
	}
}

// Filter selects indicators from Query.
type Filter struct {
	Type            intel.IOCType
	MinThreatScore  float64
	Malicious       bool // severity >= 7
	Tag             string
	IncludeArchived bool
}

// entry carries the merged indicator plus the per-source confidences needed
// to recompute the priority-weighted average on every new sighting.
type entry struct {
	ind     intel.Indicator
	srcConf map[intel.FeedID]float64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

// Store is the concurrency-safe canonical indicator table.
type Store struct {
	shards []shard
	mask   uint64
	cfg    Config
	logger *zap.Logger

	idMu sync.RWMutex
	byID map[string]string // indicator ID -> shard key

	prioMu     sync.RWMutex
	priorities map[intel.FeedID]int

	contended int64
	statMu    sync.Mutex
}

// NewStore creates a sharded store.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if cfg.ShardPow == 0 {
		cfg.ShardPow = defaultShardPow
	}
	if cfg.ShardPow > maxShardPow {
		cfg.ShardPow = maxShardPow
	}
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := 1 << cfg.ShardPow
	s := &Store{
		shards:     make([]shard, n),
		mask:       uint64(n - 1),
		cfg:        cfg,
		logger:     logger,
		byID:       make(map[string]string),
		priorities: make(map[intel.FeedID]int),
	}
	for i := 0; i < n; i++ {
		s.shards[i].m = make(map[string]*entry)
	}
	return s
}

// SetSourcePriority registers a feed's weight for confidence merging.
func (s *Store) SetSourcePriority(id intel.FeedID, priority int) {
	if priority < 1 {
		priority = 1
	}
	s.prioMu.Lock()
	s.priorities[id] = priority
	s.prioMu.Unlock()
}

func (s *Store) priority(id intel.FeedID) int {
	s.prioMu.RLock()
	defer s.prioMu.RUnlock()
	if p, ok := s.priorities[id]; ok {
		return p
	}
	return 1
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[uint64(fnv32(key))&s.mask]
}

// lockShard acquires the shard write lock, trying with jittered backoff
// before falling back to a blocking acquire on a hot shard.
func (s *Store) lockShard(sh *shard) {
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		if sh.mu.TryLock() {
			return
		}
		jitter := time.Duration(rand.Int63n(int64(lockRetryBase)))
		time.Sleep(lockRetryBase<<uint(attempt%4) + jitter)
	}
	s.statMu.Lock()
	s.contended++
	s.statMu.Unlock()
	sh.mu.Lock()
}

// Upsert applies a validated sighting. First sighting creates the indicator
// (created=true); later sightings update lastSeen, union sources/tags and
// recompute the priority-weighted confidence. Re-applying an identical
// sighting is idempotent beyond the lastSeen/sources update.
func (s *Store) Upsert(rec intel.IndicatorRecord) (string, bool, error) {
	if err := rec.Validate(); err != nil {
		return "", false, err
	}
	if rec.SeenAt.IsZero() {
		rec.SeenAt = time.Now().UTC()
	}

	key := string(rec.Type) + ":" + rec.Value
	sh := s.shardFor(key)
	s.lockShard(sh)
	defer sh.mu.Unlock()

	e, exists := sh.m[key]
	if !exists {
		e = &entry{
			ind: intel.Indicator{
				ID:         uuid.NewString(),
				Type:       rec.Type,
				Value:      rec.Value,
				Severity:   intel.ClampSeverity(rec.Severity),
				FirstSeen:  rec.SeenAt,
				LastSeen:   rec.SeenAt,
				Sources:    []intel.FeedID{rec.Source},
				Tags:       uniqueStrings(rec.Tags),
			},
			srcConf: map[intel.FeedID]float64{rec.Source: rec.Confidence},
		}
		e.ind.Confidence = s.weightedConfidence(e.srcConf)
		sh.m[key] = e

		s.idMu.Lock()
		s.byID[e.ind.ID] = key
		s.idMu.Unlock()
		return e.ind.ID, true, nil
	}

	// Merge sighting into the existing record.
	e.srcConf[rec.Source] = rec.Confidence
	if !e.ind.HasSource(rec.Source) {
		e.ind.Sources = append(e.ind.Sources, rec.Source)
	}
	e.ind.Tags = unionStrings(e.ind.Tags, rec.Tags)
	if rec.SeenAt.After(e.ind.LastSeen) {
		e.ind.LastSeen = rec.SeenAt
	}
	if rec.SeenAt.Before(e.ind.FirstSeen) {
		e.ind.FirstSeen = rec.SeenAt
	}
	if sev := intel.ClampSeverity(rec.Severity); sev > e.ind.Severity {
		e.ind.Severity = sev
	}
	e.ind.Confidence = s.weightedConfidence(e.srcConf)
	// A fresh sighting reactivates an archived indicator.
	e.ind.Archived = false

	return e.ind.ID, false, nil
}

// Restore inserts a previously persisted indicator verbatim, keyed by its
// (type, value). Existing entries win; later sightings merge against the
// restored confidence, attributed evenly across the stored sources.
func (s *Store) Restore(ind intel.Indicator) {
	if ind.ID == "" || !ind.Type.IsValid() || ind.Value == "" {
		return
	}
	key := string(ind.Type) + ":" + ind.Value
	sh := s.shardFor(key)
	s.lockShard(sh)
	defer sh.mu.Unlock()

	if _, exists := sh.m[key]; exists {
		return
	}
	srcConf := make(map[intel.FeedID]float64, len(ind.Sources))
	for _, src := range ind.Sources {
		srcConf[src] = ind.Confidence
	}
	sh.m[key] = &entry{ind: cloneIndicator(&ind), srcConf: srcConf}

	s.idMu.Lock()
	s.byID[ind.ID] = key
	s.idMu.Unlock()
}

func (s *Store) weightedConfidence(srcConf map[intel.FeedID]float64) float64 {
	var weighted, total float64
	for src, conf := range srcConf {
		p := float64(s.priority(src))
		weighted += p * conf
		total += p
	}
	if total == 0 {
		return 0
	}
	return intel.ClampConfidence(weighted / total)
}

// Get returns the indicator for (type, value).
func (s *Store) Get(t intel.IOCType, value string) (intel.Indicator, bool) {
	key := string(t) + ":" + value
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.m[key]
	if !ok {
		return intel.Indicator{}, false
	}
	return cloneIndicator(&e.ind), true
}

// GetByID returns the indicator with the given ID.
func (s *Store) GetByID(id string) (intel.Indicator, bool) {
	s.idMu.RLock()
	key, ok := s.byID[id]
	s.idMu.RUnlock()
	if !ok {
		return intel.Indicator{}, false
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.m[key]
	if !ok {
		return intel.Indicator{}, false
	}
	return cloneIndicator(&e.ind), true
}

// Query returns indicators matching the filter. Archived indicators are
// excluded unless the filter asks for them.
func (s *Store) Query(f Filter) []intel.Indicator {
	var out []intel.Indicator
	s.ForEach(func(ind intel.Indicator) bool {
		if ind.Archived && !f.IncludeArchived {
			return true
		}
		if f.Type != "" && ind.Type != f.Type {
			return true
		}
		if ind.ThreatScore < f.MinThreatScore {
			return true
		}
		if f.Malicious && ind.Severity < 7 {
			return true
		}
		if f.Tag != "" && !containsString(ind.Tags, f.Tag) {
			return true
		}
		out = append(out, ind)
		return true
	})
	return out
}

// ForEach visits a snapshot of every indicator, archived included. The
// callback returns false to stop early.
func (s *Store) ForEach(fn func(intel.Indicator) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		snapshot := make([]intel.Indicator, 0, len(sh.m))
		for _, e := range sh.m {
			snapshot = append(snapshot, cloneIndicator(&e.ind))
		}
		sh.mu.RUnlock()
		for i := range snapshot {
			if !fn(snapshot[i]) {
				return
			}
		}
	}
}

// Count returns total and non-archived indicator counts.
func (s *Store) Count() (total, active int) {
	s.ForEach(func(ind intel.Indicator) bool {
		total++
		if !ind.Archived {
			active++
		}
		return true
	})
	return total, active
}

// MergeAttribution unions actor/campaign attributions into an indicator.
// It never removes existing attributions.
func (s *Store) MergeAttribution(id string, actors []intel.ActorID, campaigns []intel.CampaignID) bool {
	s.idMu.RLock()
	key, ok := s.byID[id]
	s.idMu.RUnlock()
	if !ok {
		return false
	}
	sh := s.shardFor(key)
	s.lockShard(sh)
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	for _, a := range actors {
		if !containsActor(e.ind.ActorIDs, a) {
			e.ind.ActorIDs = append(e.ind.ActorIDs, a)
		}
	}
	for _, c := range campaigns {
		if !containsCampaign(e.ind.CampaignIDs, c) {
			e.ind.CampaignIDs = append(e.ind.CampaignIDs, c)
		}
	}
	return true
}

// SetThreatScore records a computed risk score on an indicator.
func (s *Store) SetThreatScore(id string, score float64) bool {
	s.idMu.RLock()
	key, ok := s.byID[id]
	s.idMu.RUnlock()
	if !ok {
		return false
	}
	sh := s.shardFor(key)
	s.lockShard(sh)
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	e.ind.ThreatScore = score
	return true
}

// ArchiveExpired marks indicators with no sighting within the TTL as
// archived. Archived indicators stay queryable but drop out of default
// queries and aggregate scoring.
func (s *Store) ArchiveExpired(now time.Time) int {
	cutoff := now.Add(-s.cfg.ArchiveTTL)
	archived := 0
	for i := range s.shards {
		sh := &s.shards[i]
		s.lockShard(sh)
		for _, e := range sh.m {
			if !e.ind.Archived && e.ind.LastSeen.Before(cutoff) {
				e.ind.Archived = true
				archived++
			}
		}
		sh.mu.Unlock()
	}
	return archived
}

// StartReaper runs the periodic archival loop until the context ends.
func (s *Store) StartReaper(ctx context.Context) {
	interval := s.cfg.ReaperInterval
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.ArchiveExpired(time.Now().UTC()); n > 0 {
					s.logger.Info("archived stale indicators", zap.Int("count", n))
				}
			}
		}
	}()
}

// ContentionCount reports how often the jittered lock retries were exhausted.
func (s *Store) ContentionCount() int64 {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.contended
}

// Helpers

func cloneIndicator(ind *intel.Indicator) intel.Indicator {
	out := *ind
	out.Sources = append([]intel.FeedID(nil), ind.Sources...)
	out.Tags = append([]string(nil), ind.Tags...)
	out.ActorIDs = append([]intel.ActorID(nil), ind.ActorIDs...)
	out.CampaignIDs = append([]intel.CampaignID(nil), ind.CampaignIDs...)
	return out
}

func uniqueStrings(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsActor(list []intel.ActorID, v intel.ActorID) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsCampaign(list []intel.CampaignID, v intel.CampaignID) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	const prime = 16777619
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
