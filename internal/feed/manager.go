package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/intel"
)

const (
	// degradedThreshold is the consecutive-error count at which a feed is
	// parked until a manual retry.
	degradedThreshold = 5

	maxBackoff = time.Hour
)

// Sink receives validated indicator records from feed syncs.
type Sink interface {
	Upsert(rec intel.IndicatorRecord) (string, bool, error)
	SetSourcePriority(id intel.FeedID, priority int)
}

// Publisher is the subset of the event bus the manager needs.
type Publisher interface {
	Publish(topic string, payload any)
}

// Manager schedules feed syncs. Each registered feed is driven by its own
// goroutine that owns the feed's mutable state; other goroutines see it only
// through copied snapshots.
type Manager struct {
	sink   Sink
	pub    Publisher
	logger *zap.Logger

	mu    sync.RWMutex
	feeds map[intel.FeedID]*feedRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type feedRunner struct {
	adapter Adapter
	cancel  context.CancelFunc
	retryCh chan struct{}

	mu   sync.Mutex
	feed intel.ThreatFeed
}

func (r *feedRunner) snapshot() intel.ThreatFeed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feed
}

// NewManager creates a feed manager. Call Close to stop all schedulers.
func NewManager(sink Sink, pub Publisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sink:   sink,
		pub:    pub,
		logger: logger,
		feeds:  make(map[intel.FeedID]*feedRunner),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterFeed builds the adapter named by cfg.AdapterType and starts its
// scheduler. The feed ID is derived from the feed name.
func (m *Manager) RegisterFeed(cfg Config) (intel.FeedID, error) {
	cfg = DefaultAdapterConfig(cfg)
	if cfg.Name == "" {
		return "", fmt.Errorf("feed name is required")
	}
	id := intel.FeedID(cfg.Name)

	adapter, err := m.newAdapter(id, cfg)
	if err != nil {
		return "", err
	}
	return id, m.RegisterAdapter(cfg, adapter)
}

// RegisterAdapter starts a scheduler for a pre-built adapter. Used directly
// by tests and by callers with custom sources.
func (m *Manager) RegisterAdapter(cfg Config, adapter Adapter) error {
	cfg = DefaultAdapterConfig(cfg)
	id := intel.FeedID(cfg.Name)

	m.mu.Lock()
	if _, exists := m.feeds[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("feed %q already registered", id)
	}

	runCtx, runCancel := context.WithCancel(m.ctx)
	runner := &feedRunner{
		adapter: adapter,
		cancel:  runCancel,
		retryCh: make(chan struct{}, 1),
		feed: intel.ThreatFeed{
			ID:                 id,
			Name:               cfg.Name,
			AdapterType:        cfg.AdapterType,
			Priority:           cfg.Priority,
			SyncInterval:       cfg.SyncInterval,
			ConfidenceBaseline: cfg.ConfidenceBaseline,
			Status:             intel.FeedStatusActive,
		},
	}
	m.feeds[id] = runner
	m.mu.Unlock()

	m.sink.SetSourcePriority(id, cfg.Priority)

	m.wg.Add(1)
	go m.run(runCtx, runner)

	m.logger.Info("feed registered",
		zap.String("feed_id", string(id)),
		zap.String("adapter", adapter.Name()),
		zap.Duration("interval", cfg.SyncInterval),
	)
	return nil
}

// DisableFeed stops the feed's scheduler. The feed stays listed with status
// disabled; re-register to resume syncing.
func (m *Manager) DisableFeed(id intel.FeedID) error {
	m.mu.Lock()
	runner, ok := m.feeds[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}

	runner.cancel()

	runner.mu.Lock()
	old := runner.feed.Status
	runner.feed.Status = intel.FeedStatusDisabled
	runner.mu.Unlock()

	if old != intel.FeedStatusDisabled {
		m.publishStatus(id, old, intel.FeedStatusDisabled, "disabled by operator")
	}
	return nil
}

// RetryFeed requests an immediate sync for a degraded or active feed,
// clearing its error count. This is the only path out of the degraded state.
func (m *Manager) RetryFeed(id intel.FeedID) error {
	m.mu.RLock()
	runner, ok := m.feeds[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}
	if runner.snapshot().Status == intel.FeedStatusDisabled {
		return fmt.Errorf("%w: %s", ErrFeedDisabled, id)
	}

	select {
	case runner.retryCh <- struct{}{}:
	default:
		// A retry is already pending.
	}
	return nil
}

// Get returns a snapshot of one feed.
func (m *Manager) Get(id intel.FeedID) (intel.ThreatFeed, error) {
	m.mu.RLock()
	runner, ok := m.feeds[id]
	m.mu.RUnlock()
	if !ok {
		return intel.ThreatFeed{}, fmt.Errorf("%w: %s", ErrFeedNotFound, id)
	}
	return runner.snapshot(), nil
}

// List returns snapshots of all registered feeds.
func (m *Manager) List() []intel.ThreatFeed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]intel.ThreatFeed, 0, len(m.feeds))
	for _, runner := range m.feeds {
		out = append(out, runner.snapshot())
	}
	return out
}

// Close stops every scheduler and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// run is the per-feed scheduler loop. Only this goroutine mutates the
// runner's feed state.
func (m *Manager) run(ctx context.Context, r *feedRunner) {
	defer m.wg.Done()

	// First sync fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-r.retryCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			r.mu.Lock()
			old := r.feed.Status
			r.feed.ConsecutiveErrors = 0
			r.feed.Status = intel.FeedStatusActive
			id := r.feed.ID
			r.mu.Unlock()
			if old == intel.FeedStatusDegraded {
				m.publishStatus(id, old, intel.FeedStatusActive, "manual retry")
			}
			m.syncOnce(ctx, r, timer)

		case <-timer.C:
			m.syncOnce(ctx, r, timer)
		}
	}
}

// syncOnce performs one sync attempt and arms the timer for the next one,
// unless the feed just degraded, in which case the timer stays unarmed and
// the feed parks until RetryFeed.
func (m *Manager) syncOnce(ctx context.Context, r *feedRunner, timer *time.Timer) {
	r.mu.Lock()
	id := r.feed.ID
	interval := r.feed.SyncInterval
	r.mu.Unlock()

	start := time.Now()
	syncCtx, cancel := context.WithTimeout(ctx, interval)
	records, err := r.adapter.Sync(syncCtx)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.recordFailure(r, err, elapsed, timer, interval)
		return
	}

	ingested, skipped := m.commit(id, records)

	r.mu.Lock()
	r.feed.ConsecutiveErrors = 0
	r.feed.LastSync = time.Now().UTC()
	r.feed.Metrics.SyncCount++
	r.feed.Metrics.IndicatorsTotal += int64(ingested)
	r.feed.Metrics.RecordsSkipped += int64(skipped)
	r.feed.Metrics.LastSyncDuration = elapsed.Seconds()
	r.feed.Metrics.LastError = ""
	r.mu.Unlock()

	m.logger.Debug("feed sync complete",
		zap.String("feed_id", string(id)),
		zap.Int("ingested", ingested),
		zap.Int("skipped", skipped),
		zap.Duration("elapsed", elapsed),
	)

	timer.Reset(interval)
}

func (m *Manager) recordFailure(r *feedRunner, err error, elapsed time.Duration, timer *time.Timer, interval time.Duration) {
	r.mu.Lock()
	r.feed.ConsecutiveErrors++
	errCount := r.feed.ConsecutiveErrors
	r.feed.Metrics.LastError = err.Error()
	r.feed.Metrics.LastErrorAt = time.Now().UTC()
	r.feed.Metrics.LastSyncDuration = elapsed.Seconds()
	id := r.feed.ID
	old := r.feed.Status
	degraded := errCount >= degradedThreshold
	if degraded {
		r.feed.Status = intel.FeedStatusDegraded
	}
	r.mu.Unlock()

	if degraded {
		m.logger.Warn("feed degraded, parked until manual retry",
			zap.String("feed_id", string(id)),
			zap.Int("consecutive_errors", errCount),
			zap.Error(err),
		)
		if old != intel.FeedStatusDegraded {
			m.publishStatus(id, old, intel.FeedStatusDegraded,
				fmt.Sprintf("%d consecutive sync failures", errCount))
		}
		// No timer reset: the feed waits for RetryFeed.
		return
	}

	backoff := backoffFor(interval, errCount)
	m.logger.Warn("feed sync failed, backing off",
		zap.String("feed_id", string(id)),
		zap.Int("consecutive_errors", errCount),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
	timer.Reset(backoff)
}

// commit validates and stores a sync batch. Malformed records are skipped
// and counted, never fatal to the batch.
func (m *Manager) commit(id intel.FeedID, records []intel.IndicatorRecord) (ingested, skipped int) {
	for _, rec := range records {
		indID, created, err := m.sink.Upsert(rec)
		if err != nil {
			if errors.Is(err, intel.ErrMalformedRecord) {
				skipped++
				continue
			}
			m.logger.Error("indicator upsert failed",
				zap.String("feed_id", string(id)),
				zap.String("value", rec.Value),
				zap.Error(err),
			)
			skipped++
			continue
		}
		ingested++
		if created && m.pub != nil {
			m.pub.Publish(bus.TopicIndicatorNew, bus.IndicatorNew{
				ID:     indID,
				Type:   rec.Type,
				Value:  rec.Value,
				Source: id,
				Tags:   rec.Tags,
			})
		}
	}
	if skipped > 0 {
		m.logger.Warn("feed batch had malformed records",
			zap.String("feed_id", string(id)),
			zap.Int("skipped", skipped),
		)
	}
	return ingested, skipped
}

func (m *Manager) publishStatus(id intel.FeedID, old, new intel.FeedStatus, reason string) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(bus.TopicFeedStatusChanged, bus.FeedStatusChange{
		FeedID: id,
		Old:    old,
		New:    new,
		Reason: reason,
		At:     time.Now().UTC(),
	})
}

func (m *Manager) newAdapter(id intel.FeedID, cfg Config) (Adapter, error) {
	switch cfg.AdapterType {
	case "otx":
		return NewOTXAdapter(id, cfg)
	case "misp":
		return NewMISPAdapter(id, cfg)
	case "sim":
		return NewSimAdapter(id, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, cfg.AdapterType)
	}
}

// backoffFor doubles the base interval per consecutive error, capped.
func backoffFor(interval time.Duration, errors int) time.Duration {
	if errors < 1 {
		return interval
	}
	d := time.Duration(float64(interval) * math.Pow(2, float64(errors-1)))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
