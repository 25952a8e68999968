// Package engine assembles the IntelForge pipeline: feeds flow into the
// indicator store, events flow through hunting into correlation, and the
// risk scorer keeps scores current. All cross-component traffic rides the
// event bus.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/alertlog"
	"github.com/lvonguyen/intelforge/internal/attribution"
	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/config"
	"github.com/lvonguyen/intelforge/internal/correlation"
	"github.com/lvonguyen/intelforge/internal/event"
	"github.com/lvonguyen/intelforge/internal/feed"
	"github.com/lvonguyen/intelforge/internal/hunting"
	"github.com/lvonguyen/intelforge/internal/indicator"
	"github.com/lvonguyen/intelforge/internal/intel"
	"github.com/lvonguyen/intelforge/internal/mitre"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/scoring"
	"github.com/lvonguyen/intelforge/internal/storage"
)

// Engine owns every pipeline component and their lifecycles.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	Bus         *bus.Bus
	Indicators  *indicator.Store
	Feeds       *feed.Manager
	Attribution *attribution.Matcher
	Hunting     *hunting.Executor
	Correlation *correlation.Engine
	Scorer      *scoring.Scorer
	Alerts      *alertlog.Log
	Framework   *mitre.Framework
	Receiver    *event.Receiver

	store  storage.Store
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine from config. Rules and registries are loaded here;
// goroutines start in Start.
func New(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{cfg: cfg, logger: logger, metrics: metrics}

	e.Bus = bus.New(256, logger.Named("bus"))
	e.Indicators = indicator.NewStore(cfg.Store, logger.Named("indicators"))
	e.Alerts = alertlog.New()
	e.Framework = mitre.NewFramework()
	e.Feeds = feed.NewManager(e.Indicators, e.Bus, logger.Named("feeds"))

	e.Attribution = attribution.NewMatcher(e.Indicators, cfg.Attribution.ConfidenceFloor, logger.Named("attribution"))
	if path := cfg.Attribution.RegistryPath; path != "" {
		if err := e.Attribution.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading attribution registry: %w", err)
		}
	} else {
		e.Attribution.SeedDefaults()
	}

	e.Hunting = hunting.NewExecutor(e.Indicators, e.Alerts, e.Bus, logger.Named("hunting"))
	if dir := cfg.Hunting.RulesDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			n, err := e.Hunting.LoadRulesDir(dir)
			if err != nil {
				logger.Warn("some hunting rules failed to load", zap.Error(err))
			}
			logger.Info("hunting rules loaded", zap.Int("count", n))
		}
	}

	e.Correlation = correlation.NewEngine(e.Alerts, e.Bus, cfg.Correlation.Retention, logger.Named("correlation"))
	if path := cfg.Correlation.RulesFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			n, err := e.Correlation.LoadRulesFile(path)
			if err != nil {
				logger.Warn("some correlation rules failed to load", zap.Error(err))
			}
			logger.Info("correlation rules loaded", zap.Int("count", n))
		}
	}

	e.Scorer = scoring.NewScorer(e.Indicators, e.Attribution, logger.Named("scoring"))
	e.Receiver = event.NewReceiver(cfg.Events.Receiver, e.Hunting, logger.Named("events"))

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("configuring storage: %w", err)
	}
	e.store = store

	return e, nil
}

// Start launches the pipeline: storage rehydration, feed scheduling, the
// async consumers, and the event transports. It returns once everything is
// running.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.store != nil {
		if err := e.store.Init(ctx); err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		persisted, err := e.store.LoadIndicators(ctx)
		if err != nil {
			return fmt.Errorf("rehydrating indicators: %w", err)
		}
		for _, ind := range persisted {
			e.Indicators.Restore(ind)
		}
		e.logger.Info("indicators rehydrated", zap.Int("count", len(persisted)))
	}

	// Async consumers. Attribution enriches new indicators; correlation
	// observes hunting alerts.
	e.spawn(func() {
		e.Attribution.Run(ctx, e.Bus.Subscribe(bus.TopicIndicatorNew))
	})
	e.spawn(func() {
		e.Correlation.Run(ctx, e.Bus.Subscribe(bus.TopicHuntingAlert))
	})

	e.Scorer.Start(ctx, e.cfg.Scoring.Interval)
	e.Indicators.StartReaper(ctx)

	// Bus consumers must be subscribed before feeds start publishing.
	if e.store != nil {
		e.startPersistence(ctx)
	}
	if e.metrics != nil {
		e.startMetricsObservers(ctx)
		e.metrics.StartRuntimeCollector(ctx, 15*time.Second)
	}

	for _, fc := range e.cfg.Feeds {
		if _, err := e.Feeds.RegisterFeed(fc); err != nil {
			e.logger.Error("failed to register feed",
				zap.String("feed", fc.Name), zap.Error(err))
		}
	}

	e.spawn(func() {
		if err := e.Receiver.Start(ctx); err != nil {
			e.logger.Error("event receiver stopped", zap.Error(err))
		}
	})
	event.StartKafka(ctx, e.cfg.Events.Kafka, e.Hunting, e.logger.Named("kafka"))

	e.logger.Info("engine started",
		zap.Int("feeds", len(e.cfg.Feeds)),
		zap.Bool("storage", e.store != nil),
	)
	return nil
}

// Shutdown stops all components and flushes state.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.Feeds.Close()
	e.Hunting.Close()
	e.Bus.Close()
	e.wg.Wait()
	if e.store != nil {
		e.store.Close()
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// startPersistence writes through indicator updates and alerts to durable
// storage as they flow over the bus.
func (e *Engine) startPersistence(ctx context.Context) {
	indSub := e.Bus.Subscribe(bus.TopicIndicatorNew)
	e.spawn(func() {
		for {
			select {
			case <-ctx.Done():
				indSub.Close()
				return
			case msg, ok := <-indSub.C():
				if !ok {
					return
				}
				payload, ok := msg.Payload.(bus.IndicatorNew)
				if !ok {
					continue
				}
				if ind, ok := e.Indicators.GetByID(payload.ID); ok {
					if err := e.store.SaveIndicator(ctx, ind); err != nil {
						e.logger.Warn("failed to persist indicator", zap.Error(err))
					}
				}
			}
		}
	})

	alertSub := e.Bus.Subscribe(bus.TopicHuntingAlert)
	corrSub := e.Bus.Subscribe(bus.TopicCorrelationTrigger)
	statusSub := e.Bus.Subscribe(bus.TopicAlertStatusChanged)
	e.spawn(func() {
		for {
			select {
			case <-ctx.Done():
				alertSub.Close()
				corrSub.Close()
				statusSub.Close()
				return
			case msg, ok := <-alertSub.C():
				if !ok {
					return
				}
				if alert, ok := msg.Payload.(intel.Alert); ok {
					if err := e.store.SaveAlert(ctx, alert); err != nil {
						e.logger.Warn("failed to persist alert", zap.Error(err))
					}
				}
			case msg, ok := <-corrSub.C():
				if !ok {
					return
				}
				trigger, ok := msg.Payload.(bus.CorrelationTrigger)
				if !ok {
					continue
				}
				if alert, ok := e.Alerts.Get(trigger.AlertID); ok {
					if err := e.store.SaveAlert(ctx, alert); err != nil {
						e.logger.Warn("failed to persist alert", zap.Error(err))
					}
				}
			case msg, ok := <-statusSub.C():
				if !ok {
					return
				}
				change, ok := msg.Payload.(bus.AlertStatusChange)
				if !ok {
					continue
				}
				if err := e.store.SetAlertStatus(ctx, change.AlertID, change.Status); err != nil {
					e.logger.Warn("failed to persist alert status", zap.Error(err))
				}
			}
		}
	})
}

// startMetricsObservers drives the Prometheus instruments from bus traffic
// and periodic snapshots.
func (e *Engine) startMetricsObservers(ctx context.Context) {
	indSub := e.Bus.Subscribe(bus.TopicIndicatorNew)
	huntSub := e.Bus.Subscribe(bus.TopicHuntingAlert)
	corrSub := e.Bus.Subscribe(bus.TopicCorrelationTrigger)
	e.spawn(func() {
		for {
			select {
			case <-ctx.Done():
				indSub.Close()
				huntSub.Close()
				corrSub.Close()
				return
			case msg, ok := <-indSub.C():
				if !ok {
					return
				}
				if payload, ok := msg.Payload.(bus.IndicatorNew); ok {
					e.metrics.IndicatorsIngested.WithLabelValues(string(payload.Source)).Inc()
				}
			case msg, ok := <-huntSub.C():
				if !ok {
					return
				}
				if alert, ok := msg.Payload.(intel.Alert); ok {
					e.metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()
				}
			case _, ok := <-corrSub.C():
				if !ok {
					return
				}
				e.metrics.AlertsTotal.WithLabelValues(string(intel.AlertKindCorrelation)).Inc()
			}
		}
	})

	e.spawn(func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, active := e.Indicators.Count()
				e.metrics.IndicatorsActive.Set(float64(active))

				score, _ := e.Scorer.Landscape()
				e.metrics.LandscapeScore.Set(score)

				published, dropped := e.Bus.Stats()
				e.metrics.BusPublished.Set(float64(published))
				e.metrics.BusDropped.Set(float64(dropped))

				for _, f := range e.Feeds.List() {
					var v float64
					switch f.Status {
					case intel.FeedStatusActive:
						v = 1
					case intel.FeedStatusDegraded:
						v = 0.5
					}
					e.metrics.FeedStatus.WithLabelValues(string(f.ID)).Set(v)
				}
			}
		}
	})
}
