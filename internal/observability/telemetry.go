// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// NewLogger builds a zap logger from config.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.Level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zcfg.InitialFields = map[string]interface{}{
		"service": "intelforge",
	}
	return zcfg.Build()
}

// Metrics holds the Prometheus instruments for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	IndicatorsIngested *prometheus.CounterVec
	IndicatorsActive   prometheus.Gauge
	FeedStatus         *prometheus.GaugeVec

	// Detection
	AlertsTotal  *prometheus.CounterVec
	RuleOutcomes *prometheus.CounterVec

	// Scoring
	LandscapeScore prometheus.Gauge

	// Bus
	BusPublished prometheus.Gauge
	BusDropped   prometheus.Gauge

	// API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Runtime
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// NewMetrics registers the engine's instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	namespace := "intelforge"

	return &Metrics{
		registry: reg,
		IndicatorsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indicators_ingested_total",
				Help:      "Indicator records ingested by feed",
			},
			[]string{"feed"},
		),
		IndicatorsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "indicators_active",
				Help:      "Currently active (non-archived) indicators",
			},
		),
		FeedStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_status",
				Help:      "Feed health (1=active, 0.5=degraded, 0=disabled)",
			},
			[]string{"feed"},
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alerts raised by kind",
			},
			[]string{"kind"},
		),
		RuleOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_outcomes_total",
				Help:      "Analyst outcome reports by verdict",
			},
			[]string{"verdict"},
		),
		LandscapeScore: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "landscape_score",
				Help:      "Current aggregate threat landscape score",
			},
		),
		BusPublished: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_published_total",
				Help:      "Messages published to the event bus",
			},
		),
		BusDropped: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_dropped_total",
				Help:      "Messages evicted from slow subscriber queues",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current heap allocation in bytes",
			},
		),
	}
}

// Handler returns the scrape endpoint for this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartRuntimeCollector samples goroutine and memory stats until ctx is
// cancelled.
func (m *Metrics) StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				m.MemoryUsage.Set(float64(ms.Alloc))
			}
		}
	}()
}
