// Package api exposes the engine over HTTP: read models for indicators,
// actors, rules and alerts, feed lifecycle controls, and an NDJSON stream
// of live bus topics.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/alertlog"
	"github.com/lvonguyen/intelforge/internal/attribution"
	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/correlation"
	"github.com/lvonguyen/intelforge/internal/feed"
	"github.com/lvonguyen/intelforge/internal/hunting"
	"github.com/lvonguyen/intelforge/internal/indicator"
	"github.com/lvonguyen/intelforge/internal/mitre"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/scoring"
)

// Config holds HTTP server settings.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Deps wires the engine components the API serves. Nil optional fields
// (Metrics, Limiter) disable the corresponding surface.
type Deps struct {
	Indicators  *indicator.Store
	Feeds       *feed.Manager
	Attribution *attribution.Matcher
	Hunting     *hunting.Executor
	Correlation *correlation.Engine
	Scorer      *scoring.Scorer
	Alerts      *alertlog.Log
	Bus         *bus.Bus
	Framework   *mitre.Framework
	Metrics     *observability.Metrics
	Limiter     func(http.Handler) http.Handler
}

// Server is the IntelForge HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	server *http.Server
}

// NewServer creates the API server.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Router builds the chi router, for serving or tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	if s.deps.Limiter != nil {
		r.Use(s.deps.Limiter)
	}

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/indicators", s.handleListIndicators)
		r.Get("/indicators/{id}", s.handleGetIndicator)

		r.Get("/actors", s.handleListActors)
		r.Get("/actors/{id}", s.handleGetActor)
		r.Get("/campaigns", s.handleListCampaigns)

		r.Get("/rules", s.handleListHuntingRules)
		r.Post("/rules", s.handleRegisterHuntingRule)

		r.Get("/correlation/rules", s.handleListCorrelationRules)
		r.Post("/correlation/rules", s.handleRegisterCorrelationRule)

		r.Get("/mitre/coverage", s.handleMITRECoverage)

		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleRegisterFeed)
		r.Get("/feeds/{id}", s.handleGetFeed)
		r.Post("/feeds/{id}/disable", s.handleDisableFeed)
		r.Post("/feeds/{id}/retry", s.handleRetryFeed)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
		r.Post("/alerts/{id}/outcome", s.handleAlertOutcome)

		r.Get("/landscape", s.handleLandscape)

		r.Get("/stream/{topic}", s.handleStream)
	})

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", zap.String("addr", s.cfg.Addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.deps.Metrics.RequestsTotal.
			WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		s.deps.Metrics.RequestDuration.
			WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
