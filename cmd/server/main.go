// Package main provides the entry point for the IntelForge server: a threat
// intelligence correlation and risk-scoring engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/api"
	"github.com/lvonguyen/intelforge/internal/config"
	"github.com/lvonguyen/intelforge/internal/engine"
	"github.com/lvonguyen/intelforge/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("IntelForge %s (commit: %s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting intelforge",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)

	metrics := observability.NewMetrics()

	eng, err := engine.New(cfg, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}

	var limiter func(http.Handler) http.Handler
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		limiter = api.NewRateLimiter(rdb, api.RateLimitConfig{IncludeHeaders: true}, logger.Named("ratelimit")).Middleware()
	}

	server := api.NewServer(api.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.Deps{
		Indicators:  eng.Indicators,
		Feeds:       eng.Feeds,
		Attribution: eng.Attribution,
		Hunting:     eng.Hunting,
		Correlation: eng.Correlation,
		Scorer:      eng.Scorer,
		Alerts:      eng.Alerts,
		Bus:         eng.Bus,
		Framework:   eng.Framework,
		Metrics:     metrics,
		Limiter:     limiter,
	}, logger.Named("api"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}

	cancel()
	eng.Shutdown()
	logger.Info("intelforge stopped")
}
