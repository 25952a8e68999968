// Package feed provides the threat feed adapter framework: one adapter per
// external source, each synced on its own schedule by the manager.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// Common errors.
var (
	ErrFeedUnavailable = errors.New("feed unavailable")
	ErrFeedNotFound    = errors.New("feed not found")
	ErrUnknownAdapter  = errors.New("unknown adapter type")
	ErrFeedDisabled    = errors.New("feed is disabled")
)

// Adapter normalizes one external source's payloads into indicator records.
// Sync must respect ctx cancellation and must not touch the indicator store;
// the manager commits records only after a fetch completes.
type Adapter interface {
	Name() string
	Sync(ctx context.Context) ([]intel.IndicatorRecord, error)
}

// HealthChecker is implemented by adapters that can verify connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config describes a feed registration request.
type Config struct {
	Name               string            `yaml:"name" json:"name"`
	AdapterType        string            `yaml:"adapter_type" json:"adapter_type"`
	Priority           int               `yaml:"priority" json:"priority"`
	SyncInterval       time.Duration     `yaml:"sync_interval" json:"sync_interval"`
	ConfidenceBaseline float64           `yaml:"confidence_baseline" json:"confidence_baseline"`
	BaseURL            string            `yaml:"base_url" json:"base_url,omitempty"`
	APIKeyEnv          string            `yaml:"api_key_env" json:"api_key_env,omitempty"`
	Timeout            time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Options            map[string]string `yaml:"options" json:"options,omitempty"`
}

// DefaultAdapterConfig fills unset registration fields.
func DefaultAdapterConfig(cfg Config) Config {
	if cfg.Priority == 0 {
		cfg.Priority = 1
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 15 * time.Minute
	}
	if cfg.ConfidenceBaseline == 0 {
		cfg.ConfidenceBaseline = 0.5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}
