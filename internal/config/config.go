// Package config provides configuration management for IntelForge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/intelforge/internal/event"
	"github.com/lvonguyen/intelforge/internal/feed"
	"github.com/lvonguyen/intelforge/internal/indicator"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/storage"
)

// Config holds all IntelForge configuration.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Logging     observability.LogConfig `yaml:"logging"`
	Store       indicator.Config        `yaml:"store"`
	Feeds       []feed.Config           `yaml:"feeds"`
	Attribution AttributionConfig       `yaml:"attribution"`
	Hunting     HuntingConfig           `yaml:"hunting"`
	Correlation CorrelationConfig       `yaml:"correlation"`
	Scoring     ScoringConfig           `yaml:"scoring"`
	Events      EventsConfig            `yaml:"events"`
	Storage     storage.Config          `yaml:"storage"`
	Redis       RedisConfig             `yaml:"redis"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AttributionConfig holds the actor/campaign registry settings.
type AttributionConfig struct {
	RegistryPath    string  `yaml:"registry_path"` // optional YAML file; defaults seeded if empty
	ConfidenceFloor float64 `yaml:"confidence_floor"`
}

// HuntingConfig holds hunting rule settings.
type HuntingConfig struct {
	RulesDir string `yaml:"rules_dir"`
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	RulesFile string        `yaml:"rules_file"`
	Retention time.Duration `yaml:"retention"`
}

// ScoringConfig holds risk scorer settings.
type ScoringConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// EventsConfig groups the event ingestion transports.
type EventsConfig struct {
	Receiver event.ReceiverConfig `yaml:"receiver"`
	Kafka    event.KafkaConfig    `yaml:"kafka"`
}

// RedisConfig holds Redis settings used by the API rate limiter.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Load reads configuration from a YAML file, layered over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: indicator.DefaultConfig(),
		Attribution: AttributionConfig{
			ConfidenceFloor: 0.5,
		},
		Hunting: HuntingConfig{
			RulesDir: "rules/hunting",
		},
		Correlation: CorrelationConfig{
			RulesFile: "rules/correlation.yaml",
			Retention: 24 * time.Hour,
		},
		Scoring: ScoringConfig{
			Interval: 5 * time.Minute,
		},
		Events: EventsConfig{
			Receiver: event.DefaultReceiverConfig(),
		},
		Storage: storage.Config{
			Enabled: false,
			Driver:  "sqlite",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
	}
}
