// Package storage provides optional durable persistence behind the
// in-memory engine: indicators keyed by (type, value) and alerts as an
// append-only log.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// ErrUnsupportedDriver indicates an unknown storage driver name.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Config selects and configures a storage backend.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite or postgres
	DSN     string `yaml:"dsn"`
}

// Store persists engine state. A nil Store (storage disabled) is valid;
// callers must check.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// SaveIndicator writes through the latest state of one indicator,
	// upserting on the (type, value) unique key.
	SaveIndicator(ctx context.Context, ind intel.Indicator) error
	// LoadIndicators returns every persisted indicator, for rehydrating
	// the in-memory store at startup.
	LoadIndicators(ctx context.Context) ([]intel.Indicator, error)

	// SaveAlert appends one alert to the audit log.
	SaveAlert(ctx context.Context, alert intel.Alert) error
	// SetAlertStatus records an acknowledge/resolve transition.
	SetAlertStatus(ctx context.Context, id string, status intel.AlertStatus) error
}

// NewStore builds the configured backend, or nil when storage is disabled.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, ErrUnsupportedDriver
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeStrings(data string) []string {
	if data == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

// scanIndicators reads rows in the canonical column order shared by both
// backends. Timestamps are stored as Unix seconds to stay driver-neutral.
func scanIndicators(rows *sql.Rows) ([]intel.Indicator, error) {
	defer rows.Close()

	var out []intel.Indicator
	for rows.Next() {
		var ind intel.Indicator
		var typ, sources, tags, actors, campaigns string
		var firstSeen, lastSeen int64
		if err := rows.Scan(&ind.ID, &typ, &ind.Value, &ind.Confidence, &ind.Severity,
			&firstSeen, &lastSeen, &ind.ThreatScore, &ind.Archived,
			&sources, &tags, &actors, &campaigns); err != nil {
			return nil, err
		}
		ind.Type = intel.IOCType(typ)
		ind.FirstSeen = unixUTC(firstSeen)
		ind.LastSeen = unixUTC(lastSeen)
		for _, s := range decodeStrings(sources) {
			ind.Sources = append(ind.Sources, intel.FeedID(s))
		}
		ind.Tags = decodeStrings(tags)
		for _, a := range decodeStrings(actors) {
			ind.ActorIDs = append(ind.ActorIDs, intel.ActorID(a))
		}
		for _, c := range decodeStrings(campaigns) {
			ind.CampaignIDs = append(ind.CampaignIDs, intel.CampaignID(c))
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func unixUTC(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
