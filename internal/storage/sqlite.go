package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/lvonguyen/intelforge/internal/intel"
)

type sqliteStore struct {
	baseStore
}

// NewSQLite opens (or creates) a sqlite-backed store.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:intelforge.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS indicators (
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL,
			severity INTEGER NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			threat_score REAL NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			sources_json TEXT NOT NULL,
			tags_json TEXT NOT NULL,
			actors_json TEXT,
			campaigns_json TEXT,
			UNIQUE(type, value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators(last_seen)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			severity INTEGER NOT NULL,
			rule_id TEXT,
			related_entity TEXT,
			subject TEXT,
			summary TEXT,
			ts INTEGER NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveIndicator(ctx context.Context, ind intel.Indicator) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO indicators
			(id, type, value, confidence, severity, first_seen, last_seen,
			 threat_score, archived, sources_json, tags_json, actors_json, campaigns_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, value) DO UPDATE SET
			confidence = excluded.confidence,
			severity = excluded.severity,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			threat_score = excluded.threat_score,
			archived = excluded.archived,
			sources_json = excluded.sources_json,
			tags_json = excluded.tags_json,
			actors_json = excluded.actors_json,
			campaigns_json = excluded.campaigns_json`,
		ind.ID, string(ind.Type), ind.Value, ind.Confidence, ind.Severity,
		ind.FirstSeen.Unix(), ind.LastSeen.Unix(), ind.ThreatScore, ind.Archived,
		encodeJSON(ind.Sources), encodeJSON(ind.Tags),
		encodeJSON(ind.ActorIDs), encodeJSON(ind.CampaignIDs),
	)
	return err
}

func (s *sqliteStore) LoadIndicators(ctx context.Context) ([]intel.Indicator, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, value, confidence, severity, first_seen, last_seen,
			threat_score, archived, sources_json, tags_json,
			COALESCE(actors_json, ''), COALESCE(campaigns_json, '')
		FROM indicators`)
	if err != nil {
		return nil, err
	}
	return scanIndicators(rows)
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert intel.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, kind, severity, rule_id, related_entity, subject, summary, ts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, string(alert.Kind), alert.Severity, alert.RuleID,
		alert.RelatedEntity, alert.Subject, alert.Summary,
		alert.Timestamp.Unix(), string(alert.Status),
	)
	return err
}

func (s *sqliteStore) SetAlertStatus(ctx context.Context, id string, status intel.AlertStatus) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ? WHERE id = ?`, string(status), id)
	return err
}
