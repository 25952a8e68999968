package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lvonguyen/intelforge/internal/intel"
)

type postgresStore struct {
	baseStore
}

// NewPostgres opens a postgres-backed store via pgx.
func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/intelforge?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS indicators (
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			severity INTEGER NOT NULL,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			threat_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			sources_json JSONB NOT NULL,
			tags_json JSONB NOT NULL,
			actors_json JSONB,
			campaigns_json JSONB,
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
			ts BIGINT NOT NULL,
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

func (s *postgresStore) SaveIndicator(ctx context.Context, ind intel.Indicator) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO indicators
			(id, type, value, confidence, severity, first_seen, last_seen,
			 threat_score, archived, sources_json, tags_json, actors_json, campaigns_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
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

func (s *postgresStore) LoadIndicators(ctx context.Context) ([]intel.Indicator, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, value, confidence, severity, first_seen, last_seen,
			threat_score, archived, sources_json::text, tags_json::text,
			COALESCE(actors_json::text, ''), COALESCE(campaigns_json::text, '')
		FROM indicators`)
	if err != nil {
		return nil, err
	}
	return scanIndicators(rows)
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert intel.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, kind, severity, rule_id, related_entity, subject, summary, ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alert.ID, string(alert.Kind), alert.Severity, alert.RuleID,
		alert.RelatedEntity, alert.Subject, alert.Summary,
		alert.Timestamp.Unix(), string(alert.Status),
	)
	return err
}

func (s *postgresStore) SetAlertStatus(ctx context.Context, id string, status intel.AlertStatus) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $1 WHERE id = $2`, string(status), id)
	return err
}
