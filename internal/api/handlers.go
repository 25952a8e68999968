package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/alertlog"
	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/feed"
	"github.com/lvonguyen/intelforge/internal/indicator"
	"github.com/lvonguyen/intelforge/internal/intel"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, active := 0, 0
	if s.deps.Indicators != nil {
		total, active = s.deps.Indicators.Count()
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"indicators_total":  total,
		"indicators_active": active,
	})
}

func (s *Server) handleListIndicators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := indicator.Filter{
		Tag:             q.Get("tag"),
		Malicious:       q.Get("malicious") == "true",
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if t := q.Get("type"); t != "" {
		typ := intel.IOCType(t)
		if !typ.IsValid() {
			s.respondError(w, http.StatusBadRequest, "unknown indicator type: "+t)
			return
		}
		f.Type = typ
	}
	if raw := q.Get("min_score"); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid min_score")
			return
		}
		f.MinThreatScore = score
	}

	out := s.deps.Indicators.Query(f)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"indicators": out,
		"count":      len(out),
	})
}

func (s *Server) handleGetIndicator(w http.ResponseWriter, r *http.Request) {
	ind, ok := s.deps.Indicators.GetByID(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "indicator not found")
		return
	}
	s.respondJSON(w, http.StatusOK, ind)
}

func (s *Server) handleListActors(w http.ResponseWriter, _ *http.Request) {
	actors := s.deps.Attribution.Actors()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"actors": actors,
		"count":  len(actors),
	})
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.deps.Attribution.Actor(intel.ActorID(chi.URLParam(r, "id")))
	if !ok {
		s.respondError(w, http.StatusNotFound, "actor not found")
		return
	}
	s.respondJSON(w, http.StatusOK, actor)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, _ *http.Request) {
	campaigns := s.deps.Attribution.Campaigns()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

func (s *Server) handleListHuntingRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.deps.Hunting.Rules()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleRegisterHuntingRule(w http.ResponseWriter, r *http.Request) {
	var rule intel.HuntingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}
	if err := s.deps.Hunting.RegisterRule(rule); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": rule.ID})
}

func (s *Server) handleListCorrelationRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.deps.Correlation.Rules()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleRegisterCorrelationRule(w http.ResponseWriter, r *http.Request) {
	var rule intel.CorrelationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}
	if err := s.deps.Correlation.RegisterRule(rule); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": rule.ID})
}

func (s *Server) handleMITRECoverage(w http.ResponseWriter, _ *http.Request) {
	coverage := s.deps.Framework.Coverage(s.deps.Hunting.Rules())
	s.respondJSON(w, http.StatusOK, map[string]any{"coverage": coverage})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, _ *http.Request) {
	feeds := s.deps.Feeds.List()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"feeds": feeds,
		"count": len(feeds),
	})
}

func (s *Server) handleRegisterFeed(w http.ResponseWriter, r *http.Request) {
	var cfg feed.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid feed payload")
		return
	}
	id, err := s.deps.Feeds.RegisterFeed(cfg)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Feeds.Get(intel.FeedID(chi.URLParam(r, "id")))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "feed not found")
		return
	}
	s.respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleDisableFeed(w http.ResponseWriter, r *http.Request) {
	id := intel.FeedID(chi.URLParam(r, "id"))
	if err := s.deps.Feeds.DisableFeed(id); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": string(id), "status": "disabled"})
}

func (s *Server) handleRetryFeed(w http.ResponseWriter, r *http.Request) {
	id := intel.FeedID(chi.URLParam(r, "id"))
	if err := s.deps.Feeds.RetryFeed(id); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, feed.ErrFeedDisabled) {
			status = http.StatusConflict
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": string(id), "status": "retry_scheduled"})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alertlog.Filter{
		Kind:   intel.AlertKind(q.Get("kind")),
		Status: intel.AlertStatus(q.Get("status")),
		RuleID: q.Get("rule_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}

	alerts := s.deps.Alerts.List(f)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Alerts.Acknowledge(id); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.publishAlertStatus(id, intel.AlertStatusAcknowledged)
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Alerts.Resolve(id); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.publishAlertStatus(id, intel.AlertStatusResolved)
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

// publishAlertStatus announces a triage transition so consumers, the durable
// alert log included, can follow it.
func (s *Server) publishAlertStatus(id string, status intel.AlertStatus) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(bus.TopicAlertStatusChanged, bus.AlertStatusChange{
		AlertID: id,
		Status:  status,
		At:      time.Now().UTC(),
	})
}

type outcomeRequest struct {
	TruePositive bool `json:"true_positive"`
}

// handleAlertOutcome records an analyst verdict against the hunting rule
// that raised the alert.
func (s *Server) handleAlertOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid outcome payload")
		return
	}

	if err := s.deps.Hunting.ReportOutcome(id, req.TruePositive); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, alertlog.ErrAlertNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, status, err.Error())
		return
	}

	if s.deps.Metrics != nil {
		verdict := "false_positive"
		if req.TruePositive {
			verdict = "true_positive"
		}
		s.deps.Metrics.RuleOutcomes.WithLabelValues(verdict).Inc()
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"id": id, "true_positive": req.TruePositive})
}

func (s *Server) handleLandscape(w http.ResponseWriter, _ *http.Request) {
	score, computedAt := s.deps.Scorer.Landscape()
	total, active := s.deps.Indicators.Count()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"score":             score,
		"computed_at":       computedAt,
		"indicators_total":  total,
		"indicators_active": active,
	})
}
