// Package alertlog keeps the append-only alert audit trail. Alerts are never
// deleted; their status moves only through acknowledge and resolve.
package alertlog

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// ErrAlertNotFound indicates an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind   intel.AlertKind
	Status intel.AlertStatus
	RuleID string
	Since  time.Time
	Limit  int
}

// Log is an in-memory append-only alert store.
type Log struct {
	mu     sync.RWMutex
	alerts []intel.Alert
	byID   map[string]int
}

// New creates an empty alert log.
func New() *Log {
	return &Log{byID: make(map[string]int)}
}

// Append records a new alert, assigning ID, timestamp and status when unset,
// and returns the stored copy.
func (l *Log) Append(a intel.Alert) intel.Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = intel.AlertStatusNew
	}
	a.Severity = intel.ClampSeverity(a.Severity)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[a.ID] = len(l.alerts)
	l.alerts = append(l.alerts, a)
	return a
}

// Get returns one alert by ID.
func (l *Log) Get(id string) (intel.Alert, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return intel.Alert{}, false
	}
	return l.alerts[idx], true
}

// List returns matching alerts, newest first.
func (l *Log) List(f Filter) []intel.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]intel.Alert, 0, 64)
	for i := len(l.alerts) - 1; i >= 0; i-- {
		a := l.alerts[i]
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Acknowledge moves a new alert to acknowledged.
func (l *Log) Acknowledge(id string) error {
	return l.setStatus(id, intel.AlertStatusAcknowledged)
}

// Resolve closes an alert.
func (l *Log) Resolve(id string) error {
	return l.setStatus(id, intel.AlertStatusResolved)
}

func (l *Log) setStatus(id string, status intel.AlertStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return ErrAlertNotFound
	}
	l.alerts[idx].Status = status
	return nil
}

// Count returns totals by status.
func (l *Log) Count() map[intel.AlertStatus]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[intel.AlertStatus]int, 3)
	for _, a := range l.alerts {
		out[a.Status]++
	}
	return out
}
