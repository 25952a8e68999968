// Package correlation chains hunting-rule hits within time windows to
// detect multi-stage attack patterns, one trailing buffer per subject.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/alertlog"
	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/intel"
)

// ErrRuleValidation indicates a correlation rule that failed validation.
var ErrRuleValidation = errors.New("correlation rule validation failed")

// RuleRefIOCMatch is the condition ref matching ioc_match alerts instead of
// a specific hunting rule.
const RuleRefIOCMatch = "ioc_match"

const defaultRetention = 24 * time.Hour

// Publisher is the bus subset the engine needs.
type Publisher interface {
	Publish(topic string, payload any)
}

// Evidence is the set of alert IDs that satisfied a rule's chain.
type Evidence []string

// hash returns a stable digest of the evidence set, independent of order.
func (e Evidence) hash() string {
	sorted := append([]string(nil), e...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// observation is one buffered alert for a subject.
type observation struct {
	alertID string
	ruleRef string
	kind    intel.AlertKind
	ts      time.Time
}

// subjectBuffer holds one subject's recent observations. Buffers are
// partitioned per subject so correlation on one asset never blocks another.
type subjectBuffer struct {
	mu    sync.Mutex
	obs   []observation
	fired map[string]string // ruleID -> last evidence hash
}

// Engine evaluates correlation rules against per-subject alert streams.
type Engine struct {
	alerts    *alertlog.Log
	pub       Publisher
	logger    *zap.Logger
	retention time.Duration

	rulesMu sync.RWMutex
	rules   map[string]*intel.CorrelationRule

	subjectsMu sync.RWMutex
	subjects   map[string]*subjectBuffer
}

// NewEngine creates a correlation engine. Retention of 0 selects the
// default 24h observation window.
func NewEngine(alerts *alertlog.Log, pub Publisher, retention time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Engine{
		alerts:    alerts,
		pub:       pub,
		logger:    logger,
		retention: retention,
		rules:     make(map[string]*intel.CorrelationRule),
		subjects:  make(map[string]*subjectBuffer),
	}
}

// RegisterRule validates and installs a rule. Invalid rules are stored
// disabled and the error returned; other rules are unaffected.
func (e *Engine) RegisterRule(rule intel.CorrelationRule) error {
	if err := validateRule(&rule); err != nil {
		rule.Enabled = false
		e.rulesMu.Lock()
		e.rules[rule.ID] = &rule
		e.rulesMu.Unlock()
		e.logger.Warn("correlation rule disabled",
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
		return err
	}
	e.rulesMu.Lock()
	e.rules[rule.ID] = &rule
	e.rulesMu.Unlock()
	return nil
}

func validateRule(rule *intel.CorrelationRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule has no id", ErrRuleValidation)
	}
	if len(rule.Conditions) < 2 {
		return fmt.Errorf("%w: rule %s needs at least two conditions to chain", ErrRuleValidation, rule.ID)
	}
	for i, c := range rule.Conditions {
		if c.RuleRef == "" {
			return fmt.Errorf("%w: rule %s condition %d has no rule_ref", ErrRuleValidation, rule.ID, i)
		}
		if i > 0 && c.Window <= 0 {
			return fmt.Errorf("%w: rule %s condition %d has no window", ErrRuleValidation, rule.ID, i)
		}
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("%w: rule %s declares no actions", ErrRuleValidation, rule.ID)
	}
	return nil
}

// Rules returns snapshots of all installed rules.
func (e *Engine) Rules() []intel.CorrelationRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]intel.CorrelationRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Observe feeds one alert into its subject's buffer and evaluates every
// enabled rule for that subject.
func (e *Engine) Observe(a intel.Alert) {
	if a.Subject == "" {
		return
	}
	sb := e.buffer(a.Subject)

	sb.mu.Lock()
	sb.obs = append(sb.obs, observation{
		alertID: a.ID,
		ruleRef: a.RuleID,
		kind:    a.Kind,
		ts:      a.Timestamp,
	})
	e.pruneLocked(sb, a.Timestamp)
	sb.mu.Unlock()

	e.rulesMu.RLock()
	rules := make([]*intel.CorrelationRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	e.rulesMu.RUnlock()

	for _, rule := range rules {
		if triggered, evidence := e.Evaluate(rule, a.Subject); triggered {
			e.fire(rule, a.Subject, evidence)
		}
	}
}

// Evaluate checks whether the rule's full condition chain is satisfied for
// the subject. The first condition anchors the chain; each later condition
// i must be satisfied by an observation no earlier than the anchor and
// within window_i after it. Returns the satisfying evidence on success.
func (e *Engine) Evaluate(rule *intel.CorrelationRule, subject string) (bool, Evidence) {
	sb := e.buffer(subject)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Try every observation satisfying the first condition as an anchor,
	// oldest first.
	for _, anchor := range sb.obs {
		if !matchesRef(anchor, rule.Conditions[0].RuleRef) {
			continue
		}
		evidence := Evidence{anchor.alertID}
		satisfied := true
		for _, cond := range rule.Conditions[1:] {
			found := false
			for _, obs := range sb.obs {
				if !matchesRef(obs, cond.RuleRef) {
					continue
				}
				if obs.ts.Before(anchor.ts) || obs.ts.After(anchor.ts.Add(cond.Window)) {
					continue
				}
				evidence = append(evidence, obs.alertID)
				found = true
				break
			}
			if !found {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}

		// Idempotent per evidence set: an unchanged chain must not refire.
		if sb.fired == nil {
			sb.fired = make(map[string]string)
		}
		h := evidence.hash()
		if sb.fired[rule.ID] == h {
			return false, nil
		}
		sb.fired[rule.ID] = h
		return true, evidence
	}
	return false, nil
}

func matchesRef(obs observation, ref string) bool {
	if ref == RuleRefIOCMatch {
		return obs.kind == intel.AlertKindIOCMatch
	}
	return obs.ruleRef == ref
}

// fire records the correlation alert and dispatches the rule's actions to
// the bus as commands. Actions are never executed in-process.
func (e *Engine) fire(rule *intel.CorrelationRule, subject string, evidence Evidence) {
	now := time.Now().UTC()
	alert := intel.Alert{
		Kind:          intel.AlertKindCorrelation,
		Severity:      rule.Severity,
		RuleID:        rule.ID,
		RelatedEntity: subject,
		Subject:       subject,
		Summary:       fmt.Sprintf("correlation rule %s completed its chain on %s", rule.Name, subject),
		Timestamp:     now,
	}
	if e.alerts != nil {
		alert = e.alerts.Append(alert)
	}

	commands := make([]intel.Command, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		commands = append(commands, intel.Command{
			ID:        uuid.NewString(),
			Action:    action,
			RuleID:    rule.ID,
			Subject:   subject,
			Timestamp: now,
			Evidence:  evidence,
		})
	}

	e.logger.Info("correlation triggered",
		zap.String("rule_id", rule.ID),
		zap.String("subject", subject),
		zap.Int("evidence", len(evidence)),
		zap.Int("commands", len(commands)),
	)

	if e.pub != nil {
		e.pub.Publish(bus.TopicCorrelationTrigger, bus.CorrelationTrigger{
			RuleID:   rule.ID,
			Subject:  subject,
			AlertID:  alert.ID,
			Evidence: evidence,
			Commands: commands,
			At:       now,
		})
	}
}

// Run consumes hunting alerts from the bus until ctx is cancelled or the
// subscription closes.
func (e *Engine) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if a, ok := msg.Payload.(intel.Alert); ok {
				e.Observe(a)
			}
		}
	}
}

func (e *Engine) buffer(subject string) *subjectBuffer {
	e.subjectsMu.RLock()
	sb, ok := e.subjects[subject]
	e.subjectsMu.RUnlock()
	if ok {
		return sb
	}

	e.subjectsMu.Lock()
	defer e.subjectsMu.Unlock()
	if sb, ok = e.subjects[subject]; ok {
		return sb
	}
	sb = &subjectBuffer{}
	e.subjects[subject] = sb
	return sb
}

// pruneLocked drops observations older than the retention horizon. Caller
// holds sb.mu.
func (e *Engine) pruneLocked(sb *subjectBuffer, now time.Time) {
	cutoff := now.Add(-e.retention)
	keep := sb.obs[:0]
	for _, o := range sb.obs {
		if !o.ts.Before(cutoff) {
			keep = append(keep, o)
		}
	}
	sb.obs = keep
}
