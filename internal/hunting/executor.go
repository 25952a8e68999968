package hunting

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/alertlog"
	"github.com/lvonguyen/intelforge/internal/bus"
	"github.com/lvonguyen/intelforge/internal/intel"
)

// RuleState is the scheduling state of one rule worker.
type RuleState string

const (
	RuleStateIdle      RuleState = "idle"
	RuleStateExecuting RuleState = "executing"
	RuleStateScoring   RuleState = "scoring"
	RuleStateDisabled  RuleState = "disabled"
)

// IndicatorLookup is the store access the executor needs for IOC matching.
type IndicatorLookup interface {
	Get(t intel.IOCType, value string) (intel.Indicator, bool)
}

// Publisher is the bus subset the executor needs.
type Publisher interface {
	Publish(topic string, payload any)
}

// iocFieldTypes maps well-known event field names to the IOC type checked
// against the store.
var iocFieldTypes = map[string]intel.IOCType{
	"ip":        intel.IOCTypeIP,
	"src_ip":    intel.IOCTypeIP,
	"dest_ip":   intel.IOCTypeIP,
	"domain":    intel.IOCTypeDomain,
	"hostname":  intel.IOCTypeDomain,
	"url":       intel.IOCTypeURL,
	"hash":      intel.IOCTypeHash,
	"md5":       intel.IOCTypeHash,
	"sha256":    intel.IOCTypeHash,
	"email":     intel.IOCTypeEmail,
	"sender":    intel.IOCTypeEmail,
	"recipient": intel.IOCTypeEmail,
}

// Executor schedules hunting rules. Each enabled rule has its own worker
// goroutine with a FIFO queue, so event order within a rule is preserved
// while distinct rules evaluate in parallel.
type Executor struct {
	store  IndicatorLookup
	alerts *alertlog.Log
	pub    Publisher
	logger *zap.Logger

	queueSize int

	mu    sync.RWMutex
	rules map[string]*ruleRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ruleRunner struct {
	// events is non-nil only while the rule is scheduled (enabled with a
	// live worker). It is never closed; workers stop via done, so an
	// in-flight Submit can never hit a closed channel.
	events chan intel.Event
	done   chan struct{}

	mu      sync.Mutex
	rule    intel.HuntingRule
	pattern *compiledPattern
	state   RuleState
}

// NewExecutor creates a hunting rule executor. Call Close to stop workers.
func NewExecutor(store IndicatorLookup, alerts *alertlog.Log, pub Publisher, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:     store,
		alerts:    alerts,
		pub:       pub,
		logger:    logger,
		queueSize: 1024,
		rules:     make(map[string]*ruleRunner),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterRule compiles and schedules a rule. A rule that fails validation
// is stored disabled and the error is returned; other rules are unaffected.
func (x *Executor) RegisterRule(rule intel.HuntingRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule has no id", ErrRuleValidation)
	}

	pattern, err := compilePattern(rule.Pattern)
	if err != nil {
		rule.Enabled = false
		x.replace(rule.ID, &ruleRunner{rule: rule, state: RuleStateDisabled})
		x.logger.Warn("hunting rule disabled",
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
		return err
	}

	rule.Effectiveness = rule.ComputeEffectiveness()
	runner := &ruleRunner{
		rule:    rule,
		pattern: pattern,
		state:   RuleStateIdle,
	}
	// Only enabled rules get a queue and a worker. A disabled rule with no
	// consumer must never accumulate a backlog that could park Submit.
	if rule.Enabled {
		runner.events = make(chan intel.Event, x.queueSize)
		runner.done = make(chan struct{})
	} else {
		runner.state = RuleStateDisabled
	}

	x.replace(rule.ID, runner)

	if rule.Enabled {
		x.wg.Add(1)
		go x.runWorker(runner)
	}
	return nil
}

// replace swaps in a new runner for the rule ID and retires the previous
// worker, if any.
func (x *Executor) replace(id string, runner *ruleRunner) {
	x.mu.Lock()
	if old, exists := x.rules[id]; exists && old.done != nil {
		close(old.done)
	}
	x.rules[id] = runner
	x.mu.Unlock()
}

// runWorker drains one rule's FIFO queue.
func (x *Executor) runWorker(r *ruleRunner) {
	defer x.wg.Done()
	for {
		select {
		case <-x.ctx.Done():
			return
		case <-r.done:
			return
		case e := <-r.events:
			if alert := x.evalEvent(r, &e); alert != nil {
				x.emit(*alert)
			}
		}
	}
}

// evalEvent runs one event through one rule, walking the rule's state
// machine and mutating its counters under the rule lock.
func (x *Executor) evalEvent(r *ruleRunner, e *intel.Event) *intel.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.rule.Enabled {
		return nil
	}

	r.state = RuleStateExecuting
	matched := r.pattern.matches(e)
	if !matched {
		r.state = RuleStateIdle
		return nil
	}

	r.state = RuleStateScoring
	r.rule.ExecutionCount++
	r.rule.Effectiveness = r.rule.ComputeEffectiveness()
	alert := intel.Alert{
		Kind:          intel.AlertKindHunting,
		Severity:      r.rule.Severity,
		RuleID:        r.rule.ID,
		RelatedEntity: e.ID,
		Subject:       e.Subject,
		Summary:       fmt.Sprintf("rule %s matched event from %s", r.rule.Name, e.Source),
		Timestamp:     e.Timestamp,
	}
	r.state = RuleStateIdle
	return &alert
}

// Submit feeds one event to every scheduled rule's queue and runs IOC
// matching. Sends block to preserve per-rule FIFO order, but a runner that
// was retired mid-send unparks via its done signal.
func (x *Executor) Submit(e intel.Event) {
	for _, alert := range x.MatchIOCs(&e) {
		x.emit(alert)
	}

	x.mu.RLock()
	runners := make([]*ruleRunner, 0, len(x.rules))
	for _, r := range x.rules {
		if r.events != nil {
			runners = append(runners, r)
		}
	}
	x.mu.RUnlock()

	for _, r := range runners {
		select {
		case r.events <- e:
		case <-r.done:
		case <-x.ctx.Done():
			return
		}
	}
}

// Execute evaluates a batch synchronously against one rule, in order.
// Used by operator tooling; the streaming path goes through Submit.
func (x *Executor) Execute(ruleID string, batch []intel.Event) ([]intel.Alert, error) {
	x.mu.RLock()
	r, ok := x.rules[ruleID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("hunting rule not found: %s", ruleID)
	}
	if r.pattern == nil {
		return nil, fmt.Errorf("%w: rule %s is disabled", ErrRuleValidation, ruleID)
	}

	var out []intel.Alert
	for i := range batch {
		if alert := x.evalEvent(r, &batch[i]); alert != nil {
			out = append(out, x.emit(*alert))
		}
	}
	return out, nil
}

// MatchIOCs checks well-known event fields against the indicator store and
// returns ioc_match alerts for live hits.
func (x *Executor) MatchIOCs(e *intel.Event) []intel.Alert {
	if x.store == nil {
		return nil
	}
	var out []intel.Alert
	for field, iocType := range iocFieldTypes {
		v, ok := e.Field(field)
		if !ok || v == "" {
			continue
		}
		ind, ok := x.store.Get(iocType, v)
		if !ok || ind.Archived {
			continue
		}
		out = append(out, intel.Alert{
			Kind:          intel.AlertKindIOCMatch,
			Severity:      ind.Severity,
			RelatedEntity: ind.ID,
			Subject:       e.Subject,
			Summary:       fmt.Sprintf("event field %s matched indicator %s:%s", field, ind.Type, ind.Value),
			Timestamp:     e.Timestamp,
		})
	}
	return out
}

func (x *Executor) emit(a intel.Alert) intel.Alert {
	stored := a
	if x.alerts != nil {
		stored = x.alerts.Append(a)
	}
	if x.pub != nil {
		x.pub.Publish(bus.TopicHuntingAlert, stored)
	}
	return stored
}

// ReportOutcome feeds an analyst verdict back into the alert's rule,
// recomputing effectiveness. Only hunting alerts carry a rule to update.
func (x *Executor) ReportOutcome(alertID string, isTruePositive bool) error {
	if x.alerts == nil {
		return fmt.Errorf("no alert log configured")
	}
	alert, ok := x.alerts.Get(alertID)
	if !ok {
		return alertlog.ErrAlertNotFound
	}
	if alert.RuleID == "" {
		return fmt.Errorf("alert %s has no hunting rule to score", alertID)
	}

	x.mu.RLock()
	r, ok := x.rules[alert.RuleID]
	x.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hunting rule not found: %s", alert.RuleID)
	}

	r.mu.Lock()
	if isTruePositive {
		r.rule.TruePositives++
	} else {
		r.rule.FalsePositives++
	}
	r.rule.Effectiveness = r.rule.ComputeEffectiveness()
	x.logger.Info("rule outcome reported",
		zap.String("rule_id", r.rule.ID),
		zap.Bool("true_positive", isTruePositive),
		zap.Float64("effectiveness", r.rule.Effectiveness),
	)
	r.mu.Unlock()
	return nil
}

// Rule returns a snapshot of one rule.
func (x *Executor) Rule(id string) (intel.HuntingRule, bool) {
	x.mu.RLock()
	r, ok := x.rules[id]
	x.mu.RUnlock()
	if !ok {
		return intel.HuntingRule{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rule, true
}

// Rules returns snapshots of all rules sorted by effectiveness, highest
// first.
func (x *Executor) Rules() []intel.HuntingRule {
	x.mu.RLock()
	runners := make([]*ruleRunner, 0, len(x.rules))
	for _, r := range x.rules {
		runners = append(runners, r)
	}
	x.mu.RUnlock()

	out := make([]intel.HuntingRule, 0, len(runners))
	for _, r := range runners {
		r.mu.Lock()
		out = append(out, r.rule)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Effectiveness != out[j].Effectiveness {
			return out[i].Effectiveness > out[j].Effectiveness
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// State returns the scheduling state of one rule worker.
func (x *Executor) State(id string) (RuleState, bool) {
	x.mu.RLock()
	r, ok := x.rules[id]
	x.mu.RUnlock()
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, true
}

// Close stops all rule workers.
func (x *Executor) Close() {
	x.cancel()
	x.wg.Wait()
}
