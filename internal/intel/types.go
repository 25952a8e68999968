// Package intel defines the core threat intelligence data model shared by
// the ingestion, correlation, and scoring components.
package intel

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRecord indicates a feed record that failed validation at the
// ingestion boundary. Such records are skipped and counted, never fatal.
var ErrMalformedRecord = errors.New("malformed indicator record")

// IOCType represents the type of indicator of compromise.
type IOCType string

const (
	IOCTypeIP     IOCType = "ip"
	IOCTypeDomain IOCType = "domain"
	IOCTypeURL    IOCType = "url"
	IOCTypeHash   IOCType = "hash"
	IOCTypeEmail  IOCType = "email"
)

// AllIOCTypes lists every valid IOC type, for validation.
var AllIOCTypes = []IOCType{IOCTypeIP, IOCTypeDomain, IOCTypeURL, IOCTypeHash, IOCTypeEmail}

// IsValid reports whether the IOC type is one of the closed set.
func (t IOCType) IsValid() bool {
	for _, valid := range AllIOCTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// FeedID identifies a registered threat feed.
type FeedID string

// ActorID identifies a known threat actor.
type ActorID string

// CampaignID identifies a tracked campaign.
type CampaignID string

// Indicator is the canonical, deduplicated representation of an IOC.
// Uniqueness is by (Type, Value); sightings from multiple feeds merge into
// a single record.
type Indicator struct {
	ID          string       `json:"id"`
	Type        IOCType      `json:"type"`
	Value       string       `json:"value"`
	Confidence  float64      `json:"confidence"` // 0.0 - 1.0
	Severity    int          `json:"severity"`   // 1 - 10
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
	Sources     []FeedID     `json:"sources"`
	Tags        []string     `json:"tags"`
	ThreatScore float64      `json:"threat_score"`
	ActorIDs    []ActorID    `json:"actor_ids,omitempty"`
	CampaignIDs []CampaignID `json:"campaign_ids,omitempty"`
	Archived    bool         `json:"archived,omitempty"`
}

// Key returns the canonical dedup key for an indicator.
func (i *Indicator) Key() string {
	return string(i.Type) + ":" + i.Value
}

// HasSource reports whether the indicator was sighted by the given feed.
func (i *Indicator) HasSource(id FeedID) bool {
	for _, s := range i.Sources {
		if s == id {
			return true
		}
	}
	return false
}

// IndicatorRecord is a single normalized sighting reported by one feed.
// Records are validated at the ingestion boundary before they reach the store.
type IndicatorRecord struct {
	Type       IOCType   `json:"type"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Severity   int       `json:"severity"`
	SeenAt     time.Time `json:"seen_at"`
	Source     FeedID    `json:"source"`
	Tags       []string  `json:"tags,omitempty"`
}

// Validate checks the record against the closed type enum and bounded ranges.
func (r *IndicatorRecord) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: unknown ioc type %q", ErrMalformedRecord, r.Type)
	}
	if r.Value == "" {
		return fmt.Errorf("%w: empty value", ErrMalformedRecord)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrMalformedRecord, r.Confidence)
	}
	if r.Severity < 1 || r.Severity > 10 {
		return fmt.Errorf("%w: severity %d out of [1,10]", ErrMalformedRecord, r.Severity)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: missing source feed", ErrMalformedRecord)
	}
	return nil
}

// FeedStatus represents the operational state of a feed.
type FeedStatus string

const (
	FeedStatusActive   FeedStatus = "active"
	FeedStatusDegraded FeedStatus = "degraded"
	FeedStatusDisabled FeedStatus = "disabled"
)

// FeedMetrics tracks per-feed sync statistics.
type FeedMetrics struct {
	SyncCount        int64     `json:"sync_count"`
	IndicatorsTotal  int64     `json:"indicators_total"`
	RecordsSkipped   int64     `json:"records_skipped"`
	LastSyncDuration float64   `json:"last_sync_duration_seconds"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitempty"`
}

// ThreatFeed describes a registered external intelligence source.
// A feed's mutable fields are owned by its scheduler goroutine.
type ThreatFeed struct {
	ID                 FeedID        `json:"id"`
	Name               string        `json:"name"`
	AdapterType        string        `json:"adapter_type"`
	Priority           int           `json:"priority"` // weight for confidence merging
	SyncInterval       time.Duration `json:"sync_interval"`
	ConfidenceBaseline float64       `json:"confidence_baseline"`
	Status             FeedStatus    `json:"status"`
	ConsecutiveErrors  int           `json:"consecutive_errors"`
	LastSync           time.Time     `json:"last_sync"`
	Metrics            FeedMetrics   `json:"metrics"`
}

// ThreatActor is a known adversary group. Seeded statically; RiskScore is
// recomputed periodically by the risk scorer.
type ThreatActor struct {
	ID              ActorID   `json:"id"`
	Name            string    `json:"name"`
	Aliases         []string  `json:"aliases,omitempty"`
	Sophistication  string    `json:"sophistication"` // low, medium, high, advanced
	Techniques      []string  `json:"techniques,omitempty"`
	TargetSectors   []string  `json:"target_sectors,omitempty"`
	TargetRegions   []string  `json:"target_regions,omitempty"`
	KnownIndicators []string  `json:"known_indicators,omitempty"` // raw IOC values
	Tags            []string  `json:"tags,omitempty"`
	LastActivity    time.Time `json:"last_activity"`
	RiskScore       float64   `json:"risk_score"`
}

// CampaignStatus represents the lifecycle of a campaign.
type CampaignStatus string

const (
	CampaignOngoing   CampaignStatus = "ongoing"
	CampaignConcluded CampaignStatus = "concluded"
)

// CampaignIndicators groups a campaign's known IOC values by kind.
type CampaignIndicators struct {
	Domains []string `json:"domains,omitempty"`
	IPs     []string `json:"ips,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
}

// Campaign is a tracked attack campaign attributed to an actor.
type Campaign struct {
	ID         CampaignID         `json:"id"`
	Name       string             `json:"name"`
	ActorID    ActorID            `json:"actor_id"`
	StartDate  time.Time          `json:"start_date"`
	EndDate    *time.Time         `json:"end_date,omitempty"`
	Status     CampaignStatus     `json:"status"`
	Indicators CampaignIndicators `json:"indicators"`
	Techniques []string           `json:"techniques,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
}

// Contains reports whether the campaign lists the given IOC value.
func (c *Campaign) Contains(t IOCType, value string) bool {
	var list []string
	switch t {
	case IOCTypeDomain:
		list = c.Indicators.Domains
	case IOCTypeIP:
		list = c.Indicators.IPs
	case IOCTypeHash:
		list = c.Indicators.Hashes
	default:
		return false
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// AlertKind distinguishes what produced an alert.
type AlertKind string

const (
	AlertKindHunting     AlertKind = "hunting"
	AlertKindCorrelation AlertKind = "correlation"
	AlertKindIOCMatch    AlertKind = "ioc_match"
)

// AlertStatus is the triage state of an alert.
type AlertStatus string

const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert is an append-only audit record. Alerts are never deleted; status
// changes only through acknowledge/resolve.
type Alert struct {
	ID            string      `json:"id"`
	Kind          AlertKind   `json:"kind"`
	Severity      int         `json:"severity"` // 1 - 10
	RuleID        string      `json:"rule_id,omitempty"`
	RelatedEntity string      `json:"related_entity"`
	Subject       string      `json:"subject,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Status        AlertStatus `json:"status"`
}

// Event is a normalized security event consumed by the hunting executor.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Type      string            `json:"type"`
	Subject   string            `json:"subject"` // asset, user or other correlation partition key
	Fields    map[string]string `json:"fields"`
}

// Field returns the named event field, falling back to intrinsic attributes.
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "source":
		return e.Source, true
	case "type":
		return e.Type, true
	case "subject":
		return e.Subject, true
	}
	v, ok := e.Fields[name]
	return v, ok
}

// HuntingRule is a declarative detection rule evaluated against live events.
type HuntingRule struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Pattern         Pattern  `json:"pattern" yaml:"pattern"`
	MITRETechniques []string `json:"mitre_techniques,omitempty" yaml:"mitre_techniques"`
	Severity        int      `json:"severity" yaml:"severity"`
	BaseConfidence  float64  `json:"base_confidence" yaml:"base_confidence"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`

	ExecutionCount int64   `json:"execution_count" yaml:"-"`
	TruePositives  int64   `json:"true_positives" yaml:"-"`
	FalsePositives int64   `json:"false_positives" yaml:"-"`
	Effectiveness  float64 `json:"effectiveness" yaml:"-"`
}

// ComputeEffectiveness applies the feedback invariant: TP/(TP+FP) once any
// outcome has been reported, otherwise the rule's base confidence.
func (r *HuntingRule) ComputeEffectiveness() float64 {
	total := r.TruePositives + r.FalsePositives
	if total == 0 {
		return r.BaseConfidence
	}
	return float64(r.TruePositives) / float64(total)
}

// Pattern is a declarative field/operator match. All conditions must hold.
type Pattern struct {
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Condition matches one event field against a value.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"` // equals, contains, prefix, suffix, regex, gt, lt, in
	Value string `json:"value" yaml:"value"`
}

// ActionKind names a response command dispatched on correlation triggers.
// Commands are published to the bus for external executors; the engine never
// performs them in-process.
type ActionKind string

const (
	ActionAlert       ActionKind = "alert"
	ActionIsolateHost ActionKind = "isolate_host"
	ActionBlockIP     ActionKind = "block_ip"
	ActionNotify      ActionKind = "notify"
)

// CorrelationCondition references a hunting rule and its trailing window
// relative to the chain's anchor event.
type CorrelationCondition struct {
	RuleRef string        `json:"rule_ref" yaml:"rule_ref"`
	Window  time.Duration `json:"window" yaml:"window"`
}

// CorrelationRule chains hunting-rule hits within time windows to detect
// multi-stage attack patterns.
type CorrelationRule struct {
	ID         string                 `json:"id" yaml:"id"`
	Name       string                 `json:"name" yaml:"name"`
	Conditions []CorrelationCondition `json:"conditions" yaml:"conditions"`
	Actions    []ActionKind           `json:"actions" yaml:"actions"`
	Severity   int                    `json:"severity" yaml:"severity"`
	Enabled    bool                   `json:"enabled" yaml:"enabled"`
}

// Command is a response action dispatched to the bus on correlation triggers.
type Command struct {
	ID        string     `json:"id"`
	Action    ActionKind `json:"action"`
	RuleID    string     `json:"rule_id"`
	Subject   string     `json:"subject"`
	Timestamp time.Time  `json:"timestamp"`
	Evidence  []string   `json:"evidence"` // alert IDs backing the trigger
}

// ClampConfidence bounds a confidence value to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ClampSeverity bounds a severity value to [1,10].
func ClampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}
