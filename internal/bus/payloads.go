package bus

import (
	"time"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// IndicatorNew is published on TopicIndicatorNew when a sighting creates a
// previously unknown indicator.
type IndicatorNew struct {
	ID     string        `json:"id"`
	Type   intel.IOCType `json:"type"`
	Value  string        `json:"value"`
	Source intel.FeedID  `json:"source"`
	Tags   []string      `json:"tags,omitempty"`
}

// FeedStatusChange is published on TopicFeedStatusChanged on any feed status
// transition.
type FeedStatusChange struct {
	FeedID intel.FeedID     `json:"feed_id"`
	Old    intel.FeedStatus `json:"old"`
	New    intel.FeedStatus `json:"new"`
	Reason string           `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}

// AlertStatusChange is published on TopicAlertStatusChanged when an analyst
// acknowledges or resolves an alert.
type AlertStatusChange struct {
	AlertID string            `json:"alert_id"`
	Status  intel.AlertStatus `json:"status"`
	At      time.Time         `json:"at"`
}

// CorrelationTrigger is published on TopicCorrelationTrigger when a
// correlation rule's full chain completes.
type CorrelationTrigger struct {
	RuleID   string          `json:"rule_id"`
	Subject  string          `json:"subject"`
	AlertID  string          `json:"alert_id"`
	Evidence []string        `json:"evidence"`
	Commands []intel.Command `json:"commands,omitempty"`
	At       time.Time       `json:"at"`
}
