package correlation

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/intelforge/internal/intel"
)

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Conditions []condSpec `yaml:"conditions"`
	Actions    []string   `yaml:"actions"`
	Severity   int        `yaml:"severity"`
	Enabled    *bool      `yaml:"enabled"`
}

type condSpec struct {
	RuleRef string `yaml:"rule_ref"`
	Window  string `yaml:"window"`
}

func (s ruleSpec) toRule() (intel.CorrelationRule, error) {
	conditions := make([]intel.CorrelationCondition, 0, len(s.Conditions))
	for i, c := range s.Conditions {
		var window time.Duration
		if c.Window != "" {
			var err error
			window, err = time.ParseDuration(c.Window)
			if err != nil {
				return intel.CorrelationRule{}, fmt.Errorf("%w: rule %s condition %d: bad window %q",
					ErrRuleValidation, s.ID, i, c.Window)
			}
		}
		conditions = append(conditions, intel.CorrelationCondition{
			RuleRef: c.RuleRef,
			Window:  window,
		})
	}

	actions := make([]intel.ActionKind, 0, len(s.Actions))
	for _, a := range s.Actions {
		actions = append(actions, intel.ActionKind(a))
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return intel.CorrelationRule{
		ID:         s.ID,
		Name:       s.Name,
		Conditions: conditions,
		Actions:    actions,
		Severity:   intel.ClampSeverity(s.Severity),
		Enabled:    enabled,
	}, nil
}

// LoadRulesFile registers every rule in a YAML file. Validation failures
// are joined and returned with the count of rules successfully enabled.
func (e *Engine) LoadRulesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading correlation rules: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parsing correlation rules %s: %w", path, err)
	}

	loaded := 0
	var errs []error
	for _, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.RegisterRule(rule); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}
