package hunting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// rulesFile is the on-disk shape of a hunting rule set.
type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Pattern         intel.Pattern `yaml:"pattern"`
	MITRETechniques []string      `yaml:"mitre_techniques"`
	Severity        int           `yaml:"severity"`
	BaseConfidence  float64       `yaml:"base_confidence"`
	Enabled         *bool         `yaml:"enabled"`
}

func (s ruleSpec) toRule() intel.HuntingRule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return intel.HuntingRule{
		ID:              s.ID,
		Name:            s.Name,
		Pattern:         s.Pattern,
		MITRETechniques: s.MITRETechniques,
		Severity:        intel.ClampSeverity(s.Severity),
		BaseConfidence:  intel.ClampConfidence(s.BaseConfidence),
		Enabled:         enabled,
	}
}

// LoadRulesFile registers every rule in one YAML file. Rules that fail
// validation are registered disabled; their errors are joined and returned
// alongside the count of successfully enabled rules.
func (x *Executor) LoadRulesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	loaded := 0
	var errs []error
	for _, spec := range file.Rules {
		if err := x.RegisterRule(spec.toRule()); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", spec.ID, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// LoadRulesDir loads every .yaml/.yml file in a directory.
func (x *Executor) LoadRulesDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading rules dir: %w", err)
	}

	loaded := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		n, err := x.LoadRulesFile(filepath.Join(dir, entry.Name()))
		loaded += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return loaded, errors.Join(errs...)
}
