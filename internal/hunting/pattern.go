// Package hunting evaluates declarative detection rules against a normalized
// event stream. Patterns are pure field/operator matches; rules never run
// arbitrary code.
package hunting

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// ErrRuleValidation indicates a rule definition that failed to compile. The
// rule is disabled, never scheduled, and the error is returned to the caller.
var ErrRuleValidation = errors.New("rule validation failed")

// matchFn evaluates one compiled condition against an event.
type matchFn func(e *intel.Event) bool

// compiledPattern is the executable form of a rule pattern. All conditions
// must match.
type compiledPattern struct {
	conditions []matchFn
}

func (p *compiledPattern) matches(e *intel.Event) bool {
	for _, cond := range p.conditions {
		if !cond(e) {
			return false
		}
	}
	return true
}

// compilePattern validates and compiles a declarative pattern.
func compilePattern(p intel.Pattern) (*compiledPattern, error) {
	if len(p.Conditions) == 0 {
		return nil, fmt.Errorf("%w: pattern has no conditions", ErrRuleValidation)
	}

	compiled := make([]matchFn, 0, len(p.Conditions))
	for i, c := range p.Conditions {
		if c.Field == "" {
			return nil, fmt.Errorf("%w: condition %d has no field", ErrRuleValidation, i)
		}
		fn, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("%w: condition %d (%s %s): %v", ErrRuleValidation, i, c.Field, c.Op, err)
		}
		compiled = append(compiled, fn)
	}
	return &compiledPattern{conditions: compiled}, nil
}

func compileCondition(c intel.Condition) (matchFn, error) {
	field := c.Field
	switch c.Op {
	case "equals":
		want := c.Value
		return fieldMatch(field, func(v string) bool { return v == want }), nil
	case "contains":
		want := c.Value
		return fieldMatch(field, func(v string) bool { return strings.Contains(v, want) }), nil
	case "prefix":
		want := c.Value
		return fieldMatch(field, func(v string) bool { return strings.HasPrefix(v, want) }), nil
	case "suffix":
		want := c.Value
		return fieldMatch(field, func(v string) bool { return strings.HasSuffix(v, want) }), nil
	case "regex":
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return nil, fmt.Errorf("bad regex: %v", err)
		}
		return fieldMatch(field, re.MatchString), nil
	case "gt", "lt":
		threshold, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("numeric comparison needs a numeric value, got %q", c.Value)
		}
		greater := c.Op == "gt"
		return fieldMatch(field, func(v string) bool {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return false
			}
			if greater {
				return n > threshold
			}
			return n < threshold
		}), nil
	case "in":
		parts := strings.Split(c.Value, ",")
		set := make(map[string]struct{}, len(parts))
		for _, p := range parts {
			set[strings.TrimSpace(p)] = struct{}{}
		}
		return fieldMatch(field, func(v string) bool {
			_, ok := set[v]
			return ok
		}), nil
	case "":
		return nil, fmt.Errorf("missing operator")
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Op)
	}
}

func fieldMatch(field string, pred func(string) bool) matchFn {
	return func(e *intel.Event) bool {
		v, ok := e.Field(field)
		return ok && pred(v)
	}
}
