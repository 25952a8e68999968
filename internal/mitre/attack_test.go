package mitre

import (
	"testing"

	"github.com/lvonguyen/intelforge/internal/intel"
)

func TestTechniqueLookupNormalizesSubTechniques(t *testing.T) {
	f := NewFramework()

	tech, ok := f.Technique("t1059.001")
	if !ok {
		t.Fatal("sub-technique should resolve to parent")
	}
	if tech.ID != "T1059" {
		t.Errorf("expected parent T1059, got %s", tech.ID)
	}

	if _, ok := f.Technique("T9999"); ok {
		t.Error("unknown technique should not resolve")
	}
}

func TestCoverageCountsEnabledRulesOnly(t *testing.T) {
	f := NewFramework()
	rules := []intel.HuntingRule{
		{ID: "r1", Enabled: true, MITRETechniques: []string{"T1059", "T1027"}},
		{ID: "r2", Enabled: true, MITRETechniques: []string{"T1059.003"}},
		{ID: "r3", Enabled: false, MITRETechniques: []string{"T1110"}},
		{ID: "r4", Enabled: true, MITRETechniques: []string{"T9999"}}, // unknown, ignored
	}

	byTactic := make(map[string]TacticCoverage)
	for _, entry := range f.Coverage(rules) {
		byTactic[entry.Tactic.ID] = entry
	}

	exec := byTactic["TA0002"]
	if len(exec.CoveredTechniques) != 1 || exec.CoveredTechniques[0] != "T1059" {
		t.Errorf("execution coverage wrong: %+v", exec.CoveredTechniques)
	}
	if exec.RuleCount != 2 {
		t.Errorf("expected 2 rules covering execution, got %d", exec.RuleCount)
	}
	if exec.Coverage <= 0 || exec.Coverage > 1 {
		t.Errorf("coverage ratio out of range: %f", exec.Coverage)
	}

	// Disabled rule must not count toward credential access.
	cred := byTactic["TA0006"]
	if len(cred.CoveredTechniques) != 0 {
		t.Errorf("disabled rule counted toward coverage: %+v", cred.CoveredTechniques)
	}
}

func TestCoverageIncludesEveryTactic(t *testing.T) {
	f := NewFramework()
	entries := f.Coverage(nil)
	if len(entries) != len(f.Tactics()) {
		t.Fatalf("expected %d tactics, got %d", len(f.Tactics()), len(entries))
	}
	for _, entry := range entries {
		if entry.TotalTechniques == 0 {
			t.Errorf("tactic %s has no catalog techniques", entry.Tactic.ID)
		}
		if entry.Coverage != 0 {
			t.Errorf("tactic %s should be uncovered with no rules", entry.Tactic.ID)
		}
	}
}
