// Package mitre maps hunting rules onto the MITRE ATT&CK matrix and
// reports per-tactic detection coverage.
package mitre

import (
	"sort"
	"strings"
	"sync"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// Tactic is one column of the ATT&CK enterprise matrix.
type Tactic struct {
	ID        string `json:"id"`         // e.g. "TA0002"
	Name      string `json:"name"`       // e.g. "Execution"
	ShortName string `json:"short_name"` // e.g. "execution"
}

// Technique is an ATT&CK technique mapped to one or more tactics.
type Technique struct {
	ID      string   `json:"id"` // e.g. "T1059"
	Name    string   `json:"name"`
	Tactics []string `json:"tactics"` // tactic IDs
}

// TacticCoverage summarizes how many catalog techniques under one tactic
// are referenced by at least one enabled hunting rule.
type TacticCoverage struct {
	Tactic            Tactic   `json:"tactic"`
	TotalTechniques   int      `json:"total_techniques"`
	CoveredTechniques []string `json:"covered_techniques"`
	RuleCount         int      `json:"rule_count"`
	Coverage          float64  `json:"coverage"` // covered / total
}

// Framework holds the static tactic and technique catalog.
type Framework struct {
	mu         sync.RWMutex
	tactics    []Tactic
	techniques map[string]Technique
}

// NewFramework builds a framework seeded with the enterprise tactics and a
// catalog of commonly hunted techniques.
func NewFramework() *Framework {
	f := &Framework{techniques: make(map[string]Technique)}
	f.seedTactics()
	f.seedTechniques()
	return f
}

// Tactics returns the tactic list in matrix order.
func (f *Framework) Tactics() []Tactic {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Tactic, len(f.tactics))
	copy(out, f.tactics)
	return out
}

// Technique looks up a technique by ID. Sub-technique IDs such as
// "T1059.001" resolve to their parent technique.
func (f *Framework) Technique(id string) (Technique, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.techniques[normalizeID(id)]
	return t, ok
}

// AddTechnique registers or replaces a catalog entry.
func (f *Framework) AddTechnique(t Technique) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.techniques[normalizeID(t.ID)] = t
}

// Coverage computes per-tactic coverage from the technique annotations of
// enabled hunting rules. Unknown technique IDs are ignored.
func (f *Framework) Coverage(rules []intel.HuntingRule) []TacticCoverage {
	f.mu.RLock()
	defer f.mu.RUnlock()

	covered := make(map[string]map[string]struct{})
	ruleHits := make(map[string]map[string]struct{})

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		for _, raw := range rule.MITRETechniques {
			tech, ok := f.techniques[normalizeID(raw)]
			if !ok {
				continue
			}
			for _, tacticID := range tech.Tactics {
				if covered[tacticID] == nil {
					covered[tacticID] = make(map[string]struct{})
					ruleHits[tacticID] = make(map[string]struct{})
				}
				covered[tacticID][tech.ID] = struct{}{}
				ruleHits[tacticID][rule.ID] = struct{}{}
			}
		}
	}

	totals := make(map[string]int)
	for _, tech := range f.techniques {
		for _, tacticID := range tech.Tactics {
			totals[tacticID]++
		}
	}

	out := make([]TacticCoverage, 0, len(f.tactics))
	for _, tactic := range f.tactics {
		entry := TacticCoverage{Tactic: tactic, TotalTechniques: totals[tactic.ID]}
		for id := range covered[tactic.ID] {
			entry.CoveredTechniques = append(entry.CoveredTechniques, id)
		}
		sort.Strings(entry.CoveredTechniques)
		entry.RuleCount = len(ruleHits[tactic.ID])
		if entry.TotalTechniques > 0 {
			entry.Coverage = float64(len(entry.CoveredTechniques)) / float64(entry.TotalTechniques)
		}
		out = append(out, entry)
	}
	return out
}

func normalizeID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if i := strings.IndexByte(id, '.'); i > 0 {
		id = id[:i]
	}
	return id
}

func (f *Framework) seedTactics() {
	f.tactics = []Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}
}

func (f *Framework) seedTechniques() {
	seed := []Technique{
		{ID: "T1566", Name: "Phishing", Tactics: []string{"TA0001"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"TA0001"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"TA0001", "TA0003", "TA0004", "TA0005"}},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"TA0002"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"TA0002"}},
		{ID: "T1053", Name: "Scheduled Task/Job", Tactics: []string{"TA0002", "TA0003", "TA0004"}},
		{ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactics: []string{"TA0003", "TA0004"}},
		{ID: "T1543", Name: "Create or Modify System Process", Tactics: []string{"TA0003", "TA0004"}},
		{ID: "T1055", Name: "Process Injection", Tactics: []string{"TA0004", "TA0005"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"TA0004"}},
		{ID: "T1070", Name: "Indicator Removal", Tactics: []string{"TA0005"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"TA0005"}},
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"TA0006"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"TA0006"}},
		{ID: "T1555", Name: "Credentials from Password Stores", Tactics: []string{"TA0006"}},
		{ID: "T1046", Name: "Network Service Discovery", Tactics: []string{"TA0007"}},
		{ID: "T1057", Name: "Process Discovery", Tactics: []string{"TA0007"}},
		{ID: "T1021", Name: "Remote Services", Tactics: []string{"TA0008"}},
		{ID: "T1570", Name: "Lateral Tool Transfer", Tactics: []string{"TA0008"}},
		{ID: "T1560", Name: "Archive Collected Data", Tactics: []string{"TA0009"}},
		{ID: "T1114", Name: "Email Collection", Tactics: []string{"TA0009"}},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"TA0010"}},
		{ID: "T1048", Name: "Exfiltration Over Alternative Protocol", Tactics: []string{"TA0010"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"TA0011"}},
		{ID: "T1105", Name: "Ingress Tool Transfer", Tactics: []string{"TA0011"}},
		{ID: "T1568", Name: "Dynamic Resolution", Tactics: []string{"TA0011"}},
		{ID: "T1573", Name: "Encrypted Channel", Tactics: []string{"TA0011"}},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactics: []string{"TA0040"}},
		{ID: "T1489", Name: "Service Stop", Tactics: []string{"TA0040"}},
	}
	for _, t := range seed {
		f.techniques[t.ID] = t
	}
}
