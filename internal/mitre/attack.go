// Package mitre maps cloud security events to MITRE ATT&CK techniques
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/features"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// AttackFramework holds the technique catalog and the event mapping rules
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	rules      []rule
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1110"
	Name    string   `json:"name"`    // e.g., "Brute Force"
	Tactics []string `json:"tactics"` // e.g., ["credential-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	URL       string `json:"url"`
}

// Mapping represents a technique attributed to an event
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// rule attributes a technique when match reports evidence
type rule struct {
	techniqueID string
	tacticID    string
	confidence  float64
	match       func(ev *telemetry.Event, v features.Vector) (string, bool)
}

// NewAttackFramework creates a framework with the built-in catalog
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	if logger == nil {
		logger = zap.NewNop()
	}
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger,
	}

	af.initializeCommonTechniques()
	af.initializeTactics()
	af.rules = defaultRules()

	return af
}

// MapEvent returns the techniques suggested by an event and its features,
// strongest first. Events with no matching rule yield an empty slice.
func (af *AttackFramework) MapEvent(ev *telemetry.Event, v features.Vector) []Mapping {
	mappings := make([]Mapping, 0)
	if ev == nil {
		return mappings
	}

	for _, r := range af.rules {
		evidence, ok := r.match(ev, v)
		if !ok {
			continue
		}
		tech, found := af.GetTechnique(r.techniqueID)
		if !found {
			af.logger.Debug("Rule references unknown technique",
				zap.String("technique", r.techniqueID),
			)
			continue
		}
		tactic, _ := af.GetTactic(r.tacticID)
		m := Mapping{
			TechniqueID:   tech.ID,
			TechniqueName: tech.Name,
			TacticID:      r.tacticID,
			Confidence:    r.confidence,
			Evidence:      evidence,
		}
		if tactic != nil {
			m.TacticName = tactic.Name
		}
		mappings = append(mappings, m)
	}

	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Confidence > mappings[j].Confidence
	})
	return mappings
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[strings.ToLower(id)]
	return t, ok
}

// GetTechniquesByTactic returns all techniques for a given tactic short name
func (af *AttackFramework) GetTechniquesByTactic(tactic string) []*Technique {
	af.mu.RLock()
	defer af.mu.RUnlock()

	result := make([]*Technique, 0)
	shortName := strings.ToLower(tactic)

	for _, t := range af.techniques {
		for _, tt := range t.Tactics {
			if tt == shortName {
				result = append(result, t)
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func hits(v features.Vector, name string) (int, bool) {
	n, ok := v.Get(name)
	return int(n), ok && n > 0
}

func patternRule(name, label string) func(*telemetry.Event, features.Vector) (string, bool) {
	return func(_ *telemetry.Event, v features.Vector) (string, bool) {
		n, ok := hits(v, name)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%d %s pattern hit(s) in message", n, label), true
	}
}

func defaultRules() []rule {
	return []rule{
		{"T1190", "TA0001", 0.8, patternRule(features.SQLInjection, "SQL injection")},
		{"T1189", "TA0001", 0.6, patternRule(features.XSS, "cross-site scripting")},
		{"T1083", "TA0007", 0.6, patternRule(features.PathTraversal, "path traversal")},
		{"T1059", "TA0002", 0.8, patternRule(features.CommandInjection, "command injection")},
		{"T1203", "TA0002", 0.7, patternRule(features.CodeExecution, "code execution")},
		{"T1059.001", "TA0002", 0.7, func(ev *telemetry.Event, _ features.Vector) (string, bool) {
			return "PowerShell invocation in message", strings.Contains(strings.ToLower(ev.RawMessage), "powershell")
		}},
		{"T1110", "TA0006", 0.6, func(ev *telemetry.Event, _ features.Vector) (string, bool) {
			if ev.EventType == telemetry.EventTypeLogin && ev.Failed() {
				return fmt.Sprintf("Failed login for %s", orUnknown(ev.Principal)), true
			}
			return "", false
		}},
		{"T1078", "TA0001", 0.5, func(ev *telemetry.Event, v features.Vector) (string, bool) {
			if ev.EventType == telemetry.EventTypeLogin && ev.Succeeded() && !ev.IdentityVerified &&
				v.Flag(features.IsPublicIP) && v.Flag(features.IsNight) {
				return fmt.Sprintf("Off-hours login without MFA from %s", ev.SourceIP), true
			}
			return "", false
		}},
		{"T1098", "TA0003", 0.6, func(ev *telemetry.Event, _ features.Vector) (string, bool) {
			if ev.EventType == telemetry.EventTypePermissionChange {
				return fmt.Sprintf("Permission change: %s", orUnknown(ev.ProviderEvent)), true
			}
			return "", false
		}},
		{"T1562.008", "TA0005", 0.9, func(ev *telemetry.Event, _ features.Vector) (string, bool) {
			switch ev.ProviderEvent {
			case "StopLogging", "DeleteTrail", "UpdateTrail", "DeleteFlowLogs", "DeleteDiagnosticSetting":
				return fmt.Sprintf("Audit logging change: %s", ev.ProviderEvent), true
			}
			return "", false
		}},
		{"T1530", "TA0009", 0.5, func(ev *telemetry.Event, _ features.Vector) (string, bool) {
			if ev.EventType == telemetry.EventTypeDataAccess {
				return fmt.Sprintf("Data access: %s", orUnknown(ev.ProviderEvent)), true
			}
			return "", false
		}},
		{"T1595", "TA0043", 0.6, func(ev *telemetry.Event, v features.Vector) (string, bool) {
			if v.Flag(features.IsSuspiciousAgent) {
				return fmt.Sprintf("Scanner user agent: %s", ev.UserAgent), true
			}
			return "", false
		}},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (af *AttackFramework) initializeCommonTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}},
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"execution"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence", "defense-evasion"}},
		{ID: "T1083", Name: "File and Directory Discovery", Tactics: []string{"discovery"}},
		{ID: "T1098", Name: "Account Manipulation", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1189", Name: "Drive-by Compromise", Tactics: []string{"initial-access"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"initial-access"}},
		{ID: "T1203", Name: "Exploitation for Client Execution", Tactics: []string{"execution"}},
		{ID: "T1530", Name: "Data from Cloud Storage", Tactics: []string{"collection"}},
		{ID: "T1562", Name: "Impair Defenses", Tactics: []string{"defense-evasion"}},
		{ID: "T1562.008", Name: "Disable or Modify Cloud Logs", Tactics: []string{"defense-evasion"}},
		{ID: "T1595", Name: "Active Scanning", Tactics: []string{"reconnaissance"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[strings.ToLower(t.ID)] = t
	}
}
