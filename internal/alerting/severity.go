// Package alerting turns classifications into deduplicated, lifecycle
// tracked alerts.
package alerting

import (
	"fmt"
	"strings"
)

// Severity is an ordered alert tier. The zero value is unknown and sorts
// below every real tier.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityUnknown:  "unknown",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// AllSeverities lists real tiers in ascending order.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity accepts tier names case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if sev != SeverityUnknown && name == want {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Thresholds is the probability to severity table. Confidence acts only
// as a secondary filter on the two top tiers.
type Thresholds struct {
	Critical      float64 `yaml:"critical"`
	High          float64 `yaml:"high"`
	Medium        float64 `yaml:"medium"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// DefaultThresholds returns the standard tiering.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical:      0.95,
		High:          0.85,
		Medium:        0.65,
		MinConfidence: 0.5,
	}
}

// Validate checks the table is ordered and within [0,1].
func (t Thresholds) Validate() error {
	if t.Medium <= 0 || t.Critical > 1 {
		return fmt.Errorf("thresholds must lie in (0,1]")
	}
	if !(t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("thresholds must satisfy medium < high < critical")
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must lie in [0,1]")
	}
	return nil
}

// Tier maps a probability alone to a severity.
func (t Thresholds) Tier(probability float64) Severity {
	switch {
	case probability >= t.Critical:
		return SeverityCritical
	case probability >= t.High:
		return SeverityHigh
	case probability >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Severity applies the confidence filter: CRITICAL and HIGH tiers below
// MinConfidence are demoted to MEDIUM.
func (t Thresholds) Severity(probability, confidence float64) Severity {
	sev := t.Tier(probability)
	if sev >= SeverityHigh && confidence < t.MinConfidence {
		return SeverityMedium
	}
	return sev
}
