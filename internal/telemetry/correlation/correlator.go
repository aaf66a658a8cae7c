// Package correlation groups alerts that share an entity into attack chains.
package correlation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
)

// EventChain is a time-ordered run of distinct alerts tied to one entity.
type EventChain struct {
	ID         string            `json:"id"`
	Entity     string            `json:"entity"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Alerts     []alerting.Alert  `json:"alerts"`
	Severity   alerting.Severity `json:"severity"`
	RiskScore  float64           `json:"risk_score"`
	Summary    string            `json:"summary"`
	MITREChain []string          `json:"mitre_chain"`
}

// Config holds configuration for the correlator.
type Config struct {
	Window            time.Duration `yaml:"window"`
	MinAlertsForChain int           `yaml:"min_alerts_for_chain"`
	RiskThreshold     float64       `yaml:"risk_threshold"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:            time.Hour,
		MinAlertsForChain: 2,
		RiskThreshold:     0.5,
	}
}

// Correlator correlates related alerts into attack chains.
type Correlator struct {
	config Config
}

// NewCorrelator creates a new correlator.
func NewCorrelator(cfg Config) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MinAlertsForChain < 2 {
		cfg.MinAlertsForChain = 2
	}
	return &Correlator{config: cfg}
}

// Correlate returns chains ordered by descending risk. An alert joins the
// chain of its principal when it has one, else of its source IP.
func (c *Correlator) Correlate(alerts []alerting.Alert) []*EventChain {
	if len(alerts) < c.config.MinAlertsForChain {
		return nil
	}

	var chains []*EventChain
	for entity, group := range c.groupByEntity(alerts) {
		sort.Slice(group, func(i, j int) bool { return group[i].FirstSeen.Before(group[j].FirstSeen) })
		for _, run := range c.splitByWindow(group) {
			chain := c.buildChain(entity, run)
			if chain != nil && chain.RiskScore >= c.config.RiskThreshold {
				chains = append(chains, chain)
			}
		}
	}

	sort.Slice(chains, func(i, j int) bool {
		if chains[i].RiskScore != chains[j].RiskScore {
			return chains[i].RiskScore > chains[j].RiskScore
		}
		return chains[i].ID < chains[j].ID
	})
	return chains
}

func (c *Correlator) groupByEntity(alerts []alerting.Alert) map[string][]alerting.Alert {
	byEntity := make(map[string][]alerting.Alert)
	for _, a := range alerts {
		if entity := extractEntity(a); entity != "" {
			byEntity[entity] = append(byEntity[entity], a)
		}
	}
	return byEntity
}

func extractEntity(a alerting.Alert) string {
	if a.Principal != "" {
		return "principal:" + a.Principal
	}
	if a.SourceIP != "" {
		return "ip:" + a.SourceIP
	}
	return ""
}

// splitByWindow cuts a sorted group wherever the gap between one alert's
// last sighting and the next alert's first sighting exceeds the window.
func (c *Correlator) splitByWindow(group []alerting.Alert) [][]alerting.Alert {
	var runs [][]alerting.Alert
	start := 0
	end := group[0].LastSeen
	for i := 1; i < len(group); i++ {
		if group[i].FirstSeen.Sub(end) > c.config.Window {
			runs = append(runs, group[start:i])
			start = i
		}
		if group[i].LastSeen.After(end) {
			end = group[i].LastSeen
		}
	}
	return append(runs, group[start:])
}

func (c *Correlator) buildChain(entity string, alerts []alerting.Alert) *EventChain {
	if len(alerts) < c.config.MinAlertsForChain {
		return nil
	}

	chain := &EventChain{
		ID:        fmt.Sprintf("%s@%d", entity, alerts[0].FirstSeen.Unix()),
		Entity:    entity,
		Alerts:    alerts,
		StartTime: alerts[0].FirstSeen,
	}

	var total float64
	seen := make(map[string]bool)
	for _, a := range alerts {
		if a.LastSeen.After(chain.EndTime) {
			chain.EndTime = a.LastSeen
		}
		if a.Severity > chain.Severity {
			chain.Severity = a.Severity
		}
		total += a.Result.Probability
		for _, m := range a.Techniques {
			if m.TacticName != "" && !seen[m.TacticName] {
				seen[m.TacticName] = true
				chain.MITREChain = append(chain.MITREChain, m.TacticName)
			}
		}
	}

	// Mean probability, lifted by tactic breadth and capped at 1.
	chain.RiskScore = total / float64(len(alerts)) * (1 + 0.1*float64(len(chain.MITREChain)))
	if chain.RiskScore > 1 {
		chain.RiskScore = 1
	}
	chain.Summary = summarize(entity, alerts, chain.MITREChain)
	return chain
}

func summarize(entity string, alerts []alerting.Alert, tactics []string) string {
	types := make(map[string]bool)
	for _, a := range alerts {
		types[string(a.EventType)] = true
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)

	s := fmt.Sprintf("%d alerts for %s (%s)", len(alerts), entity, strings.Join(names, ", "))
	if len(tactics) > 0 {
		s += " spanning " + strings.Join(tactics, " -> ")
	}
	return s
}
