package distribution

import (
	"fmt"
	"sort"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
)

// Well-known channel names used by the default routing table.
const (
	ChannelDashboard = "dashboard"
	ChannelLogSink   = "logsink"
	ChannelChat      = "chat"
	ChannelEmail     = "email"
	ChannelSplunk    = "splunk"
	ChannelNATS      = "nats"
)

// RoutingTable maps a channel name to the severities it accepts.
type RoutingTable map[string][]alerting.Severity

// DefaultRoutes returns the built-in routing table.
func DefaultRoutes() RoutingTable {
	return RoutingTable{
		ChannelDashboard: everySeverity(),
		ChannelLogSink:   everySeverity(),
		ChannelChat:      {alerting.SeverityHigh, alerting.SeverityCritical},
		ChannelEmail:     {alerting.SeverityCritical},
		ChannelSplunk:    everySeverity(),
		ChannelNATS:      everySeverity(),
	}
}

func everySeverity() []alerting.Severity {
	return append([]alerting.Severity(nil), alerting.AllSeverities...)
}

// ParseRoutes builds a routing table from severity names, as found in the
// configuration file. Entries override the defaults channel by channel.
func ParseRoutes(raw map[string][]string) (RoutingTable, error) {
	table := DefaultRoutes()
	for channel, names := range raw {
		sevs := make([]alerting.Severity, 0, len(names))
		for _, name := range names {
			sev, err := alerting.ParseSeverity(name)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", channel, err)
			}
			sevs = append(sevs, sev)
		}
		table[channel] = sevs
	}
	return table, nil
}

// Routed reports whether the channel has an entry in the table.
func (t RoutingTable) Routed(channel string) bool {
	_, ok := t[channel]
	return ok
}

// Accepts reports whether channel takes alerts of severity sev.
func (t RoutingTable) Accepts(channel string, sev alerting.Severity) bool {
	for _, s := range t[channel] {
		if s == sev {
			return true
		}
	}
	return false
}

// Targets returns the channels accepting sev, sorted by name.
func (t RoutingTable) Targets(sev alerting.Severity) []string {
	var out []string
	for channel := range t {
		if t.Accepts(channel, sev) {
			out = append(out, channel)
		}
	}
	sort.Strings(out)
	return out
}
