package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/mitre"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// State is the lifecycle position of an alert.
type State string

const (
	StateNew          State = "new"
	StateOpen         State = "open"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
)

// Active reports whether the alert still receives notifications.
func (s State) Active() bool {
	return s == StateNew || s == StateOpen
}

// Alert is one deduplicated detection. Consumers always receive copies;
// only the Engine mutates the stored instance.
type Alert struct {
	ID          string              `json:"id"`
	Fingerprint string              `json:"fingerprint"`
	Severity    Severity            `json:"severity"`
	State       State               `json:"state"`
	Source      telemetry.Source    `json:"source"`
	EventType   telemetry.EventType `json:"event_type"`
	Principal   string              `json:"principal,omitempty"`
	SourceIP    string              `json:"source_ip,omitempty"`
	FirstSeen   time.Time           `json:"first_seen"`
	LastSeen    time.Time           `json:"last_seen"`
	Occurrences int                 `json:"occurrences"`
	Result      classifier.Result   `json:"result"`
	Event       *telemetry.Event    `json:"event,omitempty"`
	Description string              `json:"description"`
	Techniques  []mitre.Mapping     `json:"techniques,omitempty"`
	Actions     []string            `json:"recommendations,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
	AckedAt     *time.Time          `json:"acknowledged_at,omitempty"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
	Labels      map[string]string   `json:"labels,omitempty"`
}

// Clone returns a deep copy of the mutable parts of a. The triggering
// event is shared; events are never modified after normalization.
func (a *Alert) Clone() Alert {
	c := *a
	c.Techniques = append([]mitre.Mapping(nil), a.Techniques...)
	c.Actions = append([]string(nil), a.Actions...)
	if a.AckedAt != nil {
		t := *a.AckedAt
		c.AckedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.Labels != nil {
		c.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// Fingerprint identifies the condition behind an event: the same source,
// event type, principal and source IP map to the same alert.
func Fingerprint(ev *telemetry.Event) string {
	parts := []string{
		string(ev.Source),
		string(ev.EventType),
		strings.ToLower(ev.Principal),
		ev.SourceIP,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func describe(ev *telemetry.Event, res classifier.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Potential security threat detected from %s with %.1f%% confidence.",
		ev.Source, res.Confidence*100)
	if ev.ProviderEvent != "" {
		fmt.Fprintf(&b, " Activity: %s.", ev.ProviderEvent)
	} else if ev.EventType != "" && ev.EventType != telemetry.EventTypeUnknown {
		fmt.Fprintf(&b, " Activity: %s.", ev.EventType)
	}
	if ev.Principal != "" {
		fmt.Fprintf(&b, " Principal: %s.", ev.Principal)
	}
	if ev.SourceIP != "" {
		fmt.Fprintf(&b, " Source IP: %s.", ev.SourceIP)
	}
	return b.String()
}

var recommendations = map[Severity][]string{
	SeverityCritical: {
		"Immediately investigate this event",
		"Review all recent activities from this source",
		"Consider blocking the source IP address",
		"Check for any successful unauthorized access",
	},
	SeverityHigh: {
		"Immediately investigate this event",
		"Review all recent activities from this source",
		"Consider blocking the source IP address",
		"Check for any successful unauthorized access",
	},
	SeverityMedium: {
		"Review this event during next security review",
		"Monitor the source for additional suspicious activity",
		"Verify user identity if applicable",
	},
	SeverityLow: {
		"Log for future analysis",
		"Monitor for pattern escalation",
	},
}

// Recommendations returns the response steps for a severity.
func Recommendations(sev Severity) []string {
	return append([]string(nil), recommendations[sev]...)
}
