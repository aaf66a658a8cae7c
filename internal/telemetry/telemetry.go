// Package telemetry defines the canonical security event shared by every
// stage of the detection pipeline. Provider-specific records are mapped onto
// Event by the normalization package; nothing downstream looks at raw
// provider fields except through Extra.
package telemetry

import (
	"time"
)

// Source identifies the cloud log source an event came from.
type Source string

const (
	SourceAWSCloudWatch Source = "aws-cloudwatch"
	SourceAzureMonitor  Source = "azure-monitor"
)

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourceAWSCloudWatch, SourceAzureMonitor:
		return true
	}
	return false
}

// EventType is the canonical activity category of an event.
type EventType string

const (
	EventTypeUnknown          EventType = "unknown"
	EventTypeLogin            EventType = "login"
	EventTypeLogout           EventType = "logout"
	EventTypeAPICall          EventType = "api_call"
	EventTypeResourceChange   EventType = "resource_change"
	EventTypePermissionChange EventType = "permission_change"
	EventTypeDataAccess       EventType = "data_access"
	EventTypeNetwork          EventType = "network"
	EventTypeSecurityAlert    EventType = "security_alert"
)

// eventTypeCodes gives each canonical type a stable numeric code. Codes are
// append-only; reordering changes feature semantics for trained models.
var eventTypeCodes = map[EventType]int{
	EventTypeUnknown:          0,
	EventTypeLogin:            1,
	EventTypeLogout:           2,
	EventTypeAPICall:          3,
	EventTypeResourceChange:   4,
	EventTypePermissionChange: 5,
	EventTypeDataAccess:       6,
	EventTypeNetwork:          7,
	EventTypeSecurityAlert:    8,
}

// Code returns the stable numeric code of the event type. Unrecognized
// values map to the unknown code.
func (t EventType) Code() int {
	return eventTypeCodes[t]
}

// MaxEventTypeCode is the highest code returned by EventType.Code.
func MaxEventTypeCode() int {
	highest := 0
	for _, c := range eventTypeCodes {
		if c > highest {
			highest = c
		}
	}
	return highest
}

// Outcome records whether the underlying action succeeded.
type Outcome string

const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is the canonical, source-independent form of a security log record.
// Timestamps are UTC. Events are treated as immutable once normalized;
// enrichment produces a modified copy.
type Event struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	Source           Source         `json:"source"`
	EventType        EventType      `json:"event_type"`
	ProviderEvent    string         `json:"provider_event,omitempty"` // original event/operation name
	SourceIP         string         `json:"source_ip,omitempty"`
	Principal        string         `json:"principal,omitempty"`
	Outcome          Outcome        `json:"outcome"`
	UserAgent        string         `json:"user_agent,omitempty"`
	IdentityVerified bool           `json:"identity_verified"`
	RawMessage       string         `json:"raw_message"`
	Enrichment       Enrichment     `json:"enrichment"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Enrichment holds context attached to an event after normalization.
type Enrichment struct {
	IPReputation   float64  `json:"ip_reputation,omitempty"` // 0 = malicious, 1 = trusted
	HasReputation  bool     `json:"has_reputation"`
	ReputationFrom string   `json:"reputation_from,omitempty"`
	ThreatTags     []string `json:"threat_tags,omitempty"`
}

// Succeeded reports whether the event is known to have succeeded.
func (e *Event) Succeeded() bool {
	return e.Outcome == OutcomeSuccess
}

// Failed reports whether the event is known to have failed.
func (e *Event) Failed() bool {
	return e.Outcome == OutcomeFailure
}

// WithEnrichment returns a shallow copy of the event carrying enr.
func (e *Event) WithEnrichment(enr Enrichment) *Event {
	cp := *e
	cp.Enrichment = enr
	return &cp
}
