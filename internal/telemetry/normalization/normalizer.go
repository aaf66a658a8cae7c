// Package normalization maps provider-specific cloud log records onto the
// canonical telemetry.Event.
package normalization

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

// MalformedEventError reports a raw record from which a required canonical
// field could not be derived.
type MalformedEventError struct {
	EventID string
	Source  string
	Field   string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event %s: %s: %s", e.Source, e.EventID, e.Field, e.Reason)
}

func malformed(raw *ingestion.RawEvent, field, reason string) error {
	return &MalformedEventError{
		EventID: raw.ID,
		Source:  string(raw.Source),
		Field:   field,
		Reason:  reason,
	}
}

// providerFunc converts one provider's record layout.
type providerFunc func(raw *ingestion.RawEvent) (*telemetry.Event, error)

// Normalizer converts raw records using a dispatch table keyed by source.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	providers map[telemetry.Source]providerFunc
}

// NewNormalizer creates a normalizer for every supported source.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		providers: map[telemetry.Source]providerFunc{
			telemetry.SourceAWSCloudWatch: normalizeCloudWatch,
			telemetry.SourceAzureMonitor:  normalizeAzureMonitor,
		},
	}
}

// Sources lists the source tags the normalizer understands, sorted.
func (n *Normalizer) Sources() []telemetry.Source {
	sources := make([]telemetry.Source, 0, len(n.providers))
	for s := range n.providers {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// Normalize converts a raw record to a canonical event. It fails with
// *MalformedEventError when the source, timestamp or raw message cannot be
// derived. The raw record is not modified.
func (n *Normalizer) Normalize(raw *ingestion.RawEvent) (*telemetry.Event, error) {
	if raw == nil {
		return nil, &MalformedEventError{Field: "event", Reason: "nil record"}
	}
	convert, ok := n.providers[raw.Source]
	if !ok {
		return nil, malformed(raw, "source", fmt.Sprintf("unsupported source %q", raw.Source))
	}
	if len(raw.Data) == 0 {
		return nil, malformed(raw, "data", "empty record")
	}

	event, err := convert(raw)
	if err != nil {
		return nil, err
	}
	if event.ID == "" {
		event.ID = raw.ID
	}
	if event.EventType == "" {
		event.EventType = telemetry.EventTypeUnknown
	}
	if event.Outcome == "" {
		event.Outcome = telemetry.OutcomeUnknown
	}
	event.Source = raw.Source
	event.Timestamp = event.Timestamp.UTC()
	event.SourceIP = cleanIP(event.SourceIP)
	return event, nil
}

// Field helpers shared by the provider converters.

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// epochMillis interprets numeric and numeric-string values as milliseconds
// since the Unix epoch.
func epochMillis(v any) (time.Time, bool) {
	var ms int64
	switch t := v.(type) {
	case float64:
		ms = int64(t)
	case int64:
		ms = t
	case int:
		ms = int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		ms = n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		ms = n
	default:
		return time.Time{}, false
	}
	if ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		return epochMillis(s)
	default:
		return epochMillis(v)
	}
}

// cleanIP returns the canonical text form of an address, dropping ports and
// placeholder values. Unparseable input is kept verbatim.
func cleanIP(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "unknown", "-", "n/a":
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

// collectExtras copies every key of src not listed in consumed into dst
// without overwriting existing keys.
func collectExtras(dst, src map[string]any, consumed map[string]bool) {
	for k, v := range src {
		if consumed[k] {
			continue
		}
		if _, exists := dst[k]; exists {
			continue
		}
		dst[k] = v
	}
}

func keySet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
