package normalization

import (
	"encoding/json"
	"net"
	"regexp"
	"strings"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

// CloudWatch Logs FilterLogEvents fields.
var cloudWatchConsumed = keySet("timestamp", "message", "eventId", "logStreamName", "ingestionTime")

// CloudTrail record fields lifted out of a JSON message body.
var cloudTrailConsumed = keySet(
	"eventTime", "eventName", "sourceIPAddress", "userAgent", "userIdentity",
	"errorCode", "errorMessage", "responseElements", "additionalEventData",
	"detail-type",
)

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

func normalizeCloudWatch(raw *ingestion.RawEvent) (*telemetry.Event, error) {
	data := raw.Data

	message, parsed := cloudWatchMessage(data["message"])
	if strings.TrimSpace(message) == "" {
		return nil, malformed(raw, "message", "missing or empty")
	}

	ts, ok := parseTimestamp(data["timestamp"])
	if !ok && parsed != nil {
		ts, ok = parseTimestamp(parsed["eventTime"])
	}
	if !ok {
		return nil, malformed(raw, "timestamp", "missing or unparseable")
	}

	event := &telemetry.Event{
		ID:         stringField(data, "eventId"),
		Timestamp:  ts,
		RawMessage: message,
		Extra:      make(map[string]any),
	}
	if stream := stringField(data, "logStreamName"); stream != "" {
		event.Extra["log_stream"] = stream
	}
	collectExtras(event.Extra, data, cloudWatchConsumed)

	if parsed != nil {
		applyCloudTrail(event, parsed)
		collectExtras(event.Extra, parsed, cloudTrailConsumed)
	} else {
		applyPlainText(event, message)
	}
	if len(event.Extra) == 0 {
		event.Extra = nil
	}
	return event, nil
}

// cloudWatchMessage returns the message text and, when the text is a JSON
// object, its decoded form.
func cloudWatchMessage(v any) (string, map[string]any) {
	switch m := v.(type) {
	case string:
		trimmed := strings.TrimSpace(m)
		if strings.HasPrefix(trimmed, "{") {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return m, parsed
			}
		}
		return m, nil
	case map[string]any:
		encoded, err := json.Marshal(m)
		if err != nil {
			return "", nil
		}
		return string(encoded), m
	}
	return "", nil
}

func applyCloudTrail(event *telemetry.Event, rec map[string]any) {
	name := stringField(rec, "eventName")
	event.ProviderEvent = name
	event.EventType = awsEventType(name)
	if stringField(rec, "detail-type") == "GuardDuty Finding" {
		event.ProviderEvent = "GuardDuty Finding"
		event.EventType = telemetry.EventTypeSecurityAlert
	}

	event.SourceIP = stringField(rec, "sourceIPAddress")
	event.UserAgent = stringField(rec, "userAgent")

	if identity := mapField(rec, "userIdentity"); identity != nil {
		event.Principal = firstString(identity, "arn", "userName", "principalId")
		if session := mapField(identity, "sessionContext"); session != nil {
			if attrs := mapField(session, "attributes"); attrs != nil {
				if strings.EqualFold(stringField(attrs, "mfaAuthenticated"), "true") {
					event.IdentityVerified = true
				}
			}
		}
	}
	if extra := mapField(rec, "additionalEventData"); extra != nil {
		if strings.EqualFold(stringField(extra, "MFAUsed"), "yes") {
			event.IdentityVerified = true
		}
	}

	consoleLogin := stringField(mapField(rec, "responseElements"), "ConsoleLogin")
	switch {
	case stringField(rec, "errorCode") != "":
		event.Outcome = telemetry.OutcomeFailure
		event.Extra["error_code"] = stringField(rec, "errorCode")
		if msg := stringField(rec, "errorMessage"); msg != "" {
			event.Extra["error_message"] = msg
		}
	case consoleLogin != "":
		if strings.EqualFold(consoleLogin, "success") {
			event.Outcome = telemetry.OutcomeSuccess
		} else {
			event.Outcome = telemetry.OutcomeFailure
		}
	case name != "":
		// CloudTrail only records errorCode on failed calls.
		event.Outcome = telemetry.OutcomeSuccess
	}
}

// applyPlainText derives what it can from an unstructured log line.
func applyPlainText(event *telemetry.Event, message string) {
	if m := ipv4Pattern.FindString(message); net.ParseIP(m) != nil {
		event.SourceIP = m
	}
	event.EventType = keywordEventType(message)
	event.Outcome = keywordOutcome(message)
}
