package normalization

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

// Log Analytics columns mapped onto canonical fields.
var azureConsumed = keySet(
	"TimeGenerated", "EventID", "Activity", "OperationName", "ResultType",
	"ActivityStatusValue", "IPAddress", "CallerIpAddress", "Identity", "Caller",
	"UserPrincipalName", "Category", "UserAgent", "AuthenticationRequirement",
	"AlertName",
)

func normalizeAzureMonitor(raw *ingestion.RawEvent) (*telemetry.Event, error) {
	row := raw.Data

	ts, ok := parseTimestamp(row["TimeGenerated"])
	if !ok {
		return nil, malformed(raw, "TimeGenerated", "missing or unparseable")
	}

	// Log Analytics rows carry no single message column; the sorted JSON
	// encoding of the whole row stands in for it.
	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, malformed(raw, "message", err.Error())
	}

	operation := firstString(row, "Activity", "OperationName")
	category := stringField(row, "Category")

	event := &telemetry.Event{
		ID:            stringField(row, "EventID"),
		Timestamp:     ts,
		ProviderEvent: operation,
		EventType:     azureEventType(operation, category, stringField(row, "AlertName")),
		SourceIP:      firstString(row, "IPAddress", "CallerIpAddress"),
		Principal:     firstString(row, "UserPrincipalName", "Identity", "Caller"),
		UserAgent:     stringField(row, "UserAgent"),
		Outcome:       azureOutcome(firstString(row, "ResultType", "ActivityStatusValue")),
		RawMessage:    string(encoded),
		Extra:         make(map[string]any),
	}
	if strings.Contains(strings.ToLower(stringField(row, "AuthenticationRequirement")), "multifactor") {
		event.IdentityVerified = true
	}
	if category != "" {
		event.Extra["category"] = category
	}
	collectExtras(event.Extra, row, azureConsumed)
	return event, nil
}

// azureOutcome interprets ResultType. Sign-in logs use "0" for success and
// numeric AADSTS codes for failures; activity logs use status words.
func azureOutcome(result string) telemetry.Outcome {
	lower := strings.ToLower(strings.TrimSpace(result))
	switch {
	case lower == "":
		return telemetry.OutcomeUnknown
	case lower == "0", strings.HasPrefix(lower, "succe"), lower == "accepted":
		return telemetry.OutcomeSuccess
	case strings.Contains(lower, "fail"), lower == "denied", lower == "forbidden":
		return telemetry.OutcomeFailure
	}
	if code, err := strconv.Atoi(lower); err == nil && code != 0 {
		return telemetry.OutcomeFailure
	}
	return telemetry.OutcomeUnknown
}
