package mitre

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/cloudsentry/internal/features"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

func techniqueIDs(mappings []Mapping) []string {
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.TechniqueID)
	}
	return ids
}

func TestMapEvent_InjectionAndBruteForce(t *testing.T) {
	af := NewAttackFramework(zaptest.NewLogger(t))
	x := features.NewExtractor()

	ev := &telemetry.Event{
		Timestamp:  time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC),
		EventType:  telemetry.EventTypeLogin,
		Outcome:    telemetry.OutcomeFailure,
		SourceIP:   "8.8.8.8",
		Principal:  "admin",
		RawMessage: "password=' OR '1'='1",
	}
	mappings := af.MapEvent(ev, x.Extract(ev))

	ids := techniqueIDs(mappings)
	assert.Contains(t, ids, "T1190")
	assert.Contains(t, ids, "T1110")
	assert.Equal(t, "T1190", mappings[0].TechniqueID, "strongest mapping first")
	assert.Equal(t, "Initial Access", mappings[0].TacticName)
	assert.Contains(t, mappings[0].Evidence, "SQL injection")
}

func TestMapEvent_CloudContext(t *testing.T) {
	af := NewAttackFramework(nil)
	x := features.NewExtractor()

	tests := []struct {
		name string
		ev   *telemetry.Event
		want string
	}{
		{"trail stopped", &telemetry.Event{EventType: telemetry.EventTypeResourceChange, ProviderEvent: "StopLogging"}, "T1562.008"},
		{"policy attached", &telemetry.Event{EventType: telemetry.EventTypePermissionChange, ProviderEvent: "AttachUserPolicy"}, "T1098"},
		{"bucket read", &telemetry.Event{EventType: telemetry.EventTypeDataAccess, ProviderEvent: "GetObject"}, "T1530"},
		{"scanner", &telemetry.Event{UserAgent: "nikto/2.5"}, "T1595"},
		{"powershell", &telemetry.Event{RawMessage: "powershell -enc AAAA"}, "T1059.001"},
		{"night login without mfa", &telemetry.Event{
			Timestamp: time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC),
			EventType: telemetry.EventTypeLogin,
			Outcome:   telemetry.OutcomeSuccess,
			SourceIP:  "203.0.113.10",
		}, "T1078"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, techniqueIDs(af.MapEvent(tt.ev, x.Extract(tt.ev))), tt.want)
		})
	}
}

func TestMapEvent_Benign(t *testing.T) {
	af := NewAttackFramework(nil)
	ev := &telemetry.Event{EventType: telemetry.EventTypeAPICall, Outcome: telemetry.OutcomeSuccess, RawMessage: "DescribeInstances"}
	assert.Empty(t, af.MapEvent(ev, features.NewExtractor().Extract(ev)))
	assert.Empty(t, af.MapEvent(nil, features.Vector{}))
}

func TestCatalogLookups(t *testing.T) {
	af := NewAttackFramework(nil)

	tech, ok := af.GetTechnique("t1110")
	require.True(t, ok)
	assert.Equal(t, "Brute Force", tech.Name)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1110/", tech.URL)

	sub, ok := af.GetTechnique("T1562.008")
	require.True(t, ok)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1562/008/", sub.URL)

	byID, ok := af.GetTactic("TA0006")
	require.True(t, ok)
	byName, ok := af.GetTactic("credential-access")
	require.True(t, ok)
	assert.Same(t, byID, byName)

	initial := techniqueIDsFromCatalog(af.GetTechniquesByTactic("initial-access"))
	assert.Equal(t, []string{"T1078", "T1189", "T1190"}, initial)
}

func techniqueIDsFromCatalog(ts []*Technique) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}

func TestRules_ReferenceKnownCatalogEntries(t *testing.T) {
	af := NewAttackFramework(nil)
	for _, r := range af.rules {
		_, ok := af.GetTechnique(r.techniqueID)
		assert.True(t, ok, "unknown technique %s", r.techniqueID)
		_, ok = af.GetTactic(r.tacticID)
		assert.True(t, ok, "unknown tactic %s", r.tacticID)
	}
}
