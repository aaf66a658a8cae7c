package features

import (
	"math"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

const hashModulus = 1000000

// Reputation defaults when no enrichment is attached.
const (
	neutralReputation = 0.5
	privateReputation = 0.9
)

// IP classes.
const (
	ipUnknown = iota
	ipLoopback
	ipPrivate
	ipPublic
	ipSpecial
)

// User agent categories.
const (
	agentAbsent = iota
	agentBrowser
	agentAutomation
	agentSuspicious
	agentOther
)

// Extractor computes DefaultSchema vectors. It is immutable after
// construction and safe for concurrent use.
type Extractor struct {
	schema   Schema
	patterns []patternFamily
	index    map[string]int
}

// NewExtractor creates an extractor with the built-in pattern sets.
func NewExtractor() *Extractor {
	idx := make(map[string]int, len(DefaultSchema))
	for i, f := range DefaultSchema {
		idx[f.Name] = i
	}
	return &Extractor{
		schema:   DefaultSchema,
		patterns: defaultPatterns(),
		index:    idx,
	}
}

// Schema returns the layout of produced vectors.
func (x *Extractor) Schema() Schema { return x.schema }

// Extract computes the feature vector for ev. It never fails: missing
// attributes take their documented defaults. The result depends only on ev.
func (x *Extractor) Extract(ev *telemetry.Event) Vector {
	if ev == nil {
		ev = &telemetry.Event{}
	}
	values := make([]float64, len(x.schema))
	set := func(name string, v float64) { values[x.index[name]] = v }

	// Temporal
	ts := ev.Timestamp.UTC()
	hour := ts.Hour()
	dow := (int(ts.Weekday()) + 6) % 7 // Monday = 0
	set(Hour, float64(hour))
	set(DayOfWeek, float64(dow))
	set(IsWeekend, boolToFloat(dow >= 5))
	set(IsBusinessHours, boolToFloat(hour >= 9 && hour <= 17))
	set(IsNight, boolToFloat(hour < 6 || hour > 22))

	// Network
	class := classifyIP(ev.SourceIP)
	set(IPClass, float64(class))
	set(IsPrivateIP, boolToFloat(class == ipPrivate))
	set(IsPublicIP, boolToFloat(class == ipPublic))
	set(IPReputation, reputation(ev, class))
	set(IPAddressHash, stableHash(ev.SourceIP))

	agent := classifyAgent(ev.UserAgent)
	set(UserAgentCategory, float64(agent))
	set(IsSuspiciousAgent, boolToFloat(agent == agentSuspicious))
	set(UserAgentLength, float64(utf8.RuneCountInString(ev.UserAgent)))

	// Event
	set(EventTypeCode, float64(ev.EventType.Code()))
	set(IsFailure, boolToFloat(ev.Failed()))
	set(IsSuccess, boolToFloat(ev.Succeeded()))
	set(HasIdentity, boolToFloat(ev.Principal != ""))
	set(IdentityVerified, boolToFloat(ev.IdentityVerified))
	set(IdentityHash, stableHash(ev.Principal))

	// Patterns
	total := 0
	for _, p := range x.patterns {
		hits := p.count(ev.RawMessage)
		set(p.feature, float64(hits))
		total += hits
	}
	set(MaliciousTotal, float64(total))

	// Statistical
	length := utf8.RuneCountInString(ev.RawMessage)
	tokens := tokenCount(ev.RawMessage)
	special := specialCharCount(ev.RawMessage)
	set(MessageLength, float64(length))
	set(MessageEntropy, shannonEntropy(ev.RawMessage))
	set(TokenCount, float64(tokens))
	set(FieldCount, float64(fieldCount(ev)))
	set(SpecialCharCount, float64(special))
	set(ComplexityScore, complexity(length, special, tokens))

	return Vector{schema: x.schema, values: values}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func classifyIP(s string) int {
	ip := net.ParseIP(s)
	switch {
	case ip == nil:
		return ipUnknown
	case ip.IsLoopback():
		return ipLoopback
	case ip.IsPrivate():
		return ipPrivate
	case ip.IsGlobalUnicast():
		return ipPublic
	default:
		return ipSpecial
	}
}

func reputation(ev *telemetry.Event, class int) float64 {
	if ev.Enrichment.HasReputation && !math.IsNaN(ev.Enrichment.IPReputation) {
		return math.Max(0, math.Min(1, ev.Enrichment.IPReputation))
	}
	if class == ipPrivate || class == ipLoopback {
		return privateReputation
	}
	return neutralReputation
}

// stableHash buckets a string into [0, hashModulus) by its xxhash. Empty
// and "unknown" input hash to 0.
func stableHash(s string) float64 {
	if s == "" || strings.EqualFold(s, "unknown") {
		return 0
	}
	return float64(xxhash.Sum64String(s) % hashModulus)
}

func classifyAgent(ua string) int {
	switch {
	case strings.TrimSpace(ua) == "":
		return agentAbsent
	case suspiciousAgentPattern.MatchString(ua):
		return agentSuspicious
	case automationAgentPattern.MatchString(ua):
		return agentAutomation
	case browserAgentPattern.MatchString(ua):
		return agentBrowser
	default:
		return agentOther
	}
}

// shannonEntropy returns bits per character. Terms are summed in order of
// first appearance so the result is bit-for-bit reproducible.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	var order []rune
	n := 0
	for _, r := range s {
		if freq[r] == 0 {
			order = append(order, r)
		}
		freq[r]++
		n++
	}
	entropy := 0.0
	for _, r := range order {
		p := float64(freq[r]) / float64(n)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func isTokenDelimiter(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case ',', ';', '|', '&', '=', '(', ')', '{', '}', '[', ']', '"', '\'':
		return true
	}
	return false
}

func tokenCount(s string) int {
	return len(strings.FieldsFunc(s, isTokenDelimiter))
}

func specialCharCount(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// fieldCount counts populated structured attributes.
func fieldCount(ev *telemetry.Event) int {
	n := len(ev.Extra)
	for _, s := range []string{ev.SourceIP, ev.Principal, ev.UserAgent, ev.ProviderEvent} {
		if s != "" {
			n++
		}
	}
	return n
}

// complexity weights the special character ratio by the log of the token
// count, so long structured payloads score above short noisy strings.
func complexity(length, special, tokens int) float64 {
	if length == 0 {
		return 0
	}
	return float64(special) / float64(length) * math.Log2(1+float64(tokens))
}
