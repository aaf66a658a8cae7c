// Package features turns canonical events into fixed-width numeric vectors
// for threat scoring.
package features

import (
	"fmt"
	"math"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// Feature names in schema order.
const (
	Hour              = "hour"
	DayOfWeek         = "day_of_week"
	IsWeekend         = "is_weekend"
	IsBusinessHours   = "is_business_hours"
	IsNight           = "is_night"
	IPClass           = "ip_class"
	IsPrivateIP       = "is_private_ip"
	IsPublicIP        = "is_public_ip"
	IPReputation      = "ip_reputation"
	IPAddressHash     = "ip_address_hash"
	UserAgentCategory = "user_agent_category"
	IsSuspiciousAgent = "is_suspicious_agent"
	UserAgentLength   = "user_agent_length"
	EventTypeCode     = "event_type_code"
	IsFailure         = "is_failure"
	IsSuccess         = "is_success"
	HasIdentity       = "has_identity"
	IdentityVerified  = "identity_verified"
	IdentityHash      = "identity_hash"
	SQLInjection      = "sql_injection_hits"
	XSS               = "xss_hits"
	PathTraversal     = "path_traversal_hits"
	CommandInjection  = "command_injection_hits"
	CodeExecution     = "code_execution_hits"
	MaliciousTotal    = "malicious_pattern_total"
	MessageLength     = "message_length"
	MessageEntropy    = "message_entropy"
	TokenCount        = "token_count"
	FieldCount        = "field_count"
	SpecialCharCount  = "special_char_count"
	ComplexityScore   = "complexity_score"
)

// Feature declares one named column and its admissible value range.
type Feature struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Contains reports whether v lies within the feature's range.
func (f Feature) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= f.Min && v <= f.Max
}

// Schema is an ordered list of features.
type Schema []Feature

// Names returns the feature names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// SameLayout reports whether both schemas name the same features in the
// same order.
func (s Schema) SameLayout(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].Name != other[i].Name {
			return false
		}
	}
	return true
}

var unbounded = math.Inf(1)

func flag(name string) Feature { return Feature{Name: name, Min: 0, Max: 1} }

func count(name string) Feature { return Feature{Name: name, Min: 0, Max: unbounded} }

// DefaultSchema is the layout produced by Extractor. Order is part of the
// contract with trained models; append new features at the end.
var DefaultSchema = Schema{
	{Name: Hour, Min: 0, Max: 23},
	{Name: DayOfWeek, Min: 0, Max: 6},
	flag(IsWeekend),
	flag(IsBusinessHours),
	flag(IsNight),
	{Name: IPClass, Min: 0, Max: 4},
	flag(IsPrivateIP),
	flag(IsPublicIP),
	{Name: IPReputation, Min: 0, Max: 1},
	{Name: IPAddressHash, Min: 0, Max: hashModulus - 1},
	{Name: UserAgentCategory, Min: 0, Max: 4},
	flag(IsSuspiciousAgent),
	count(UserAgentLength),
	{Name: EventTypeCode, Min: 0, Max: float64(telemetry.MaxEventTypeCode())},
	flag(IsFailure),
	flag(IsSuccess),
	flag(HasIdentity),
	flag(IdentityVerified),
	{Name: IdentityHash, Min: 0, Max: hashModulus - 1},
	count(SQLInjection),
	count(XSS),
	count(PathTraversal),
	count(CommandInjection),
	count(CodeExecution),
	count(MaliciousTotal),
	count(MessageLength),
	count(MessageEntropy),
	count(TokenCount),
	count(FieldCount),
	count(SpecialCharCount),
	count(ComplexityScore),
}

// Vector is a feature vector bound to the schema that produced it.
type Vector struct {
	schema Schema
	values []float64
}

// NewVector pairs values with a schema. It fails when the lengths differ.
func NewVector(schema Schema, values []float64) (Vector, error) {
	if len(schema) != len(values) {
		return Vector{}, fmt.Errorf("vector has %d values for %d features", len(values), len(schema))
	}
	return Vector{schema: schema, values: append([]float64(nil), values...)}, nil
}

// Schema returns the layout of the vector.
func (v Vector) Schema() Schema { return v.schema }

// Len returns the number of values.
func (v Vector) Len() int { return len(v.values) }

// Values returns a copy of the raw values in schema order.
func (v Vector) Values() []float64 {
	return append([]float64(nil), v.values...)
}

// Get returns the value of a named feature.
func (v Vector) Get(name string) (float64, bool) {
	i := v.schema.Index(name)
	if i < 0 || i >= len(v.values) {
		return 0, false
	}
	return v.values[i], true
}

// Flag reports whether a named feature is non-zero.
func (v Vector) Flag(name string) bool {
	val, ok := v.Get(name)
	return ok && val != 0
}

// Map returns the vector as name/value pairs.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.values))
	for i, f := range v.schema {
		if i < len(v.values) {
			m[f.Name] = v.values[i]
		}
	}
	return m
}
