// Package enrichment attaches threat intelligence to normalized events.
// Reputation is looked up per source address through a Provider and
// cached locally and, when configured, in Redis.
package enrichment

import (
	"context"
	"time"
)

// ThreatType categorizes the threat an address is associated with.
type ThreatType string

const (
	ThreatTypeMalware    ThreatType = "malware"
	ThreatTypeC2         ThreatType = "c2"
	ThreatTypePhishing   ThreatType = "phishing"
	ThreatTypeBotnet     ThreatType = "botnet"
	ThreatTypeScanner    ThreatType = "scanner"
	ThreatTypeTOR        ThreatType = "tor"
	ThreatTypeVPN        ThreatType = "vpn"
	ThreatTypeProxy      ThreatType = "proxy"
	ThreatTypeSpam       ThreatType = "spam"
	ThreatTypeAPT        ThreatType = "apt"
	ThreatTypeRansomware ThreatType = "ransomware"
	ThreatTypeUnknown    ThreatType = "unknown"
)

// Verdict is the reputation of a single address.
type Verdict struct {
	IP         string     `json:"ip"`
	Score      float64    `json:"score"` // 0 = malicious, 1 = trusted
	Listed     bool       `json:"listed"`
	Pulses     int        `json:"pulses"`
	ThreatType ThreatType `json:"threat_type,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Source     string     `json:"source"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// Provider is a source of IP reputation.
type Provider interface {
	Name() string
	LookupIP(ctx context.Context, ip string) (Verdict, error)
	HealthCheck(ctx context.Context) error
}

// RateLimitStatus represents API rate limiting.
type RateLimitStatus struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	APIKey    string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"`
}
