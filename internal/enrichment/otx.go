package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxProviderName   = "otx"
)

const (
	// unlistedScore is the reputation of an address OTX knows nothing bad about.
	unlistedScore  = 0.5
	maxVerdictTags = 10
)

// OTXProvider looks up address reputation in AlienVault OTX.
type OTXProvider struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
}

// OTXConfig holds OTX-specific configuration.
type OTXConfig struct {
	ProviderConfig `yaml:",inline"`
}

// DefaultOTXConfig returns the OTX defaults.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		ProviderConfig: ProviderConfig{
			APIKey:    "OTX_API_KEY",
			BaseURL:   otxDefaultBaseURL,
			Timeout:   10 * time.Second,
			RateLimit: 60, // OTX allows ~60 requests/minute
		},
	}
}

// NewOTXProvider creates a new OTX provider. The API key is read from the
// environment variable named by config.APIKey.
func NewOTXProvider(config OTXConfig) (*OTXProvider, error) {
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKey)
	}

	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOTXConfig().Timeout
	}

	return &OTXProvider{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
		rateLimit: RateLimitStatus{
			Remaining: config.RateLimit,
			Limit:     config.RateLimit,
			ResetAt:   time.Now().Add(time.Minute),
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OTXProvider) Name() string {
	return otxProviderName
}

// HealthCheck verifies connectivity to OTX.
func (p *OTXProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}
	return nil
}

// RateLimit returns current rate limit status.
func (p *OTXProvider) RateLimit() RateLimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// LookupIP returns the reputation of ip. An address OTX has never seen
// (404) or that appears in no pulse is unlisted with a neutral score.
func (p *OTXProvider) LookupIP(ctx context.Context, ip string) (Verdict, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Verdict{}, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	addr = addr.Unmap()

	kind := "IPv4"
	if addr.Is6() {
		kind = "IPv6"
	}
	path := fmt.Sprintf("/indicators/%s/%s/general", kind, url.PathEscape(addr.String()))

	req, err := p.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return Verdict{}, fmt.Errorf("creating lookup request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	verdict := Verdict{
		IP:        addr.String(),
		Score:     unlistedScore,
		Source:    otxProviderName,
		CheckedAt: p.now().UTC(),
	}

	if resp.StatusCode == http.StatusNotFound {
		return verdict, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("OTX returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return Verdict{}, fmt.Errorf("decoding OTX response: %w", err)
	}

	verdict.Pulses = general.PulseInfo.Count
	if verdict.Pulses == 0 {
		return verdict, nil
	}

	verdict.Listed = true
	verdict.Score = scoreFromPulses(verdict.Pulses)
	verdict.ThreatType = determineThreatType(general.PulseInfo.Pulses)
	verdict.Tags = collectTags(general.PulseInfo.Pulses)
	return verdict, nil
}

// newRequest creates an authenticated OTX API request.
func (p *OTXProvider) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-OTX-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CloudSentry/1.0")
	return req, nil
}

// updateRateLimit updates rate limit from response headers.
func (p *OTXProvider) updateRateLimit(resp *http.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		p.rateLimit.Remaining = remaining
	}
	if limit, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		p.rateLimit.Limit = limit
	}
	if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		p.rateLimit.ResetAt = time.Unix(reset, 0).UTC()
	}
}

// scoreFromPulses maps the number of pulses referencing an address to a
// reputation score. More pulses means a worse reputation.
func scoreFromPulses(pulseCount int) float64 {
	switch {
	case pulseCount >= 10:
		return 0.05
	case pulseCount >= 5:
		return 0.15
	case pulseCount >= 3:
		return 0.25
	case pulseCount >= 1:
		return 0.35
	default:
		return unlistedScore
	}
}

// determineThreatType maps pulse tags and adversary attribution to a
// threat type. The first rule matching any pulse wins.
func determineThreatType(pulses []OTXPulse) ThreatType {
	var parts []string
	adversary := false
	for _, pulse := range pulses {
		parts = append(parts, pulse.Tags...)
		if pulse.Adversary != "" {
			adversary = true
		}
	}
	tagLower := strings.ToLower(strings.Join(parts, " "))

	switch {
	case strings.Contains(tagLower, "ransomware"):
		return ThreatTypeRansomware
	case strings.Contains(tagLower, "apt") || adversary:
		return ThreatTypeAPT
	case strings.Contains(tagLower, "c2") || strings.Contains(tagLower, "command and control"):
		return ThreatTypeC2
	case strings.Contains(tagLower, "botnet"):
		return ThreatTypeBotnet
	case strings.Contains(tagLower, "malware"):
		return ThreatTypeMalware
	case strings.Contains(tagLower, "phishing"):
		return ThreatTypePhishing
	case strings.Contains(tagLower, "scanner") || strings.Contains(tagLower, "scan"):
		return ThreatTypeScanner
	case strings.Contains(tagLower, "tor"):
		return ThreatTypeTOR
	case strings.Contains(tagLower, "vpn"):
		return ThreatTypeVPN
	case strings.Contains(tagLower, "proxy"):
		return ThreatTypeProxy
	case strings.Contains(tagLower, "spam"):
		return ThreatTypeSpam
	default:
		return ThreatTypeUnknown
	}
}

// collectTags returns the distinct lower-cased pulse tags, sorted and capped.
func collectTags(pulses []OTXPulse) []string {
	seen := make(map[string]struct{})
	for _, pulse := range pulses {
		for _, tag := range pulse.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag != "" {
				seen[tag] = struct{}{}
			}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	if len(tags) > maxVerdictTags {
		tags = tags[:maxVerdictTags]
	}
	return tags
}

// OTX API Response Types

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	ASN         string       `json:"asn,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Created   string   `json:"created"`
	Modified  string   `json:"modified"`
	Tags      []string `json:"tags"`
	Adversary string   `json:"adversary,omitempty"`
}
