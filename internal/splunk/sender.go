package splunk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
)

// ===========================================================================
// HEC Sender - Sends alerts back to Splunk
// ===========================================================================

// HECSender delivers alerts to Splunk via HEC. It is a distribution
// channel; retries are left to the distributor.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	Name       string        `yaml:"name"`
	HECURL     string        `yaml:"hec_url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	VerifySSL  bool          `yaml:"verify_ssl"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Name:       distribution.ChannelSplunk,
		TokenEnv:   "SPLUNK_HEC_TOKEN",
		Index:      "cloudsentry_alerts",
		SourceType: "cloudsentry:alert",
		Source:     "cloudsentry",
		Timeout:    30 * time.Second,
		VerifySSL:  true,
	}
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.Name == "" {
		config.Name = distribution.ChannelSplunk
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab HEC endpoints
	}

	return &HECSender{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

func (s *HECSender) Name() string { return s.config.Name }

// Send sends a single alert to Splunk.
func (s *HECSender) Send(ctx context.Context, a alerting.Alert) error {
	event := HECEvent{
		Time:       float64(a.LastSeen.UnixNano()) / float64(time.Second),
		Host:       a.SourceIP,
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      a,
		Fields: map[string]any{
			"severity":      a.Severity.String(),
			"probability":   a.Result.Probability,
			"confidence":    a.Result.Confidence,
			"fingerprint":   a.Fingerprint,
			"cloud_source":  string(a.Source),
			"model_version": a.Result.ModelVersion,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding HEC event: %w", err))
	}
	return s.send(ctx, data)
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}

	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("HEC returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
