package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lvonguyen/cloudsentry/internal/features"
)

// RemoteConfig configures a model served over HTTP.
type RemoteConfig struct {
	URL     string        `yaml:"url"`
	Version string        `yaml:"version"`
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteScorer posts vectors to an inference endpoint.
type RemoteScorer struct {
	config     RemoteConfig
	schema     features.Schema
	httpClient *http.Client
}

type remoteRequest struct {
	Model    string    `json:"model"`
	Features []string  `json:"features"`
	Values   []float64 `json:"values"`
}

type remoteResponse struct {
	Probability *float64 `json:"probability"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// NewRemoteScorer creates a scorer for the endpoint in config. The remote
// model is assumed to accept schema.
func NewRemoteScorer(config RemoteConfig, schema features.Schema) (*RemoteScorer, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("remote scorer: url is required")
	}
	if config.Version == "" {
		config.Version = "remote"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &RemoteScorer{
		config:     config,
		schema:     schema,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (r *RemoteScorer) Schema() features.Schema { return r.schema }
func (r *RemoteScorer) Version() string         { return r.config.Version }
func (r *RemoteScorer) Reentrant() bool         { return true }

// Score sends one vector and decodes the prediction.
func (r *RemoteScorer) Score(ctx context.Context, values []float64) (Prediction, error) {
	body, err := json.Marshal(remoteRequest{
		Model:    r.config.Version,
		Features: r.schema.Names(),
		Values:   values,
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.URL, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CloudSentry/1.0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Prediction{}, fmt.Errorf("inference endpoint returned %d: %s", resp.StatusCode, string(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("decoding response: %w", err)
	}
	if out.Probability == nil {
		return Prediction{}, fmt.Errorf("response missing probability")
	}

	pred := Prediction{Probability: *out.Probability}
	if out.Confidence != nil {
		pred.Confidence = *out.Confidence
		pred.HasConfidence = true
	}
	return pred, nil
}
