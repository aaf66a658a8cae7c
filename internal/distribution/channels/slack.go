package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
)

// SlackConfig configures the chat webhook channel.
type SlackConfig struct {
	Name          string        `yaml:"name"`
	WebhookURLEnv string        `yaml:"webhook_url_env"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// DefaultSlackConfig returns the default chat webhook settings.
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		Name:          distribution.ChannelChat,
		WebhookURLEnv: "SLACK_WEBHOOK_URL",
		Timeout:       5 * time.Second,
		RatePerSecond: 1,
		Burst:         5,
	}
}

var severityColors = map[alerting.Severity]string{
	alerting.SeverityLow:      "#36a64f",
	alerting.SeverityMedium:   "#ff9900",
	alerting.SeverityHigh:     "#ff6600",
	alerting.SeverityCritical: "#ff0000",
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	name       string
	webhookURL string
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSlack creates the chat channel. The webhook URL is read from the
// configured environment variable.
func NewSlack(cfg SlackConfig, logger *zap.Logger) (*Slack, error) {
	url := os.Getenv(cfg.WebhookURLEnv)
	if url == "" {
		return nil, fmt.Errorf("chat webhook URL not found in env var: %s", cfg.WebhookURLEnv)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = distribution.ChannelChat
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Slack{
		name:       cfg.Name,
		webhookURL: url,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

func (s *Slack) Name() string { return s.name }

// Send posts one alert as a colored attachment.
func (s *Slack) Send(ctx context.Context, a alerting.Alert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(slackMessage(a))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding slack payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return classifyStatus("slack", resp.StatusCode, msg)
	}

	s.logger.Info("Alert sent to Slack", zap.String("alert_id", a.ID))
	return nil
}

func slackMessage(a alerting.Alert) slackPayload {
	color, ok := severityColors[a.Severity]
	if !ok {
		color = "#808080"
	}
	return slackPayload{Attachments: []slackAttachment{{
		Color: color,
		Title: "Security Alert: " + strings.ToUpper(a.Severity.String()),
		Text:  a.Description,
		Fields: []slackField{
			{Title: "Alert ID", Value: a.ID, Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%.1f%%", a.Result.Confidence*100), Short: true},
			{Title: "Source", Value: string(a.Source), Short: true},
			{Title: "Last Seen", Value: a.LastSeen.UTC().Format(time.RFC3339), Short: true},
			{Title: "Occurrences", Value: fmt.Sprintf("%d", a.Occurrences), Short: true},
		},
		Footer: "CloudSentry",
		TS:     time.Now().Unix(),
	}}}
}

// classifyStatus turns an HTTP failure into an error, marking client
// errors other than throttling as permanent.
func classifyStatus(target string, code int, body []byte) error {
	err := fmt.Errorf("%s returned %d: %s", target, code, strings.TrimSpace(string(body)))
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return backoff.Permanent(err)
	}
	return err
}
