// Package config provides configuration management for CloudSentry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/api"
	"github.com/lvonguyen/cloudsentry/internal/api/gateway"
	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
	"github.com/lvonguyen/cloudsentry/internal/distribution/channels"
	"github.com/lvonguyen/cloudsentry/internal/enrichment"
	"github.com/lvonguyen/cloudsentry/internal/observability"
	"github.com/lvonguyen/cloudsentry/internal/pipeline"
	"github.com/lvonguyen/cloudsentry/internal/splunk"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/correlation"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/normalization"
)

// Config holds all CloudSentry configuration.
type Config struct {
	Server        api.Config              `yaml:"server"`
	Observability observability.Config    `yaml:"observability"`
	Redis         RedisConfig             `yaml:"redis"`
	RateLimit     gateway.RateLimitConfig `yaml:"rate_limit"`
	Pipeline      pipeline.Config         `yaml:"pipeline"`
	Classifier    ClassifierConfig        `yaml:"classifier"`
	Alerting      alerting.Config         `yaml:"alerting"`
	Correlation   correlation.Config      `yaml:"correlation"`
	Distribution  DistributionConfig      `yaml:"distribution"`
	Splunk        SplunkConfig            `yaml:"splunk"`
	Enrichment    enrichment.Config       `yaml:"enrichment"`
	Storage       StorageConfig           `yaml:"storage"`
	Collectors    CollectorsConfig        `yaml:"collectors"`
}

// RedisConfig holds Redis connection settings. Redis is optional; an
// empty address disables the shared reputation cache and distributed
// rate limiting.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// ClassifierConfig selects the scoring model. A remote URL takes
// precedence over a model file; with neither, built-in heuristic weights
// are used.
type ClassifierConfig struct {
	classifier.Config `yaml:",inline"`
	ModelPath         string                  `yaml:"model_path"`
	Remote            classifier.RemoteConfig `yaml:"remote"`
}

// DistributionConfig holds the distributor settings and its channels.
type DistributionConfig struct {
	distribution.Config `yaml:",inline"`
	Channels            ChannelsConfig `yaml:"channels"`
}

// ChannelsConfig enables and configures each alert channel.
type ChannelsConfig struct {
	Dashboard DashboardChannel `yaml:"dashboard"`
	LogSink   LogSinkChannel   `yaml:"logsink"`
	Slack     SlackChannel     `yaml:"slack"`
	Email     EmailChannel     `yaml:"email"`
	Splunk    SplunkChannel    `yaml:"splunk"`
	NATS      NATSChannel      `yaml:"nats"`
}

type DashboardChannel struct {
	Enabled                  bool `yaml:"enabled"`
	channels.DashboardConfig `yaml:",inline"`
}

type LogSinkChannel struct {
	Enabled                bool `yaml:"enabled"`
	channels.LogSinkConfig `yaml:",inline"`
}

type SlackChannel struct {
	Enabled              bool `yaml:"enabled"`
	channels.SlackConfig `yaml:",inline"`
}

type EmailChannel struct {
	Enabled              bool `yaml:"enabled"`
	channels.EmailConfig `yaml:",inline"`
}

type SplunkChannel struct {
	Enabled             bool `yaml:"enabled"`
	splunk.SenderConfig `yaml:",inline"`
}

type NATSChannel struct {
	Enabled             bool `yaml:"enabled"`
	channels.NATSConfig `yaml:",inline"`
}

// SplunkConfig holds Splunk HEC receiver settings. The HEC sender is
// configured as an alert channel.
type SplunkConfig struct {
	Receiver ReceiverConfig `yaml:"receiver"`
}

// ReceiverConfig holds HEC receiver settings. When Standalone is false the
// receiver is mounted on the API server under /services/collector.
type ReceiverConfig struct {
	Enabled               bool `yaml:"enabled"`
	Standalone            bool `yaml:"standalone"`
	splunk.ReceiverConfig `yaml:",inline"`
}

// StorageConfig holds alert persistence settings.
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	History       time.Duration `yaml:"history"`
}

// CollectorsConfig holds pull-based collector settings.
type CollectorsConfig struct {
	PollInterval time.Duration               `yaml:"poll_interval"`
	Sources      []ingestion.CollectorConfig `yaml:"sources"`
}

// Load reads configuration from a YAML file over DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: api.DefaultConfig(),
		Observability: observability.Config{
			ServiceName:    "cloudsentry",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		RateLimit:   gateway.DefaultRateLimitConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Classifier:  ClassifierConfig{Config: classifier.DefaultConfig()},
		Alerting:    alerting.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Distribution: DistributionConfig{
			Config: distribution.DefaultConfig(),
			Channels: ChannelsConfig{
				Dashboard: DashboardChannel{Enabled: true, DashboardConfig: channels.DefaultDashboardConfig()},
				LogSink:   LogSinkChannel{Enabled: true, LogSinkConfig: channels.DefaultLogSinkConfig()},
				Slack:     SlackChannel{SlackConfig: channels.DefaultSlackConfig()},
				Email:     EmailChannel{EmailConfig: channels.DefaultEmailConfig()},
				Splunk:    SplunkChannel{SenderConfig: splunk.DefaultSenderConfig()},
				NATS:      NATSChannel{NATSConfig: channels.DefaultNATSConfig()},
			},
		},
		Splunk: SplunkConfig{
			Receiver: ReceiverConfig{ReceiverConfig: splunk.DefaultReceiverConfig()},
		},
		Enrichment: enrichment.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:       true,
			Path:          "data/alerts.db",
			PruneInterval: time.Hour,
			History:       7 * 24 * time.Hour,
		},
		Collectors: CollectorsConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

// Validate checks thresholds, windows and cross-section consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Alerting.Validate(); err != nil {
		return fmt.Errorf("alerting: %w", err)
	}
	if err := c.Distribution.Validate(); err != nil {
		return fmt.Errorf("distribution: %w", err)
	}
	if c.Correlation.RiskThreshold < 0 || c.Correlation.RiskThreshold > 1 {
		return fmt.Errorf("correlation.risk_threshold must be within [0,1]")
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("classifier.timeout must be positive")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("observability.sampling_rate must be within [0,1]")
	}
	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required when storage is enabled")
		}
		if c.Storage.History < c.Alerting.Retention {
			return fmt.Errorf("storage.history (%s) must cover alerting.retention (%s)",
				c.Storage.History, c.Alerting.Retention)
		}
	}
	sources := normalization.NewNormalizer().Sources()
	if c.Splunk.Receiver.Enabled {
		if c.Splunk.Receiver.TokenEnv == "" {
			return fmt.Errorf("splunk.receiver.token_env is required")
		}
		if ds := c.Splunk.Receiver.DefaultSource; ds != "" && !hasSource(sources, ds) {
			return fmt.Errorf("splunk.receiver.default_source %q is not one of %v", ds, sources)
		}
	}
	for _, src := range c.Collectors.Sources {
		if !src.Enabled {
			continue
		}
		if src.Path == "" {
			return fmt.Errorf("collector %q: path is required", src.Name)
		}
		if !hasSource(sources, src.Source) {
			return fmt.Errorf("collector %q: source %q is not one of %v", src.Name, src.Source, sources)
		}
	}
	return nil
}

func hasSource(sources []telemetry.Source, name string) bool {
	for _, s := range sources {
		if string(s) == name {
			return true
		}
	}
	return false
}

// EnabledChannels returns the names of the enabled alert channels.
func (c *Config) EnabledChannels() []string {
	ch := c.Distribution.Channels
	var names []string
	if ch.Dashboard.Enabled {
		names = append(names, ch.Dashboard.Name)
	}
	if ch.LogSink.Enabled {
		names = append(names, ch.LogSink.Name)
	}
	if ch.Slack.Enabled {
		names = append(names, ch.Slack.Name)
	}
	if ch.Email.Enabled {
		names = append(names, ch.Email.Name)
	}
	if ch.Splunk.Enabled {
		names = append(names, ch.Splunk.Name)
	}
	if ch.NATS.Enabled {
		names = append(names, ch.NATS.Name)
	}
	return names
}
