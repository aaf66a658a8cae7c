package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// ============================================================================
// Load
// ============================================================================

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
redis:
  addr: localhost:6379
pipeline:
  workers: 8
classifier:
  timeout: 500ms
  model_path: models/linear.json
alerting:
  critical: 0.97
  dedup_window: 10m
distribution:
  max_attempts: 3
  routes:
    email: [critical]
  channels:
    slack:
      enabled: true
      webhook_url_env: TEAM_WEBHOOK
    email:
      enabled: true
      to: [soc@example.com]
enrichment:
  enabled: true
  otx:
    api_key_env: MY_OTX_KEY
collectors:
  sources:
    - name: replay
      type: file
      source: aws-cloudwatch
      enabled: true
      path: testdata/events.jsonl
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DefaultConfig().Server.ReadTimeout, cfg.Server.ReadTimeout, "unset keys keep their defaults")
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 4096, cfg.Pipeline.QueueSize)

	assert.Equal(t, 500*time.Millisecond, cfg.Classifier.Timeout)
	assert.Equal(t, "models/linear.json", cfg.Classifier.ModelPath)

	assert.Equal(t, 0.97, cfg.Alerting.Critical)
	assert.Equal(t, 0.85, cfg.Alerting.High)
	assert.Equal(t, 10*time.Minute, cfg.Alerting.DedupWindow)

	assert.Equal(t, 3, cfg.Distribution.MaxAttempts)
	assert.Equal(t, []string{"critical"}, cfg.Distribution.Routes["email"])
	assert.True(t, cfg.Distribution.Channels.Slack.Enabled)
	assert.Equal(t, "TEAM_WEBHOOK", cfg.Distribution.Channels.Slack.WebhookURLEnv)
	assert.Equal(t, "chat", cfg.Distribution.Channels.Slack.Name, "inline channel defaults survive")
	assert.Equal(t, []string{"soc@example.com"}, cfg.Distribution.Channels.Email.To)

	assert.True(t, cfg.Enrichment.Enabled)
	assert.Equal(t, "MY_OTX_KEY", cfg.Enrichment.OTX.APIKey)
	assert.Equal(t, time.Hour, cfg.Enrichment.CacheTTL)

	require.Len(t, cfg.Collectors.Sources, 1)
	assert.Equal(t, "replay", cfg.Collectors.Sources[0].Name)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [unterminated"))
		assert.Error(t, err)
	})

	t.Run("fails validation", func(t *testing.T) {
		_, err := Load(writeConfig(t, "alerting:\n  high: 0.99\n"))
		assert.ErrorContains(t, err, "alerting")
	})
}

// ============================================================================
// Validate
// ============================================================================

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline"},
		{"unordered thresholds", func(c *Config) { c.Alerting.Medium = 0.9 }, "alerting"},
		{"unknown route severity", func(c *Config) {
			c.Distribution.Routes = map[string][]string{"email": {"catastrophic"}}
		}, "distribution"},
		{"zero classifier timeout", func(c *Config) { c.Classifier.Timeout = 0 }, "classifier.timeout"},
		{"sampling rate", func(c *Config) { c.Observability.SamplingRate = 1.5 }, "sampling_rate"},
		{"storage without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"history shorter than retention", func(c *Config) { c.Storage.History = time.Hour }, "storage.history"},
		{"receiver without token", func(c *Config) {
			c.Splunk.Receiver.Enabled = true
			c.Splunk.Receiver.TokenEnv = ""
		}, "token_env"},
		{"receiver with unknown default source", func(c *Config) {
			c.Splunk.Receiver.Enabled = true
			c.Splunk.Receiver.DefaultSource = "gcp-logging"
		}, "default_source"},
		{"collector with unknown source", func(c *Config) {
			c.Collectors.Sources = []ingestion.CollectorConfig{
				{Name: "replay", Enabled: true, Path: "events.jsonl", Source: "gcp-logging"},
			}
		}, `source "gcp-logging"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_DisabledStorageSkipsChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Enabled = false
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestEnabledChannels(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []string{"dashboard", "logsink"}, cfg.EnabledChannels())

	cfg.Distribution.Channels.NATS.Enabled = true
	cfg.Distribution.Channels.LogSink.Enabled = false
	assert.Equal(t, []string{"dashboard", "nats"}, cfg.EnabledChannels())
}

func TestRedisPassword(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")
	assert.Equal(t, "s3cret", RedisConfig{PasswordEnv: "TEST_REDIS_PASSWORD"}.Password())
	assert.Empty(t, RedisConfig{}.Password())
}
