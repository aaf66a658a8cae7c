package channels

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
)

// LogSinkConfig configures the alert log file.
type LogSinkConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// DefaultLogSinkConfig writes alerts to stdout.
func DefaultLogSinkConfig() LogSinkConfig {
	return LogSinkConfig{Name: distribution.ChannelLogSink, Path: "stdout"}
}

// LogSink appends every alert as one JSON line.
type LogSink struct {
	name   string
	path   string
	logger *zap.Logger
}

// NewLogSink opens the sink at cfg.Path.
func NewLogSink(cfg LogSinkConfig) (*LogSink, error) {
	if cfg.Name == "" {
		cfg.Name = distribution.ChannelLogSink
	}
	if cfg.Path == "" {
		cfg.Path = "stdout"
	}

	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.OutputPaths = []string{cfg.Path}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "logged_at"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableCaller = true
	zc.DisableStacktrace = true

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to open alert log %s: %w", cfg.Path, err)
	}
	return &LogSink{name: cfg.Name, path: cfg.Path, logger: logger}, nil
}

func (l *LogSink) Name() string { return l.name }

// Send writes the alert.
func (l *LogSink) Send(ctx context.Context, a alerting.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Warn("ALERT",
		zap.String("alert_id", a.ID),
		zap.String("fingerprint", a.Fingerprint),
		zap.String("severity", a.Severity.String()),
		zap.String("state", string(a.State)),
		zap.String("source", string(a.Source)),
		zap.String("event_type", string(a.EventType)),
		zap.String("principal", a.Principal),
		zap.String("source_ip", a.SourceIP),
		zap.Int("occurrences", a.Occurrences),
		zap.Float64("probability", a.Result.Probability),
		zap.Float64("confidence", a.Result.Confidence),
		zap.String("model_version", a.Result.ModelVersion),
		zap.Time("first_seen", a.FirstSeen),
		zap.Time("last_seen", a.LastSeen),
		zap.String("description", a.Description),
		zap.Any("techniques", a.Techniques),
	)
	return nil
}

// Close flushes buffered output.
func (l *LogSink) Close() error {
	err := l.logger.Sync()
	if l.path == "stdout" || l.path == "stderr" {
		// Syncing a terminal or pipe returns EINVAL on some platforms.
		return nil
	}
	return err
}
