package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
)

// NATSConfig configures the alert bus publisher.
type NATSConfig struct {
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultNATSConfig returns the default publisher settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Name:           distribution.ChannelNATS,
		URL:            nats.DefaultURL,
		SubjectPrefix:  "cloudsentry.alerts",
		ConnectTimeout: 10 * time.Second,
	}
}

// publisher is the subset of *nats.Conn used for delivery.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes alerts on <prefix>.<severity>.
type NATS struct {
	name   string
	prefix string
	pub    publisher
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATS connects to the server at cfg.URL.
func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("cloudsentry"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	n := newNATS(cfg, conn, logger)
	n.conn = conn
	logger.Info("NATS publisher initialized",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", n.prefix),
	)
	return n, nil
}

func newNATS(cfg NATSConfig, pub publisher, logger *zap.Logger) *NATS {
	if cfg.Name == "" {
		cfg.Name = distribution.ChannelNATS
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{
		name:   cfg.Name,
		prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."),
		pub:    pub,
		logger: logger,
	}
}

func (n *NATS) Name() string { return n.name }

// Subject returns the subject an alert of severity sev is published on.
func (n *NATS) Subject(sev alerting.Severity) string {
	return n.prefix + "." + sev.String()
}

// Send publishes the alert as JSON.
func (n *NATS) Send(ctx context.Context, a alerting.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding alert: %w", err))
	}

	msg := nats.NewMsg(n.Subject(a.Severity))
	msg.Data = data
	msg.Header.Set("x-alert-id", a.ID)
	msg.Header.Set("x-fingerprint", a.Fingerprint)
	msg.Header.Set("x-source", string(a.Source))

	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing alert %s: %w", a.ID, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
