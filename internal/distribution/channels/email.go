package channels

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Name        string   `yaml:"name"`
	SMTPHost    string   `yaml:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port"`
	Username    string   `yaml:"username"`
	PasswordEnv string   `yaml:"password_env"`
	From        string   `yaml:"from"`
	To          []string `yaml:"to"`
}

// DefaultEmailConfig returns the default SMTP settings.
func DefaultEmailConfig() EmailConfig {
	return EmailConfig{
		Name:        distribution.ChannelEmail,
		SMTPPort:    587,
		PasswordEnv: "SMTP_PASSWORD",
		From:        "cloudsentry@localhost",
	}
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends alert notifications over SMTP.
type Email struct {
	name     string
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail sendMailFunc
	logger   *zap.Logger
}

// NewEmail creates the email channel.
func NewEmail(cfg EmailConfig, logger *zap.Logger) (*Email, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("smtp_host is required")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = distribution.ChannelEmail
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, os.Getenv(cfg.PasswordEnv), cfg.SMTPHost)
	}
	return &Email{
		name:     cfg.Name,
		addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		auth:     auth,
		from:     cfg.From,
		to:       cfg.To,
		sendMail: smtp.SendMail,
		logger:   logger,
	}, nil
}

func (e *Email) Name() string { return e.name }

// Send mails the alert to every recipient.
func (e *Email) Send(ctx context.Context, a alerting.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := e.compose(a)

	// net/smtp has no context support; the distributor's timeout bounds
	// the wait, not the dial.
	errc := make(chan error, 1)
	go func() { errc <- e.sendMail(e.addr, e.auth, e.from, e.to, msg) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("sending alert email: %w", err)
		}
		e.logger.Info("Alert email sent",
			zap.String("alert_id", a.ID),
			zap.Int("recipients", len(e.to)),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) compose(a alerting.Alert) []byte {
	subject := fmt.Sprintf("[CloudSentry] %s alert from %s", strings.ToUpper(a.Severity.String()), a.Source)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")

	fmt.Fprintf(&b, "%s\r\n\r\n", a.Description)
	fmt.Fprintf(&b, "Alert ID:    %s\r\n", a.ID)
	fmt.Fprintf(&b, "Severity:    %s\r\n", a.Severity)
	fmt.Fprintf(&b, "Confidence:  %.1f%%\r\n", a.Result.Confidence*100)
	fmt.Fprintf(&b, "Source IP:   %s\r\n", a.SourceIP)
	fmt.Fprintf(&b, "First seen:  %s\r\n", a.FirstSeen.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Occurrences: %d\r\n", a.Occurrences)
	for _, m := range a.Techniques {
		fmt.Fprintf(&b, "ATT&CK:      %s %s\r\n", m.TechniqueID, m.TechniqueName)
	}
	if len(a.Actions) > 0 {
		b.WriteString("\r\nRecommended actions:\r\n")
		for _, act := range a.Actions {
			fmt.Fprintf(&b, "  - %s\r\n", act)
		}
	}
	return []byte(b.String())
}
