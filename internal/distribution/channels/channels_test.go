package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
	"github.com/lvonguyen/cloudsentry/internal/mitre"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

func criticalAlert(id string) alerting.Alert {
	return alerting.Alert{
		ID:          id,
		Fingerprint: "fp-" + id,
		Severity:    alerting.SeverityCritical,
		State:       alerting.StateOpen,
		Source:      telemetry.SourceAWSCloudWatch,
		EventType:   telemetry.EventTypeLogin,
		Principal:   "admin",
		SourceIP:    "8.8.8.8",
		FirstSeen:   time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC),
		LastSeen:    time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC),
		Occurrences: 1,
		Result:      classifier.Result{Probability: 0.97, Confidence: 0.94, ModelVersion: "heuristic-v1"},
		Description: "Potential security threat detected from aws-cloudwatch with 94.0% confidence.",
		Techniques: []mitre.Mapping{
			{TechniqueID: "T1190", TechniqueName: "Exploit Public-Facing Application", Confidence: 0.9},
		},
		Actions: alerting.Recommendations(alerting.SeverityCritical),
	}
}

// =============================================================================
// Dashboard
// =============================================================================

func TestDashboard_RecentNewestFirst(t *testing.T) {
	d := NewDashboard(DashboardConfig{History: 3}, zaptest.NewLogger(t))
	defer d.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Send(context.Background(), criticalAlert(id)))
	}

	recent := d.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].ID)
	assert.Equal(t, "b", recent[2].ID)

	assert.Len(t, d.Recent(2), 2)
	assert.Equal(t, distribution.ChannelDashboard, d.Name())
}

func TestDashboard_WebsocketFeed(t *testing.T) {
	d := NewDashboard(DefaultDashboardConfig(), nil)
	defer d.Close()
	require.NoError(t, d.Send(context.Background(), criticalAlert("before")))

	server := httptest.NewServer(d.Hub())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return d.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Send(context.Background(), criticalAlert("live")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msgs []FeedMessage
	for len(msgs) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg FeedMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		msgs = append(msgs, msg)
	}

	assert.Equal(t, "backlog", msgs[0].Type)
	require.NotNil(t, msgs[0].Alert)
	require.NotNil(t, msgs[1].Alert)
	assert.Equal(t, "before", msgs[0].Alert.ID)
	assert.Equal(t, "alert", msgs[1].Type)
	assert.Equal(t, "live", msgs[1].Alert.ID)
	assert.Equal(t, alerting.SeverityCritical, msgs[1].Alert.Severity)
}

func TestDashboard_DeliveryFailureNotice(t *testing.T) {
	d := NewDashboard(DefaultDashboardConfig(), zaptest.NewLogger(t))
	defer d.Close()

	server := httptest.NewServer(d.Hub())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return d.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	d.NotifyDeliveryFailure(distribution.DeliveryRecord{
		AlertID:   "a-1",
		Channel:   "chat",
		State:     distribution.DeliveryFailed,
		Attempts:  5,
		LastError: "503 Service Unavailable",
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg FeedMessage
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.Equal(t, "delivery_failed", msg.Type)
	assert.Nil(t, msg.Alert)
	require.NotNil(t, msg.Delivery)
	assert.Equal(t, "chat", msg.Delivery.Channel)
	assert.Equal(t, 5, msg.Delivery.Attempts)

	// Failures are not alerts and stay out of the recent list.
	assert.Empty(t, d.Recent(0))
}

func TestDashboard_WebsocketOrigin(t *testing.T) {
	d := NewDashboard(DashboardConfig{AllowedOrigins: []string{"https://soc.example.com/"}}, zaptest.NewLogger(t))
	defer d.Close()

	server := httptest.NewServer(d.Hub())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin", "", true},
		{"same host", server.URL, true},
		{"listed origin", "https://SOC.example.com", true},
		{"foreign origin", "https://evil.example", false},
		{"listed host other scheme", "http://soc.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

// =============================================================================
// Slack
// =============================================================================

func TestNewSlack_RequiresWebhook(t *testing.T) {
	t.Setenv("TEST_SLACK_URL", "")
	cfg := DefaultSlackConfig()
	cfg.WebhookURLEnv = "TEST_SLACK_URL"
	_, err := NewSlack(cfg, nil)
	assert.Error(t, err)
}

func TestSlack_Send(t *testing.T) {
	var payload slackPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("TEST_SLACK_URL", server.URL)
	cfg := DefaultSlackConfig()
	cfg.WebhookURLEnv = "TEST_SLACK_URL"
	s, err := NewSlack(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, distribution.ChannelChat, s.Name())

	require.NoError(t, s.Send(context.Background(), criticalAlert("s1")))

	require.Len(t, payload.Attachments, 1)
	att := payload.Attachments[0]
	assert.Equal(t, "#ff0000", att.Color)
	assert.Equal(t, "Security Alert: CRITICAL", att.Title)
	assert.Contains(t, att.Text, "94.0% confidence")
	assert.Equal(t, "Alert ID", att.Fields[0].Title)
	assert.Equal(t, "s1", att.Fields[0].Value)
	assert.Equal(t, "94.0%", att.Fields[1].Value)
}

func TestSlack_Colors(t *testing.T) {
	tests := map[alerting.Severity]string{
		alerting.SeverityLow:      "#36a64f",
		alerting.SeverityMedium:   "#ff9900",
		alerting.SeverityHigh:     "#ff6600",
		alerting.SeverityCritical: "#ff0000",
		alerting.SeverityUnknown:  "#808080",
	}
	for sev, color := range tests {
		a := criticalAlert("x")
		a.Severity = sev
		assert.Equal(t, color, slackMessage(a).Attachments[0].Color, sev.String())
	}
}

func TestSlack_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusTooManyRequests, false},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			t.Setenv("TEST_SLACK_URL", server.URL)
			cfg := DefaultSlackConfig()
			cfg.WebhookURLEnv = "TEST_SLACK_URL"
			s, err := NewSlack(cfg, nil)
			require.NoError(t, err)

			err = s.Send(context.Background(), criticalAlert("x"))
			require.Error(t, err)
			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}

// =============================================================================
// Email
// =============================================================================

func TestNewEmail_Validation(t *testing.T) {
	_, err := NewEmail(EmailConfig{To: []string{"soc@example.com"}}, nil)
	assert.Error(t, err)

	_, err = NewEmail(EmailConfig{SMTPHost: "smtp.example.com"}, nil)
	assert.Error(t, err)
}

func TestEmail_Send(t *testing.T) {
	cfg := DefaultEmailConfig()
	cfg.SMTPHost = "smtp.example.com"
	cfg.To = []string{"soc@example.com", "oncall@example.com"}
	e, err := NewEmail(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	require.NoError(t, e.Send(context.Background(), criticalAlert("e1")))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, cfg.To, gotTo)
	body := string(gotMsg)
	assert.Contains(t, body, "Subject: [CloudSentry] CRITICAL alert from aws-cloudwatch\r\n")
	assert.Contains(t, body, "Alert ID:    e1")
	assert.Contains(t, body, "ATT&CK:      T1190 Exploit Public-Facing Application")
	assert.Contains(t, body, "  - Immediately investigate this event")
}

func TestEmail_SendError(t *testing.T) {
	cfg := DefaultEmailConfig()
	cfg.SMTPHost = "smtp.example.com"
	cfg.To = []string{"soc@example.com"}
	e, err := NewEmail(cfg, nil)
	require.NoError(t, err)
	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("421 service not available")
	}

	err = e.Send(context.Background(), criticalAlert("e2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "421")
}

func TestEmail_SendHonoursContext(t *testing.T) {
	cfg := DefaultEmailConfig()
	cfg.SMTPHost = "smtp.example.com"
	cfg.To = []string{"soc@example.com"}
	e, err := NewEmail(cfg, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Send(ctx, criticalAlert("e3")), context.DeadlineExceeded)
}

// =============================================================================
// Log sink
// =============================================================================

func TestLogSink_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	sink, err := NewLogSink(LogSinkConfig{Path: path})
	require.NoError(t, err)
	assert.Equal(t, distribution.ChannelLogSink, sink.Name())

	require.NoError(t, sink.Send(context.Background(), criticalAlert("l1")))
	require.NoError(t, sink.Send(context.Background(), criticalAlert("l2")))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "ALERT", lines[0]["msg"])
	assert.Equal(t, "l1", lines[0]["alert_id"])
	assert.Equal(t, "critical", lines[0]["severity"])
	assert.Equal(t, "8.8.8.8", lines[1]["source_ip"])
}

// =============================================================================
// NATS
// =============================================================================

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func TestNATS_PublishesBySeverity(t *testing.T) {
	pub := &fakePublisher{}
	n := newNATS(DefaultNATSConfig(), pub, zaptest.NewLogger(t))
	assert.Equal(t, distribution.ChannelNATS, n.Name())

	a := criticalAlert("n1")
	require.NoError(t, n.Send(context.Background(), a))
	a.Severity = alerting.SeverityMedium
	require.NoError(t, n.Send(context.Background(), a))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "cloudsentry.alerts.critical", pub.msgs[0].Subject)
	assert.Equal(t, "cloudsentry.alerts.medium", pub.msgs[1].Subject)
	assert.Equal(t, "n1", pub.msgs[0].Header.Get("x-alert-id"))

	var decoded alerting.Alert
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &decoded))
	assert.Equal(t, "fp-n1", decoded.Fingerprint)
	assert.NoError(t, n.Close())
}

func TestNATS_PublishError(t *testing.T) {
	pub := &fakePublisher{err: nats.ErrConnectionClosed}
	n := newNATS(NATSConfig{SubjectPrefix: "soc.alerts."}, pub, nil)

	err := n.Send(context.Background(), criticalAlert("n2"))
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.Equal(t, "soc.alerts.high", n.Subject(alerting.SeverityHigh))
}
