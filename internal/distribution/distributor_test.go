package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// =============================================================================
// Test channels
// =============================================================================

type recordingChannel struct {
	name  string
	mu    sync.Mutex
	sent  []alerting.Alert
	fail  func(attempt int) error
	calls atomic.Int32
	gate  chan struct{}
}

func newRecordingChannel(name string) *recordingChannel {
	return &recordingChannel{name: name}
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, a alerting.Alert) error {
	n := int(c.calls.Add(1))
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.fail != nil {
		if err := c.fail(n); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, a)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) Sent() []alerting.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alerting.Alert(nil), c.sent...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.SendTimeout = time.Second
	return cfg
}

func newDistributor(t *testing.T, cfg Config, opts ...Option) *Distributor {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	d, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func registerStandard(t *testing.T, d *Distributor) map[string]*recordingChannel {
	t.Helper()
	chans := map[string]*recordingChannel{}
	for _, name := range []string{ChannelDashboard, ChannelLogSink, ChannelChat, ChannelEmail} {
		ch := newRecordingChannel(name)
		require.NoError(t, d.Register(ch))
		chans[name] = ch
	}
	return chans
}

func testAlert(id string, sev alerting.Severity) alerting.Alert {
	return alerting.Alert{
		ID:          id,
		Fingerprint: "fp-" + id,
		Severity:    sev,
		State:       alerting.StateOpen,
		Source:      telemetry.SourceAWSCloudWatch,
		EventType:   telemetry.EventTypeLogin,
		SourceIP:    "8.8.8.8",
		Occurrences: 1,
		Result:      classifier.Result{Probability: 0.97, Confidence: 0.94},
	}
}

func names(recs []DeliveryRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Channel)
	}
	return out
}

// =============================================================================
// Routing
// =============================================================================

func TestDefaultRoutes(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		sev  alerting.Severity
		want []string
	}{
		{alerting.SeverityLow, []string{ChannelDashboard, ChannelLogSink, ChannelNATS, ChannelSplunk}},
		{alerting.SeverityMedium, []string{ChannelDashboard, ChannelLogSink, ChannelNATS, ChannelSplunk}},
		{alerting.SeverityHigh, []string{ChannelChat, ChannelDashboard, ChannelLogSink, ChannelNATS, ChannelSplunk}},
		{alerting.SeverityCritical, []string{ChannelChat, ChannelDashboard, ChannelEmail, ChannelLogSink, ChannelNATS, ChannelSplunk}},
	}
	for _, tt := range tests {
		t.Run(tt.sev.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, routes.Targets(tt.sev))
		})
	}
}

func TestParseRoutes(t *testing.T) {
	table, err := ParseRoutes(map[string][]string{
		ChannelEmail: {"high", "CRITICAL"},
		"pager":      {"critical"},
	})
	require.NoError(t, err)
	assert.True(t, table.Accepts(ChannelEmail, alerting.SeverityHigh))
	assert.True(t, table.Accepts("pager", alerting.SeverityCritical))
	assert.False(t, table.Accepts("pager", alerting.SeverityHigh))
	assert.True(t, table.Accepts(ChannelDashboard, alerting.SeverityLow))

	_, err = ParseRoutes(map[string][]string{"pager": {"urgent"}})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.QueueSize = 0 },
		func(c *Config) { c.Workers = 0 },
		func(c *Config) { c.MaxAttempts = 0 },
		func(c *Config) { c.MaxBackoff = c.InitialBackoff / 2 },
		func(c *Config) { c.SendTimeout = 0 },
		func(c *Config) { c.HistorySize = 0 },
		func(c *Config) { c.Routes = map[string][]string{"x": {"nope"}} },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatch_CriticalReachesAllStandardChannels(t *testing.T) {
	d := newDistributor(t, testConfig())
	chans := registerStandard(t, d)

	recs := d.Dispatch(testAlert("a1", alerting.SeverityCritical))
	assert.Equal(t, []string{ChannelChat, ChannelDashboard, ChannelEmail, ChannelLogSink}, names(recs))
	for _, r := range recs {
		assert.Equal(t, DeliveryPending, r.State)
		assert.False(t, r.Escalation)
	}

	for _, ch := range chans {
		ch := ch
		require.Eventually(t, func() bool { return len(ch.Sent()) == 1 }, time.Second, 5*time.Millisecond, ch.name)
	}
	require.Eventually(t, func() bool {
		for _, r := range d.Deliveries("fp-a1") {
			if r.State != DeliveryDelivered {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, d.Deliveries("fp-a1"), 4)
}

func TestDispatch_MediumSkipsChatAndEmail(t *testing.T) {
	d := newDistributor(t, testConfig())
	registerStandard(t, d)

	recs := d.Dispatch(testAlert("a2", alerting.SeverityMedium))
	assert.Equal(t, []string{ChannelDashboard, ChannelLogSink}, names(recs))
}

func TestNotify_EscalationPolicy(t *testing.T) {
	d := newDistributor(t, testConfig())
	chans := registerStandard(t, d)

	a := testAlert("a3", alerting.SeverityMedium)
	d.Notify(alerting.Notification{Alert: a})

	a.Severity = alerting.SeverityHigh
	d.Notify(alerting.Notification{Alert: a, Previous: alerting.SeverityMedium})

	require.Eventually(t, func() bool {
		return len(chans[ChannelDashboard].Sent()) == 2 &&
			len(chans[ChannelLogSink].Sent()) == 2 &&
			len(chans[ChannelChat].Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, chans[ChannelEmail].Sent())

	var escalations []string
	for _, r := range d.Deliveries("fp-a3") {
		if r.Escalation {
			escalations = append(escalations, r.Channel)
		}
	}
	assert.ElementsMatch(t, []string{ChannelDashboard, ChannelLogSink, ChannelChat}, escalations)
}

func TestRegister_Errors(t *testing.T) {
	d := newDistributor(t, testConfig())
	require.NoError(t, d.Register(newRecordingChannel(ChannelChat)))
	assert.Error(t, d.Register(newRecordingChannel(ChannelChat)))
	assert.Error(t, d.Register(newRecordingChannel("pager")))
	assert.Equal(t, []string{ChannelChat}, d.Channels())
}

// =============================================================================
// Retries and isolation
// =============================================================================

func TestDeliver_RetriesTransientFailure(t *testing.T) {
	d := newDistributor(t, testConfig())
	ch := newRecordingChannel(ChannelChat)
	ch.fail = func(attempt int) error {
		if attempt < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	}
	require.NoError(t, d.Register(ch))

	d.Dispatch(testAlert("a4", alerting.SeverityHigh))

	require.Eventually(t, func() bool {
		recs := d.Deliveries("fp-a4")
		return len(recs) == 1 && recs[0].State == DeliveryDelivered
	}, time.Second, 5*time.Millisecond)
	rec := d.Deliveries("fp-a4")[0]
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestDeliver_ChannelIsolation(t *testing.T) {
	var hooked []DeliveryRecord
	var hookMu sync.Mutex
	hook := func(rec DeliveryRecord) {
		hookMu.Lock()
		hooked = append(hooked, rec)
		hookMu.Unlock()
	}

	d := newDistributor(t, testConfig(), WithFailureHook(hook))
	chans := registerStandard(t, d)
	chans[ChannelEmail].fail = func(int) error { return errors.New("smtp: connection refused") }

	for i := 0; i < 5; i++ {
		d.Dispatch(testAlert(fmt.Sprintf("c%d", i), alerting.SeverityCritical))
	}

	for _, name := range []string{ChannelDashboard, ChannelLogSink, ChannelChat} {
		ch := chans[name]
		require.Eventually(t, func() bool { return len(ch.Sent()) == 5 }, 2*time.Second, 5*time.Millisecond, name)
	}
	require.Eventually(t, func() bool {
		hookMu.Lock()
		defer hookMu.Unlock()
		return len(hooked) == 5
	}, 2*time.Second, 5*time.Millisecond)

	hookMu.Lock()
	defer hookMu.Unlock()
	for _, rec := range hooked {
		assert.Equal(t, ChannelEmail, rec.Channel)
		assert.Equal(t, DeliveryFailed, rec.State)
		assert.Equal(t, 3, rec.Attempts)
		assert.Contains(t, rec.LastError, "connection refused")
	}
}

func TestDeliver_PermanentErrorStopsRetrying(t *testing.T) {
	d := newDistributor(t, testConfig())
	ch := newRecordingChannel(ChannelChat)
	ch.fail = func(int) error { return backoff.Permanent(errors.New("400 invalid payload")) }
	require.NoError(t, d.Register(ch))

	d.Dispatch(testAlert("a5", alerting.SeverityHigh))

	require.Eventually(t, func() bool {
		recs := d.Deliveries("fp-a5")
		return len(recs) == 1 && recs[0].State == DeliveryFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.Deliveries("fp-a5")[0].Attempts)
	assert.Equal(t, int32(1), ch.calls.Load())
}

// =============================================================================
// Backpressure and shutdown
// =============================================================================

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2

	var dropped []DeliveryRecord
	var mu sync.Mutex
	d := newDistributor(t, cfg, WithFailureHook(func(rec DeliveryRecord) {
		mu.Lock()
		dropped = append(dropped, rec)
		mu.Unlock()
	}))

	ch := newRecordingChannel(ChannelChat)
	ch.gate = make(chan struct{})
	require.NoError(t, d.Register(ch))

	// The first alert occupies the single worker; the next two fill the
	// queue and the fourth pushes out the oldest queued one.
	d.Dispatch(testAlert("q0", alerting.SeverityHigh))
	require.Eventually(t, func() bool { return ch.calls.Load() == 1 }, time.Second, time.Millisecond)
	d.Dispatch(testAlert("q1", alerting.SeverityHigh))
	d.Dispatch(testAlert("q2", alerting.SeverityHigh))
	d.Dispatch(testAlert("q3", alerting.SeverityHigh))

	mu.Lock()
	require.Len(t, dropped, 1)
	assert.Equal(t, "q1", dropped[0].AlertID)
	assert.Equal(t, DeliveryFailed, dropped[0].State)
	assert.Equal(t, ErrQueueOverflow.Error(), dropped[0].LastError)
	mu.Unlock()

	close(ch.gate)
	require.Eventually(t, func() bool { return len(ch.Sent()) == 3 }, time.Second, 5*time.Millisecond)

	var ids []string
	for _, a := range ch.Sent() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"q0", "q2", "q3"}, ids)
}

func TestShutdown_FlushesPending(t *testing.T) {
	d, err := New(testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ch := newRecordingChannel(ChannelDashboard)
	require.NoError(t, d.Register(ch))

	for i := 0; i < 20; i++ {
		d.Dispatch(testAlert(fmt.Sprintf("s%d", i), alerting.SeverityLow))
	}
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Len(t, ch.Sent(), 20)

	assert.Nil(t, d.Dispatch(testAlert("late", alerting.SeverityLow)))
	assert.ErrorIs(t, d.Register(newRecordingChannel(ChannelChat)), ErrDistributorClosed)
}

func TestShutdown_TimeoutCancelsStuckDeliveries(t *testing.T) {
	var failed atomic.Int32
	d, err := New(testConfig(),
		WithLogger(zaptest.NewLogger(t)),
		WithFailureHook(func(DeliveryRecord) { failed.Add(1) }),
	)
	require.NoError(t, err)

	ch := newRecordingChannel(ChannelDashboard)
	ch.gate = make(chan struct{})
	require.NoError(t, d.Register(ch))

	d.Dispatch(testAlert("stuck", alerting.SeverityLow))
	d.Dispatch(testAlert("queued", alerting.SeverityLow))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = d.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, int32(2), failed.Load())
	for _, id := range []string{"stuck", "queued"} {
		recs := d.Deliveries("fp-" + id)
		require.Len(t, recs, 1)
		assert.Equal(t, DeliveryFailed, recs[0].State)
		assert.Contains(t, recs[0].LastError, ErrDistributorClosed.Error())
	}
}
