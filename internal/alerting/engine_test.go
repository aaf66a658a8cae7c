package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/features"
	"github.com/lvonguyen/cloudsentry/internal/mitre"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// =============================================================================
// Helpers
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingDispatcher) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingDispatcher) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type memoryPersister struct {
	mu      sync.Mutex
	saved   map[string]Alert
	evicted map[string]time.Time
	failing bool
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{saved: make(map[string]Alert), evicted: make(map[string]time.Time)}
}

func (p *memoryPersister) SaveAlert(_ context.Context, a Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("disk full")
	}
	p.saved[a.ID] = a
	return nil
}

func (p *memoryPersister) MarkEvicted(_ context.Context, id string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted[id] = at
	return nil
}

func (p *memoryPersister) HistoricalStats(_ context.Context, since time.Time) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := NewStats()
	for id := range p.evicted {
		a := p.saved[id]
		if since.IsZero() || !a.LastSeen.Before(since) {
			stats.Add(&a)
		}
	}
	return stats, nil
}

type harness struct {
	engine    *Engine
	clock     *fakeClock
	sent      *recordingDispatcher
	persister *memoryPersister
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		sent:      &recordingDispatcher{},
		persister: newMemoryPersister(),
	}
	opts = append([]Option{
		WithClock(h.clock.Now),
		WithPersister(h.persister),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	engine, err := NewEngine(DefaultConfig(), h.sent, opts...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func loginEvent(ip string) *telemetry.Event {
	return &telemetry.Event{
		Timestamp:  time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC),
		Source:     telemetry.SourceAWSCloudWatch,
		EventType:  telemetry.EventTypeLogin,
		SourceIP:   ip,
		Principal:  "admin",
		Outcome:    telemetry.OutcomeFailure,
		RawMessage: "login attempt user=admin password=' OR '1'='1",
	}
}

func observe(ev *telemetry.Event, p float64) Observation {
	return Observation{
		Event:    ev,
		Result:   classifier.Result{Probability: p, Confidence: classifier.DeriveConfidence(p), ModelVersion: "test"},
		Features: features.NewExtractor().Extract(ev),
	}
}

// =============================================================================
// Severity
// =============================================================================

func TestThresholds_Table(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		p    float64
		want Severity
	}{
		{0, SeverityLow},
		{0.64, SeverityLow},
		{0.65, SeverityMedium},
		{0.84, SeverityMedium},
		{0.85, SeverityHigh},
		{0.9499, SeverityHigh},
		{0.95, SeverityCritical},
		{1, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Tier(tt.p), "p=%v", tt.p)
	}
}

func TestThresholds_LowConfidenceDemotesTopTiers(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, SeverityMedium, th.Severity(0.97, 0.2))
	assert.Equal(t, SeverityMedium, th.Severity(0.90, 0.49))
	assert.Equal(t, SeverityCritical, th.Severity(0.97, 0.5))
	assert.Equal(t, SeverityMedium, th.Severity(0.70, 0.0), "medium is never demoted")
	assert.Equal(t, SeverityLow, th.Severity(0.10, 1.0), "confidence never promotes")
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Critical: 0.8, High: 0.9, Medium: 0.5}.Validate())
	assert.Error(t, Thresholds{Critical: 1.2, High: 0.9, Medium: 0.5}.Validate())
	assert.Error(t, Thresholds{Critical: 0.95, High: 0.85, Medium: 0.65, MinConfidence: 2}.Validate())
}

func TestSeverity_TextRoundTrip(t *testing.T) {
	for _, sev := range AllSeverities {
		text, err := sev.MarshalText()
		require.NoError(t, err)
		var got Severity
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, sev, got)
	}
	_, err := ParseSeverity("severe")
	assert.Error(t, err)
	parsed, err := ParseSeverity(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, parsed)
}

func TestSeverity_MonotonicInProbability(t *testing.T) {
	th := DefaultThresholds()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("p1 <= p2 implies tier(p1) <= tier(p2)", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			return th.Tier(a) <= th.Tier(b)
		},
		gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.Property("monotonic at fixed confidence", prop.ForAll(
		func(a, b, conf float64) bool {
			if a > b {
				a, b = b, a
			}
			return th.Severity(a, conf) <= th.Severity(b, conf)
		},
		gen.Float64Range(0, 1), gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// =============================================================================
// Engine
// =============================================================================

func TestProcess_CriticalScenario(t *testing.T) {
	h := newHarness(t, WithAttackFramework(mitre.NewAttackFramework(nil)))
	ctx := context.Background()

	d, err := h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.97))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, d.Action)
	require.NotNil(t, d.Alert)
	assert.Equal(t, SeverityCritical, d.Alert.Severity)
	assert.Equal(t, StateOpen, d.Alert.State)
	assert.Equal(t, 1, d.Alert.Occurrences)
	assert.Contains(t, d.Alert.Description, "Potential security threat detected from aws-cloudwatch with 94.0% confidence.")
	assert.Equal(t, Recommendations(SeverityCritical), d.Alert.Actions)
	assert.NotEmpty(t, d.Alert.Techniques)

	sent := h.sent.Sent()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Escalation())
	assert.Equal(t, d.Alert.ID, sent[0].Alert.ID)

	_, ok := h.persister.saved[d.Alert.ID]
	assert.True(t, ok, "alert should be written through")
}

func TestProcess_LowNeverCreates(t *testing.T) {
	h := newHarness(t)
	d, err := h.engine.Process(context.Background(), observe(loginEvent("8.8.8.8"), 0.3))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, d.Action)
	assert.Nil(t, d.Alert)
	assert.Zero(t, h.engine.Len())
	assert.Empty(t, h.sent.Sent())
}

func TestProcess_DedupIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := loginEvent("8.8.8.8")

	const n = 25
	for i := 0; i < n; i++ {
		_, err := h.engine.Process(ctx, observe(ev, 0.7))
		require.NoError(t, err)
		h.clock.Advance(10 * time.Second)
	}

	alerts := h.engine.List(ListFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, n, alerts[0].Occurrences)
	assert.Len(t, h.sent.Sent(), 1)
}

func TestProcess_ConcurrentSameFingerprint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := 0.7
			if i == 25 {
				p = 0.9
			}
			_, err := h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), p))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	alerts := h.engine.List(ListFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, 50, alerts[0].Occurrences)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)

	// One creation, plus one escalation unless the HIGH observation came first.
	sent := h.sent.Sent()
	assert.GreaterOrEqual(t, len(sent), 1)
	assert.LessOrEqual(t, len(sent), 2)
	assert.Equal(t, SeverityHigh, sent[len(sent)-1].Alert.Severity)
}

func TestProcess_EscalationOnlyReemission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := loginEvent("8.8.8.8")

	d, err := h.engine.Process(ctx, observe(ev, 0.70))
	require.NoError(t, err)
	require.Equal(t, SeverityMedium, d.Alert.Severity)

	// Same severity: absorbed.
	d, err = h.engine.Process(ctx, observe(ev, 0.70))
	require.NoError(t, err)
	assert.Equal(t, ActionDeduplicated, d.Action)
	assert.Equal(t, 2, d.Alert.Occurrences)
	assert.Len(t, h.sent.Sent(), 1)

	// Lower severity still counts as an occurrence.
	d, err = h.engine.Process(ctx, observe(ev, 0.10))
	require.NoError(t, err)
	assert.Equal(t, ActionDeduplicated, d.Action)
	assert.Equal(t, 3, d.Alert.Occurrences)
	assert.Equal(t, SeverityMedium, d.Alert.Severity)
	assert.Len(t, h.sent.Sent(), 1)

	// Escalation to HIGH re-emits.
	d, err = h.engine.Process(ctx, observe(ev, 0.90))
	require.NoError(t, err)
	assert.Equal(t, ActionEscalated, d.Action)
	assert.Equal(t, SeverityHigh, d.Alert.Severity)
	assert.Equal(t, 4, d.Alert.Occurrences)
	assert.Equal(t, Recommendations(SeverityHigh), d.Alert.Actions)

	sent := h.sent.Sent()
	require.Len(t, sent, 2)
	assert.True(t, sent[1].Escalation())
	assert.Equal(t, SeverityMedium, sent[1].Previous)
	assert.Equal(t, sent[0].Alert.ID, sent[1].Alert.ID)
}

func TestProcess_AcknowledgedAbsorbsEscalation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := loginEvent("8.8.8.8")

	d, err := h.engine.Process(ctx, observe(ev, 0.70))
	require.NoError(t, err)
	_, err = h.engine.Acknowledge(ctx, d.Alert.Fingerprint)
	require.NoError(t, err)

	d, err = h.engine.Process(ctx, observe(ev, 0.99))
	require.NoError(t, err)
	assert.Equal(t, ActionDeduplicated, d.Action)
	assert.Equal(t, SeverityMedium, d.Alert.Severity)
	assert.Equal(t, StateAcknowledged, d.Alert.State)
	assert.Len(t, h.sent.Sent(), 1)
}

func TestProcess_WindowExpiryStartsNewInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := loginEvent("8.8.8.8")

	first, err := h.engine.Process(ctx, observe(ev, 0.70))
	require.NoError(t, err)

	// A LOW occurrence after expiry does not reopen anything.
	h.clock.Advance(6 * time.Minute)
	d, err := h.engine.Process(ctx, observe(ev, 0.2))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, d.Action)

	d, err = h.engine.Process(ctx, observe(ev, 0.70))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, d.Action)
	assert.NotEqual(t, first.Alert.ID, d.Alert.ID)
	assert.Equal(t, 1, d.Alert.Occurrences)
	assert.Len(t, h.sent.Sent(), 2)

	_, retired := h.persister.evicted[first.Alert.ID]
	assert.True(t, retired)
}

func TestProcess_WindowSlidesFromLastSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := loginEvent("8.8.8.8")

	for i := 0; i < 4; i++ {
		_, err := h.engine.Process(ctx, observe(ev, 0.70))
		require.NoError(t, err)
		h.clock.Advance(4 * time.Minute)
	}
	alerts := h.engine.List(ListFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, 4, alerts[0].Occurrences)
}

func TestProcess_DistinctFingerprints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.9))
	require.NoError(t, err)
	_, err = h.engine.Process(ctx, observe(loginEvent("1.1.1.1"), 0.9))
	require.NoError(t, err)

	assert.Equal(t, 2, h.engine.Len())
	assert.Len(t, h.sent.Sent(), 2)
}

func TestProcess_PersistFailureDoesNotBlockAlerting(t *testing.T) {
	h := newHarness(t)
	h.persister.failing = true

	d, err := h.engine.Process(context.Background(), observe(loginEvent("8.8.8.8"), 0.97))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, d.Action)
	assert.Len(t, h.sent.Sent(), 1)
}

func TestProcess_NilEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Process(context.Background(), Observation{})
	assert.Error(t, err)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestAcknowledge_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.9))
	require.NoError(t, err)
	fp := d.Alert.Fingerprint

	a, err := h.engine.Acknowledge(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, a.State)
	require.NotNil(t, a.AckedAt)
	ackedAt := *a.AckedAt

	h.clock.Advance(time.Minute)
	a, err = h.engine.Acknowledge(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, a.State)
	assert.Equal(t, ackedAt, *a.AckedAt)
}

func TestResolve_FromOpenAndAcknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d1, _ := h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.9))
	d2, _ := h.engine.Process(ctx, observe(loginEvent("1.1.1.1"), 0.9))

	a, err := h.engine.Resolve(ctx, d1.Alert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)

	_, err = h.engine.Acknowledge(ctx, d2.Alert.Fingerprint)
	require.NoError(t, err)
	a, err = h.engine.Resolve(ctx, d2.Alert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)

	a, err = h.engine.Resolve(ctx, d2.Alert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)

	// Acknowledging a resolved alert leaves it resolved.
	a, err = h.engine.Acknowledge(ctx, d1.Alert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)
}

func TestLifecycle_UnknownFingerprint(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Acknowledge(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrAlertNotFound))
	_, err = h.engine.Resolve(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrAlertNotFound))
}

func TestGet_ReturnsCopy(t *testing.T) {
	h := newHarness(t)
	d, _ := h.engine.Process(context.Background(), observe(loginEvent("8.8.8.8"), 0.9))

	a, ok := h.engine.Get(d.Alert.Fingerprint)
	require.True(t, ok)
	a.State = StateResolved
	a.Actions[0] = "tampered"

	again, _ := h.engine.Get(d.Alert.Fingerprint)
	assert.Equal(t, StateOpen, again.State)
	assert.NotEqual(t, "tampered", again.Actions[0])
}

// =============================================================================
// Query, eviction, restore
// =============================================================================

func TestList_Filters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.97))
	h.clock.Advance(time.Second)
	_, _ = h.engine.Process(ctx, observe(loginEvent("1.1.1.1"), 0.70))
	h.clock.Advance(time.Second)
	azure := loginEvent("9.9.9.9")
	azure.Source = telemetry.SourceAzureMonitor
	_, _ = h.engine.Process(ctx, observe(azure, 0.90))

	all := h.engine.List(ListFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "9.9.9.9", all[0].SourceIP, "most recent first")

	assert.Len(t, h.engine.List(ListFilter{MinSeverity: SeverityHigh}), 2)
	assert.Len(t, h.engine.List(ListFilter{Source: telemetry.SourceAzureMonitor}), 1)
	assert.Len(t, h.engine.List(ListFilter{Limit: 2}), 2)
	assert.Len(t, h.engine.List(ListFilter{State: StateResolved}), 0)
}

func TestStats_WindowAndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.97))
	h.clock.Advance(25 * time.Hour)
	_, _ = h.engine.Process(ctx, observe(loginEvent("1.1.1.1"), 0.70))

	stats, err := h.engine.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.BySeverity[SeverityMedium])

	assert.Equal(t, 1, h.engine.Evict(ctx))
	assert.Equal(t, 1, h.engine.Len())

	stats, err = h.engine.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total, "evicted alert remains in historical stats")
	assert.Equal(t, 1, stats.Evicted)
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.BySeverity[SeverityCritical])
	assert.Equal(t, 2, stats.BySource["aws-cloudwatch"])
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.70))
	require.NoError(t, err)

	fresh := newHarness(t)
	fresh.clock.now = h.clock.Now()
	saved := []Alert{h.persister.saved[d.Alert.ID]}
	assert.Equal(t, 1, fresh.engine.Restore(saved))

	// A repeat after restart dedups into the restored alert without dispatch.
	d2, err := fresh.engine.Process(ctx, observe(loginEvent("8.8.8.8"), 0.70))
	require.NoError(t, err)
	assert.Equal(t, ActionDeduplicated, d2.Action)
	assert.Equal(t, d.Alert.ID, d2.Alert.ID)
	assert.Equal(t, 2, d2.Alert.Occurrences)
	assert.Empty(t, fresh.sent.Sent())
}

func TestRunEviction_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EvictionInterval = 5 * time.Millisecond
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.RunEviction(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not return after cancel")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Shards = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Retention = time.Minute
	assert.Error(t, bad.Validate())

	_, err := NewEngine(bad, nil)
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := loginEvent("8.8.8.8")
	b := loginEvent("8.8.8.8")
	b.RawMessage = "different message"
	b.Timestamp = b.Timestamp.Add(time.Hour)
	assert.Equal(t, Fingerprint(a), Fingerprint(b), "message and time do not affect identity")
	assert.Len(t, Fingerprint(a), 64)

	c := loginEvent("8.8.4.4")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}
