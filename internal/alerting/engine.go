package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/features"
	"github.com/lvonguyen/cloudsentry/internal/mitre"
	"github.com/lvonguyen/cloudsentry/internal/observability"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// ErrAlertNotFound is returned for fingerprints with no alert in memory.
var ErrAlertNotFound = errors.New("alert not found")

// Action describes what the engine did with an observation.
type Action string

const (
	ActionIgnored      Action = "ignored"
	ActionCreated      Action = "created"
	ActionDeduplicated Action = "deduplicated"
	ActionEscalated    Action = "escalated"
)

// Observation is one classified event offered to the engine.
type Observation struct {
	Event    *telemetry.Event
	Result   classifier.Result
	Features features.Vector
}

// Decision is the outcome of Process. Alert is nil when the observation
// was ignored.
type Decision struct {
	Action   Action
	Severity Severity
	Alert    *Alert
}

// Notification is handed to the Dispatcher when an alert must be sent.
type Notification struct {
	Alert Alert
	// Previous is the severity before an escalation, or SeverityUnknown
	// for the first emission.
	Previous Severity
}

// Escalation reports whether the notification re-emits an existing alert.
func (n Notification) Escalation() bool { return n.Previous != SeverityUnknown }

// Dispatcher receives alerts for distribution. Notify is called while the
// alert's shard is locked and must not block.
type Dispatcher interface {
	Notify(n Notification)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(n Notification)

func (f DispatchFunc) Notify(n Notification) { f(n) }

// Persister is an optional write-through store for alert state.
type Persister interface {
	SaveAlert(ctx context.Context, a Alert) error
	MarkEvicted(ctx context.Context, id string, at time.Time) error
	// HistoricalStats summarizes evicted alerts last seen at or after since.
	HistoricalStats(ctx context.Context, since time.Time) (Stats, error)
}

// Config tunes the engine.
type Config struct {
	Thresholds       `yaml:",inline"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	Retention        time.Duration `yaml:"retention"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	Shards           int           `yaml:"shards"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds(),
		DedupWindow:      5 * time.Minute,
		Retention:        24 * time.Hour,
		EvictionInterval: time.Minute,
		Shards:           32,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive")
	}
	if c.Retention < c.DedupWindow {
		return fmt.Errorf("retention must be at least dedup_window")
	}
	if c.Shards <= 0 {
		return fmt.Errorf("shards must be positive")
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersister attaches a write-through store.
func WithPersister(p Persister) Option { return func(e *Engine) { e.persister = p } }

// WithAttackFramework annotates alerts with ATT&CK techniques.
func WithAttackFramework(af *mitre.AttackFramework) Option {
	return func(e *Engine) { e.attack = af }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics records engine decisions.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type shard struct {
	mu     sync.Mutex
	alerts map[string]*Alert
}

// Engine owns the fingerprint to alert store. Lookups and updates for one
// fingerprint are serialized by its shard lock; distinct shards proceed in
// parallel.
type Engine struct {
	config     Config
	shards     []*shard
	dispatcher Dispatcher
	persister  Persister
	attack     *mitre.AttackFramework
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewEngine creates an engine that emits notifications to dispatcher.
func NewEngine(cfg Config, dispatcher Dispatcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alerting config: %w", err)
	}
	e := &Engine{
		config:     cfg,
		shards:     make([]*shard, cfg.Shards),
		dispatcher: dispatcher,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{alerts: make(map[string]*Alert)}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) shardFor(fp string) *shard {
	return e.shards[xxhash.Sum64String(fp)%uint64(len(e.shards))]
}

// Thresholds returns the severity table in use.
func (e *Engine) Thresholds() Thresholds { return e.config.Thresholds }

// Process applies one observation. LOW observations never create alerts
// but still count as occurrences of a live one.
func (e *Engine) Process(ctx context.Context, obs Observation) (Decision, error) {
	if obs.Event == nil {
		return Decision{}, fmt.Errorf("observation has no event")
	}

	sev := e.config.Severity(obs.Result.Probability, obs.Result.Confidence)
	fp := Fingerprint(obs.Event)
	now := e.now().UTC()

	sh := e.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.alerts[fp]
	if ok && now.Sub(existing.LastSeen) <= e.config.DedupWindow {
		return e.repeat(ctx, existing, obs, sev, now), nil
	}

	if sev < SeverityMedium {
		e.metrics.AlertAction(sev.String(), string(ActionIgnored))
		return Decision{Action: ActionIgnored, Severity: sev}, nil
	}

	if ok {
		// The previous instance fell out of the dedup window; it stays
		// queryable through history only.
		e.retire(ctx, existing, now)
	}

	a := &Alert{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Severity:    sev,
		State:       StateNew,
		Source:      obs.Event.Source,
		EventType:   obs.Event.EventType,
		Principal:   obs.Event.Principal,
		SourceIP:    obs.Event.SourceIP,
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 1,
		UpdatedAt:   now,
	}
	e.attribute(a, obs, sev)
	a.State = StateOpen
	sh.alerts[fp] = a

	e.persist(ctx, a)
	e.notify(a, SeverityUnknown)

	e.logger.Info("Alert created",
		zap.String("alert_id", a.ID),
		zap.String("fingerprint", fp),
		zap.String("severity", sev.String()),
		zap.Float64("probability", obs.Result.Probability),
	)
	e.metrics.AlertAction(sev.String(), string(ActionCreated))

	snapshot := a.Clone()
	return Decision{Action: ActionCreated, Severity: sev, Alert: &snapshot}, nil
}

// repeat handles an occurrence inside the dedup window. Caller holds the
// shard lock.
func (e *Engine) repeat(ctx context.Context, a *Alert, obs Observation, sev Severity, now time.Time) Decision {
	a.Occurrences++
	if now.After(a.LastSeen) {
		a.LastSeen = now
	}
	a.UpdatedAt = now

	action := ActionDeduplicated
	previous := a.Severity
	if a.State.Active() && sev > a.Severity {
		a.Severity = sev
		e.attribute(a, obs, sev)
		action = ActionEscalated
	}

	e.persist(ctx, a)
	if action == ActionEscalated {
		e.notify(a, previous)
		e.logger.Info("Alert escalated",
			zap.String("alert_id", a.ID),
			zap.String("from", previous.String()),
			zap.String("to", sev.String()),
			zap.Int("occurrences", a.Occurrences),
		)
	}
	e.metrics.AlertAction(a.Severity.String(), string(action))

	snapshot := a.Clone()
	return Decision{Action: action, Severity: sev, Alert: &snapshot}
}

// attribute records the observation that set the alert's current severity.
func (e *Engine) attribute(a *Alert, obs Observation, sev Severity) {
	a.Result = obs.Result
	a.Event = obs.Event
	a.Description = describe(obs.Event, obs.Result)
	a.Actions = Recommendations(sev)
	if e.attack != nil {
		a.Techniques = e.attack.MapEvent(obs.Event, obs.Features)
	}
}

func (e *Engine) notify(a *Alert, previous Severity) {
	if e.dispatcher == nil {
		return
	}
	e.dispatcher.Notify(Notification{Alert: a.Clone(), Previous: previous})
}

func (e *Engine) persist(ctx context.Context, a *Alert) {
	if e.persister == nil {
		return
	}
	if err := e.persister.SaveAlert(ctx, a.Clone()); err != nil {
		e.metrics.PersistenceError("save")
		e.logger.Error("Failed to persist alert",
			zap.String("alert_id", a.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) retire(ctx context.Context, a *Alert, at time.Time) {
	if e.persister == nil {
		return
	}
	if err := e.persister.MarkEvicted(ctx, a.ID, at); err != nil {
		e.metrics.PersistenceError("evict")
		e.logger.Error("Failed to mark alert evicted",
			zap.String("alert_id", a.ID),
			zap.Error(err),
		)
	}
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED. Acknowledging an alert
// that is already acknowledged or resolved changes nothing.
func (e *Engine) Acknowledge(ctx context.Context, fp string) (Alert, error) {
	return e.transition(ctx, fp, func(a *Alert, now time.Time) bool {
		if !a.State.Active() {
			return false
		}
		a.State = StateAcknowledged
		a.AckedAt = &now
		return true
	})
}

// Resolve moves any unresolved alert to RESOLVED. Resolving twice is a
// no-op.
func (e *Engine) Resolve(ctx context.Context, fp string) (Alert, error) {
	return e.transition(ctx, fp, func(a *Alert, now time.Time) bool {
		if a.State == StateResolved {
			return false
		}
		a.State = StateResolved
		a.ResolvedAt = &now
		return true
	})
}

func (e *Engine) transition(ctx context.Context, fp string, apply func(*Alert, time.Time) bool) (Alert, error) {
	sh := e.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.alerts[fp]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, fp)
	}
	now := e.now().UTC()
	if apply(a, now) {
		a.UpdatedAt = now
		e.persist(ctx, a)
		e.metrics.AlertAction(a.Severity.String(), string(a.State))
		e.logger.Info("Alert state changed",
			zap.String("alert_id", a.ID),
			zap.String("state", string(a.State)),
		)
	}
	return a.Clone(), nil
}

// Get returns a copy of the alert for fp.
func (e *Engine) Get(fp string) (Alert, bool) {
	sh := e.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.alerts[fp]
	if !ok {
		return Alert{}, false
	}
	return a.Clone(), true
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	State       State
	MinSeverity Severity
	Source      telemetry.Source
	Since       time.Time
	Limit       int
}

func (f ListFilter) match(a *Alert) bool {
	if f.State != "" && a.State != f.State {
		return false
	}
	if a.Severity < f.MinSeverity {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	return f.Since.IsZero() || !a.LastSeen.Before(f.Since)
}

// List returns matching alerts, most recently seen first.
func (e *Engine) List(filter ListFilter) []Alert {
	var out []Alert
	e.each(func(a *Alert) {
		if filter.match(a) {
			out = append(out, a.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// each visits every stored alert with its shard locked.
func (e *Engine) each(fn func(*Alert)) {
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, a := range sh.alerts {
			fn(a)
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of alerts held in memory.
func (e *Engine) Len() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.alerts)
		sh.mu.Unlock()
	}
	return n
}

// Stats summarizes alerts last seen within window (all alerts when window
// is zero). Evicted alerts are included when a persister is attached.
type Stats struct {
	Window      time.Duration    `json:"window"`
	Since       time.Time        `json:"since,omitempty"`
	Total       int              `json:"total"`
	Open        int              `json:"open"`
	Evicted     int              `json:"evicted"`
	Occurrences int              `json:"occurrences"`
	BySeverity  map[Severity]int `json:"by_severity"`
	BySource    map[string]int   `json:"by_source"`
	ByState     map[State]int    `json:"by_state"`
}

// NewStats returns an empty summary.
func NewStats() Stats {
	return Stats{
		BySeverity: make(map[Severity]int),
		BySource:   make(map[string]int),
		ByState:    make(map[State]int),
	}
}

// Add counts one alert.
func (s *Stats) Add(a *Alert) {
	s.Total++
	s.Occurrences += a.Occurrences
	s.BySeverity[a.Severity]++
	s.BySource[string(a.Source)]++
	s.ByState[a.State]++
	if a.State.Active() {
		s.Open++
	}
}

// Merge folds historical counts into s.
func (s *Stats) Merge(h Stats) {
	s.Total += h.Total
	s.Evicted += h.Total
	s.Occurrences += h.Occurrences
	for k, v := range h.BySeverity {
		s.BySeverity[k] += v
	}
	for k, v := range h.BySource {
		s.BySource[k] += v
	}
	for k, v := range h.ByState {
		s.ByState[k] += v
	}
}

// Stats reports counts by severity, source and state.
func (e *Engine) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	stats := NewStats()
	stats.Window = window
	if window > 0 {
		stats.Since = e.now().UTC().Add(-window)
	}

	e.each(func(a *Alert) {
		if stats.Since.IsZero() || !a.LastSeen.Before(stats.Since) {
			stats.Add(a)
		}
	})

	if e.persister != nil {
		hist, err := e.persister.HistoricalStats(ctx, stats.Since)
		if err != nil {
			return stats, fmt.Errorf("loading historical stats: %w", err)
		}
		stats.Merge(hist)
	}
	return stats, nil
}

// Evict drops alerts whose last occurrence is older than the retention
// period and returns how many were removed.
func (e *Engine) Evict(ctx context.Context) int {
	now := e.now().UTC()
	cutoff := now.Add(-e.config.Retention)
	evicted := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for fp, a := range sh.alerts {
			if a.LastSeen.Before(cutoff) {
				e.retire(ctx, a, now)
				delete(sh.alerts, fp)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		e.logger.Info("Evicted expired alerts", zap.Int("count", evicted))
	}
	e.metrics.SetActiveAlerts(e.Len())
	return evicted
}

// RunEviction evicts on every EvictionInterval until ctx is done.
func (e *Engine) RunEviction(ctx context.Context) error {
	interval := e.config.EvictionInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Evict(ctx)
		}
	}
}

// Restore loads previously persisted alerts, typically at startup. For a
// fingerprint present more than once the most recently seen wins. Restored
// alerts are not re-dispatched.
func (e *Engine) Restore(alerts []Alert) int {
	restored := 0
	for i := range alerts {
		a := alerts[i].Clone()
		if a.Fingerprint == "" {
			continue
		}
		sh := e.shardFor(a.Fingerprint)
		sh.mu.Lock()
		if cur, ok := sh.alerts[a.Fingerprint]; !ok || a.LastSeen.After(cur.LastSeen) {
			sh.alerts[a.Fingerprint] = &a
			restored++
		}
		sh.mu.Unlock()
	}
	e.metrics.SetActiveAlerts(e.Len())
	return restored
}
