// Package distribution fans alerts out to notification channels. Every
// channel owns a bounded queue and its own workers, so a slow or failing
// channel never delays the others.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/observability"
)

var (
	// ErrQueueOverflow marks a delivery dropped to make room in a full
	// channel queue.
	ErrQueueOverflow = errors.New("channel queue overflow")

	// ErrDistributorClosed is returned once Shutdown has started.
	ErrDistributorClosed = errors.New("distributor closed")
)

// Channel delivers alerts to one destination. Send should return an error
// wrapped with backoff.Permanent when retrying cannot help.
type Channel interface {
	Name() string
	Send(ctx context.Context, a alerting.Alert) error
}

// FailureHook is called once for every delivery that ends failed.
type FailureHook func(rec DeliveryRecord)

// Config controls queueing and retries.
type Config struct {
	QueueSize      int                 `yaml:"queue_size"`
	Workers        int                 `yaml:"workers"`
	MaxAttempts    int                 `yaml:"max_attempts"`
	InitialBackoff time.Duration       `yaml:"initial_backoff"`
	MaxBackoff     time.Duration       `yaml:"max_backoff"`
	SendTimeout    time.Duration       `yaml:"send_timeout"`
	HistorySize    int                 `yaml:"history_size"`
	Routes         map[string][]string `yaml:"routes"`
}

// DefaultConfig returns the default distribution settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		Workers:        2,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		SendTimeout:    10 * time.Second,
		HistorySize:    10000,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive")
	}
	_, err := ParseRoutes(c.Routes)
	return err
}

// Option customizes a Distributor.
type Option func(*Distributor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Distributor) { d.logger = l } }

// WithMetrics records deliveries and queue depths.
func WithMetrics(m *observability.Metrics) Option { return func(d *Distributor) { d.metrics = m } }

// WithFailureHook registers a hook for failed deliveries.
func WithFailureHook(h FailureHook) Option { return func(d *Distributor) { d.onFailure = h } }

// WithRoutes replaces the routing table built from the config.
func WithRoutes(t RoutingTable) Option { return func(d *Distributor) { d.routes = t } }

type job struct {
	alert  alerting.Alert
	record DeliveryRecord
}

type channelQueue struct {
	channel Channel
	// push serializes producers so a drop-oldest is always followed by a
	// successful send.
	push sync.Mutex
	jobs chan job
}

// Distributor routes alerts to registered channels.
type Distributor struct {
	config    Config
	routes    RoutingTable
	records   *recordStore
	logger    *zap.Logger
	metrics   *observability.Metrics
	onFailure FailureHook

	mu     sync.RWMutex
	queues map[string]*channelQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a distributor with no channels.
func New(cfg Config, opts ...Option) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid distribution config: %w", err)
	}
	routes, _ := ParseRoutes(cfg.Routes)
	records, err := newRecordStore(cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery history: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Distributor{
		config:  cfg,
		routes:  routes,
		records: records,
		logger:  zap.NewNop(),
		queues:  make(map[string]*channelQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Register adds a channel and starts its workers. The channel must have a
// route.
func (d *Distributor) Register(ch Channel) error {
	name := ch.Name()
	if !d.routes.Routed(name) {
		return fmt.Errorf("channel %q has no route", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDistributorClosed
	}
	if _, ok := d.queues[name]; ok {
		return fmt.Errorf("channel %q already registered", name)
	}

	q := &channelQueue{channel: ch, jobs: make(chan job, d.config.QueueSize)}
	d.queues[name] = q
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(q)
	}

	d.logger.Info("Channel registered",
		zap.String("channel", name),
		zap.Int("workers", d.config.Workers),
	)
	return nil
}

// Channels returns the registered channel names, sorted.
func (d *Distributor) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.queues))
	for name := range d.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify satisfies alerting.Dispatcher.
func (d *Distributor) Notify(n alerting.Notification) {
	d.dispatch(n.Alert, n.Escalation())
}

// Dispatch enqueues a for every registered channel whose route accepts its
// severity and returns the pending records. It never blocks.
func (d *Distributor) Dispatch(a alerting.Alert) []DeliveryRecord {
	return d.dispatch(a, false)
}

func (d *Distributor) dispatch(a alerting.Alert, escalation bool) []DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("Dropping alert after shutdown",
			zap.String("alert_id", a.ID),
			zap.Error(ErrDistributorClosed),
		)
		return nil
	}

	now := time.Now().UTC()
	var out []DeliveryRecord
	for name, q := range d.queues {
		if !d.routes.Accepts(name, a.Severity) {
			continue
		}
		rec := DeliveryRecord{
			ID:          uuid.NewString(),
			AlertID:     a.ID,
			Fingerprint: a.Fingerprint,
			Channel:     name,
			Severity:    a.Severity,
			Escalation:  escalation,
			State:       DeliveryPending,
			QueuedAt:    now,
			UpdatedAt:   now,
		}
		d.records.add(rec)
		d.enqueue(q, job{alert: a, record: rec})
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// enqueue adds j to the channel queue, dropping the oldest pending job
// when the queue is full. Caller holds d.mu for reading.
func (d *Distributor) enqueue(q *channelQueue, j job) {
	q.push.Lock()
	defer q.push.Unlock()

	for {
		select {
		case q.jobs <- j:
			d.metrics.SetQueueDepth("channel_"+q.channel.Name(), len(q.jobs))
			return
		default:
		}

		select {
		case old := <-q.jobs:
			d.fail(old.record, 0, ErrQueueOverflow)
			d.metrics.Delivery(old.record.Channel, "dropped", 0)
		default:
		}
	}
}

func (d *Distributor) worker(q *channelQueue) {
	defer d.wg.Done()
	for j := range q.jobs {
		d.metrics.SetQueueDepth("channel_"+q.channel.Name(), len(q.jobs))
		d.deliver(q.channel, j)
	}
}

func (d *Distributor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxAttempts-1)), d.ctx)
}

func (d *Distributor) deliver(ch Channel, j job) {
	if d.ctx.Err() != nil {
		d.fail(j.record, 0, ErrDistributorClosed)
		return
	}

	start := time.Now()
	attempts := 0
	op := func() error {
		attempts++
		ctx, cancel := context.WithTimeout(d.ctx, d.config.SendTimeout)
		defer cancel()
		return ch.Send(ctx, j.alert)
	}
	notify := func(err error, wait time.Duration) {
		d.records.update(j.record, func(r *DeliveryRecord) {
			r.Attempts = attempts
			r.LastError = err.Error()
			r.UpdatedAt = time.Now().UTC()
		})
		d.logger.Warn("Delivery attempt failed, retrying",
			zap.String("channel", j.record.Channel),
			zap.String("alert_id", j.alert.ID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, d.newBackOff(), notify)
	if err != nil {
		if d.ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrDistributorClosed, err)
		}
		d.fail(j.record, attempts, err)
		d.metrics.Delivery(j.record.Channel, "failed", time.Since(start))
		return
	}

	d.records.update(j.record, func(r *DeliveryRecord) {
		r.State = DeliveryDelivered
		r.Attempts = attempts
		r.LastError = ""
		r.UpdatedAt = time.Now().UTC()
	})
	d.metrics.Delivery(j.record.Channel, "delivered", time.Since(start))
	d.logger.Debug("Alert delivered",
		zap.String("channel", j.record.Channel),
		zap.String("alert_id", j.alert.ID),
		zap.Int("attempts", attempts),
	)
}

func (d *Distributor) fail(rec DeliveryRecord, attempts int, err error) {
	final := d.records.update(rec, func(r *DeliveryRecord) {
		r.State = DeliveryFailed
		if attempts > 0 {
			r.Attempts = attempts
		}
		r.LastError = err.Error()
		r.UpdatedAt = time.Now().UTC()
	})
	d.logger.Error("Alert delivery failed",
		zap.String("channel", rec.Channel),
		zap.String("alert_id", rec.AlertID),
		zap.String("severity", rec.Severity.String()),
		zap.Int("attempts", final.Attempts),
		zap.Error(err),
	)
	if d.onFailure != nil {
		d.onFailure(final)
	}
}

// Deliveries returns the recorded deliveries for a fingerprint, oldest
// first.
func (d *Distributor) Deliveries(fp string) []DeliveryRecord {
	return d.records.byFingerprint(fp)
}

// Pending returns the number of queued deliveries per channel.
func (d *Distributor) Pending() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.queues))
	for name, q := range d.queues {
		out[name] = len(q.jobs)
	}
	return out
}

// Shutdown stops accepting alerts and lets workers drain their queues.
// When ctx ends first, outstanding sends and retries are cancelled and the
// remaining deliveries are marked failed.
func (d *Distributor) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		q.push.Lock()
		close(q.jobs)
		q.push.Unlock()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("flushing deliveries: %w", ctx.Err())
	}
}
