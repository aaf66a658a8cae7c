// Package pipeline runs raw cloud events through normalization,
// enrichment, feature extraction, classification and alerting on a
// bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/features"
	"github.com/lvonguyen/cloudsentry/internal/observability"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/normalization"
)

var (
	// ErrBackpressure is returned when the ingest queue is full. The event
	// was not accepted and may be retried.
	ErrBackpressure = errors.New("pipeline: ingest queue full")
	// ErrPipelineClosed is returned once shutdown has begun.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

const ingestQueue = "ingest"

// Config sizes the ingest queue and worker pool.
type Config struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:       4096,
		Workers:         4,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

// Enricher attaches context to a normalized event. Implementations return
// the input unchanged when they have nothing to add.
type Enricher interface {
	Enrich(ctx context.Context, ev *telemetry.Event) *telemetry.Event
}

// AlertProcessor is the alert state machine fed by the pipeline.
type AlertProcessor interface {
	Process(ctx context.Context, obs alerting.Observation) (alerting.Decision, error)
}

// Flusher is drained after the last event has been processed.
type Flusher interface {
	Shutdown(ctx context.Context) error
}

// Outcome is the result of processing one raw event.
type Outcome struct {
	Event    *telemetry.Event
	Features features.Vector
	Result   classifier.Result
	Decision alerting.Decision
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Received       int64 `json:"received"`
	Rejected       int64 `json:"rejected"`
	Normalized     int64 `json:"normalized"`
	Malformed      int64 `json:"malformed"`
	SchemaMismatch int64 `json:"schema_mismatch"`
	Undetermined   int64 `json:"undetermined"`
	Classified     int64 `json:"classified"`
	Alerts         int64 `json:"alerts"`
	Escalations    int64 `json:"escalations"`
	Failed         int64 `json:"failed"`
	QueueDepth     int   `json:"queue_depth"`
	QueueCapacity  int   `json:"queue_capacity"`
}

type counters struct {
	received       atomic.Int64
	rejected       atomic.Int64
	normalized     atomic.Int64
	malformed      atomic.Int64
	schemaMismatch atomic.Int64
	undetermined   atomic.Int64
	classified     atomic.Int64
	alerts         atomic.Int64
	escalations    atomic.Int64
	failed         atomic.Int64
}

// Pipeline owns the ingest queue and the workers draining it.
type Pipeline struct {
	config     Config
	normalizer *normalization.Normalizer
	extractor  *features.Extractor
	classifier *classifier.Classifier
	alerts     AlertProcessor
	enricher   Enricher
	flusher    Flusher

	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	queue chan *ingestion.RawEvent

	mu      sync.RWMutex
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats counters
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithEnricher(e Enricher) Option {
	return func(p *Pipeline) { p.enricher = e }
}

// WithFlusher registers a component drained at the end of Shutdown,
// typically the alert distributor.
func WithFlusher(f Flusher) Option {
	return func(p *Pipeline) { p.flusher = f }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New assembles a pipeline. Workers start with Start.
func New(cfg Config, normalizer *normalization.Normalizer, extractor *features.Extractor,
	cls *classifier.Classifier, alerts AlertProcessor, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if normalizer == nil || extractor == nil || cls == nil || alerts == nil {
		return nil, fmt.Errorf("pipeline requires a normalizer, extractor, classifier and alert processor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		config:     cfg,
		normalizer: normalizer,
		extractor:  extractor,
		classifier: cls,
		alerts:     alerts,
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("cloudsentry/pipeline"),
		queue:      make(chan *ingestion.RawEvent, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the worker pool. It is a no-op after the first call.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Pipeline started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize),
		zap.String("model_version", p.classifier.ModelVersion()),
	)
}

// Ingest queues raw for processing. It never blocks: a full queue fails
// with ErrBackpressure.
func (p *Pipeline) Ingest(ctx context.Context, raw *ingestion.RawEvent) error {
	if raw == nil {
		return fmt.Errorf("nil raw event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineClosed
	}

	select {
	case p.queue <- raw:
		p.stats.received.Add(1)
		p.metrics.EventReceived(string(raw.Source))
		p.metrics.SetQueueDepth(ingestQueue, len(p.queue))
		return nil
	default:
		p.stats.rejected.Add(1)
		p.metrics.EventDropped("backpressure")
		return ErrBackpressure
	}
}

// IngestBatch queues events in order until one is rejected. It returns
// the number accepted; the rest of the batch is not queued.
func (p *Pipeline) IngestBatch(ctx context.Context, events []*ingestion.RawEvent) (int, error) {
	for i, raw := range events {
		if err := p.Ingest(ctx, raw); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for raw := range p.queue {
		p.metrics.SetQueueDepth(ingestQueue, len(p.queue))
		if _, err := p.Process(p.ctx, raw); err != nil {
			p.logger.Debug("Event not alerted",
				zap.Int("worker", id),
				zap.String("raw_id", raw.ID),
				zap.Error(err),
			)
		}
	}
}

// Process runs one raw event through every stage synchronously. Errors
// are typed: *normalization.MalformedEventError, *classifier.SchemaMismatchError
// and *classifier.ScorerError each mean the event was dropped and counted.
func (p *Pipeline) Process(ctx context.Context, raw *ingestion.RawEvent) (Outcome, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("event.raw_id", raw.ID),
			attribute.String("event.source", string(raw.Source)),
		),
	)
	defer span.End()
	defer func() { p.metrics.ObserveStage("total", time.Since(start)) }()

	out, err := p.process(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	span.SetAttributes(
		attribute.Float64("classifier.probability", out.Result.Probability),
		attribute.String("alert.action", string(out.Decision.Action)),
		attribute.String("alert.severity", out.Decision.Severity.String()),
	)
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, raw *ingestion.RawEvent) (Outcome, error) {
	var out Outcome

	stage := time.Now()
	ev, err := p.normalizer.Normalize(raw)
	p.metrics.ObserveStage("normalize", time.Since(stage))
	if err != nil {
		p.stats.malformed.Add(1)
		p.metrics.EventDropped("malformed")
		p.logger.Warn("Dropping malformed event",
			zap.String("raw_id", raw.ID),
			zap.String("source", string(raw.Source)),
			zap.Error(err),
		)
		return out, err
	}
	p.stats.normalized.Add(1)

	if p.enricher != nil {
		stage = time.Now()
		ev = p.enricher.Enrich(ctx, ev)
		p.metrics.ObserveStage("enrich", time.Since(stage))
	}
	out.Event = ev

	stage = time.Now()
	out.Features = p.extractor.Extract(ev)
	p.metrics.ObserveStage("extract", time.Since(stage))

	stage = time.Now()
	out.Result, err = p.classifier.Classify(ctx, out.Features)
	p.metrics.ObserveStage("classify", time.Since(stage))
	if err != nil {
		var mismatch *classifier.SchemaMismatchError
		if errors.As(err, &mismatch) {
			p.stats.schemaMismatch.Add(1)
			p.metrics.EventDropped("schema_mismatch")
			p.metrics.Classification("schema_mismatch", 0)
			p.logger.Error("Feature vector rejected by classifier",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			return out, err
		}
		p.stats.undetermined.Add(1)
		p.metrics.Classification("undetermined", 0)
		p.logger.Warn("Classification undetermined",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return out, err
	}
	p.stats.classified.Add(1)
	p.metrics.Classification("classified", out.Result.Probability)

	stage = time.Now()
	out.Decision, err = p.alerts.Process(ctx, alerting.Observation{
		Event:    ev,
		Result:   out.Result,
		Features: out.Features,
	})
	p.metrics.ObserveStage("alert", time.Since(stage))
	if err != nil {
		p.stats.failed.Add(1)
		return out, fmt.Errorf("alerting event %s: %w", ev.ID, err)
	}

	switch out.Decision.Action {
	case alerting.ActionCreated:
		p.stats.alerts.Add(1)
	case alerting.ActionEscalated:
		p.stats.escalations.Add(1)
	}
	return out, nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:       p.stats.received.Load(),
		Rejected:       p.stats.rejected.Load(),
		Normalized:     p.stats.normalized.Load(),
		Malformed:      p.stats.malformed.Load(),
		SchemaMismatch: p.stats.schemaMismatch.Load(),
		Undetermined:   p.stats.undetermined.Load(),
		Classified:     p.stats.classified.Load(),
		Alerts:         p.stats.alerts.Load(),
		Escalations:    p.stats.escalations.Load(),
		Failed:         p.stats.failed.Load(),
		QueueDepth:     len(p.queue),
		QueueCapacity:  cap(p.queue),
	}
}

// Ready reports whether the pipeline accepts events.
func (p *Pipeline) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started && !p.closed
}

// Shutdown stops accepting events, drains the queue and then the flusher.
// Work still pending when ctx or the configured shutdown timeout expires
// is cancelled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.config.ShutdownTimeout)
	defer cancel()

	p.logger.Info("Pipeline draining", zap.Int("queued", len(p.queue)))

	var err error
	if started {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			p.cancel()
			<-done
			err = fmt.Errorf("draining ingest queue: %w", ctx.Err())
		}
	}
	p.cancel()

	if p.flusher != nil {
		if ferr := p.flusher.Shutdown(ctx); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}

	stats := p.Stats()
	p.logger.Info("Pipeline stopped",
		zap.Int64("received", stats.Received),
		zap.Int64("classified", stats.Classified),
		zap.Int64("alerts", stats.Alerts),
	)
	return err
}
