package ingestion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink accepts batches of raw events. It returns how many were accepted.
type Sink interface {
	IngestBatch(ctx context.Context, events []*RawEvent) (int, error)
}

// maxPending bounds the events held per collector for re-offer after the
// sink pushes back. Beyond it the oldest are dropped.
const maxPending = 10000

// Poller drives a set of collectors on fixed intervals and forwards what
// they return to a Sink. Events the sink does not accept are kept and
// offered again, ahead of newly collected ones, on the next poll.
type Poller struct {
	sink     Sink
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	collectors []Collector
	lastPoll   map[string]time.Time
	pending    map[string][]*RawEvent
}

// NewPoller creates a poller with a shared interval.
func NewPoller(sink Sink, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		sink:     sink,
		logger:   logger,
		interval: interval,
		lastPoll: make(map[string]time.Time),
		pending:  make(map[string][]*RawEvent),
	}
}

// Register adds a collector.
func (p *Poller) Register(c Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors = append(p.collectors, c)
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs every registered collector once.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	collectors := append([]Collector(nil), p.collectors...)
	p.mu.Unlock()

	for _, c := range collectors {
		p.poll(ctx, c)
	}
}

func (p *Poller) poll(ctx context.Context, c Collector) {
	name := c.Name()
	p.mu.Lock()
	since := p.lastPoll[name]
	pending := p.pending[name]
	p.mu.Unlock()

	started := time.Now()
	events, err := c.Collect(ctx, since)
	if err != nil {
		p.logger.Warn("Collector poll failed",
			zap.String("collector", name),
			zap.Error(err),
		)
	}
	if err == nil || len(events) > 0 {
		p.mu.Lock()
		p.lastPoll[name] = started
		p.mu.Unlock()
	}

	batch := append(pending, events...)
	if over := len(batch) - maxPending; over > 0 {
		p.logger.Warn("Dropping oldest pending events",
			zap.String("collector", name),
			zap.Int("dropped", over),
		)
		batch = batch[over:]
	}
	if len(batch) == 0 {
		return
	}

	accepted, err := p.sink.IngestBatch(ctx, batch)
	if accepted < 0 {
		accepted = 0
	}
	var rest []*RawEvent
	if accepted < len(batch) {
		rest = append([]*RawEvent(nil), batch[accepted:]...)
	}
	p.mu.Lock()
	p.pending[name] = rest
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("Sink rejected events",
			zap.String("collector", name),
			zap.Int("offered", len(batch)),
			zap.Int("accepted", accepted),
			zap.Int("pending", len(rest)),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("Collector poll complete",
		zap.String("collector", name),
		zap.Int("events", accepted),
	)
}

// Pending returns how many events for the named collector await re-offer.
func (p *Poller) Pending(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[name])
}
