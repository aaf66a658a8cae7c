package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cloudsentry"

// Metrics holds Prometheus metrics for CloudSentry. All recording methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	// Pipeline metrics
	EventsReceived  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	Classifications *prometheus.CounterVec
	Probability     prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec

	// Alert metrics
	Alerts       *prometheus.CounterVec
	AlertsActive prometheus.Gauge

	// Distribution metrics
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec

	// Enrichment metrics
	EnrichmentRequests *prometheus.CounterVec
	EnrichmentCacheHit *prometheus.CounterVec

	// Persistence metrics
	PersistenceErrors *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// NewMetrics registers the metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Raw events accepted for processing by source",
			},
			[]string{"source"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped before alerting by reason",
			},
			[]string{"reason"},
		),
		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Classification attempts by outcome",
			},
			[]string{"outcome"},
		),
		Probability: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "threat_probability",
				Help:      "Distribution of threat probabilities",
				Buckets:   []float64{0.1, 0.25, 0.5, 0.65, 0.75, 0.85, 0.9, 0.95, 0.99},
			},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"stage"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current depth of bounded queues",
			},
			[]string{"queue"},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alert engine decisions by severity and action",
			},
			[]string{"severity", "action"},
		),
		AlertsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alerts_active",
				Help:      "Alerts held in memory",
			},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Channel deliveries by final status",
			},
			[]string{"channel", "status"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time from dispatch to final delivery status",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"channel"},
		),
		EnrichmentRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_requests_total",
				Help:      "Total enrichment requests",
			},
			[]string{"provider", "status"},
		),
		EnrichmentCacheHit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_cache_hits_total",
				Help:      "Enrichment cache hits by tier",
			},
			[]string{"tier"},
		),
		PersistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Alert persistence failures by operation",
			},
			[]string{"op"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Ingest requests rejected by the rate limiter",
			},
		),
	}
}

func (m *Metrics) EventReceived(source string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Classification(outcome string, probability float64) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(outcome).Inc()
	if outcome == "classified" {
		m.Probability.Observe(probability)
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) AlertAction(severity, action string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(severity, action).Inc()
}

func (m *Metrics) SetActiveAlerts(n int) {
	if m == nil {
		return
	}
	m.AlertsActive.Set(float64(n))
}

func (m *Metrics) Delivery(channel, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, status).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) Enrichment(provider, status string) {
	if m == nil {
		return
	}
	m.EnrichmentRequests.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) EnrichmentCache(tier string) {
	if m == nil {
		return
	}
	m.EnrichmentCacheHit.WithLabelValues(tier).Inc()
}

func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Request(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
