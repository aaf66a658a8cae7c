// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for CloudSentry.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	tracerName           = "github.com/lvonguyen/cloudsentry"
	systemSampleInterval = 15 * time.Second
)

// Config configures telemetry.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	// Tracing
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Telemetry owns the process-wide logger, tracer provider and metrics
// registry. Each instance has its own registry so tests can build several.
type Telemetry struct {
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	registry *prometheus.Registry
	metrics  *Metrics

	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// New builds telemetry from cfg. A tracing exporter that cannot be created
// is logged and tracing falls back to a no-op tracer.
func New(cfg Config) (*Telemetry, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	t := &Telemetry{
		config:   cfg,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer(tracerName),
		registry: prometheus.NewRegistry(),
	}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(context.Background(), cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.tracer = tp.Tracer(tracerName)
			t.shutdownFns = append(t.shutdownFns, tp.Shutdown)
			logger.Info("Tracing enabled",
				zap.String("endpoint", cfg.OTLPEndpoint),
				zap.Float64("sampling_rate", cfg.SamplingRate),
			)
		}
	}

	if cfg.MetricsEnabled {
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(t.registry)
	}

	return t, nil
}

// newLogger returns a JSON production logger, or a colored development
// logger when the format is "console". Unknown levels fall back to info.
func newLogger(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	fields := map[string]any{"service": cfg.ServiceName}
	if cfg.ServiceVersion != "" {
		fields["version"] = cfg.ServiceVersion
	}
	if cfg.Environment != "" {
		fields["environment"] = cfg.Environment
	}
	zc.InitialFields = fields

	return zc.Build()
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("cloudsentry.component", "pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate < 0 {
		rate = 0
	} else if rate > 1 {
		rate = 1
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	), nil
}

func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer is a no-op tracer unless tracing is enabled and the exporter
// started.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns nil when metrics are disabled; recorders are nil-safe.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves this instance's registry.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// StartSystemMetricsCollector samples runtime gauges in the background
// until ctx is done.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(systemSampleInterval)
		defer ticker.Stop()
		for {
			t.sampleRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (t *Telemetry) sampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	t.metrics.MemoryUsage.Set(float64(ms.Alloc))
}

// Shutdown flushes pending spans and syncs the logger. Only the first call
// has any effect.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if e := fn(ctx); e != nil && err == nil {
				err = e
			}
		}
		_ = t.logger.Sync()
	})
	return err
}
