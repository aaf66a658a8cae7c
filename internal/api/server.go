// Package api exposes ingestion, the alert query surface and operational
// endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/api/gateway"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
	"github.com/lvonguyen/cloudsentry/internal/observability"
	"github.com/lvonguyen/cloudsentry/internal/pipeline"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/correlation"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

// Config holds HTTP server settings.
type Config struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    10 << 20,
		MaxBatchSize:    1000,
	}
}

// Ingester accepts raw events.
type Ingester interface {
	Ingest(ctx context.Context, raw *ingestion.RawEvent) error
	IngestBatch(ctx context.Context, events []*ingestion.RawEvent) (int, error)
	Stats() pipeline.Stats
	Ready() bool
}

// AlertStore is the alert query and lifecycle surface.
type AlertStore interface {
	Get(fp string) (alerting.Alert, bool)
	List(filter alerting.ListFilter) []alerting.Alert
	Stats(ctx context.Context, window time.Duration) (alerting.Stats, error)
	Acknowledge(ctx context.Context, fp string) (alerting.Alert, error)
	Resolve(ctx context.Context, fp string) (alerting.Alert, error)
}

// DeliveryLog reports per-channel delivery state.
type DeliveryLog interface {
	Deliveries(fp string) []distribution.DeliveryRecord
	Pending() map[string]int
}

// ReadinessCheck is consulted by /ready.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators served by the API. Feed, HEC, Metrics,
// RateLimiter and Correlator are optional.
type Deps struct {
	Pipeline    Ingester
	Alerts      AlertStore
	Deliveries  DeliveryLog
	Correlator  *correlation.Correlator
	Feed        http.Handler
	HEC         http.Handler
	Metrics     http.Handler
	RateLimiter *gateway.RateLimiter
	Checks      map[string]ReadinessCheck
	Version     string
}

// Server is the CloudSentry HTTP API.
type Server struct {
	config  Config
	deps    Deps
	logger  *zap.Logger
	metrics *observability.Metrics
	router  chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps, logger *zap.Logger, metrics *observability.Metrics) (*Server, error) {
	if deps.Pipeline == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("api requires a pipeline and an alert store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	s := &Server{config: cfg, deps: deps, logger: logger, metrics: metrics}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The feed is long-lived and must not inherit the request timeout.
		if s.deps.Feed != nil {
			r.Method(http.MethodGet, "/feed", s.deps.Feed)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))
			if s.deps.RateLimiter != nil {
				r.Use(s.deps.RateLimiter.Middleware(nil, nil))
			}

			r.Post("/ingest", s.handleIngest)
			r.Post("/ingest/batch", s.handleIngestBatch)

			r.Get("/stats", s.handleStats)
			r.Get("/pipeline/stats", s.handlePipelineStats)
			if s.deps.Correlator != nil {
				r.Get("/chains", s.handleChains)
			}

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Get("/{fingerprint}", s.handleGetAlert)
				r.Get("/{fingerprint}/deliveries", s.handleDeliveries)
				r.Post("/{fingerprint}/acknowledge", s.handleAcknowledge)
				r.Post("/{fingerprint}/resolve", s.handleResolve)
			})
		})
	})

	// HEC-compatible endpoints (for Splunk integration)
	if s.deps.HEC != nil {
		r.Mount("/services/collector", s.deps.HEC)
	}
	return r
}

// requestLogger logs and measures every request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.Request(r.Method, route, fmt.Sprint(status), elapsed)
		s.logger.Debug("Http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start serves on the configured port until ctx is done, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	return nil
}
