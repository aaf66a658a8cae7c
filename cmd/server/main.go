// Package main provides the entry point for the CloudSentry server.
// CloudSentry classifies cloud security telemetry and distributes alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/api"
	"github.com/lvonguyen/cloudsentry/internal/api/gateway"
	"github.com/lvonguyen/cloudsentry/internal/classifier"
	"github.com/lvonguyen/cloudsentry/internal/config"
	"github.com/lvonguyen/cloudsentry/internal/distribution"
	"github.com/lvonguyen/cloudsentry/internal/distribution/channels"
	"github.com/lvonguyen/cloudsentry/internal/enrichment"
	"github.com/lvonguyen/cloudsentry/internal/features"
	"github.com/lvonguyen/cloudsentry/internal/mitre"
	"github.com/lvonguyen/cloudsentry/internal/observability"
	"github.com/lvonguyen/cloudsentry/internal/pipeline"
	"github.com/lvonguyen/cloudsentry/internal/splunk"
	"github.com/lvonguyen/cloudsentry/internal/storage"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/correlation"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/normalization"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("CloudSentry %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudsentry: %v\n", err)
		os.Exit(1)
	}
	if cfg.Observability.ServiceVersion == "" || cfg.Observability.ServiceVersion == "dev" {
		cfg.Observability.ServiceVersion = Version
	}

	tel, err := observability.New(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudsentry: telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tel); err != nil {
		logger.Error("CloudSentry exited with error", zap.Error(err))
		shutdownTelemetry(tel)
		os.Exit(1)
	}
	shutdownTelemetry(tel)
}

func shutdownTelemetry(tel *observability.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func run(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting CloudSentry",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("built", BuildTime),
	)

	checks := make(map[string]api.ReadinessCheck)
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// Redis backs the shared reputation cache and distributed rate limiting.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		closers = append(closers, rdb)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, continuing", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Alert persistence
	var store *storage.SQLite
	if cfg.Storage.Enabled {
		var err error
		store, err = storage.Open(cfg.Storage.Path, logger)
		if err != nil {
			return err
		}
		closers = append(closers, store)
		checks["storage"] = store.Ping
	}

	dist, dashboard, err := buildDistributor(cfg, logger, metrics, &closers)
	if err != nil {
		return err
	}

	engineOpts := []alerting.Option{
		alerting.WithLogger(logger),
		alerting.WithMetrics(metrics),
		alerting.WithAttackFramework(mitre.NewAttackFramework(logger)),
	}
	if store != nil {
		engineOpts = append(engineOpts, alerting.WithPersister(store))
	}
	engine, err := alerting.NewEngine(cfg.Alerting, dist, engineOpts...)
	if err != nil {
		return err
	}
	if store != nil {
		active, err := store.LoadActive(ctx)
		if err != nil {
			return fmt.Errorf("restoring alerts: %w", err)
		}
		logger.Info("Restored active alerts", zap.Int("count", engine.Restore(active)))
	}

	scorer, err := buildScorer(cfg.Classifier)
	if err != nil {
		return err
	}
	cls := classifier.New(scorer, cfg.Classifier.Config)
	logger.Info("Classifier initialized", zap.String("model_version", cls.ModelVersion()))

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tel.Tracer()),
		pipeline.WithFlusher(dist),
	}
	if cfg.Enrichment.Enabled {
		svc, err := buildEnrichment(cfg.Enrichment, rdb, logger, metrics)
		if err != nil {
			logger.Warn("Reputation enrichment disabled", zap.Error(err))
		} else {
			pipeOpts = append(pipeOpts, pipeline.WithEnricher(svc))
		}
	}
	pipe, err := pipeline.New(cfg.Pipeline, normalization.NewNormalizer(), features.NewExtractor(), cls, engine, pipeOpts...)
	if err != nil {
		return err
	}
	pipe.Start()

	deps := api.Deps{
		Pipeline:   pipe,
		Alerts:     engine,
		Deliveries: dist,
		Correlator: correlation.NewCorrelator(cfg.Correlation),
		Feed:       dashboard.Hub(),
		Metrics:    tel.MetricsHandler(),
		Checks:     checks,
		Version:    Version,
	}
	if cfg.RateLimit.Enabled {
		var limiterRedis redis.Cmdable
		if rdb != nil {
			limiterRedis = rdb
		}
		deps.RateLimiter = gateway.NewRateLimiter(limiterRedis, cfg.RateLimit, logger, metrics)
	}

	var receiver *splunk.HECReceiver
	if cfg.Splunk.Receiver.Enabled {
		handler := splunk.SinkHandler(pipe, telemetry.Source(cfg.Splunk.Receiver.DefaultSource), logger)
		receiver = splunk.NewHECReceiver(cfg.Splunk.Receiver.ReceiverConfig, handler, splunk.WithReceiverLogger(logger))
		if !cfg.Splunk.Receiver.Standalone {
			deps.HEC = receiver.Routes()
		}
	}

	server, err := api.NewServer(cfg.Server, deps, logger, metrics)
	if err != nil {
		return err
	}

	poller := ingestion.NewPoller(pipe, cfg.Collectors.PollInterval, logger)
	collectors := 0
	for _, cc := range cfg.Collectors.Sources {
		if !cc.Enabled {
			continue
		}
		fc, err := ingestion.NewFileCollector(cc)
		if err != nil {
			return fmt.Errorf("collector %s: %w", cc.Name, err)
		}
		poller.Register(fc)
		collectors++
	}

	g, gctx := errgroup.WithContext(ctx)
	tel.StartSystemMetricsCollector(gctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return engine.RunEviction(gctx) })
	if store != nil {
		g.Go(func() error { return store.RunPruning(gctx, cfg.Storage.PruneInterval, cfg.Storage.History) })
	}
	if collectors > 0 {
		g.Go(func() error { return poller.Run(gctx) })
	}
	if receiver != nil && cfg.Splunk.Receiver.Standalone {
		g.Go(func() error { return receiver.Start(gctx) })
	}

	logger.Info("CloudSentry running",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("channels", dist.Channels()),
		zap.Int("collectors", collectors),
	)

	runErr := g.Wait()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Pipeline shutdown incomplete", zap.Error(err))
	}
	dashboard.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("CloudSentry stopped")
	return nil
}

// buildScorer picks the remote scorer, a model file or the built-in
// heuristic weights, in that order.
func buildScorer(cfg config.ClassifierConfig) (classifier.Scorer, error) {
	switch {
	case cfg.Remote.URL != "":
		return classifier.NewRemoteScorer(cfg.Remote, features.DefaultSchema)
	case cfg.ModelPath != "":
		return classifier.LoadLinearModel(cfg.ModelPath)
	default:
		return classifier.NewHeuristicScorer(), nil
	}
}

func buildEnrichment(cfg enrichment.Config, rdb *redis.Client, logger *zap.Logger, metrics *observability.Metrics) (*enrichment.Service, error) {
	provider, err := enrichment.NewOTXProvider(cfg.OTX)
	if err != nil {
		return nil, err
	}
	opts := []enrichment.Option{
		enrichment.WithLogger(logger),
		enrichment.WithMetrics(metrics),
	}
	if rdb != nil {
		opts = append(opts, enrichment.WithRedis(rdb))
	}
	return enrichment.NewService(provider, cfg, opts...), nil
}

// buildDistributor registers every enabled channel. The dashboard is always
// created so the live feed has a backing hub.
func buildDistributor(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics,
	closers *[]io.Closer) (*distribution.Distributor, *channels.Dashboard, error) {
	ch := cfg.Distribution.Channels
	logger.Info("Configuring alert channels", zap.Strings("enabled", cfg.EnabledChannels()))

	// Failed deliveries surface on the live feed.
	dashboard := channels.NewDashboard(ch.Dashboard.DashboardConfig, logger)
	dist, err := distribution.New(cfg.Distribution.Config,
		distribution.WithLogger(logger),
		distribution.WithMetrics(metrics),
		distribution.WithFailureHook(dashboard.NotifyDeliveryFailure),
	)
	if err != nil {
		return nil, nil, err
	}

	if ch.Dashboard.Enabled {
		if err := dist.Register(dashboard); err != nil {
			return nil, nil, err
		}
	}

	register := func(c distribution.Channel, err error) error {
		if err != nil {
			return err
		}
		return dist.Register(c)
	}

	if ch.LogSink.Enabled {
		sink, err := channels.NewLogSink(ch.LogSink.LogSinkConfig)
		if err == nil {
			*closers = append(*closers, sink)
		}
		if err := register(sink, err); err != nil {
			return nil, nil, fmt.Errorf("logsink channel: %w", err)
		}
	}
	if ch.Slack.Enabled {
		slack, err := channels.NewSlack(ch.Slack.SlackConfig, logger)
		if err := register(slack, err); err != nil {
			return nil, nil, fmt.Errorf("slack channel: %w", err)
		}
	}
	if ch.Email.Enabled {
		email, err := channels.NewEmail(ch.Email.EmailConfig, logger)
		if err := register(email, err); err != nil {
			return nil, nil, fmt.Errorf("email channel: %w", err)
		}
	}
	if ch.Splunk.Enabled {
		sender, err := splunk.NewHECSender(ch.Splunk.SenderConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("splunk channel: %w", err)
		}
		hcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sender.HealthCheck(hcCtx); err != nil {
			logger.Warn("Splunk HEC health check failed, deliveries will retry", zap.Error(err))
		}
		cancel()
		if err := dist.Register(sender); err != nil {
			return nil, nil, fmt.Errorf("splunk channel: %w", err)
		}
	}
	if ch.NATS.Enabled {
		bus, err := channels.NewNATS(ch.NATS.NATSConfig, logger)
		if err == nil {
			*closers = append(*closers, bus)
		}
		if err := register(bus, err); err != nil {
			return nil, nil, fmt.Errorf("nats channel: %w", err)
		}
	}

	return dist, dashboard, nil
}
