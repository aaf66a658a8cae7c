package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/cloudsentry/internal/observability"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

// Config configures the reputation service.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	OTX            OTXConfig     `yaml:"otx"`
	LocalCacheSize int           `yaml:"local_cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	LookupTimeout  time.Duration `yaml:"lookup_timeout"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix"`
}

// DefaultConfig returns the enrichment defaults. Enrichment is off unless
// enabled explicitly.
func DefaultConfig() Config {
	return Config{
		OTX:            DefaultOTXConfig(),
		LocalCacheSize: 10000,
		CacheTTL:       time.Hour,
		LookupTimeout:  2 * time.Second,
		RedisKeyPrefix: "cloudsentry:reputation:",
	}
}

// Service resolves source address reputation through a two-tier cache in
// front of a Provider. Concurrent lookups for the same address share one
// provider call.
type Service struct {
	provider Provider
	config   Config
	local    *expirable.LRU[string, Verdict]
	redis    redis.Cmdable
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithRedis adds a shared cache tier.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Service) { s.redis = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a reputation service backed by provider.
func NewService(provider Provider, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.LocalCacheSize <= 0 {
		cfg.LocalCacheSize = def.LocalCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = def.RedisKeyPrefix
	}

	s := &Service{
		provider: provider,
		config:   cfg,
		local:    expirable.NewLRU[string, Verdict](cfg.LocalCacheSize, nil, cfg.CacheTTL),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enrich returns a copy of ev carrying the reputation of its source
// address. Events without a public source address, and events whose
// lookup fails, are returned unchanged.
func (s *Service) Enrich(ctx context.Context, ev *telemetry.Event) *telemetry.Event {
	if ev == nil || !lookupEligible(ev.SourceIP) {
		return ev
	}

	verdict, err := s.Lookup(ctx, ev.SourceIP)
	if err != nil {
		s.logger.Debug("Reputation lookup failed",
			zap.String("source_ip", ev.SourceIP),
			zap.Error(err),
		)
		return ev
	}

	return ev.WithEnrichment(telemetry.Enrichment{
		IPReputation:   verdict.Score,
		HasReputation:  true,
		ReputationFrom: verdict.Source,
		ThreatTags:     verdict.Tags,
	})
}

// Lookup returns the verdict for ip, consulting the local cache, then
// Redis, then the provider.
func (s *Service) Lookup(ctx context.Context, ip string) (Verdict, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Verdict{}, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	key := addr.Unmap().String()

	if v, ok := s.local.Get(key); ok {
		s.metrics.EnrichmentCache("local")
		return v, nil
	}

	if v, ok := s.fromRedis(ctx, key); ok {
		s.metrics.EnrichmentCache("redis")
		s.local.Add(key, v)
		return v, nil
	}

	res, err, _ := s.group.Do(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
		defer cancel()

		v, err := s.provider.LookupIP(lookupCtx, key)
		if err != nil {
			s.metrics.Enrichment(s.provider.Name(), "error")
			return Verdict{}, err
		}
		status := "clean"
		if v.Listed {
			status = "listed"
		}
		s.metrics.Enrichment(s.provider.Name(), status)

		s.local.Add(key, v)
		s.toRedis(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("%s lookup for %s: %w", s.provider.Name(), key, err)
	}
	return res.(Verdict), nil
}

// HealthCheck checks the provider and, when configured, Redis.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("reputation cache: %w", err)
		}
	}
	return s.provider.HealthCheck(ctx)
}

func (s *Service) fromRedis(ctx context.Context, key string) (Verdict, bool) {
	if s.redis == nil {
		return Verdict{}, false
	}
	data, err := s.redis.Get(ctx, s.config.RedisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Reputation cache read failed", zap.String("ip", key), zap.Error(err))
		}
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		s.logger.Warn("Discarding corrupt reputation cache entry", zap.String("ip", key), zap.Error(err))
		return Verdict{}, false
	}
	return v, true
}

func (s *Service) toRedis(ctx context.Context, key string, v Verdict) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, s.config.RedisKeyPrefix+key, data, s.config.CacheTTL).Err(); err != nil {
		s.logger.Warn("Reputation cache write failed", zap.String("ip", key), zap.Error(err))
	}
}

// lookupEligible reports whether ip is a public unicast address worth
// asking a reputation provider about.
func lookupEligible(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}
