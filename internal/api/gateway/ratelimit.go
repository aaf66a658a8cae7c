// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/cloudsentry/internal/observability"
)

const (
	TierDefault   = "default"
	TierCollector = "collector"
	TierDashboard = "dashboard"

	// TierHeader lets trusted callers pick a tier.
	TierHeader = "X-CloudSentry-Tier"
)

// incrScript counts requests in a fixed one-minute window.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter provides configurable rate limiting for API endpoints.
// Counters live in Redis so limits hold across replicas; without Redis
// each process enforces them with local token buckets.
type RateLimiter struct {
	redis       redis.Cmdable
	logger      *zap.Logger
	metrics     *observability.Metrics
	config      RateLimitConfig
	localLimits sync.Map // key -> *rate.Limiter
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	DefaultBurstSize         int                       `yaml:"default_burst_size"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per API tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// DefaultRateLimitConfig returns the limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 600,
		DefaultBurstSize:         50,
		Tiers:                    DefaultTiers(),
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient redis.Cmdable, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 600
	}
	if cfg.DefaultBurstSize == 0 {
		cfg.DefaultBurstSize = 50
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if _, ok := cfg.Tiers[TierDefault]; !ok {
		cfg.Tiers[TierDefault] = TierLimits{
			RequestsPerMinute: cfg.DefaultRequestsPerMinute,
			BurstSize:         cfg.DefaultBurstSize,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// DefaultTiers returns default tier configurations. Collectors push
// telemetry in bulk; dashboards poll.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		TierDefault: {
			RequestsPerMinute: 600,
			BurstSize:         50,
		},
		TierCollector: {
			RequestsPerMinute: 12000,
			BurstSize:         1000,
		},
		TierDashboard: {
			RequestsPerMinute: 1200,
			BurstSize:         100,
		},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Batch ingest carries many events per request
		"POST:/api/v1/ingest/batch": {
			Path:           "/api/v1/ingest/batch",
			Method:         "POST",
			CostMultiplier: 10,
		},
		// Historical stats hit SQLite
		"GET:/api/v1/stats": {
			Path:              "/api/v1/stats",
			Method:            "GET",
			RequestsPerMinute: 120,
			CostMultiplier:    1,
		},
	}
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) (*RateLimitResult, error) {
	limits := rl.calculateEffectiveLimits(rl.getTierLimits(tier), rl.getEndpointLimits(endpoint, method))
	key := fmt.Sprintf("cloudsentry:ratelimit:%s:%s:%s:%s:minute", tier, clientID, method, endpoint)

	if rl.redis == nil {
		return rl.checkLocal(key, tier, limits), nil
	}

	now := rl.now()
	count, err := incrScript.Run(ctx, rl.redis, []string{key}, time.Minute.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limits.RequestsPerMinute, Tier: tier}, nil
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	result := &RateLimitResult{
		Allowed:   count <= limits.RequestsPerMinute,
		Remaining: max(limits.RequestsPerMinute-count, 0),
		Limit:     limits.RequestsPerMinute,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

func (rl *RateLimiter) checkLocal(key, tier string, limits TierLimits) *RateLimitResult {
	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(
		rate.Limit(float64(limits.RequestsPerMinute)/60),
		max(limits.BurstSize, 1),
	))
	limiter := v.(*rate.Limiter)

	now := rl.now()
	result := &RateLimitResult{
		Limit:   limits.RequestsPerMinute,
		ResetAt: now.Add(time.Minute),
		Tier:    tier,
	}

	res := limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		result.RetryAfter = delay
		result.Reason = "Rate limit exceeded"
		return result
	}
	result.Allowed = true
	result.Remaining = int(limiter.TokensAt(now))
	return result
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	return rl.config.Tiers[TierDefault]
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	if endpoint == nil {
		return tier
	}
	effective := tier
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < tier.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerMinute = max(effective.RequestsPerMinute/endpoint.CostMultiplier, 1)
		effective.BurstSize = max(effective.BurstSize/endpoint.CostMultiplier, 1)
	}
	return effective
}

// Middleware returns an HTTP middleware for rate limiting. A nil getTier
// reads TierHeader; a nil getClientID keys on the caller address.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	if getTier == nil {
		getTier = TierFromHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			tier := getTier(r)
			var clientID string
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result, err := rl.Check(r.Context(), tier, clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.metrics.RateLimitRejected()
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TierFromHeader returns the tier named in TierHeader, or TierDefault.
func TierFromHeader(r *http.Request) string {
	if tier := strings.TrimSpace(r.Header.Get(TierHeader)); tier != "" {
		return strings.ToLower(tier)
	}
	return TierDefault
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
