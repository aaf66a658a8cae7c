package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

type stubProvider struct {
	calls   atomic.Int32
	verdict Verdict
	err     error
	delay   time.Duration
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) LookupIP(ctx context.Context, ip string) (Verdict, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return Verdict{}, p.err
	}
	v := p.verdict
	v.IP = ip
	return v, nil
}

func (p *stubProvider) HealthCheck(context.Context) error { return p.err }

func listedVerdict() Verdict {
	return Verdict{Score: 0.05, Listed: true, Pulses: 12, ThreatType: ThreatTypeC2, Tags: []string{"c2"}, Source: "stub"}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// ============================================================================
// Enrich
// ============================================================================

func TestEnrich_AttachesReputation(t *testing.T) {
	provider := &stubProvider{verdict: listedVerdict()}
	svc := NewService(provider, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))

	ev := &telemetry.Event{ID: "e1", SourceIP: "203.0.113.9"}
	out := svc.Enrich(context.Background(), ev)

	require.NotSame(t, ev, out)
	assert.True(t, out.Enrichment.HasReputation)
	assert.Equal(t, 0.05, out.Enrichment.IPReputation)
	assert.Equal(t, "stub", out.Enrichment.ReputationFrom)
	assert.Equal(t, []string{"c2"}, out.Enrichment.ThreatTags)
	assert.False(t, ev.Enrichment.HasReputation, "input event must not be modified")
}

func TestEnrich_SkipsIneligibleAddresses(t *testing.T) {
	provider := &stubProvider{verdict: listedVerdict()}
	svc := NewService(provider, DefaultConfig())

	for _, ip := range []string{"", "unknown", "10.1.2.3", "192.168.0.4", "127.0.0.1", "::1", "169.254.1.1", "224.0.0.1"} {
		ev := &telemetry.Event{SourceIP: ip}
		out := svc.Enrich(context.Background(), ev)
		assert.Same(t, ev, out, ip)
	}
	assert.Zero(t, provider.calls.Load())
}

func TestEnrich_ProviderFailureLeavesEventUntouched(t *testing.T) {
	provider := &stubProvider{err: errors.New("otx unavailable")}
	svc := NewService(provider, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))

	ev := &telemetry.Event{SourceIP: "203.0.113.9"}
	out := svc.Enrich(context.Background(), ev)
	assert.Same(t, ev, out)

	// failures are not cached
	svc.Enrich(context.Background(), ev)
	assert.Equal(t, int32(2), provider.calls.Load())
}

// ============================================================================
// Cache tiers
// ============================================================================

func TestLookup_LocalCacheHit(t *testing.T) {
	provider := &stubProvider{verdict: listedVerdict()}
	svc := NewService(provider, DefaultConfig())

	for i := 0; i < 5; i++ {
		_, err := svc.Lookup(context.Background(), "203.0.113.9")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestLookup_MappedAddressSharesEntry(t *testing.T) {
	provider := &stubProvider{verdict: listedVerdict()}
	svc := NewService(provider, DefaultConfig())

	_, err := svc.Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	v, err := svc.Lookup(context.Background(), "::ffff:203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.9", v.IP)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestLookup_WritesThroughToRedis(t *testing.T) {
	mr, client := newRedis(t)
	provider := &stubProvider{verdict: listedVerdict()}
	cfg := DefaultConfig()
	svc := NewService(provider, cfg, WithRedis(client))

	_, err := svc.Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	raw, err := mr.Get(cfg.RedisKeyPrefix + "203.0.113.9")
	require.NoError(t, err)
	var cached Verdict
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, 12, cached.Pulses)
	assert.Equal(t, cfg.CacheTTL, mr.TTL(cfg.RedisKeyPrefix+"203.0.113.9"))
}

func TestLookup_SharedCacheServesOtherInstances(t *testing.T) {
	_, client := newRedis(t)

	first := &stubProvider{verdict: listedVerdict()}
	_, err := NewService(first, DefaultConfig(), WithRedis(client)).Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	second := &stubProvider{verdict: Verdict{Score: 0.5}}
	v, err := NewService(second, DefaultConfig(), WithRedis(client)).Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	assert.Zero(t, second.calls.Load())
	assert.Equal(t, 0.05, v.Score)
}

func TestLookup_CorruptRedisEntryIgnored(t *testing.T) {
	mr, client := newRedis(t)
	cfg := DefaultConfig()
	require.NoError(t, mr.Set(cfg.RedisKeyPrefix+"203.0.113.9", "{not json"))

	provider := &stubProvider{verdict: listedVerdict()}
	v, err := NewService(provider, cfg, WithRedis(client), WithLogger(zaptest.NewLogger(t))).
		Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, int32(1), provider.calls.Load())
	assert.True(t, v.Listed)
}

func TestLookup_RedisDownFallsBackToProvider(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	provider := &stubProvider{verdict: listedVerdict()}
	svc := NewService(provider, DefaultConfig(), WithRedis(client), WithLogger(zaptest.NewLogger(t)))

	v, err := svc.Lookup(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, v.Listed)
	assert.Error(t, svc.HealthCheck(context.Background()))
}

func TestLookup_ConcurrentCallsCollapse(t *testing.T) {
	provider := &stubProvider{verdict: listedVerdict(), delay: 50 * time.Millisecond}
	svc := NewService(provider, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Lookup(context.Background(), "203.0.113.9")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, provider.calls.Load(), int32(2))
}

func TestLookup_InvalidAddress(t *testing.T) {
	svc := NewService(&stubProvider{}, DefaultConfig())
	_, err := svc.Lookup(context.Background(), "999.1.1.1")
	assert.Error(t, err)
}
