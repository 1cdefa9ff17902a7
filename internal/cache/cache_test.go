package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
)

var errBackendDown = errors.New("backend down")

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingBackend returns errBackendDown from every operation.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) { return nil, errBackendDown }
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errBackendDown
}
func (failingBackend) Delete(context.Context, string) error { return errBackendDown }
func (failingBackend) Ping(context.Context) error           { return errBackendDown }
func (failingBackend) Close() error                         { return nil }

func setupRedisStore(t *testing.T) (*cache.Store, *miniredis.Miniredis, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	store := cache.New(cache.NewRedisBackend(client), configuration.DefaultConfig().Cache, cache.WithClock(clock.Now))
	return store, mr, clock
}

func sampleAnalysis() domain.Analysis {
	return domain.Analysis{
		Scores:   []domain.CriterionScore{{Name: "clarity", Score: 8.5}},
		Notes:    "well structured",
		Relevant: true,
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, _, _ := setupRedisStore(t)
	ctx := context.Background()
	fp := cache.FingerprintOf([]byte("document bytes"), "research")

	store.Put(ctx, fp, sampleAnalysis())

	var got domain.Analysis
	require.True(t, store.GetJSON(ctx, fp, &got))
	assert.Equal(t, sampleAnalysis(), got)

	stats := store.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, "redis", stats.Backend)
}

func TestStore_StaleEntryPurged(t *testing.T) {
	store, mr, clock := setupRedisStore(t)
	ctx := context.Background()
	fp := cache.FingerprintOf([]byte("document bytes"), "research")

	store.Put(ctx, fp, sampleAnalysis())
	key := configuration.DefaultCacheKeyPrefix + fp.String()
	require.True(t, mr.Exists(key))

	clock.Advance(24*time.Hour - time.Millisecond)
	_, ok := store.Get(ctx, fp)
	require.True(t, ok, "entry just under the read TTL is fresh")

	clock.Advance(time.Millisecond)
	_, ok = store.Get(ctx, fp)
	assert.False(t, ok, "entry at the read TTL is stale")
	assert.False(t, mr.Exists(key), "stale entry must be deleted")
	assert.Equal(t, int64(1), store.GetStats().Stale)
}

func TestStore_WriteTTLIsSevenDays(t *testing.T) {
	store, mr, _ := setupRedisStore(t)
	fp := cache.FingerprintOf([]byte("x"), "c")

	store.Put(context.Background(), fp, sampleAnalysis())

	assert.Equal(t, 7*24*time.Hour, mr.TTL(configuration.DefaultCacheKeyPrefix+fp.String()))
}

func TestStore_FutureTimestampIsStale(t *testing.T) {
	store, _, clock := setupRedisStore(t)
	ctx := context.Background()
	fp := cache.FingerprintOf([]byte("skewed"), "research")

	clock.Advance(time.Hour)
	store.Put(ctx, fp, sampleAnalysis())
	clock.Advance(-2 * time.Hour)

	_, ok := store.Get(ctx, fp)
	assert.False(t, ok)
}

func TestStore_ContextDiscriminates(t *testing.T) {
	store, _, _ := setupRedisStore(t)
	ctx := context.Background()
	content := []byte("identical bytes")

	store.Put(ctx, cache.FingerprintOf(content, "research"), sampleAnalysis())

	_, ok := store.Get(ctx, cache.FingerprintOf(content, "marketing"))
	assert.False(t, ok)
	_, ok = store.Get(ctx, cache.FingerprintOf(content, "research"))
	assert.True(t, ok)
}

func TestStore_CorruptEntryIsMiss(t *testing.T) {
	store, mr, _ := setupRedisStore(t)
	fp := cache.FingerprintOf([]byte("corrupt"), "c")
	key := configuration.DefaultCacheKeyPrefix + fp.String()
	require.NoError(t, mr.Set(key, "not-json"))

	_, ok := store.Get(context.Background(), fp)
	assert.False(t, ok)
	assert.False(t, mr.Exists(key))
}

func TestStore_BackendFailureDegradesToMiss(t *testing.T) {
	store := cache.New(failingBackend{}, configuration.DefaultConfig().Cache)
	ctx := context.Background()
	fp := cache.FingerprintOf([]byte("x"), "c")

	store.Put(ctx, fp, sampleAnalysis())
	_, ok := store.Get(ctx, fp)

	assert.False(t, ok)
	stats := store.GetStats()
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestStore_RedisDownDegradesToMiss(t *testing.T) {
	store, mr, _ := setupRedisStore(t)
	ctx := context.Background()
	fp := cache.FingerprintOf([]byte("x"), "c")
	store.Put(ctx, fp, sampleAnalysis())

	mr.Close()

	_, ok := store.Get(ctx, fp)
	assert.False(t, ok)
	assert.Positive(t, store.GetStats().Errors)
}

func TestStore_Disabled(t *testing.T) {
	cfg := configuration.DefaultConfig().Cache
	cfg.Enabled = false
	store := cache.Open(context.Background(), cfg, nil)

	fp := cache.FingerprintOf([]byte("x"), "c")
	store.Put(context.Background(), fp, json.RawMessage(`{}`))
	_, ok := store.Get(context.Background(), fp)

	assert.False(t, ok)
	assert.Equal(t, "disabled", store.GetStats().Backend)
}

func TestOpen_UnreachableRedisRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	ctx := context.Background()
	store := cache.Open(ctx, configuration.DefaultConfig().Cache, client)
	assert.Equal(t, "redis", store.GetStats().Backend)

	fp := cache.FingerprintOf([]byte("x"), "c")
	store.Put(ctx, fp, sampleAnalysis())
	_, ok := store.Get(ctx, fp)
	assert.False(t, ok)
	assert.Positive(t, store.GetStats().Errors)

	require.NoError(t, mr.Restart())
	store.Put(ctx, fp, sampleAnalysis())
	_, ok = store.Get(ctx, fp)
	assert.True(t, ok)
}

func TestFingerprintOf(t *testing.T) {
	a := cache.FingerprintOf([]byte("ab"), "c")
	b := cache.FingerprintOf([]byte("b"), "ca")
	assert.NotEqual(t, a, b, "length prefix separates content from context")
	assert.Equal(t, a, cache.FingerprintOf([]byte("ab"), "c"))
	assert.Len(t, a.String(), 64)
	assert.NotEqual(t,
		cache.FingerprintOf([]byte("ab"), "c"),
		cache.FingerprintOf([]byte("ab"), cache.TemplateDiscriminator("c", []byte(`{"id":"c"}`))))
}

func TestTemplateDiscriminator(t *testing.T) {
	v1 := cache.TemplateDiscriminator("grant", []byte(`{"id":"grant","sections":["Budget"]}`))
	v2 := cache.TemplateDiscriminator("grant", []byte(`{"id":"grant","sections":["Timeline"]}`))
	assert.NotEqual(t, v1, v2)
	assert.Equal(t, v1, cache.TemplateDiscriminator("grant", []byte(`{"id":"grant","sections":["Budget"]}`)))
	assert.Contains(t, v1, "template:grant:")
}
