//go:build integration
// +build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisContainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/configuration"
)

// setupRedisContainer starts a real Redis container and returns a connected client.
// The container is terminated when the test completes.
func setupRedisContainer(t *testing.T) *redis.Client {
	ctx := context.Background()

	container, err := redisContainer.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.Ping(ctx).Result()
	require.NoError(t, err)
	return client
}

func TestStore_RealRedis_TwoTierExpiry(t *testing.T) {
	client := setupRedisContainer(t)
	ctx := context.Background()

	clock := newFakeClock()
	store := cache.New(cache.NewRedisBackend(client), configuration.DefaultConfig().Cache, cache.WithClock(clock.Now))
	fp := cache.FingerprintOf([]byte("integration"), "research")

	store.Put(ctx, fp, sampleAnalysis())

	ttl, err := client.TTL(ctx, configuration.DefaultCacheKeyPrefix+fp.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 6*24*time.Hour)

	_, ok := store.Get(ctx, fp)
	require.True(t, ok)

	clock.Advance(30 * time.Hour)
	_, ok = store.Get(ctx, fp)
	assert.False(t, ok)

	exists, err := client.Exists(ctx, configuration.DefaultCacheKeyPrefix+fp.String()).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
