package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

const connectionTimeout = 5 * time.Second

// Open builds the configured cache. A backend that cannot be opened disables
// the cache. A backend that opens but does not answer the startup ping is
// kept: calls degrade to misses until it recovers.
func Open(ctx context.Context, cfg configuration.CacheConfig, client redis.Cmdable) *Store {
	if !cfg.Enabled {
		return New(nil, cfg)
	}

	var backend Backend
	switch cfg.Backend {
	case "badger":
		b, err := OpenBadger(cfg.BadgerDir)
		if err != nil {
			slog.Warn("badger open failed, cache disabled", "error", err)
			return New(nil, cfg)
		}
		backend = b
	default:
		if client == nil {
			slog.Warn("no redis client supplied, cache disabled")
			return New(nil, cfg)
		}
		backend = NewRedisBackend(client)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		slog.Warn("cache backend unreachable at startup, serving misses until it recovers",
			"backend", cfg.Backend, "error", err)
	}

	return New(backend, cfg)
}
