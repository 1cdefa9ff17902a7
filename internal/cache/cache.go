// Package cache provides the content-addressable result cache. Results are
// keyed by a fingerprint of the document bytes and the evaluation context,
// served only while younger than the read TTL, and physically expired by
// the backend after a longer write TTL. Backend failures never fail the
// caller: reads degrade to misses and writes to no-ops.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

// ErrNotFound is returned by a Backend when the key does not exist.
var ErrNotFound = errors.New("key not found in cache")

const opTimeout = 2 * time.Second

// Backend is a byte store with physical expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// entry is the stored envelope. StoredAtMs is wall-clock milliseconds at
// write time and drives the logical read TTL.
type entry struct {
	Value      json.RawMessage `json:"value"`
	StoredAtMs int64           `json:"stored_at_ms"`
}

// Store is the degrade-to-miss cache used by the processor. All methods are
// safe for concurrent use.
type Store struct {
	backend  Backend
	prefix   string
	readTTL  time.Duration
	writeTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// Metrics counters accessed atomically.
	hits   atomic.Int64
	misses atomic.Int64
	stale  atomic.Int64
	errors atomic.Int64
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps backend with freshness and degradation semantics. A nil backend
// yields a store that always misses.
func New(backend Backend, cfg configuration.CacheConfig, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		prefix:   cfg.KeyPrefix,
		readTTL:  cfg.TTL,
		writeTTL: cfg.WriteTTL(),
		now:      time.Now,
		logger:   slog.Default().With("component", "cache"),
	}
	if s.writeTTL < s.readTTL {
		s.writeTTL = s.readTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached value for fp if one exists and is fresh. An entry
// is fresh when 0 <= now-storedAt < read TTL; anything else, including
// entries stamped in the future, is deleted and reported as a miss.
func (s *Store) Get(ctx context.Context, fp Fingerprint) (json.RawMessage, bool) {
	if s.backend == nil {
		s.misses.Add(1)
		return nil, false
	}

	key := s.key(fp)
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.backend.Get(opCtx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.misses.Add(1)
		return nil, false
	case err != nil:
		s.errors.Add(1)
		s.misses.Add(1)
		s.logger.Warn("cache get error, treating as miss", "error", err, "key", key)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || len(e.Value) == 0 {
		s.misses.Add(1)
		s.logger.Warn("corrupt cache entry discarded", "key", key)
		s.purge(opCtx, key)
		return nil, false
	}

	age := s.now().Sub(time.UnixMilli(e.StoredAtMs))
	if age < 0 || age >= s.readTTL {
		s.stale.Add(1)
		s.misses.Add(1)
		s.logger.Debug("stale cache entry purged", "key", key, "age", age)
		s.purge(opCtx, key)
		return nil, false
	}

	s.hits.Add(1)
	s.logger.Debug("cache hit", "key", key)
	return e.Value, true
}

// GetJSON is Get followed by decoding into dst. Undecodable values count as
// misses.
func (s *Store) GetJSON(ctx context.Context, fp Fingerprint, dst any) bool {
	raw, ok := s.Get(ctx, fp)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("cached value does not decode", "error", err, "key", s.key(fp))
		return false
	}
	return true
}

// Put stores value under fp with the write TTL. Failures are logged and
// counted, never returned.
func (s *Store) Put(ctx context.Context, fp Fingerprint, value any) {
	if s.backend == nil {
		return
	}

	key := s.key(fp)
	v, err := json.Marshal(value)
	if err != nil {
		s.errors.Add(1)
		s.logger.Warn("cache value not serializable", "error", err, "key", key)
		return
	}
	raw, err := json.Marshal(entry{Value: v, StoredAtMs: s.now().UnixMilli()})
	if err != nil {
		s.errors.Add(1)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.backend.Set(opCtx, key, raw, s.writeTTL); err != nil {
		s.errors.Add(1)
		s.logger.Warn("cache set error", "error", err, "key", key)
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) purge(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		s.errors.Add(1)
		s.logger.Warn("cache delete error", "error", err, "key", key)
	}
}

func (s *Store) key(fp Fingerprint) string { return s.prefix + string(fp) }
