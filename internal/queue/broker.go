// Package queue implements the durable priority job broker on Redis.
//
// Each queue is a set of keys under a common prefix:
//
//	{prefix}:{queue}:pending    ZSET  message id -> priority*1e12 - seq
//	{prefix}:{queue}:inflight   ZSET  message id -> lease deadline (ms)
//	{prefix}:{queue}:messages   HASH  message id -> JSON envelope
//	{prefix}:{queue}:dlq        STREAM of dead-lettered jobs
//	{prefix}:{queue}:consumers  ZSET  consumer id -> last heartbeat (ms)
//	{prefix}:seq                STRING monotonically increasing sequence
//
// Writes that must not be observed half-done run in MULTI/EXEC; reservation
// and lease reclamation are Lua scripts. With AOF persistence enabled on the
// server an acknowledged Enqueue survives a restart.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/pkg/events"
)

// DefaultQueues are the queues the pipeline routes work to.
var DefaultQueues = []string{domain.QueueIndividual, domain.QueueBatch, domain.QueueBulk}

// Broker is a Redis-backed priority queue with retry and dead-lettering.
// A Broker owns its connection: Connect must be called before use and Close
// releases it. All methods are safe for concurrent use.
type Broker struct {
	cfg      configuration.QueueConfig
	redisCfg configuration.RedisConfig
	queues   map[string]struct{}

	mu     sync.RWMutex
	client *redis.Client
	owned  bool
	closed bool

	workerID string
	emitter  *events.Emitter
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClient makes the broker use an existing client instead of dialing
// one. The caller keeps ownership of the client.
func WithClient(c *redis.Client) Option {
	return func(b *Broker) { b.client = c }
}

// WithEventSink emits a lifecycle event whenever a job is dead-lettered.
func WithEventSink(s events.EventSink) Option {
	return func(b *Broker) { b.emitter = events.NewEmitter(s, "queue") }
}

// WithQueues replaces the accepted queue names.
func WithQueues(names ...string) Option {
	return func(b *Broker) {
		b.queues = make(map[string]struct{}, len(names))
		for _, n := range names {
			b.queues[n] = struct{}{}
		}
	}
}

// WithClock overrides the clock used for leases and heartbeats.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// withSleep overrides reconnect waits in tests.
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(b *Broker) { b.sleep = fn }
}

// New creates an unconnected broker.
func New(cfg configuration.QueueConfig, redisCfg configuration.RedisConfig, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		redisCfg: redisCfg,
		workerID: "evald-" + uuid.NewString()[:8],
		emitter:  events.NewEmitter(nil, "queue"),
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   slog.Default().With("component", "queue"),
	}
	WithQueues(DefaultQueues...)(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect dials Redis (unless a client was supplied) and verifies the
// connection, retrying with bounded backoff. It returns ErrBrokerUnavailable
// when the attempt ceiling is reached.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:        b.redisCfg.Addr,
			Password:    b.redisCfg.Password,
			DB:          b.redisCfg.DB,
			PoolSize:    b.redisCfg.PoolSize,
			DialTimeout: b.redisCfg.DialTimeout,
		})
		b.owned = true
	}
	b.closed = false
	b.mu.Unlock()

	if err := b.reconnect(ctx); err != nil {
		return err
	}
	b.logger.Info("broker connected", "worker_id", b.workerID, "prefix", b.cfg.Prefix)
	return nil
}

// Close releases the connection if the broker dialed it. Subsequent calls
// fail with ErrBrokerUnavailable.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.client != nil && b.owned {
		err := b.client.Close()
		b.client = nil
		return err
	}
	return nil
}

// Client exposes the underlying connection so other Redis-backed
// components can share it. Nil before Connect.
func (b *Broker) Client() *redis.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	return b.client
}

// WorkerID identifies this process in dead-letter records.
func (b *Broker) WorkerID() string { return b.workerID }

// Queues returns the accepted queue names.
func (b *Broker) Queues() []string {
	out := make([]string, 0, len(b.queues))
	for _, q := range DefaultQueues {
		if _, ok := b.queues[q]; ok {
			out = append(out, q)
		}
	}
	for q := range b.queues {
		if !slices.Contains(DefaultQueues, q) {
			out = append(out, q)
		}
	}
	return out
}

// conn returns the live client or ErrBrokerUnavailable.
func (b *Broker) conn() (*redis.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.client == nil {
		return nil, fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}
	return b.client, nil
}

// withConn runs op and, if it fails at the connection level, waits for the
// connection to recover and runs it once more.
func (b *Broker) withConn(ctx context.Context, op func(*redis.Client) error) error {
	c, err := b.conn()
	if err != nil {
		return err
	}

	err = op(c)
	if !isConnError(err) {
		return err
	}

	b.logger.Warn("broker connection error, reconnecting", "error", err)
	if rerr := b.reconnect(ctx); rerr != nil {
		return rerr
	}
	if c, err = b.conn(); err != nil {
		return err
	}
	return op(c)
}

func (b *Broker) checkQueue(queue string) error {
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	return nil
}

func (b *Broker) nowMs() int64 { return b.now().UnixMilli() }
