package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-evalpipe/internal/bulk"
	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/intake"
	"github.com/ahrav/go-evalpipe/internal/oracle"
	"github.com/ahrav/go-evalpipe/internal/oracle/providers"
	"github.com/ahrav/go-evalpipe/internal/processor"
	"github.com/ahrav/go-evalpipe/internal/queue"
	"github.com/ahrav/go-evalpipe/internal/ranking"
	"github.com/ahrav/go-evalpipe/internal/store"
	"github.com/ahrav/go-evalpipe/internal/validation"
	"github.com/ahrav/go-evalpipe/internal/workflow"
	"github.com/ahrav/go-evalpipe/pkg/activity"
	"github.com/ahrav/go-evalpipe/pkg/events"
)

// Runtime holds every component of a running evaluation node. Fields are
// populated by Build and must not be replaced afterwards.
type Runtime struct {
	Config *configuration.Config

	Redis      *redis.Client
	Broker     *queue.Broker
	Store      store.Store
	Cache      *cache.Store
	Sink       events.EventSink
	Oracle     oracle.Client
	Catalog    *validation.Catalog
	Validator  *validation.Validator
	Ranking    *ranking.Aggregator
	Processor  *processor.Processor
	Dispatcher *bulk.Dispatcher
	Intake     *intake.Service

	// Local runs bulk dispatch in-process when Temporal is disabled.
	Local *bulk.LocalStarter

	// Temporal is nil unless bulk.use_temporal is set.
	Temporal client.Client

	ownsRedis bool
	logger    *slog.Logger
}

// BuildOption overrides a component Build would otherwise construct.
type BuildOption func(*buildOptions)

type buildOptions struct {
	redis    *redis.Client
	store    store.Store
	oracle   oracle.Client
	temporal client.Client
}

// WithRedisClient shares an existing client. The caller keeps ownership.
func WithRedisClient(c *redis.Client) BuildOption {
	return func(o *buildOptions) { o.redis = c }
}

// WithStore uses s instead of opening the configured store.
func WithStore(s store.Store) BuildOption {
	return func(o *buildOptions) { o.store = s }
}

// WithOracle uses c as the raw oracle client. The resilience middleware is
// still applied.
func WithOracle(c oracle.Client) BuildOption {
	return func(o *buildOptions) { o.oracle = c }
}

// WithTemporalClient uses c instead of dialing the configured frontend.
func WithTemporalClient(c client.Client) BuildOption {
	return func(o *buildOptions) { o.temporal = c }
}

// Build constructs the runtime described by cfg. Bulk dispatch started
// in-process stops when ctx is cancelled. On error every component opened so
// far is closed.
func Build(ctx context.Context, cfg *configuration.Config, opts ...BuildOption) (_ *Runtime, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{Config: cfg, logger: slog.Default().With("component", "runtime")}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Redis = o.redis
	if rt.Redis == nil {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		rt.ownsRedis = true
	}

	rt.Sink = newEventSink(cfg.Events, rt.Redis)

	rt.Broker = queue.New(cfg.Queue, cfg.Redis, queue.WithClient(rt.Redis), queue.WithEventSink(rt.Sink))
	if err := rt.Broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	rt.Store = o.store
	if rt.Store == nil {
		if rt.Store, err = store.Open(ctx, cfg.Store); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	rt.Cache = cache.Open(ctx, cfg.Cache, rt.Redis)

	base := o.oracle
	if base == nil {
		if base, err = providers.New(cfg.Oracle); err != nil {
			return nil, fmt.Errorf("oracle provider: %w", err)
		}
	}
	rt.Oracle = oracle.Resilient(base, cfg.Oracle)

	if rt.Catalog, err = validation.LoadCatalog(cfg.Validation.TemplatesPath); err != nil {
		return nil, fmt.Errorf("template catalog: %w", err)
	}
	rt.Validator = validation.New(rt.Oracle, rt.Cache, cfg.Validation)
	rt.Ranking = ranking.New(rt.Store, rt.Sink)
	rt.Processor = processor.New(processor.Deps{
		Store:     rt.Store,
		Cache:     rt.Cache,
		Oracle:    rt.Oracle,
		Validator: rt.Validator,
		Catalog:   rt.Catalog,
		Ranking:   rt.Ranking,
		Sink:      rt.Sink,
	}, cfg.Processor)

	rt.Dispatcher = bulk.NewDispatcher(rt.Store, rt.Broker, cfg.Bulk)

	var starter intake.BulkStarter
	if cfg.Bulk.UseTemporal {
		rt.Temporal = o.temporal
		if rt.Temporal == nil {
			if rt.Temporal, err = client.Dial(client.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
				Logger:    temporallog.NewStructuredLogger(slog.Default()),
			}); err != nil {
				return nil, fmt.Errorf("dial temporal: %w", err)
			}
		}
		starter = workflow.NewTemporalStarter(rt.Temporal, cfg.Temporal.TaskQueue, cfg.Bulk)
	} else {
		rt.Local = bulk.NewLocalStarter(ctx, rt.Dispatcher)
		starter = rt.Local
	}
	rt.Intake = intake.New(rt.Store, rt.Broker, starter, cfg.Bulk)

	rt.logger.Info("runtime ready",
		"store", cfg.Store.Driver,
		"cache_enabled", cfg.Cache.Enabled,
		"templates", rt.Catalog.Len(),
		"temporal", cfg.Bulk.UseTemporal)
	return rt, nil
}

func newEventSink(cfg configuration.EventsConfig, c redis.Cmdable) events.EventSink {
	if cfg.Sink == "redis" {
		return events.NewRedisStreamSink(c, cfg.Stream, cfg.MaxLen)
	}
	return events.NewNoOpEventSink()
}

// Pool returns a consumer pool over every queue, handled by the processor.
func (rt *Runtime) Pool() *Pool {
	return NewPool(rt.Broker, rt.Processor, rt.Config.Queue)
}

// StartTemporalWorker registers and starts the bulk dispatch worker. It is a
// no-op returning a no-op stop when Temporal is disabled.
func (rt *Runtime) StartTemporalWorker() (stop func(), err error) {
	if rt.Temporal == nil {
		return func() {}, nil
	}
	w := sdkworker.New(rt.Temporal, rt.Config.Temporal.TaskQueue, sdkworker.Options{})
	RegisterAll(w, bulk.NewActivities(activity.NewBaseActivities(rt.Sink, "bulk"), rt.Dispatcher))
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("start temporal worker: %w", err)
	}
	rt.logger.Info("temporal worker started", "task_queue", rt.Config.Temporal.TaskQueue)
	return w.Stop, nil
}

// Ping checks the broker and the store.
func (rt *Runtime) Ping(ctx context.Context) error {
	if err := rt.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := rt.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Close releases every component. It waits for in-process bulk runs, whose
// context must already be cancelled or finished.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Local != nil {
		rt.Local.Wait()
	}
	if rt.Temporal != nil {
		rt.Temporal.Close()
	}
	if rt.Broker != nil {
		errs = append(errs, rt.Broker.Close())
	}
	if rt.Cache != nil {
		errs = append(errs, rt.Cache.Close())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.Redis != nil && rt.ownsRedis {
		errs = append(errs, rt.Redis.Close())
	}
	return errors.Join(errs...)
}
