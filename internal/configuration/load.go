package configuration

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// EVALD_REDIS_ADDR overrides redis.addr.
const EnvPrefix = "EVALD"

// Load builds the configuration from defaults, an optional config file and
// EVALD_* environment variables, in increasing order of precedence. The
// oracle API key falls back to the variable named by oracle.api_key_env.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("evald")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/evald")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Oracle.APIKey == "" && cfg.Oracle.APIKeyEnv != "" {
		cfg.Oracle.APIKey = os.Getenv(cfg.Oracle.APIKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can resolve
// overrides for keys absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)

	v.SetDefault("queue.prefix", d.Queue.Prefix)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.lease_timeout", d.Queue.LeaseTimeout)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.reclaim_interval", d.Queue.ReclaimInterval)
	v.SetDefault("queue.heartbeat_interval", d.Queue.HeartbeatInterval)
	v.SetDefault("queue.consumer_ttl", d.Queue.ConsumerTTL)
	v.SetDefault("queue.reconnect_base_delay", d.Queue.ReconnectBaseDelay)
	v.SetDefault("queue.reconnect_max_delay", d.Queue.ReconnectMaxDelay)
	v.SetDefault("queue.reconnect_max_attempts", d.Queue.ReconnectMaxAttempts)
	v.SetDefault("queue.workers_per_queue", d.Queue.WorkersPerQueue)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_age_ratio", d.Cache.MaxAgeRatio)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.badger_dir", d.Cache.BadgerDir)

	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.base_url", d.Oracle.BaseURL)
	v.SetDefault("oracle.api_key", d.Oracle.APIKey)
	v.SetDefault("oracle.api_key_env", d.Oracle.APIKeyEnv)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.temperature", d.Oracle.Temperature)
	v.SetDefault("oracle.max_tokens", d.Oracle.MaxTokens)
	v.SetDefault("oracle.request_timeout", d.Oracle.RequestTimeout)
	v.SetDefault("oracle.rate_limit.enabled", d.Oracle.RateLimit.Enabled)
	v.SetDefault("oracle.rate_limit.tokens_per_second", d.Oracle.RateLimit.TokensPerSecond)
	v.SetDefault("oracle.rate_limit.burst_size", d.Oracle.RateLimit.BurstSize)
	v.SetDefault("oracle.circuit_breaker.enabled", d.Oracle.CircuitBreaker.Enabled)
	v.SetDefault("oracle.circuit_breaker.failure_threshold", d.Oracle.CircuitBreaker.FailureThreshold)
	v.SetDefault("oracle.circuit_breaker.open_timeout", d.Oracle.CircuitBreaker.OpenTimeout)
	v.SetDefault("oracle.circuit_breaker.half_open_requests", d.Oracle.CircuitBreaker.HalfOpenRequests)
	v.SetDefault("oracle.circuit_breaker.interval", d.Oracle.CircuitBreaker.Interval)

	v.SetDefault("validation.full_timeout", d.Validation.FullTimeout)
	v.SetDefault("validation.simplified_timeout", d.Validation.SimplifiedTimeout)
	v.SetDefault("validation.templates_path", d.Validation.TemplatesPath)

	v.SetDefault("processor.job_timeout", d.Processor.JobTimeout)
	v.SetDefault("processor.relevance_threshold", d.Processor.RelevanceThreshold)

	v.SetDefault("bulk.threshold", d.Bulk.Threshold)
	v.SetDefault("bulk.chunk_size", d.Bulk.ChunkSize)
	v.SetDefault("bulk.chunk_delay", d.Bulk.ChunkDelay)
	v.SetDefault("bulk.max_pending", d.Bulk.MaxPending)
	v.SetDefault("bulk.max_chunks_per_run", d.Bulk.MaxChunksPerRun)
	v.SetDefault("bulk.use_temporal", d.Bulk.UseTemporal)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("temporal.host_port", d.Temporal.HostPort)
	v.SetDefault("temporal.namespace", d.Temporal.Namespace)
	v.SetDefault("temporal.task_queue", d.Temporal.TaskQueue)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.mode", d.Admin.Mode)

	v.SetDefault("events.sink", d.Events.Sink)
	v.SetDefault("events.stream", d.Events.Stream)
	v.SetDefault("events.max_len", d.Events.MaxLen)
}
