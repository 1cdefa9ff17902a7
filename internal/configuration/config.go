// Package configuration holds the runtime configuration for the evaluation
// pipeline: broker and cache connectivity, oracle resilience settings,
// validation budgets, bulk scheduling and the admin surface.
package configuration

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the root configuration tree.
type Config struct {
	Log        LogConfig        `json:"log" mapstructure:"log"`
	Redis      RedisConfig      `json:"redis" mapstructure:"redis"`
	Queue      QueueConfig      `json:"queue" mapstructure:"queue"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	Oracle     OracleConfig     `json:"oracle" mapstructure:"oracle"`
	Validation ValidationConfig `json:"validation" mapstructure:"validation"`
	Processor  ProcessorConfig  `json:"processor" mapstructure:"processor"`
	Bulk       BulkConfig       `json:"bulk" mapstructure:"bulk"`
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Temporal   TemporalConfig   `json:"temporal" mapstructure:"temporal"`
	Admin      AdminConfig      `json:"admin" mapstructure:"admin"`
	Events     EventsConfig     `json:"events" mapstructure:"events"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" mapstructure:"format" validate:"oneof=text json"`
}

// RedisConfig is shared by the broker, the Redis cache backend and the
// Redis event sink.
type RedisConfig struct {
	Addr        string        `json:"addr" mapstructure:"addr" validate:"required"`
	Password    string        `json:"-" mapstructure:"password"` // Sensitive
	DB          int           `json:"db" mapstructure:"db" validate:"min=0"`
	PoolSize    int           `json:"pool_size" mapstructure:"pool_size" validate:"min=1"`
	DialTimeout time.Duration `json:"dial_timeout" mapstructure:"dial_timeout" validate:"gt=0"`
}

// QueueConfig controls broker delivery, retry and reconnection.
type QueueConfig struct {
	Prefix string `json:"prefix" mapstructure:"prefix" validate:"required"`

	// MaxRetries is the number of resubmissions before a job is dead-lettered.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries" validate:"min=0"`

	// LeaseTimeout bounds how long a reserved message stays invisible before
	// the reclaimer redelivers it. Must exceed the processor job timeout.
	LeaseTimeout    time.Duration `json:"lease_timeout" mapstructure:"lease_timeout" validate:"gt=0"`
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	ReclaimInterval time.Duration `json:"reclaim_interval" mapstructure:"reclaim_interval" validate:"gt=0"`

	// Consumer presence for depth reporting.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval" validate:"gt=0"`
	ConsumerTTL       time.Duration `json:"consumer_ttl" mapstructure:"consumer_ttl" validate:"gtfield=HeartbeatInterval"`

	// Reconnection backoff: min(ReconnectBaseDelay*attempt, ReconnectMaxDelay),
	// giving up after ReconnectMaxAttempts.
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay" mapstructure:"reconnect_base_delay" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay" mapstructure:"reconnect_max_delay" validate:"gtefield=ReconnectBaseDelay"`
	ReconnectMaxAttempts int           `json:"reconnect_max_attempts" mapstructure:"reconnect_max_attempts" validate:"min=1"`

	// WorkersPerQueue is the number of sequential consumer slots per queue.
	WorkersPerQueue map[string]int `json:"workers_per_queue" mapstructure:"workers_per_queue"`
}

// CacheConfig controls the content-addressable result cache. Entries older
// than TTL are never served; they are physically expired after
// TTL*MaxAgeRatio.
type CacheConfig struct {
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	Backend     string        `json:"backend" mapstructure:"backend" validate:"oneof=redis badger"`
	TTL         time.Duration `json:"ttl" mapstructure:"ttl" validate:"gt=0"`
	MaxAgeRatio int           `json:"max_age_ratio" mapstructure:"max_age_ratio" validate:"min=1"`
	KeyPrefix   string        `json:"key_prefix" mapstructure:"key_prefix"`

	// BadgerDir is the on-disk location for the badger backend; empty runs in memory.
	BadgerDir string `json:"badger_dir" mapstructure:"badger_dir"`
}

// WriteTTL is the physical expiry applied on Put.
func (c CacheConfig) WriteTTL() time.Duration {
	return time.Duration(c.MaxAgeRatio) * c.TTL
}

// OracleConfig configures the content-analysis oracle client and its
// resilience middleware.
type OracleConfig struct {
	Provider  string `json:"provider" mapstructure:"provider" validate:"oneof=openai"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	APIKey    string `json:"-" mapstructure:"api_key"` // Sensitive
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
	Model     string `json:"model" mapstructure:"model" validate:"required"`

	Temperature float32 `json:"temperature" mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens" validate:"min=1"`

	// RequestTimeout caps a single oracle call that is not otherwise bounded.
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout" validate:"gt=0"`

	RateLimit      RateLimitConfig      `json:"rate_limit" mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// RateLimitConfig for the in-process token bucket in front of the oracle.
type RateLimitConfig struct {
	Enabled         bool    `json:"enabled" mapstructure:"enabled"`
	TokensPerSecond float64 `json:"tokens_per_second" mapstructure:"tokens_per_second" validate:"gt=0"`
	BurstSize       int     `json:"burst_size" mapstructure:"burst_size" validate:"min=1"`
}

// CircuitBreakerConfig controls fail-fast behavior during oracle outages.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold" validate:"min=1"`
	OpenTimeout      time.Duration `json:"open_timeout" mapstructure:"open_timeout" validate:"gt=0"`
	HalfOpenRequests   int           `json:"half_open_requests" mapstructure:"half_open_requests" validate:"min=1"`
	Interval         time.Duration `json:"interval" mapstructure:"interval" validate:"min=0"`
}

// ValidationConfig holds the template validation budgets.
type ValidationConfig struct {
	FullTimeout       time.Duration `json:"full_timeout" mapstructure:"full_timeout" validate:"gt=0"`
	SimplifiedTimeout time.Duration `json:"simplified_timeout" mapstructure:"simplified_timeout" validate:"gt=0"`

	// TemplatesPath points at a YAML template catalog; optional.
	TemplatesPath string `json:"templates_path" mapstructure:"templates_path"`
}

// ProcessorConfig controls per-job processing.
type ProcessorConfig struct {
	JobTimeout time.Duration `json:"job_timeout" mapstructure:"job_timeout" validate:"gt=0"`

	// RelevanceThreshold is the minimum non-neutral theme match for a
	// batch member to be ranked.
	RelevanceThreshold float64 `json:"relevance_threshold" mapstructure:"relevance_threshold" validate:"min=0,max=10"`
}

// BulkConfig controls chunked dispatch of large batches.
type BulkConfig struct {
	// Threshold is the batch size above which submission goes through the
	// bulk scheduler instead of enqueuing every member directly.
	Threshold       int           `json:"threshold" mapstructure:"threshold" validate:"min=1"`
	ChunkSize       int           `json:"chunk_size" mapstructure:"chunk_size" validate:"min=1"`
	ChunkDelay      time.Duration `json:"chunk_delay" mapstructure:"chunk_delay" validate:"min=0"`
	MaxPending      int64         `json:"max_pending" mapstructure:"max_pending" validate:"min=1"`
	MaxChunksPerRun int           `json:"max_chunks_per_run" mapstructure:"max_chunks_per_run" validate:"min=1"`

	// UseTemporal routes bulk dispatch through a durable workflow.
	UseTemporal bool `json:"use_temporal" mapstructure:"use_temporal"`
}

// StoreConfig selects the persistence adapter.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver" validate:"oneof=memory postgres"`
	DSN    string `json:"-" mapstructure:"dsn" validate:"required_if=Driver postgres"` // Sensitive
}

// TemporalConfig locates the Temporal frontend used for bulk workflows.
type TemporalConfig struct {
	HostPort  string `json:"host_port" mapstructure:"host_port" validate:"required"`
	Namespace string `json:"namespace" mapstructure:"namespace" validate:"required"`
	TaskQueue string `json:"task_queue" mapstructure:"task_queue" validate:"required"`
}

// AdminConfig controls the introspection HTTP server.
type AdminConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr" validate:"required_if=Enabled true"`
	Mode    string `json:"mode" mapstructure:"mode" validate:"oneof=debug release test"`
}

// EventsConfig selects where lifecycle events are sent.
type EventsConfig struct {
	Sink   string `json:"sink" mapstructure:"sink" validate:"oneof=noop redis"`
	Stream string `json:"stream" mapstructure:"stream"`
	MaxLen int64  `json:"max_len" mapstructure:"max_len" validate:"min=0"`
}

// Validate checks every section's constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Queue.LeaseTimeout <= c.Processor.JobTimeout {
		return fmt.Errorf("invalid configuration: queue.lease_timeout (%s) must exceed processor.job_timeout (%s)",
			c.Queue.LeaseTimeout, c.Processor.JobTimeout)
	}
	return nil
}

// Workers returns the consumer slot count for a queue.
func (c QueueConfig) Workers(queue string) int {
	if n, ok := c.WorkersPerQueue[queue]; ok && n > 0 {
		return n
	}
	return DefaultWorkersPerQueue
}
