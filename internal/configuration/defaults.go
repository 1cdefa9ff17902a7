package configuration

import (
	"time"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// Broker constants.
const (
	DefaultQueuePrefix          = "evalpipe"
	DefaultMaxRetries           = 3
	DefaultLeaseTimeout         = 2 * time.Minute
	DefaultPollInterval         = 500 * time.Millisecond
	DefaultReclaimInterval      = 15 * time.Second
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultConsumerTTL          = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultWorkersPerQueue      = 4
)

// Redis connection constants.
const (
	DefaultRedisAddr   = "localhost:6379"
	DefaultPoolSize    = 10
	DefaultDialTimeout = 5 * time.Second
)

// Cache constants.
const (
	DefaultCacheTTL         = 24 * time.Hour
	DefaultCacheMaxAgeRatio = 7 // Physical expiry = 7x TTL.
	DefaultCacheKeyPrefix   = "evalpipe:cache:"
)

// Oracle constants.
const (
	DefaultOracleModel      = "gpt-4o-mini"
	DefaultOracleAPIKeyEnv  = "OPENAI_API_KEY"
	DefaultOracleMaxTokens  = 1024
	DefaultRequestTimeout   = 30 * time.Second
	DefaultTokensPerSecond  = 10
	DefaultBurstSize        = 20
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
)

// Validation and processing constants.
const (
	DefaultFullValidationTimeout       = 20 * time.Second
	DefaultSimplifiedValidationTimeout = 10 * time.Second
	DefaultJobTimeout                  = 45 * time.Second
	DefaultRelevanceThreshold          = 3.0
)

// Bulk scheduling constants.
const (
	DefaultBulkThreshold   = 50
	DefaultChunkSize       = 25
	DefaultChunkDelay      = 2 * time.Second
	DefaultMaxPending      = 500
	DefaultMaxChunksPerRun = 100
)

// DefaultConfig returns a configuration suitable for local development
// against a single Redis instance and the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Redis: RedisConfig{
			Addr:        DefaultRedisAddr,
			PoolSize:    DefaultPoolSize,
			DialTimeout: DefaultDialTimeout,
		},
		Queue: QueueConfig{
			Prefix:               DefaultQueuePrefix,
			MaxRetries:           DefaultMaxRetries,
			LeaseTimeout:         DefaultLeaseTimeout,
			PollInterval:         DefaultPollInterval,
			ReclaimInterval:      DefaultReclaimInterval,
			HeartbeatInterval:    DefaultHeartbeatInterval,
			ConsumerTTL:          DefaultConsumerTTL,
			ReconnectBaseDelay:   DefaultReconnectBaseDelay,
			ReconnectMaxDelay:    DefaultReconnectMaxDelay,
			ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
			WorkersPerQueue: map[string]int{
				domain.QueueIndividual: DefaultWorkersPerQueue,
				domain.QueueBatch:      DefaultWorkersPerQueue,
				domain.QueueBulk:       2,
			},
		},
		Cache: CacheConfig{
			Enabled:     true,
			Backend:     "redis",
			TTL:         DefaultCacheTTL,
			MaxAgeRatio: DefaultCacheMaxAgeRatio,
			KeyPrefix:   DefaultCacheKeyPrefix,
		},
		Oracle: OracleConfig{
			Provider:       "openai",
			APIKeyEnv:      DefaultOracleAPIKeyEnv,
			Model:          DefaultOracleModel,
			Temperature:    0.1,
			MaxTokens:      DefaultOracleMaxTokens,
			RequestTimeout: DefaultRequestTimeout,
			RateLimit: RateLimitConfig{
				Enabled:         true,
				TokensPerSecond: DefaultTokensPerSecond,
				BurstSize:       DefaultBurstSize,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: DefaultFailureThreshold,
				OpenTimeout:      DefaultOpenTimeout,
				HalfOpenRequests:   1,
			},
		},
		Validation: ValidationConfig{
			FullTimeout:       DefaultFullValidationTimeout,
			SimplifiedTimeout: DefaultSimplifiedValidationTimeout,
		},
		Processor: ProcessorConfig{
			JobTimeout:         DefaultJobTimeout,
			RelevanceThreshold: DefaultRelevanceThreshold,
		},
		Bulk: BulkConfig{
			Threshold:       DefaultBulkThreshold,
			ChunkSize:       DefaultChunkSize,
			ChunkDelay:      DefaultChunkDelay,
			MaxPending:      DefaultMaxPending,
			MaxChunksPerRun: DefaultMaxChunksPerRun,
		},
		Store: StoreConfig{Driver: "memory"},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "evalpipe-bulk",
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":8090",
			Mode:    "release",
		},
		Events: EventsConfig{
			Sink:   "noop",
			Stream: "evalpipe:events",
			MaxLen: 10000,
		},
	}
}
