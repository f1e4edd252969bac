// Package app wires the dispatch core's components (queue, dispatcher,
// admission limiter, worker registry, event bus, WebSocket bridge) into a
// runnable process, following the spec's §6 environment variables.
package app

import (
	"time"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/dispatch/registry"
	"github.com/fluxgate/dispatchcore/internal/envconfig"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

// Config collects every tunable named in spec §6 plus the ambient-stack
// knobs (mode, redis, otel, snapshotting) this implementation adds.
type Config struct {
	Port string

	MaxConcurrent          int
	RateLimit              int
	MaxQueueSize           int
	ProcessingTimeoutMS    time.Duration
	RetryDelays            []time.Duration
	DLQThreshold           int
	HeartbeatIntervalMS    time.Duration
	HeartbeatMissThreshold int
	MaxAttempts            int

	RedisAddr string
	RedisDB   int

	JWTSecret string

	LogMode string

	OtelEnabled     bool
	OtelServiceName string
	OtelEnvironment string

	SnapshotEnabled  bool
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// Load reads Config from the environment, defaulting every field to the
// value the spec documents.
func Load(log *logging.Logger) Config {
	return Config{
		Port: envconfig.GetEnv("PORT", "8080", log),

		MaxConcurrent:          envconfig.GetEnvAsInt("MAX_CONCURRENT", 10, log),
		RateLimit:              envconfig.GetEnvAsInt("RATE_LIMIT", 50, log),
		MaxQueueSize:           envconfig.GetEnvAsInt("MAX_QUEUE_SIZE", 1000, log),
		ProcessingTimeoutMS:    envconfig.GetEnvAsMillis("PROCESSING_TIMEOUT_MS", 30*time.Second, log),
		RetryDelays:            envconfig.GetEnvAsDurationsCSV("RETRY_DELAYS_MS", []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, log),
		DLQThreshold:           envconfig.GetEnvAsInt("DLQ_THRESHOLD", 1000, log),
		HeartbeatIntervalMS:    envconfig.GetEnvAsMillis("HEARTBEAT_INTERVAL_MS", 30*time.Second, log),
		HeartbeatMissThreshold: envconfig.GetEnvAsInt("HEARTBEAT_MISS_THRESHOLD", 3, log),
		MaxAttempts:            envconfig.GetEnvAsInt("MAX_ATTEMPTS", 3, log),

		RedisAddr: envconfig.GetEnv("REDIS_ADDR", "localhost:6379", log),
		RedisDB:   envconfig.GetEnvAsInt("REDIS_DB", 0, log),

		JWTSecret: envconfig.GetEnv("WORKER_JWT_SECRET", "", log),

		LogMode: envconfig.GetEnv("LOG_MODE", "prod", log),

		OtelEnabled:     envconfig.GetEnv("OTEL_ENABLED", "false", log) == "true",
		OtelServiceName: envconfig.GetEnv("OTEL_SERVICE_NAME", "dispatch-core", log),
		OtelEnvironment: envconfig.GetEnv("OTEL_ENVIRONMENT", "development", log),

		SnapshotEnabled:  envconfig.GetEnv("SNAPSHOT_ENABLED", "false", log) == "true",
		SnapshotPath:     envconfig.GetEnv("SNAPSHOT_PATH", "dispatchcore.db", log),
		SnapshotInterval: envconfig.GetEnvAsMillis("SNAPSHOT_INTERVAL_MS", time.Minute, log),
	}
}

func (c Config) dispatcherConfig() dispatch.DispatcherConfig {
	return dispatch.DispatcherConfig{
		MaxConcurrent:     c.MaxConcurrent,
		RateLimit:         c.RateLimit,
		ProcessingTimeout: c.ProcessingTimeoutMS,
		NoWorkerGrace:     10 * time.Second,
		PollInterval:      20 * time.Millisecond,
		NoWorkerRetryWait: 500 * time.Millisecond,
	}
}

func (c Config) registryConfig() registry.Config {
	return registry.Config{
		HeartbeatInterval:      c.HeartbeatIntervalMS,
		HeartbeatMissThreshold: c.HeartbeatMissThreshold,
	}
}

func (c Config) retryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{Delays: c.RetryDelays, Overflow: 30 * time.Second}
}
