// Package config loads process configuration from the environment, following the same accumulate-then-report
// validation style used across the pipeline's services.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the external-interfaces and configuration sections. Each service binary
// reads the subset it needs; unused fields are harmless.
type Config struct {
	Environment string // "development" or "production"

	// Postgres / metadata store.
	DatabaseURL         string
	DatabaseMaxConns    int32
	DatabaseConnTimeout time.Duration

	// Valkey / cache store.
	CacheURL         string
	CacheDialTimeout time.Duration

	// Service discovery / registry.
	RegistryHeartbeatInterval time.Duration
	RegistryTTL               time.Duration
	InstanceID                string
	Region                    string

	// Access Gateway.
	GatewayHeartbeatInterval time.Duration
	GatewaySessionTTL        time.Duration // defaults to heartbeat * 3
	GatewayListenAddr        string
	GatewayDeviceConflict    string // exclusive | platform_exclusive | coexist
	GatewayReplayBufferSize  int    // frames retained per session for Resume replay
	RateLimitWSCount         int
	RateLimitWSWindowSeconds int

	// Message Orchestrator.
	OrchestratorListenAddr string
	IdempotencyTTL         time.Duration // applies to both orchestrator idem: keys and writer dedup keys, see DESIGN.md
	SeqLeaseTTL            time.Duration

	// Storage Reader.
	ReaderListenAddr string
	ReaderCacheTTL   time.Duration // recent-message page cache TTL, see §4.4

	// Storage Writer.
	WriterHealthAddr string

	// Push worker.
	PushWorkerHealthAddr string

	// Hook engine.
	HookReloadInterval time.Duration
	HookDefaultTimeout time.Duration
	HookConfigFile     string // local fallback tier, lowest precedence
	HookKVKey          string // central key-value store hash key, middle precedence
	RecallWindow       time.Duration // 0 = disabled (default); loaded but not read by any service

	// Push pipeline.
	PushWorkerConcurrency int
	PushMaxRetries        int
	OfflinePushVendorURL  string

	// Auth token validation (external issuer's signing material).
	JWTSecret string
	JWTIssuer string

	// Queue consumer tuning (Redis Streams).
	QueueConsumerGroup   string
	QueueBlockDuration   time.Duration
	QueueClaimMinIdle    time.Duration
	QueueMaxDeliveries   int
	QueueReclaimInterval time.Duration
}

type parser struct {
	errs []error
}

func (p *parser) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) int32(key string, def int32) int32 {
	return int32(p.int(key, int(def)))
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// Load reads configuration from the environment, applying defaults, and returns an aggregated error if any value
// failed to parse or failed validation.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Environment: p.str("ENVIRONMENT", "development"),

		DatabaseURL:         p.str("DATABASE_URL", "postgres://localhost:5432/relaymesh?sslmode=disable"),
		DatabaseMaxConns:    p.int32("DATABASE_MAX_CONNS", 20),
		DatabaseConnTimeout: p.duration("DATABASE_CONN_TIMEOUT", 5*time.Second),

		CacheURL:         p.str("CACHE_URL", "redis://localhost:6379/0"),
		CacheDialTimeout: p.duration("CACHE_DIAL_TIMEOUT", 3*time.Second),

		RegistryHeartbeatInterval: p.duration("REGISTRY_HEARTBEAT_INTERVAL", 30*time.Second),
		RegistryTTL:               p.duration("REGISTRY_TTL", 90*time.Second),
		InstanceID:                p.str("INSTANCE_ID", ""),
		Region:                    p.str("REGION", "local"),

		GatewayHeartbeatInterval: p.duration("GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second),
		GatewayListenAddr:        p.str("GATEWAY_LISTEN_ADDR", ":8080"),
		GatewayDeviceConflict:    p.str("GATEWAY_DEVICE_CONFLICT", "exclusive"),
		GatewayReplayBufferSize:  p.int("GATEWAY_REPLAY_BUFFER_SIZE", 200),
		RateLimitWSCount:         p.int("RATE_LIMIT_WS_COUNT", 120),
		RateLimitWSWindowSeconds: p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 60),

		OrchestratorListenAddr: p.str("ORCHESTRATOR_LISTEN_ADDR", ":8081"),
		IdempotencyTTL:         p.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		SeqLeaseTTL:            p.duration("SEQ_LEASE_TTL", 10*time.Second),

		ReaderListenAddr: p.str("READER_LISTEN_ADDR", ":8084"),
		ReaderCacheTTL:   p.duration("READER_CACHE_TTL", 5*time.Minute),

		WriterHealthAddr: p.str("WRITER_HEALTH_ADDR", ":8082"),

		PushWorkerHealthAddr: p.str("PUSH_WORKER_HEALTH_ADDR", ":8083"),

		HookReloadInterval: p.duration("HOOK_RELOAD_INTERVAL", 30*time.Second),
		HookDefaultTimeout: p.duration("HOOK_DEFAULT_TIMEOUT", 2*time.Second),
		HookConfigFile:     p.str("HOOK_CONFIG_FILE", ""),
		HookKVKey:          p.str("HOOK_KV_KEY", "relaymesh:hook_configs"),
		RecallWindow:       p.duration("RECALL_WINDOW", 0),

		PushWorkerConcurrency: p.int("PUSH_WORKER_CONCURRENCY", 8),
		PushMaxRetries:        p.int("PUSH_MAX_RETRIES", 3),
		OfflinePushVendorURL:  p.str("OFFLINE_PUSH_VENDOR_URL", ""),

		JWTSecret: p.str("JWT_SECRET", ""),
		JWTIssuer: p.str("JWT_ISSUER", "relaymesh-auth"),

		QueueConsumerGroup:   p.str("QUEUE_CONSUMER_GROUP", "writer"),
		QueueBlockDuration:   p.duration("QUEUE_BLOCK_DURATION", 5*time.Second),
		QueueClaimMinIdle:    p.duration("QUEUE_CLAIM_MIN_IDLE", 30*time.Second),
		QueueMaxDeliveries:   p.int("QUEUE_MAX_DELIVERIES", 5),
		QueueReclaimInterval: p.duration("QUEUE_RECLAIM_INTERVAL", 15*time.Second),
	}

	cfg.GatewaySessionTTL = cfg.GatewayHeartbeatInterval * 3

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty"))
	}
	if c.CacheURL == "" {
		errs = append(errs, errors.New("CACHE_URL must not be empty"))
	}
	if c.IdempotencyTTL < 24*time.Hour {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be at least 24h (orchestrator and writer dedup keys share this value)"))
	}
	switch strings.ToLower(c.GatewayDeviceConflict) {
	case "exclusive", "platform_exclusive", "coexist":
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_DEVICE_CONFLICT: invalid value %q", c.GatewayDeviceConflict))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IsDevelopment reports whether the process is running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Environment == "development" }

// IsProduction reports whether the process is running in the production environment.
func (c *Config) IsProduction() bool { return c.Environment == "production" }
