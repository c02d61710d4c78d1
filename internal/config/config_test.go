package config

import (
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"ENVIRONMENT", "DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_CONN_TIMEOUT",
		"CACHE_URL", "CACHE_DIAL_TIMEOUT",
		"REGISTRY_HEARTBEAT_INTERVAL", "REGISTRY_TTL", "INSTANCE_ID", "REGION",
		"GATEWAY_HEARTBEAT_INTERVAL", "GATEWAY_LISTEN_ADDR", "GATEWAY_DEVICE_CONFLICT",
		"RATE_LIMIT_WS_COUNT", "RATE_LIMIT_WS_WINDOW_SECONDS",
		"ORCHESTRATOR_LISTEN_ADDR", "IDEMPOTENCY_TTL", "SEQ_LEASE_TTL",
		"HOOK_RELOAD_INTERVAL", "HOOK_DEFAULT_TIMEOUT", "RECALL_WINDOW",
		"PUSH_WORKER_CONCURRENCY", "PUSH_MAX_RETRIES", "OFFLINE_PUSH_VENDOR_URL",
		"JWT_SECRET", "JWT_ISSUER",
		"QUEUE_CONSUMER_GROUP", "QUEUE_BLOCK_DURATION", "QUEUE_CLAIM_MIN_IDLE",
		"QUEUE_MAX_DELIVERIES", "QUEUE_RECLAIM_INTERVAL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want development", cfg.Environment)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("IdempotencyTTL = %v, want 24h", cfg.IdempotencyTTL)
	}
	if cfg.GatewaySessionTTL != cfg.GatewayHeartbeatInterval*3 {
		t.Errorf("GatewaySessionTTL = %v, want heartbeat*3 = %v", cfg.GatewaySessionTTL, cfg.GatewayHeartbeatInterval*3)
	}
	if cfg.GatewayDeviceConflict != "exclusive" {
		t.Errorf("GatewayDeviceConflict = %q, want exclusive", cfg.GatewayDeviceConflict)
	}
	if cfg.IsProduction() {
		t.Error("IsProduction() = true for default environment")
	}
}

func TestLoadRejectsShortIdempotencyTTL(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "1h")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for IDEMPOTENCY_TTL below 24h")
	}
}

func TestLoadRejectsInvalidDeviceConflictPolicy(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "")
	t.Setenv("GATEWAY_DEVICE_CONFLICT", "bogus")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid GATEWAY_DEVICE_CONFLICT")
	}
}

func TestLoadRequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "")
	t.Setenv("GATEWAY_DEVICE_CONFLICT", "")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing JWT_SECRET in production")
	}
}
