// Package registry implements the service discovery registry (§6): gateways, orchestrators, and push workers
// register (name, instance_id, address, region, health) and heartbeat every 30s with a 90s TTL. It follows the
// same TTL-refresh-on-heartbeat shape as the presence store, applied to service instances instead of sessions.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Health is the last-reported health state of a registered instance.
type Health string

const (
	HealthOK    Health = "ok"
	HealthDegraded Health = "degraded"
)

// Instance is one registered service process.
type Instance struct {
	Name       string `json:"name"` // "gateway", "orchestrator", "writer", "reader", "push_worker"
	InstanceID string `json:"instance_id"`
	Address    string `json:"address"`
	Region     string `json:"region"`
	Health     Health `json:"health"`
}

// Registry reads and writes service instance records in the cache store.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Registry whose entries expire after ttl if not refreshed.
func New(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

func instanceKey(name, instanceID string) string {
	return fmt.Sprintf("registry:%s:%s", name, instanceID)
}

func setKey(name string) string {
	return fmt.Sprintf("registry:%s:members", name)
}

// Register writes (or refreshes) an instance's record and adds it to the service's membership set.
func (r *Registry) Register(ctx context.Context, inst Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, instanceKey(inst.Name, inst.InstanceID), payload, r.ttl)
	pipe.SAdd(ctx, setKey(inst.Name), inst.InstanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

// Heartbeat extends an already-registered instance's TTL without rewriting its payload.
func (r *Registry) Heartbeat(ctx context.Context, name, instanceID string) error {
	ok, err := r.rdb.Expire(ctx, instanceKey(name, instanceID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("heartbeat instance: %w", err)
	}
	if !ok {
		return fmt.Errorf("heartbeat instance: %s/%s is not registered (TTL expired)", name, instanceID)
	}
	return nil
}

// Deregister removes an instance immediately, used on graceful shutdown.
func (r *Registry) Deregister(ctx context.Context, name, instanceID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, instanceKey(name, instanceID))
	pipe.SRem(ctx, setKey(name), instanceID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("deregister instance: %w", err)
	}
	return nil
}

// List returns all live instances of a named service. Membership-set entries whose key has expired (instance
// crashed without deregistering) are pruned opportunistically and excluded from the result.
func (r *Registry) List(ctx context.Context, name string) ([]Instance, error) {
	ids, err := r.rdb.SMembers(ctx, setKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("list instance ids: %w", err)
	}

	var out []Instance
	var stale []string
	for _, id := range ids {
		val, err := r.rdb.Get(ctx, instanceKey(name, id)).Result()
		if err == redis.Nil {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get instance %s: %w", id, err)
		}
		var inst Instance
		if err := json.Unmarshal([]byte(val), &inst); err != nil {
			return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
		}
		out = append(out, inst)
	}
	if len(stale) > 0 {
		r.rdb.SRem(ctx, setKey(name), toAny(stale)...)
	}
	return out, nil
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
