// Package session tracks which gateway instance holds the live connection for each (tenant, user, device),
// distinct from the gateway's own resume/replay buffer. The Push Pipeline's scheduler consults this registry to
// split recipients into online (route to their owning gateway) and offline (hand to the vendor push worker), and
// the gateway's device-conflict policy consults it on Connect to find a prior session to displace. It follows the
// same TTL-refresh-on-heartbeat shape as the presence and service-registry stores (§6).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no live session exists for the given device.
var ErrNotFound = errors.New("session: not found")

// Platform is the connecting client's device class, used by the PlatformExclusive device-conflict policy.
type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformDesktop Platform = "desktop"
	PlatformWeb     Platform = "web"
)

// Binding is one device's live connection, bound to the gateway instance holding its socket.
type Binding struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	UserID      uuid.UUID `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	Platform    Platform  `json:"platform"`
	GatewayID   string    `json:"gateway_id"`
	Region      string    `json:"region"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry reads and writes device session bindings in Valkey.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Registry whose bindings expire after ttl if not refreshed by a heartbeat. ttl should exceed the
// gateway's heartbeat interval by a comfortable margin (§6 default: 3x heartbeat interval).
func New(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

func bindingKey(tenantID, userID uuid.UUID, deviceID string) string {
	return fmt.Sprintf("session:%s:%s:%s", tenantID, userID, deviceID)
}

func userDevicesKey(tenantID, userID uuid.UUID) string {
	return fmt.Sprintf("session:%s:%s:devices", tenantID, userID)
}

// Bind records a device's connection to a gateway instance and adds it to the user's device set.
func (r *Registry) Bind(ctx context.Context, b Binding) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, bindingKey(b.TenantID, b.UserID, b.DeviceID), payload, r.ttl)
	pipe.SAdd(ctx, userDevicesKey(b.TenantID, b.UserID), b.DeviceID)
	pipe.Expire(ctx, userDevicesKey(b.TenantID, b.UserID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}

// Heartbeat extends a binding's TTL without rewriting its payload. Returns ErrNotFound if the binding has already
// expired, in which case the caller should re-Bind.
func (r *Registry) Heartbeat(ctx context.Context, tenantID, userID uuid.UUID, deviceID string) error {
	ok, err := r.rdb.Expire(ctx, bindingKey(tenantID, userID, deviceID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("heartbeat session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	r.rdb.Expire(ctx, userDevicesKey(tenantID, userID), r.ttl)
	return nil
}

// Unbind removes a device's session immediately, used on clean disconnect.
func (r *Registry) Unbind(ctx context.Context, tenantID, userID uuid.UUID, deviceID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, bindingKey(tenantID, userID, deviceID))
	pipe.SRem(ctx, userDevicesKey(tenantID, userID), deviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unbind session: %w", err)
	}
	return nil
}

// Get returns one device's current binding.
func (r *Registry) Get(ctx context.Context, tenantID, userID uuid.UUID, deviceID string) (*Binding, error) {
	val, err := r.rdb.Get(ctx, bindingKey(tenantID, userID, deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var b Binding
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &b, nil
}

// ListDevices returns every live binding for a user across all their devices, used by the push scheduler to
// resolve the online device set and by the device-conflict policy to find prior sessions. Stale device IDs whose
// binding key has already expired are pruned opportunistically and excluded from the result.
func (r *Registry) ListDevices(ctx context.Context, tenantID, userID uuid.UUID) ([]Binding, error) {
	deviceIDs, err := r.rdb.SMembers(ctx, userDevicesKey(tenantID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list device ids: %w", err)
	}
	if len(deviceIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = bindingKey(tenantID, userID, id)
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget sessions: %w", err)
	}

	var out []Binding
	var stale []string
	for i, v := range vals {
		if v == nil {
			stale = append(stale, deviceIDs[i])
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var b Binding
		if err := json.Unmarshal([]byte(s), &b); err != nil {
			continue
		}
		out = append(out, b)
	}
	if len(stale) > 0 {
		r.rdb.SRem(ctx, userDevicesKey(tenantID, userID), toAny(stale)...)
	}
	return out, nil
}

// IsOnline reports whether a user has at least one live device binding, used to decide between online fan-out and
// offline vendor push (§13 cross-region tie-break: fan out to every live session, not a single elected one).
func (r *Registry) IsOnline(ctx context.Context, tenantID, userID uuid.UUID) (bool, error) {
	devices, err := r.ListDevices(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
