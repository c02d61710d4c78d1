package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, New(rdb, ttl)
}

func TestBindAndGet(t *testing.T) {
	t.Parallel()
	_, reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()
	tenantID, userID := uuid.New(), uuid.New()

	b := Binding{TenantID: tenantID, UserID: userID, DeviceID: "device-1", Platform: PlatformMobile, GatewayID: "gw-1", Region: "us-east"}
	if err := reg.Bind(ctx, b); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	got, err := reg.Get(ctx, tenantID, userID, "device-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.GatewayID != "gw-1" {
		t.Errorf("GatewayID = %q, want %q", got.GatewayID, "gw-1")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	_, reg := newTestRegistry(t, time.Minute)

	_, err := reg.Get(context.Background(), uuid.New(), uuid.New(), "nope")
	if err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestListDevicesAcrossMultipleDevices(t *testing.T) {
	t.Parallel()
	_, reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()
	tenantID, userID := uuid.New(), uuid.New()

	for _, d := range []string{"device-1", "device-2"} {
		b := Binding{TenantID: tenantID, UserID: userID, DeviceID: d, GatewayID: "gw-" + d}
		if err := reg.Bind(ctx, b); err != nil {
			t.Fatalf("Bind(%s) error = %v", d, err)
		}
	}

	devices, err := reg.ListDevices(ctx, tenantID, userID)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("ListDevices() returned %d, want 2", len(devices))
	}
}

func TestUnbindRemovesDevice(t *testing.T) {
	t.Parallel()
	_, reg := newTestRegistry(t, time.Minute)
	ctx := context.Background()
	tenantID, userID := uuid.New(), uuid.New()

	if err := reg.Bind(ctx, Binding{TenantID: tenantID, UserID: userID, DeviceID: "device-1", GatewayID: "gw-1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := reg.Unbind(ctx, tenantID, userID, "device-1"); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}

	if _, err := reg.Get(ctx, tenantID, userID, "device-1"); err != ErrNotFound {
		t.Errorf("Get() after Unbind error = %v, want ErrNotFound", err)
	}

	online, err := reg.IsOnline(ctx, tenantID, userID)
	if err != nil {
		t.Fatalf("IsOnline() error = %v", err)
	}
	if online {
		t.Error("IsOnline() = true after Unbind, want false")
	}
}

func TestHeartbeatExtendsTTLAndFailsAfterExpiry(t *testing.T) {
	t.Parallel()
	mr, reg := newTestRegistry(t, 30*time.Second)
	ctx := context.Background()
	tenantID, userID := uuid.New(), uuid.New()

	if err := reg.Bind(ctx, Binding{TenantID: tenantID, UserID: userID, DeviceID: "device-1", GatewayID: "gw-1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	mr.FastForward(20 * time.Second)
	if err := reg.Heartbeat(ctx, tenantID, userID, "device-1"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	mr.FastForward(20 * time.Second)
	if _, err := reg.Get(ctx, tenantID, userID, "device-1"); err != nil {
		t.Fatalf("Get() after heartbeat error = %v, want nil (TTL extended)", err)
	}

	mr.FastForward(40 * time.Second)
	if err := reg.Heartbeat(ctx, tenantID, userID, "device-1"); err != ErrNotFound {
		t.Errorf("Heartbeat() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestIsOnlineFalseWhenNoDevices(t *testing.T) {
	t.Parallel()
	_, reg := newTestRegistry(t, time.Minute)

	online, err := reg.IsOnline(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("IsOnline() error = %v", err)
	}
	if online {
		t.Error("IsOnline() = true, want false")
	}
}

func TestListDevicesPrunesStaleEntries(t *testing.T) {
	t.Parallel()
	mr, reg := newTestRegistry(t, 10*time.Second)
	ctx := context.Background()
	tenantID, userID := uuid.New(), uuid.New()

	if err := reg.Bind(ctx, Binding{TenantID: tenantID, UserID: userID, DeviceID: "device-1", GatewayID: "gw-1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	mr.FastForward(15 * time.Second)

	devices, err := reg.ListDevices(ctx, tenantID, userID)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("ListDevices() returned %d stale entries, want 0", len(devices))
	}
}
