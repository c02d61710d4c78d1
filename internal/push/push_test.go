package push

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/session"
)

type fakeGateway struct {
	mu        sync.Mutex
	delivered []string
	err       error
}

func (f *fakeGateway) PushDeliver(_ context.Context, gatewayID string, b session.Binding, _ Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, gatewayID+":"+b.DeviceID)
	return nil
}

type fakeVendor struct {
	mu  sync.Mutex
	hit []uuid.UUID
	err error
}

func (f *fakeVendor) SendOffline(_ context.Context, _ uuid.UUID, recipientID uuid.UUID, _ Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hit = append(f.hit, recipientID)
	return f.err
}

func newTestSessions(t *testing.T) *session.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return session.New(rdb, time.Minute)
}

func TestSchedulerDispatchesOnlineRecipientToGateway(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessions := newTestSessions(t)

	tenantID, recipientID := uuid.New(), uuid.New()
	if err := sessions.Bind(ctx, session.Binding{TenantID: tenantID, UserID: recipientID, DeviceID: "d1", GatewayID: "gw-1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	gw := &fakeGateway{}
	vendor := &fakeVendor{}
	worker := NewWorker(gw, vendor, nil, zerolog.Nop())
	sched := NewScheduler(sessions, worker, zerolog.Nop())

	task := Task{TenantID: tenantID, ServerID: uuid.New(), ConversationID: uuid.New(), Recipients: []uuid.UUID{recipientID}}
	body, _ := json.Marshal(task)
	if err := sched.Handle(ctx, queue.Envelope{TenantID: tenantID, Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(gw.delivered) != 1 || gw.delivered[0] != "gw-1:d1" {
		t.Errorf("delivered = %v, want [gw-1:d1]", gw.delivered)
	}
	if len(vendor.hit) != 0 {
		t.Errorf("vendor.hit = %v, want empty (recipient was online)", vendor.hit)
	}
}

func TestSchedulerDispatchesOfflineRecipientToVendor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessions := newTestSessions(t)

	tenantID, recipientID := uuid.New(), uuid.New()
	gw := &fakeGateway{}
	vendor := &fakeVendor{}
	worker := NewWorker(gw, vendor, nil, zerolog.Nop())
	sched := NewScheduler(sessions, worker, zerolog.Nop())

	task := Task{TenantID: tenantID, ServerID: uuid.New(), ConversationID: uuid.New(), Recipients: []uuid.UUID{recipientID}}
	body, _ := json.Marshal(task)
	if err := sched.Handle(ctx, queue.Envelope{TenantID: tenantID, Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(vendor.hit) != 1 || vendor.hit[0] != recipientID {
		t.Errorf("vendor.hit = %v, want [%v]", vendor.hit, recipientID)
	}
	if len(gw.delivered) != 0 {
		t.Errorf("delivered = %v, want empty (recipient was offline)", gw.delivered)
	}
}

func TestSchedulerFansOutToEveryDeviceAcrossRegions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessions := newTestSessions(t)

	tenantID, recipientID := uuid.New(), uuid.New()
	if err := sessions.Bind(ctx, session.Binding{TenantID: tenantID, UserID: recipientID, DeviceID: "d1", GatewayID: "gw-us", Region: "us"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := sessions.Bind(ctx, session.Binding{TenantID: tenantID, UserID: recipientID, DeviceID: "d2", GatewayID: "gw-eu", Region: "eu"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	gw := &fakeGateway{}
	worker := NewWorker(gw, &fakeVendor{}, nil, zerolog.Nop())
	sched := NewScheduler(sessions, worker, zerolog.Nop())

	task := Task{TenantID: tenantID, ServerID: uuid.New(), ConversationID: uuid.New(), Recipients: []uuid.UUID{recipientID}}
	body, _ := json.Marshal(task)
	if err := sched.Handle(ctx, queue.Envelope{TenantID: tenantID, Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(gw.delivered) != 2 {
		t.Errorf("delivered = %v, want 2 dispatches (one per device/region)", gw.delivered)
	}
}

func TestWorkerFallsBackToOfflineOnNotConnected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessions := newTestSessions(t)

	tenantID, recipientID := uuid.New(), uuid.New()
	if err := sessions.Bind(ctx, session.Binding{TenantID: tenantID, UserID: recipientID, DeviceID: "d1", GatewayID: "gw-1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	gw := &fakeGateway{err: ErrNotConnected}
	vendor := &fakeVendor{}
	worker := NewWorker(gw, vendor, nil, zerolog.Nop(), WithOnlineRetries(0))
	sched := NewScheduler(sessions, worker, zerolog.Nop())

	task := Task{TenantID: tenantID, ServerID: uuid.New(), ConversationID: uuid.New(), Recipients: []uuid.UUID{recipientID}}
	body, _ := json.Marshal(task)
	if err := sched.Handle(ctx, queue.Envelope{TenantID: tenantID, Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(vendor.hit) != 1 {
		t.Errorf("vendor.hit = %v, want 1 fallback dispatch", vendor.hit)
	}
}
