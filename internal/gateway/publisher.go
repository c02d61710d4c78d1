package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/push"
	"github.com/relaymesh/relaymesh-core/internal/session"
)

func gatewayChannel(instanceID string) string {
	return "mesh:gateway:" + instanceID
}

// envelopeKind distinguishes what an instance receiving a deliverEnvelope should do with it.
type envelopeKind string

const (
	// kindDispatch targets exactly one (tenant, user, device) connection, used by the push pipeline's
	// GatewayDispatcher port. The zero value behaves as kindDispatch for backward compatibility with payloads
	// that predate this field.
	kindDispatch envelopeKind = "dispatch"
	// kindBroadcast is delivered to every locally-identified client of the named tenant, the generalization of
	// the teacher's single shared events channel into an explicit per-instance fan-out (presence updates, which
	// have no single addressable recipient device; typing goes to each participant's devices as kindDispatch).
	kindBroadcast envelopeKind = "broadcast"
	// kindEvict closes one device's local connection, used by the device-conflict policy to displace a session
	// bound to a different instance than the one handling the new Connect.
	kindEvict envelopeKind = "evict"
)

// deliverEnvelope is published to a specific gateway instance's channel when the frame's destination client is
// bound to a different instance than the one handling the request (cross-instance delivery, the multi-tenant
// generalization of the teacher's single global events channel).
type deliverEnvelope struct {
	Kind      envelopeKind    `json:"kind,omitempty"`
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id"`
	DeviceID  string          `json:"device_id"`
	EventType DispatchEvent   `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Ephemeral bool            `json:"ephemeral"`
}

func (e deliverEnvelope) kind() envelopeKind {
	if e.Kind == "" {
		return kindDispatch
	}
	return e.Kind
}

// Publisher routes dispatch deliveries to the Valkey pub/sub channel of the gateway instance that holds the
// destination client's connection.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new gateway delivery publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger}
}

// PublishTo serialises one deliver envelope and publishes it to the named gateway instance's channel.
func (p *Publisher) PublishTo(ctx context.Context, gatewayID string, env deliverEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal gateway delivery: %w", err)
	}
	if err := p.rdb.Publish(ctx, gatewayChannel(gatewayID), payload).Err(); err != nil {
		return fmt.Errorf("publish gateway delivery to %s: %w", gatewayID, err)
	}
	return nil
}

// RemoteDispatcher implements push.GatewayDispatcher for a process that is not itself a gateway instance — the
// push worker, which runs as its own binary and must always hand a dispatch off across the wire rather than
// ever deliver it to a local connection.
type RemoteDispatcher struct {
	publisher *Publisher
}

// NewRemoteDispatcher wraps publisher as a push.GatewayDispatcher.
func NewRemoteDispatcher(publisher *Publisher) *RemoteDispatcher {
	return &RemoteDispatcher{publisher: publisher}
}

// PushDeliver publishes the task as a dispatch envelope to the gateway instance holding the target device,
// mirroring Hub.PushDeliver's remote branch.
func (d *RemoteDispatcher) PushDeliver(ctx context.Context, gatewayID string, binding session.Binding, task push.Task) error {
	env := deliverEnvelope{
		Kind: kindDispatch, TenantID: binding.TenantID.String(), UserID: binding.UserID.String(),
		DeviceID: binding.DeviceID, EventType: DispatchEvent(task.EventType), Data: task.Payload,
	}
	return d.publisher.PublishTo(ctx, gatewayID, env)
}
