package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestPublishToDeliversOnTargetInstanceChannel(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	pub := NewPublisher(rdb, zerolog.Nop())

	sub := rdb.Subscribe(context.Background(), gatewayChannel("gw-2"))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := deliverEnvelope{TenantID: "t1", UserID: "u1", DeviceID: "d1", EventType: EventMessageCreate, Data: json.RawMessage(`{"content":"hi"}`)}
	if err := pub.PublishTo(context.Background(), "gw-2", env); err != nil {
		t.Fatalf("PublishTo() error = %v", err)
	}

	msg, err := sub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("receive message: %v", err)
	}
	if msg.Channel != gatewayChannel("gw-2") {
		t.Errorf("channel = %q, want %q", msg.Channel, gatewayChannel("gw-2"))
	}

	var got deliverEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.UserID != "u1" || got.EventType != EventMessageCreate {
		t.Errorf("got = %+v, want UserID=u1 EventType=%q", got, EventMessageCreate)
	}
}

func TestPublishToDoesNotCrossInstanceChannels(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	pub := NewPublisher(rdb, zerolog.Nop())

	subOther := rdb.Subscribe(context.Background(), gatewayChannel("gw-other"))
	defer func() { _ = subOther.Close() }()
	if _, err := subOther.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.PublishTo(context.Background(), "gw-target", deliverEnvelope{UserID: "u1"}); err != nil {
		t.Fatalf("PublishTo() error = %v", err)
	}

	select {
	case <-subOther.Channel():
		t.Error("received a message on an unrelated instance's channel")
	default:
	}
}
