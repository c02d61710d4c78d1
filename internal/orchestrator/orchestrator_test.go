package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/hook"
	"github.com/relaymesh/relaymesh-core/internal/idempotency"
	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/seqalloc"
)

type fakeAuthorizer struct {
	info        ConversationInfo
	participant bool
	err         error
}

func (f fakeAuthorizer) Authorize(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (ConversationInfo, bool, error) {
	return f.info, f.participant, f.err
}

func newTestOrchestrator(t *testing.T, auth Authorizer) *Orchestrator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	idem := idempotency.New(rdb, 24*time.Hour)
	seq := seqalloc.New(rdb, func(context.Context, uuid.UUID, uuid.UUID) (int64, error) { return 0, nil }, 5*time.Second)
	engine := hook.New(zerolog.Nop(), nil)
	producer := queue.NewProducer(rdb)

	return New(auth, idem, seq, engine, producer, zerolog.Nop())
}

func TestSendMessageAssignsIncreasingSeq(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{info: ConversationInfo{Type: "direct"}, participant: true})
	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}
	convID := uuid.New()

	first, err := o.SendMessage(ctx, convID, Draft{Content: []byte("hello")}, sctx)
	if err != nil {
		t.Fatalf("first send error = %v", err)
	}
	second, err := o.SendMessage(ctx, convID, Draft{Content: []byte("world")}, sctx)
	if err != nil {
		t.Fatalf("second send error = %v", err)
	}

	if second.Seq <= first.Seq {
		t.Errorf("second.Seq = %d, want > first.Seq = %d", second.Seq, first.Seq)
	}
	if first.ServerID == second.ServerID {
		t.Errorf("expected distinct server ids")
	}
}

func TestSendMessageRejectsWhenNotParticipant(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{participant: false})
	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}

	_, err := o.SendMessage(ctx, uuid.New(), Draft{Content: []byte("hi")}, sctx)
	if !apperr.Is(err, apperr.PermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
}

func TestSendMessageRejectsDestroyedConversation(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{info: ConversationInfo{Destroyed: true}, participant: true})
	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}

	_, err := o.SendMessage(ctx, uuid.New(), Draft{Content: []byte("hi")}, sctx)
	if !apperr.Is(err, apperr.FailedPrecondition) {
		t.Fatalf("err = %v, want FailedPrecondition", err)
	}
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{info: ConversationInfo{Type: "direct"}, participant: true})
	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}

	_, err := o.SendMessage(ctx, uuid.New(), Draft{Content: []byte("   ")}, sctx)
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestSendMessageIdempotentResendReturnsExistingIDs(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{info: ConversationInfo{Type: "direct"}, participant: true})
	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}
	convID := uuid.New()

	first, err := o.SendMessage(ctx, convID, Draft{Content: []byte("hello"), ClientMsgID: "client-1"}, sctx)
	if err != nil {
		t.Fatalf("first send error = %v", err)
	}

	second, err := o.SendMessage(ctx, convID, Draft{Content: []byte("hello"), ClientMsgID: "client-1"}, sctx)
	if !apperr.Is(err, apperr.AlreadyExists) {
		t.Fatalf("err = %v, want AlreadyExists", err)
	}
	if second.ServerID != first.ServerID || second.Seq != first.Seq {
		t.Errorf("replay returned (%s, %d), want (%s, %d)", second.ServerID, second.Seq, first.ServerID, first.Seq)
	}
}

func TestRecallMessageBuildsOperationAndFunnelsThroughSend(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{info: ConversationInfo{Type: "direct"}, participant: true})
	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}

	target := uuid.New()
	accepted, err := o.RecallMessage(ctx, uuid.New(), target, sctx.SenderID, "oops", sctx)
	if err != nil {
		t.Fatalf("RecallMessage() error = %v", err)
	}
	if accepted.ServerID == uuid.Nil {
		t.Errorf("expected a non-nil operation server id")
	}
}

func TestSendMessagePreSendHookRejectionIsPermissionDenied(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, fakeAuthorizer{info: ConversationInfo{Type: "direct"}, participant: true})
	o.hooks.Reload([]hook.Config{
		{
			Name:      "block-all",
			Point:     hook.PointPreSend,
			Transport: hook.TransportInProcess,
			InProcessAdapter: "reject-all",
			Timeout:   time.Second,
		},
	})
	o.hooks.RegisterAdapter("reject-all", func(context.Context, hook.Context) hook.Result {
		return hook.Result{Action: hook.ActionReject, RejectReason: "blocked by policy"}
	})

	ctx := context.Background()
	sctx := SendContext{TenantID: uuid.New(), SenderID: uuid.New(), Source: "user"}

	_, err := o.SendMessage(ctx, uuid.New(), Draft{Content: []byte("hello")}, sctx)
	if !apperr.Is(err, apperr.PermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
}
