package writer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/idempotency"
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/queue"
)

// fakeMessages implements message.Repository in memory for unit tests.
type fakeMessages struct {
	byServerID map[uuid.UUID]*message.Message
	visibility map[string]message.Visibility
	inserted   int
	recalled   int
	ops        int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byServerID: make(map[uuid.UUID]*message.Message), visibility: make(map[string]message.Visibility)}
}

func (f *fakeMessages) Insert(_ context.Context, m *message.Message) error {
	f.inserted++
	cp := *m
	f.byServerID[m.ServerID] = &cp
	return nil
}

func (f *fakeMessages) GetByServerID(_ context.Context, _ uuid.UUID, serverID uuid.UUID) (*message.Message, error) {
	m, ok := f.byServerID[serverID]
	if !ok {
		return nil, message.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessages) GetBySeq(context.Context, uuid.UUID, uuid.UUID, int64) (*message.Message, error) {
	return nil, message.ErrNotFound
}
func (f *fakeMessages) List(context.Context, uuid.UUID, uuid.UUID, message.Cursor, int, bool) ([]message.Message, error) {
	return nil, nil
}

func (f *fakeMessages) ApplyEdit(_ context.Context, _ uuid.UUID, serverID uuid.UUID, entry message.EditHistoryEntry) error {
	m := f.byServerID[serverID]
	m.Content = entry.Content
	m.CurrentEditVersion = entry.EditVersion
	m.State = message.StateEdited
	return nil
}

func (f *fakeMessages) ApplyRecall(_ context.Context, _ uuid.UUID, serverID uuid.UUID, _ uuid.UUID, _ string) error {
	f.recalled++
	f.byServerID[serverID].State = message.StateRecalled
	return nil
}

func (f *fakeMessages) ApplyDeleteGlobal(_ context.Context, _ uuid.UUID, serverID uuid.UUID, _ uuid.UUID) error {
	f.byServerID[serverID].State = message.StateDeletedHard
	f.byServerID[serverID].Content = nil
	return nil
}

func (f *fakeMessages) SetVisibility(_ context.Context, _ uuid.UUID, messageID, userID uuid.UUID, v message.Visibility) error {
	f.visibility[messageID.String()+":"+userID.String()] = v
	return nil
}

func (f *fakeMessages) GetVisibility(_ context.Context, _ uuid.UUID, messageID, userID uuid.UUID) (message.Visibility, error) {
	v, ok := f.visibility[messageID.String()+":"+userID.String()]
	if !ok {
		return message.VisibilityVisible, nil
	}
	return v, nil
}

func (f *fakeMessages) AddReaction(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, string) error    { return nil }
func (f *fakeMessages) RemoveReaction(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, string) error { return nil }
func (f *fakeMessages) Pin(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, uuid.UUID, *time.Time) error {
	return nil
}
func (f *fakeMessages) Unpin(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error { return nil }

func (f *fakeMessages) RecordOperation(context.Context, message.OperationHistoryEntry) error {
	f.ops++
	return nil
}

func (f *fakeMessages) FindByIdempotencyKey(context.Context, uuid.UUID, uuid.UUID, string) (*message.Message, error) {
	return nil, message.ErrNotFound
}

// fakeConversations implements conversation.Repository in memory for unit tests.
type fakeConversations struct {
	participants map[uuid.UUID][]uuid.UUID
	unread       map[uuid.UUID]map[uuid.UUID]int64
	readSeq      map[uuid.UUID]map[uuid.UUID]int64
}

func newFakeConversations(conversationID uuid.UUID, participants []uuid.UUID) *fakeConversations {
	return &fakeConversations{
		participants: map[uuid.UUID][]uuid.UUID{conversationID: participants},
		unread:       make(map[uuid.UUID]map[uuid.UUID]int64),
		readSeq:      make(map[uuid.UUID]map[uuid.UUID]int64),
	}
}

func (f *fakeConversations) GetConversation(context.Context, uuid.UUID, uuid.UUID) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}
func (f *fakeConversations) GetParticipant(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*conversation.Participant, error) {
	return nil, conversation.ErrNotParticipant
}

func (f *fakeConversations) ListParticipantIDs(_ context.Context, _ uuid.UUID, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return f.participants[conversationID], nil
}

func (f *fakeConversations) ListForUser(context.Context, uuid.UUID, uuid.UUID, *uuid.UUID, int) ([]conversation.Summary, error) {
	return nil, nil
}
func (f *fakeConversations) SetMute(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, *time.Time) error {
	return nil
}
func (f *fakeConversations) SetPinned(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, bool) error {
	return nil
}
func (f *fakeConversations) DeleteForUser(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}

func (f *fakeConversations) AdvanceReadSeq(_ context.Context, _ uuid.UUID, conversationID, userID uuid.UUID, upToSeq int64) error {
	if f.readSeq[conversationID] == nil {
		f.readSeq[conversationID] = make(map[uuid.UUID]int64)
	}
	f.readSeq[conversationID][userID] = upToSeq
	return nil
}

func (f *fakeConversations) IncrementUnread(_ context.Context, _ uuid.UUID, conversationID uuid.UUID, exclude uuid.UUID, _ uuid.UUID, _ int64) error {
	if f.unread[conversationID] == nil {
		f.unread[conversationID] = make(map[uuid.UUID]int64)
	}
	for _, p := range f.participants[conversationID] {
		if p != exclude {
			f.unread[conversationID][p]++
		}
	}
	return nil
}

func (f *fakeConversations) GetSyncCursor(context.Context, uuid.UUID, uuid.UUID, string, uuid.UUID) (int64, error) {
	return 0, nil
}
func (f *fakeConversations) AdvanceSyncCursor(context.Context, uuid.UUID, uuid.UUID, string, uuid.UUID, int64) error {
	return nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestHandleContentMessageInsertsFansOutAndPublishes(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	tenantID, convID, sender, recipient := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	msgs := newFakeMessages()
	convs := newFakeConversations(convID, []uuid.UUID{sender, recipient})
	idem := idempotency.New(rdb, time.Hour)
	producer := queue.NewProducer(rdb)
	w := New(msgs, convs, idem, producer, zerolog.Nop())

	evt := persistenceEvent{Message: eventMessage{
		TenantID: tenantID, ServerID: uuid.New(), ConversationID: convID, SenderID: sender,
		Content: []byte("hi"), ContentType: "text", Seq: 1, Source: message.SourceUser, Timestamp: time.Now().UTC(),
	}}
	body, _ := json.Marshal(evt)

	if err := w.Handle(context.Background(), queue.Envelope{TenantID: tenantID, Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if msgs.inserted != 1 {
		t.Errorf("inserted = %d, want 1", msgs.inserted)
	}
	if convs.unread[convID][recipient] != 1 {
		t.Errorf("recipient unread = %d, want 1", convs.unread[convID][recipient])
	}
	if convs.readSeq[convID][sender] != 1 {
		t.Errorf("sender read seq = %d, want 1", convs.readSeq[convID][sender])
	}
}

func TestHandleIsIdempotentOnRedelivery(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	tenantID, convID, sender := uuid.New(), uuid.New(), uuid.New()

	msgs := newFakeMessages()
	convs := newFakeConversations(convID, []uuid.UUID{sender})
	idem := idempotency.New(rdb, time.Hour)
	producer := queue.NewProducer(rdb)
	w := New(msgs, convs, idem, producer, zerolog.Nop())

	serverID := uuid.New()
	evt := persistenceEvent{Message: eventMessage{
		TenantID: tenantID, ServerID: serverID, ConversationID: convID, SenderID: sender,
		Content: []byte("hi"), ContentType: "text", Seq: 1, Source: message.SourceUser, Timestamp: time.Now().UTC(),
	}}
	body, _ := json.Marshal(evt)
	env := queue.Envelope{TenantID: tenantID, Body: body}

	if err := w.Handle(context.Background(), env); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	if err := w.Handle(context.Background(), env); err != nil {
		t.Fatalf("redelivered Handle() error = %v", err)
	}

	if msgs.inserted != 1 {
		t.Errorf("inserted = %d, want 1 (redelivery must not double-insert)", msgs.inserted)
	}
}

func TestHandleRecallOperationTransitionsState(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	tenantID, convID, sender := uuid.New(), uuid.New(), uuid.New()

	msgs := newFakeMessages()
	target := uuid.New()
	msgs.byServerID[target] = &message.Message{TenantID: tenantID, ServerID: target, State: message.StateSent}
	convs := newFakeConversations(convID, []uuid.UUID{sender})
	idem := idempotency.New(rdb, time.Hour)
	producer := queue.NewProducer(rdb)
	w := New(msgs, convs, idem, producer, zerolog.Nop())

	evt := persistenceEvent{Message: eventMessage{
		TenantID: tenantID, ServerID: uuid.New(), ConversationID: convID, SenderID: sender,
		Content: []byte("recall"), Seq: 2, Timestamp: time.Now().UTC(),
		Operation: &message.Operation{Type: message.OpRecall, TargetID: target, Operator: sender, Reason: "oops"},
	}}
	body, _ := json.Marshal(evt)

	if err := w.Handle(context.Background(), queue.Envelope{TenantID: tenantID, Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if msgs.byServerID[target].State != message.StateRecalled {
		t.Errorf("target state = %v, want RECALLED", msgs.byServerID[target].State)
	}
	if msgs.recalled != 1 || msgs.ops != 1 {
		t.Errorf("recalled = %d, ops = %d, want 1, 1", msgs.recalled, msgs.ops)
	}
}
