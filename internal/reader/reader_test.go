package reader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/message"
)

type fakeMessages struct {
	list       []message.Message
	byServerID map[uuid.UUID]*message.Message
	visibility map[string]message.Visibility
}

func newFakeMessages(msgs []message.Message) *fakeMessages {
	byID := make(map[uuid.UUID]*message.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ServerID] = &msgs[i]
	}
	return &fakeMessages{list: msgs, byServerID: byID, visibility: make(map[string]message.Visibility)}
}

func (f *fakeMessages) Insert(context.Context, *message.Message) error { return nil }
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
	return f.list, nil
}
func (f *fakeMessages) ApplyEdit(context.Context, uuid.UUID, uuid.UUID, message.EditHistoryEntry) error {
	return nil
}
func (f *fakeMessages) ApplyRecall(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, string) error {
	return nil
}
func (f *fakeMessages) ApplyDeleteGlobal(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
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
	return nil
}
func (f *fakeMessages) FindByIdempotencyKey(context.Context, uuid.UUID, uuid.UUID, string) (*message.Message, error) {
	return nil, message.ErrNotFound
}

type fakeConversations struct {
	lastReadSeq map[uuid.UUID]int64
}

func (f *fakeConversations) GetConversation(context.Context, uuid.UUID, uuid.UUID) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}
func (f *fakeConversations) GetParticipant(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*conversation.Participant, error) {
	return nil, conversation.ErrNotParticipant
}
func (f *fakeConversations) ListParticipantIDs(context.Context, uuid.UUID, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
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
func (f *fakeConversations) AdvanceReadSeq(_ context.Context, _ uuid.UUID, _ uuid.UUID, userID uuid.UUID, upToSeq int64) error {
	if f.lastReadSeq == nil {
		f.lastReadSeq = make(map[uuid.UUID]int64)
	}
	f.lastReadSeq[userID] = upToSeq
	return nil
}
func (f *fakeConversations) IncrementUnread(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, uuid.UUID, int64) error {
	return nil
}
func (f *fakeConversations) GetSyncCursor(context.Context, uuid.UUID, uuid.UUID, string, uuid.UUID) (int64, error) {
	return 0, nil
}
func (f *fakeConversations) AdvanceSyncCursor(context.Context, uuid.UUID, uuid.UUID, string, uuid.UUID, int64) error {
	return nil
}

func newTestReader(t *testing.T, msgs []message.Message) (*Reader, *fakeMessages, *fakeConversations) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fm := newFakeMessages(msgs)
	fc := &fakeConversations{}
	r := New(fm, fc, nil, rdb, time.Hour, zerolog.Nop())
	return r, fm, fc
}

func TestQueryMessagesTombstonesTerminalMessages(t *testing.T) {
	t.Parallel()
	tenantID, convID, userID, serverID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	r, _, _ := newTestReader(t, []message.Message{
		{TenantID: tenantID, ServerID: serverID, ConversationID: convID, Seq: 1, Content: []byte("secret"), State: message.StateRecalled},
	})

	got, err := r.QueryMessages(context.Background(), tenantID, convID, userID, message.Cursor{}, 50, true)
	if err != nil {
		t.Fatalf("QueryMessages() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if string(got[0].Content) != string(tombstoneContent) {
		t.Errorf("content = %q, want tombstone", got[0].Content)
	}
}

func TestQueryMessagesFiltersDeletedForUser(t *testing.T) {
	t.Parallel()
	tenantID, convID, userID, serverID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	r, fm, _ := newTestReader(t, []message.Message{
		{TenantID: tenantID, ServerID: serverID, ConversationID: convID, Seq: 1, Content: []byte("hi"), State: message.StateSent},
	})
	if err := fm.SetVisibility(context.Background(), tenantID, serverID, userID, message.VisibilityDeleted); err != nil {
		t.Fatalf("SetVisibility() error = %v", err)
	}

	got, err := r.QueryMessages(context.Background(), tenantID, convID, userID, message.Cursor{}, 50, true)
	if err != nil {
		t.Fatalf("QueryMessages() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d messages, want 0 (deleted for user)", len(got))
	}
}

func TestQueryMessagesCachesSecondCallWithoutStoreHit(t *testing.T) {
	t.Parallel()
	tenantID, convID, userID, serverID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	r, fm, _ := newTestReader(t, []message.Message{
		{TenantID: tenantID, ServerID: serverID, ConversationID: convID, Seq: 1, Content: []byte("hi"), State: message.StateSent},
	})

	ctx := context.Background()
	if _, err := r.QueryMessages(ctx, tenantID, convID, userID, message.Cursor{}, 50, true); err != nil {
		t.Fatalf("first QueryMessages() error = %v", err)
	}

	// Mutate the underlying store-backed slice directly; a cache hit should not observe this change.
	fm.list[0].Content = []byte("mutated")

	got, err := r.QueryMessages(ctx, tenantID, convID, userID, message.Cursor{}, 50, true)
	if err != nil {
		t.Fatalf("second QueryMessages() error = %v", err)
	}
	if string(got[0].Content) != "hi" {
		t.Errorf("content = %q, want cached value %q", got[0].Content, "hi")
	}
}

func TestMarkReadAdvancesCursor(t *testing.T) {
	t.Parallel()
	r, _, fc := newTestReader(t, nil)
	userID := uuid.New()

	if err := r.MarkRead(context.Background(), uuid.New(), uuid.New(), userID, 42); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if fc.lastReadSeq[userID] != 42 {
		t.Errorf("lastReadSeq = %d, want 42", fc.lastReadSeq[userID])
	}
}
