package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/config"
	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/push"
	"github.com/relaymesh/relaymesh-core/internal/session"
)

// fakeConversationRepo implements conversation.Repository with an in-memory fixture, following the teacher's
// fake-repository test style (hub_test.go's retired fakeUserRepo et al.).
type fakeConversationRepo struct {
	summaries []conversation.Summary
}

func (r *fakeConversationRepo) GetConversation(context.Context, uuid.UUID, uuid.UUID) (*conversation.Conversation, error) {
	return nil, nil
}
func (r *fakeConversationRepo) GetParticipant(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*conversation.Participant, error) {
	return nil, nil
}
func (r *fakeConversationRepo) ListParticipantIDs(context.Context, uuid.UUID, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (r *fakeConversationRepo) ListForUser(context.Context, uuid.UUID, uuid.UUID, *uuid.UUID, int) ([]conversation.Summary, error) {
	return r.summaries, nil
}
func (r *fakeConversationRepo) SetMute(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, *time.Time) error {
	return nil
}
func (r *fakeConversationRepo) SetPinned(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, bool) error {
	return nil
}
func (r *fakeConversationRepo) DeleteForUser(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}
func (r *fakeConversationRepo) AdvanceReadSeq(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, int64) error {
	return nil
}
func (r *fakeConversationRepo) IncrementUnread(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, uuid.UUID, int64) error {
	return nil
}
func (r *fakeConversationRepo) GetSyncCursor(context.Context, uuid.UUID, uuid.UUID, string, uuid.UUID) (int64, error) {
	return 0, nil
}
func (r *fakeConversationRepo) AdvanceSyncCursor(context.Context, uuid.UUID, uuid.UUID, string, uuid.UUID, int64) error {
	return nil
}

func testHub(t *testing.T, conversations conversation.Repository, deviceConflict string) *Hub {
	t.Helper()
	cfg := &config.Config{
		Region:                   "us-east",
		GatewayHeartbeatInterval: 30 * time.Second,
		GatewayDeviceConflict:    deviceConflict,
		RateLimitWSCount:         120,
		RateLimitWSWindowSeconds: 60,
	}
	return NewHub(nil, cfg, "gw-1", nil, nil, nil, conversations, nil, nil, nil, nil, zerolog.Nop())
}

func TestParseDeviceConflict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want DeviceConflict
	}{
		{"exclusive", DeviceConflictExclusive},
		{"platform_exclusive", DeviceConflictPlatformExclusive},
		{"coexist", DeviceConflictCoexist},
		{"garbage", DeviceConflictExclusive},
		{"", DeviceConflictExclusive},
	}
	for _, tt := range tests {
		if got := ParseDeviceConflict(tt.in); got != tt.want {
			t.Errorf("ParseDeviceConflict(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHubConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    string
		newP      session.Platform
		otherP    session.Platform
		wantEvict bool
	}{
		{"exclusive always evicts", "exclusive", session.PlatformMobile, session.PlatformDesktop, true},
		{"exclusive same platform still evicts", "exclusive", session.PlatformMobile, session.PlatformMobile, true},
		{"platform_exclusive same platform evicts", "platform_exclusive", session.PlatformMobile, session.PlatformMobile, true},
		{"platform_exclusive different platform coexists", "platform_exclusive", session.PlatformMobile, session.PlatformDesktop, false},
		{"coexist never evicts", "coexist", session.PlatformMobile, session.PlatformMobile, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := testHub(t, &fakeConversationRepo{}, tt.policy)
			if got := h.conflicts(tt.newP, tt.otherP); got != tt.wantEvict {
				t.Errorf("conflicts(%q, %q) under %q = %v, want %v", tt.newP, tt.otherP, tt.policy, got, tt.wantEvict)
			}
		})
	}
}

func TestAssembleReady(t *testing.T) {
	t.Parallel()

	tenantID, userID := uuid.New(), uuid.New()
	conversationID := uuid.New()
	until := time.Now().Add(time.Hour)

	repo := &fakeConversationRepo{
		summaries: []conversation.Summary{
			{
				Conversation: conversation.Conversation{
					ConversationID: conversationID,
					Type:           conversation.TypeGroup,
					LastMessageSeq: 42,
				},
				Participant: conversation.Participant{
					UnreadCount: 3,
					MuteUntil:   &until,
					Pinned:      true,
				},
			},
		},
	}
	h := testHub(t, repo, "exclusive")

	ready, err := h.assembleReady(context.Background(), tenantID, userID, "device-1", "sess-1")
	if err != nil {
		t.Fatalf("assembleReady() error = %v", err)
	}
	if ready.UserID != userID.String() || ready.DeviceID != "device-1" || ready.SessionID != "sess-1" {
		t.Errorf("ready envelope mismatch: %+v", ready)
	}
	if len(ready.Conversations) != 1 {
		t.Fatalf("len(Conversations) = %d, want 1", len(ready.Conversations))
	}
	got := ready.Conversations[0]
	if got.ConversationID != conversationID.String() || got.Type != string(conversation.TypeGroup) {
		t.Errorf("conversation summary mismatch: %+v", got)
	}
	if got.LastMessageSeq != 42 || got.UnreadCount != 3 || !got.Muted || !got.Pinned {
		t.Errorf("conversation summary overlay mismatch: %+v", got)
	}
}

func TestClientCountEmpty(t *testing.T) {
	t.Parallel()

	h := testHub(t, &fakeConversationRepo{}, "exclusive")
	if got := h.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestPushDeliverNotConnectedWhenNoLocalClient(t *testing.T) {
	t.Parallel()

	h := testHub(t, &fakeConversationRepo{}, "exclusive")
	binding := session.Binding{TenantID: uuid.New(), UserID: uuid.New(), DeviceID: "device-1", GatewayID: "gw-1"}

	err := h.PushDeliver(context.Background(), "gw-1", binding, push.Task{})
	if err != push.ErrNotConnected {
		t.Errorf("PushDeliver() error = %v, want %v", err, push.ErrNotConnected)
	}
}
