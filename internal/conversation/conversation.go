// Package conversation implements the Conversation & Sync State responsibility (§4.7): per-user conversation
// listings, unread/cursor bookkeeping, and the mute/pin/delete overlays that bypass the orchestrator because
// they require no cross-conversation linearization.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the conversation package.
var (
	ErrNotFound        = errors.New("conversation not found")
	ErrNotParticipant  = errors.New("user is not a participant of this conversation")
	ErrAlreadyMember   = errors.New("user is already a participant")
	ErrDestroyed       = errors.New("conversation has been destroyed")
)

// Lifecycle is the Conversation-FSM state, distinct from Message.State and UserOverlay.Visibility.
type Lifecycle string

const (
	LifecycleActive    Lifecycle = "active"
	LifecycleArchived  Lifecycle = "archived"
	LifecycleDeleted   Lifecycle = "deleted"
	LifecycleDestroyed Lifecycle = "destroyed"
)

// Type is the conversation kind, used as the hook selector's conversation_type field.
type Type string

const (
	TypeSingle  Type = "single"
	TypeGroup   Type = "group"
	TypeChannel Type = "channel"
)

// Conversation is the shared, tenant-scoped conversation row.
type Conversation struct {
	TenantID          uuid.UUID
	ConversationID    uuid.UUID
	Type              Type
	OwnerID           *uuid.UUID
	Lifecycle         Lifecycle
	LastMessageID     *uuid.UUID
	LastMessageSeq    int64
	HistoryBrowsable  bool
	ReactionsEnabled  bool
	EditAllowed       bool
	DeleteAllowed     bool
	MessageTTLSeconds *int
	NotificationLevel string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Role is a participant's role within a conversation.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleGuest    Role = "guest"
	RoleObserver Role = "observer"
)

// Participant is the per-user membership and sync-overlay row (§3 "Conversation/Participant state").
type Participant struct {
	TenantID       uuid.UUID
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Role           Role
	LastReadSeq    int64
	LastSyncSeq    int64
	UnreadCount    int64
	IsDeleted      bool
	MuteUntil      *time.Time
	QuitAt         *time.Time
	Pinned         bool
	JoinedAt       time.Time
}

// Summary is one row of ListConversations' result: conversation metadata plus the caller's own overlay.
type Summary struct {
	Conversation Conversation
	Participant  Participant
}

// SyncCursor tracks a single device's last-synced seq for a conversation (§4.7 "Advances the device's
// last_synced_seq on acknowledgement").
type SyncCursor struct {
	TenantID       uuid.UUID
	UserID         uuid.UUID
	DeviceID       string
	ConversationID uuid.UUID
	LastSyncedSeq  int64
	UpdatedAt      time.Time
}

// Repository is the data-access contract for conversation/participant state. Store-backed mutations in this
// package use tenant-scoped row locking or conditional updates rather than the orchestrator's global
// linearization, per §4.7's consistency note.
type Repository interface {
	GetConversation(ctx context.Context, tenantID, conversationID uuid.UUID) (*Conversation, error)
	GetParticipant(ctx context.Context, tenantID, conversationID, userID uuid.UUID) (*Participant, error)
	// ListParticipantIDs returns every non-deleted participant's user ID, used by the writer to compute push
	// recipients (§4.3 step 5).
	ListParticipantIDs(ctx context.Context, tenantID, conversationID uuid.UUID) ([]uuid.UUID, error)

	// ListForUser returns non-deleted conversations the user participates in, ordered by last_message_seq
	// descending (§4.7 ListConversations).
	ListForUser(ctx context.Context, tenantID, userID uuid.UUID, after *uuid.UUID, limit int) ([]Summary, error)

	SetMute(ctx context.Context, tenantID, conversationID, userID uuid.UUID, until *time.Time) error
	SetPinned(ctx context.Context, tenantID, conversationID, userID uuid.UUID, pinned bool) error
	// DeleteForUser marks the participant row is_deleted; it does not remove membership server-side, matching
	// "these are per-user overlays; they do not affect messages rows" (§4.7).
	DeleteForUser(ctx context.Context, tenantID, conversationID, userID uuid.UUID) error

	// AdvanceReadSeq moves last_read_seq forward monotonically and recomputes unread_count = max(0,
	// last_message_seq - last_read_seq), used by both MarkRead (§4.4) and the writer's sender advance (§4.3
	// step 4).
	AdvanceReadSeq(ctx context.Context, tenantID, conversationID, userID uuid.UUID, upToSeq int64) error
	// IncrementUnread bumps unread_count for every participant other than the sender (§4.3 step 4).
	IncrementUnread(ctx context.Context, tenantID, conversationID uuid.UUID, exclude uuid.UUID, lastMessageID uuid.UUID, lastMessageSeq int64) error

	GetSyncCursor(ctx context.Context, tenantID, userID uuid.UUID, deviceID string, conversationID uuid.UUID) (int64, error)
	AdvanceSyncCursor(ctx context.Context, tenantID, userID uuid.UUID, deviceID string, conversationID uuid.UUID, seq int64) error
}

// ClampLimit constrains a requested page size to (0, max], substituting def for a non-positive request; callers
// pass this package's DefaultLimit and MaxLimit.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
