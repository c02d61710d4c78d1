// Package message implements the Message FSM and its supporting overlays (edit history, user-visibility,
// reactions, pins, operation history) described by the data model.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the message package.
var (
	ErrNotFound             = errors.New("message not found")
	ErrAlreadyExists        = errors.New("message with this server_id or client_msg_id already exists")
	ErrContentTooLong       = errors.New("message content exceeds the maximum length")
	ErrEmptyContent         = errors.New("message content must not be empty")
	ErrQuoteNotFound        = errors.New("quoted message not found")
	ErrTerminalState        = errors.New("message is in a terminal state and cannot be mutated")
	ErrEditVersionConflict  = errors.New("edit_version must be strictly greater than current_edit_version")
	ErrRecallWindowExceeded = errors.New("recall window has elapsed")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// State is the Message FSM state, orthogonal to the User-Message FSM (Visibility) and Conversation FSM.
type State string

const (
	StateInit        State = "INIT" // server-internal, never visible to clients
	StateSent        State = "SENT"
	StateEdited      State = "EDITED"
	StateRecalled    State = "RECALLED"
	StateDeletedHard State = "DELETED_HARD"
)

// Terminal reports whether no further FSM transitions are permitted from this state (I3).
func (s State) Terminal() bool {
	return s == StateRecalled || s == StateDeletedHard
}

// Source identifies who originated a message.
type Source string

const (
	SourceUser   Source = "user"
	SourceSystem Source = "system"
	SourceBot    Source = "bot"
	SourceAdmin  Source = "admin"
)

// Visibility is the per-user overlay state (User-Message FSM), orthogonal to State.
type Visibility string

const (
	VisibilityVisible Visibility = "VISIBLE"
	VisibilityHidden  Visibility = "HIDDEN"
	VisibilityDeleted Visibility = "DELETED"
)

// OperationType enumerates the operation-message kinds that flow through the same pipeline as content sends.
type OperationType string

const (
	OpRecall         OperationType = "recall"
	OpEdit           OperationType = "edit"
	OpDeleteGlobal   OperationType = "delete_global"
	OpDeleteForUser  OperationType = "delete_for_user"
	OpRead           OperationType = "read"
	OpMark           OperationType = "mark"
	OpUnmark         OperationType = "unmark"
	OpReactionAdd    OperationType = "reaction_add"
	OpReactionRemove OperationType = "reaction_remove"
	OpPin            OperationType = "pin"
	OpUnpin          OperationType = "unpin"
)

// Operation is the embedded operation record carried by an operation message (§9 "Operations as messages").
type Operation struct {
	Type        OperationType
	TargetID    uuid.UUID // server_id of the message the operation applies to
	Operator    uuid.UUID
	Reason      string
	Content     []byte // new content, for Edit
	EditVersion int    // submitted edit_version, for Edit
	Emoji       string // for reaction operations
	Scope       string // "global" or "for_user", for Delete
}

// Message is the immutable core record plus its current FSM state, as described in §3.
type Message struct {
	TenantID       uuid.UUID
	ServerID       uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	ClientMsgID    string // empty if not supplied

	Content     []byte
	ContentType string

	Seq int64

	Source Source

	QuoteServerID *uuid.UUID

	BurnAfterRead bool
	BurnExpiry    *time.Time

	Tags       []string
	Attributes map[string]any

	State              State
	CurrentEditVersion int

	// Operation is non-nil when this message is an operation message rather than a content message.
	Operation *Operation

	Timestamp time.Time
}

// IsOperation reports whether this message is an operation message per §9.
func (m *Message) IsOperation() bool { return m.Operation != nil }

// EditHistoryEntry is one row per successful edit (§3).
type EditHistoryEntry struct {
	TenantID    uuid.UUID
	MessageID   uuid.UUID
	EditVersion int
	Content     []byte
	EditorID    uuid.UUID
	EditedAt    time.Time
	Reason      string
}

// UserOverlay is the per-user private state attached to a message (§3 "User-message state").
type UserOverlay struct {
	TenantID   uuid.UUID
	MessageID  uuid.UUID
	UserID     uuid.UUID
	Visibility Visibility
	ReadAt     *time.Time
	BurnExpiry *time.Time
}

// OperationHistoryEntry is one audit row for any mutation applied to a message (§3 "Operation history").
type OperationHistoryEntry struct {
	TenantID      uuid.UUID
	MessageID     uuid.UUID
	OperationType OperationType
	OperatorID    uuid.UUID
	OccurredAt    time.Time
	Payload       map[string]any
}

// ValidateContent checks that content is non-empty after trimming and does not exceed the given maximum byte
// length. Sanitization (e.g. HTML stripping) happens in the hook engine's pre_send chain, not here.
func ValidateContent(content []byte, maxLength int) ([]byte, error) {
	trimmed := []byte(strings.TrimSpace(string(content)))
	if len(trimmed) == 0 {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCount(trimmed) > maxLength {
		return nil, ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Cursor is a seq-based pagination cursor (§4.4 "Cursor is seq-based").
type Cursor struct {
	Seq int64
}

// Repository defines the data-access contract for the message FSM and its overlays. PGRepository is the production
// implementation; the writer and reader depend on this interface so both can be tested against a fake.
type Repository interface {
	// Insert persists a new message row in SENT state. Used by the writer after the dedup check passes.
	Insert(ctx context.Context, m *Message) error
	GetByServerID(ctx context.Context, tenantID, serverID uuid.UUID) (*Message, error)
	GetBySeq(ctx context.Context, tenantID, conversationID uuid.UUID, seq int64) (*Message, error)
	// List returns messages in a conversation ordered by seq, respecting cursor and limit.
	List(ctx context.Context, tenantID, conversationID uuid.UUID, cursor Cursor, limit int, descending bool) ([]Message, error)

	ApplyEdit(ctx context.Context, tenantID, serverID uuid.UUID, entry EditHistoryEntry) error
	ApplyRecall(ctx context.Context, tenantID, serverID, operator uuid.UUID, reason string) error
	ApplyDeleteGlobal(ctx context.Context, tenantID, serverID, operator uuid.UUID) error

	SetVisibility(ctx context.Context, tenantID, messageID, userID uuid.UUID, v Visibility) error
	GetVisibility(ctx context.Context, tenantID, messageID, userID uuid.UUID) (Visibility, error)

	AddReaction(ctx context.Context, tenantID, messageID, userID uuid.UUID, emoji string) error
	RemoveReaction(ctx context.Context, tenantID, messageID, userID uuid.UUID, emoji string) error

	Pin(ctx context.Context, tenantID, conversationID, messageID, pinnedBy uuid.UUID, expiresAt *time.Time) error
	Unpin(ctx context.Context, tenantID, conversationID, messageID uuid.UUID) error

	RecordOperation(ctx context.Context, entry OperationHistoryEntry) error

	// FindByIdempotencyKey resolves (tenant, sender, client_msg_id) to an existing message, used as the store-level
	// fallback when the cache-level idempotency key has expired but the unique index still holds (I2).
	FindByIdempotencyKey(ctx context.Context, tenantID, senderID uuid.UUID, clientMsgID string) (*Message, error)
}
