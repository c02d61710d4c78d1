package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed conversation repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) GetConversation(ctx context.Context, tenantID, conversationID uuid.UUID) (*Conversation, error) {
	row := r.db.QueryRow(ctx, `SELECT tenant_id, conversation_id, type, owner_id, lifecycle, last_message_id,
       last_message_seq, history_browsable, reactions_enabled, edit_allowed, delete_allowed, message_ttl_seconds,
       notification_level, created_at, updated_at
FROM conversations WHERE tenant_id = $1 AND conversation_id = $2`, tenantID, conversationID)
	c, err := scanConversation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetParticipant(ctx context.Context, tenantID, conversationID, userID uuid.UUID) (*Participant, error) {
	row := r.db.QueryRow(ctx, `SELECT tenant_id, conversation_id, user_id, role, last_read_seq, last_sync_seq,
       unread_count, is_deleted, mute_until, quit_at, pinned, joined_at
FROM conversation_participants WHERE tenant_id = $1 AND conversation_id = $2 AND user_id = $3`,
		tenantID, conversationID, userID)
	p, err := scanParticipant(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, tenantID, userID uuid.UUID, after *uuid.UUID, limit int) ([]Summary, error) {
	const base = `SELECT c.tenant_id, c.conversation_id, c.type, c.owner_id, c.lifecycle, c.last_message_id,
       c.last_message_seq, c.history_browsable, c.reactions_enabled, c.edit_allowed, c.delete_allowed,
       c.message_ttl_seconds, c.notification_level, c.created_at, c.updated_at,
       p.tenant_id, p.conversation_id, p.user_id, p.role, p.last_read_seq, p.last_sync_seq, p.unread_count,
       p.is_deleted, p.mute_until, p.quit_at, p.pinned, p.joined_at
FROM conversation_participants p
JOIN conversations c ON c.tenant_id = p.tenant_id AND c.conversation_id = p.conversation_id
WHERE p.tenant_id = $1 AND p.user_id = $2 AND p.is_deleted = false`

	var rows pgx.Rows
	var err error
	if after == nil {
		rows, err = r.db.Query(ctx, base+` ORDER BY c.last_message_seq DESC, c.conversation_id LIMIT $3`, tenantID, userID, limit)
	} else {
		rows, err = r.db.Query(ctx, base+` AND (c.last_message_seq, c.conversation_id) < (
    SELECT c2.last_message_seq, c2.conversation_id FROM conversations c2 WHERE c2.tenant_id = $1 AND c2.conversation_id = $4
)
ORDER BY c.last_message_seq DESC, c.conversation_id LIMIT $3`, tenantID, userID, limit, *after)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversations for user: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var c Conversation
		var p Participant
		if err := rows.Scan(
			&c.TenantID, &c.ConversationID, &c.Type, &c.OwnerID, &c.Lifecycle, &c.LastMessageID,
			&c.LastMessageSeq, &c.HistoryBrowsable, &c.ReactionsEnabled, &c.EditAllowed, &c.DeleteAllowed,
			&c.MessageTTLSeconds, &c.NotificationLevel, &c.CreatedAt, &c.UpdatedAt,
			&p.TenantID, &p.ConversationID, &p.UserID, &p.Role, &p.LastReadSeq, &p.LastSyncSeq, &p.UnreadCount,
			&p.IsDeleted, &p.MuteUntil, &p.QuitAt, &p.Pinned, &p.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		out = append(out, Summary{Conversation: c, Participant: p})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation summaries: %w", err)
	}
	return out, nil
}

// ListParticipantIDs returns every non-deleted participant of a conversation.
func (r *PGRepository) ListParticipantIDs(ctx context.Context, tenantID, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM conversation_participants
WHERE tenant_id = $1 AND conversation_id = $2 AND is_deleted = false`, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participant ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant ids: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) SetMute(ctx context.Context, tenantID, conversationID, userID uuid.UUID, until *time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversation_participants SET mute_until = $4
WHERE tenant_id = $1 AND conversation_id = $2 AND user_id = $3`, tenantID, conversationID, userID, until)
	if err != nil {
		return fmt.Errorf("set conversation mute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (r *PGRepository) SetPinned(ctx context.Context, tenantID, conversationID, userID uuid.UUID, pinned bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversation_participants SET pinned = $4
WHERE tenant_id = $1 AND conversation_id = $2 AND user_id = $3`, tenantID, conversationID, userID, pinned)
	if err != nil {
		return fmt.Errorf("set conversation pinned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (r *PGRepository) DeleteForUser(ctx context.Context, tenantID, conversationID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversation_participants SET is_deleted = true, quit_at = now()
WHERE tenant_id = $1 AND conversation_id = $2 AND user_id = $3`, tenantID, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation for user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// AdvanceReadSeq advances last_read_seq monotonically and recomputes unread_count in one statement, so a
// reordered or duplicate MarkRead call never moves the cursor backwards (§4.4 "Idempotent (monotone)").
func (r *PGRepository) AdvanceReadSeq(ctx context.Context, tenantID, conversationID, userID uuid.UUID, upToSeq int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversation_participants p
SET last_read_seq = GREATEST(p.last_read_seq, $4),
    unread_count = GREATEST(0, c.last_message_seq - GREATEST(p.last_read_seq, $4))
FROM conversations c
WHERE c.tenant_id = p.tenant_id AND c.conversation_id = p.conversation_id
  AND p.tenant_id = $1 AND p.conversation_id = $2 AND p.user_id = $3`, tenantID, conversationID, userID, upToSeq)
	if err != nil {
		return fmt.Errorf("advance read seq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// IncrementUnread implements §4.3 step 4 for every participant except the sender: bump unread_count and mirror
// the conversation's last_message pointer. The sender's own row is advanced separately via AdvanceReadSeq.
// IncrementUnread advances every other participant's unread_count and the conversation's last_message_seq
// counter. lastMessageID becomes the conversation's last_message_id only when it is a real row in messages
// (uuid.Nil leaves the existing pointer untouched) — callers applying an operation event (recall, edit,
// reaction, pin) that never inserted a messages row for its own server_id must pass uuid.Nil so last_message_id
// never points at a nonexistent message.
func (r *PGRepository) IncrementUnread(ctx context.Context, tenantID, conversationID uuid.UUID, exclude uuid.UUID, lastMessageID uuid.UUID, lastMessageSeq int64) error {
	_, err := r.db.Exec(ctx, `UPDATE conversation_participants
SET unread_count = unread_count + 1
WHERE tenant_id = $1 AND conversation_id = $2 AND user_id != $3 AND is_deleted = false`,
		tenantID, conversationID, exclude)
	if err != nil {
		return fmt.Errorf("increment unread counts: %w", err)
	}

	_, err = r.db.Exec(ctx, `UPDATE conversations SET
    last_message_id = CASE WHEN $3 = '00000000-0000-0000-0000-000000000000'::uuid THEN last_message_id ELSE $3 END,
    last_message_seq = $4, updated_at = now()
WHERE tenant_id = $1 AND conversation_id = $2 AND last_message_seq < $4`,
		tenantID, conversationID, lastMessageID, lastMessageSeq)
	if err != nil {
		return fmt.Errorf("advance conversation last_message pointer: %w", err)
	}
	return nil
}

func (r *PGRepository) GetSyncCursor(ctx context.Context, tenantID, userID uuid.UUID, deviceID string, conversationID uuid.UUID) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `SELECT last_synced_seq FROM user_sync_cursor
WHERE tenant_id = $1 AND user_id = $2 AND device_id = $3 AND conversation_id = $4`,
		tenantID, userID, deviceID, conversationID).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("get sync cursor: %w", err)
	}
	return seq, nil
}

func (r *PGRepository) AdvanceSyncCursor(ctx context.Context, tenantID, userID uuid.UUID, deviceID string, conversationID uuid.UUID, seq int64) error {
	_, err := r.db.Exec(ctx, `INSERT INTO user_sync_cursor (tenant_id, user_id, device_id, conversation_id, last_synced_seq, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (tenant_id, user_id, device_id, conversation_id)
DO UPDATE SET last_synced_seq = GREATEST(user_sync_cursor.last_synced_seq, EXCLUDED.last_synced_seq), updated_at = now()`,
		tenantID, userID, deviceID, conversationID, seq)
	if err != nil {
		return fmt.Errorf("advance sync cursor: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(
		&c.TenantID, &c.ConversationID, &c.Type, &c.OwnerID, &c.Lifecycle, &c.LastMessageID,
		&c.LastMessageSeq, &c.HistoryBrowsable, &c.ReactionsEnabled, &c.EditAllowed, &c.DeleteAllowed,
		&c.MessageTTLSeconds, &c.NotificationLevel, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanParticipant(row rowScanner) (*Participant, error) {
	var p Participant
	if err := row.Scan(
		&p.TenantID, &p.ConversationID, &p.UserID, &p.Role, &p.LastReadSeq, &p.LastSyncSeq,
		&p.UnreadCount, &p.IsDeleted, &p.MuteUntil, &p.QuitAt, &p.Pinned, &p.JoinedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
