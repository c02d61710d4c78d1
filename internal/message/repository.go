package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/postgres"
)

const selectColumns = `tenant_id, server_id, conversation_id, sender_id, client_msg_id, content, content_type, seq,
source, quote_server_id, burn_after_read, burn_expiry, tags, attributes, state, current_edit_version, timestamp`

// PGRepository implements Repository using PostgreSQL. It is the sole mutator of persisted message state; only the
// writer is expected to call the Apply* methods (§5 "Message rows: only the writer mutates").
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert persists a new message row in SENT state.
func (r *PGRepository) Insert(ctx context.Context, m *Message) error {
	attrs, err := json.Marshal(m.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	var clientMsgID *string
	if m.ClientMsgID != "" {
		clientMsgID = &m.ClientMsgID
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO messages (tenant_id, server_id, conversation_id, sender_id, client_msg_id, content, content_type,
		 seq, source, quote_server_id, burn_after_read, burn_expiry, tags, attributes, state, current_edit_version, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		m.TenantID, m.ServerID, m.ConversationID, m.SenderID, clientMsgID, m.Content, m.ContentType,
		m.Seq, m.Source, m.QuoteServerID, m.BurnAfterRead, m.BurnExpiry, m.Tags, attrs, StateSent, 0, m.Timestamp,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert message: %w", ErrAlreadyExists) // duplicate server_id or (conversation_id, seq)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetByServerID returns a single message by its globally unique server_id.
func (r *PGRepository) GetByServerID(ctx context.Context, tenantID, serverID uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE tenant_id = $1 AND server_id = $2", selectColumns),
		tenantID, serverID,
	)
	return scanMessage(row)
}

// GetBySeq returns a single message by its per-conversation sequence number.
func (r *PGRepository) GetBySeq(ctx context.Context, tenantID, conversationID uuid.UUID, seq int64) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE tenant_id = $1 AND conversation_id = $2 AND seq = $3", selectColumns),
		tenantID, conversationID, seq,
	)
	return scanMessage(row)
}

// List returns messages in a conversation ordered by seq, respecting the cursor and limit (§4.4).
func (r *PGRepository) List(ctx context.Context, tenantID, conversationID uuid.UUID, cursor Cursor, limit int, descending bool) ([]Message, error) {
	order := "ASC"
	cmp := ">"
	if descending {
		order = "DESC"
		cmp = "<"
	}
	cursorSeq := cursor.Seq
	if descending && cursorSeq <= 0 {
		// A zero cursor on a descending page starts from the newest message.
		cursorSeq = 1<<63 - 1
	}

	query := fmt.Sprintf(
		`SELECT %s FROM messages WHERE tenant_id = $1 AND conversation_id = $2 AND seq %s $3
		 ORDER BY seq %s LIMIT $4`, selectColumns, cmp, order)

	rows, err := r.db.Query(ctx, query, tenantID, conversationID, cursorSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// ApplyEdit appends an edit-history row and updates the message's current content and edit_version (I4). Callers
// must have already validated edit_version > current_edit_version; this method enforces it again under the row
// lock to guard against concurrent writers.
func (r *PGRepository) ApplyEdit(ctx context.Context, tenantID, serverID uuid.UUID, entry EditHistoryEntry) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var state State
		var currentVersion int
		err := tx.QueryRow(ctx,
			"SELECT state, current_edit_version FROM messages WHERE tenant_id = $1 AND server_id = $2 FOR UPDATE",
			tenantID, serverID,
		).Scan(&state, &currentVersion)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock message for edit: %w", err)
		}
		if state.Terminal() {
			return ErrTerminalState
		}
		if entry.EditVersion <= currentVersion {
			return ErrEditVersionConflict
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO message_edit_history (tenant_id, message_id, edit_version, content, editor_id, edited_at, reason)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			tenantID, serverID, entry.EditVersion, entry.Content, entry.EditorID, entry.EditedAt, entry.Reason,
		); err != nil {
			return fmt.Errorf("insert edit history: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE messages SET content = $1, current_edit_version = $2, state = $3 WHERE tenant_id = $4 AND server_id = $5`,
			entry.Content, entry.EditVersion, StateEdited, tenantID, serverID,
		); err != nil {
			return fmt.Errorf("update message content: %w", err)
		}
		return nil
	})
}

// ApplyRecall transitions a message to RECALLED (I3).
func (r *PGRepository) ApplyRecall(ctx context.Context, tenantID, serverID, operator uuid.UUID, reason string) error {
	return r.transition(ctx, tenantID, serverID, StateRecalled)
}

// ApplyDeleteGlobal transitions a message to DELETED_HARD and zeroes its content for future queries (I3).
func (r *PGRepository) ApplyDeleteGlobal(ctx context.Context, tenantID, serverID, operator uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var state State
		err := tx.QueryRow(ctx,
			"SELECT state FROM messages WHERE tenant_id = $1 AND server_id = $2 FOR UPDATE", tenantID, serverID,
		).Scan(&state)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock message for delete: %w", err)
		}
		if state.Terminal() {
			return ErrTerminalState
		}
		if _, err := tx.Exec(ctx,
			"UPDATE messages SET state = $1, content = NULL WHERE tenant_id = $2 AND server_id = $3",
			StateDeletedHard, tenantID, serverID,
		); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

func (r *PGRepository) transition(ctx context.Context, tenantID, serverID uuid.UUID, to State) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var state State
		err := tx.QueryRow(ctx,
			"SELECT state FROM messages WHERE tenant_id = $1 AND server_id = $2 FOR UPDATE", tenantID, serverID,
		).Scan(&state)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock message: %w", err)
		}
		if state.Terminal() {
			return ErrTerminalState
		}
		if _, err := tx.Exec(ctx, "UPDATE messages SET state = $1 WHERE tenant_id = $2 AND server_id = $3",
			to, tenantID, serverID); err != nil {
			return fmt.Errorf("transition message: %w", err)
		}
		return nil
	})
}

// SetVisibility upserts the per-user overlay state (I5); never affects other users' view.
func (r *PGRepository) SetVisibility(ctx context.Context, tenantID, messageID, userID uuid.UUID, v Visibility) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO message_visibility (tenant_id, message_id, user_id, visibility, updated_at)
		 VALUES ($1,$2,$3,$4,now())
		 ON CONFLICT (tenant_id, message_id, user_id) DO UPDATE SET visibility = $4, updated_at = now()`,
		tenantID, messageID, userID, v,
	)
	if err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	return nil
}

// GetVisibility returns the per-user overlay state, defaulting to VISIBLE when no overlay row exists.
func (r *PGRepository) GetVisibility(ctx context.Context, tenantID, messageID, userID uuid.UUID) (Visibility, error) {
	var v Visibility
	err := r.db.QueryRow(ctx,
		"SELECT visibility FROM message_visibility WHERE tenant_id = $1 AND message_id = $2 AND user_id = $3",
		tenantID, messageID, userID,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return VisibilityVisible, nil
	}
	if err != nil {
		return "", fmt.Errorf("get visibility: %w", err)
	}
	return v, nil
}

// AddReaction is idempotent on the (message, emoji, user) set.
func (r *PGRepository) AddReaction(ctx context.Context, tenantID, messageID, userID uuid.UUID, emoji string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO message_reactions (tenant_id, message_id, emoji, user_id) VALUES ($1,$2,$3,$4)
		 ON CONFLICT DO NOTHING`, tenantID, messageID, emoji, userID)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// RemoveReaction is idempotent: removing a non-existent reaction is a no-op.
func (r *PGRepository) RemoveReaction(ctx context.Context, tenantID, messageID, userID uuid.UUID, emoji string) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM message_reactions WHERE tenant_id = $1 AND message_id = $2 AND emoji = $3 AND user_id = $4",
		tenantID, messageID, emoji, userID)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// Pin records a pinned message for a conversation (Conversation-FSM scope).
func (r *PGRepository) Pin(ctx context.Context, tenantID, conversationID, messageID, pinnedBy uuid.UUID, expiresAt *time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO pinned_messages (tenant_id, conversation_id, message_id, pinned_by, expires_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (tenant_id, conversation_id, message_id) DO UPDATE SET expires_at = $5`,
		tenantID, conversationID, messageID, pinnedBy, expiresAt)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return nil
}

// Unpin removes a pinned-message row.
func (r *PGRepository) Unpin(ctx context.Context, tenantID, conversationID, messageID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM pinned_messages WHERE tenant_id = $1 AND conversation_id = $2 AND message_id = $3",
		tenantID, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	return nil
}

// RecordOperation appends an audit row to the operation history.
func (r *PGRepository) RecordOperation(ctx context.Context, entry OperationHistoryEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal operation payload: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO message_operation_history (tenant_id, message_id, operation_type, operator_id, occurred_at, payload)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.TenantID, entry.MessageID, entry.OperationType, entry.OperatorID, entry.OccurredAt, payload)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// FindByIdempotencyKey resolves (tenant, sender, client_msg_id) to an existing message via the unique index,
// the store-level backstop for I2 when the cache key has expired.
func (r *PGRepository) FindByIdempotencyKey(ctx context.Context, tenantID, senderID uuid.UUID, clientMsgID string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE tenant_id = $1 AND sender_id = $2 AND client_msg_id = $3", selectColumns),
		tenantID, senderID, clientMsgID,
	)
	return scanMessage(row)
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var attrs []byte
	var clientMsgID *string
	err := row.Scan(
		&m.TenantID, &m.ServerID, &m.ConversationID, &m.SenderID, &clientMsgID, &m.Content, &m.ContentType, &m.Seq,
		&m.Source, &m.QuoteServerID, &m.BurnAfterRead, &m.BurnExpiry, &m.Tags, &attrs, &m.State, &m.CurrentEditVersion,
		&m.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &m.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return &m, nil
}
