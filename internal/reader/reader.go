// Package reader implements the Storage Reader (§4.4): the read-side service for history, per-message
// retrieval, and the read/visibility/mark mutations that don't need to be linearized with writes. Recall and
// Edit are thin wrappers that delegate to the orchestrator so the writer remains the sole mutator.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
)

// tombstoneContent replaces a RECALLED/DELETED_HARD message's content for future queries (§4.3 "content is
// zeroed for future queries", §4.4 "content replaced by a tombstone marker").
var tombstoneContent = []byte("[message removed]")

// Reader serves history queries and non-linearized mutations, reading from a hot cache before the store.
type Reader struct {
	messages      message.Repository
	conversations conversation.Repository
	orch          *orchestrator.Orchestrator
	cache         *redis.Client
	cacheTTL      time.Duration
	log           zerolog.Logger
}

// New builds a Reader from its collaborators. cacheTTL controls how long a conversation's recent message page
// lives in the cache (§4.4 "hot recent messages per conversation live in the cache, TTL on the order of an
// hour").
func New(messages message.Repository, conversations conversation.Repository, orch *orchestrator.Orchestrator, cache *redis.Client, cacheTTL time.Duration, logger zerolog.Logger) *Reader {
	return &Reader{messages: messages, conversations: conversations, orch: orch, cache: cache, cacheTTL: cacheTTL, log: logger}
}

func cacheKey(tenantID, conversationID uuid.UUID, cursor message.Cursor, limit int, descending bool) string {
	return fmt.Sprintf("msgcache:%s:%s:%d:%d:%t", tenantID, conversationID, cursor.Seq, limit, descending)
}

// QueryMessages returns messages ordered by seq (descending by default per §4.4), filtered by the caller's
// per-user visibility and globally tombstoned where the message FSM has reached a terminal state.
func (r *Reader) QueryMessages(ctx context.Context, tenantID, conversationID, userID uuid.UUID, cursor message.Cursor, limit int, descending bool) ([]message.Message, error) {
	limit = message.ClampLimit(limit)
	key := cacheKey(tenantID, conversationID, cursor, limit, descending)

	if cached, ok := r.readCache(ctx, key); ok {
		return r.applyUserView(ctx, tenantID, userID, cached)
	}

	msgs, err := r.messages.List(ctx, tenantID, conversationID, cursor, limit, descending)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	r.writeCache(ctx, key, msgs)

	return r.applyUserView(ctx, tenantID, userID, msgs)
}

// GetMessage returns a single message by server_id, subject to the caller's visibility.
func (r *Reader) GetMessage(ctx context.Context, tenantID, serverID, userID uuid.UUID) (*message.Message, error) {
	m, err := r.messages.GetByServerID(ctx, tenantID, serverID)
	if err != nil {
		return nil, err
	}
	out := r.tombstone(*m)

	v, err := r.messages.GetVisibility(ctx, tenantID, m.ServerID, userID)
	if err != nil {
		return nil, fmt.Errorf("get visibility: %w", err)
	}
	if v == message.VisibilityDeleted {
		return nil, message.ErrNotFound
	}
	return &out, nil
}

// MarkRead advances last_read_seq monotonically and recomputes unread_count (§4.4, idempotent/monotone).
func (r *Reader) MarkRead(ctx context.Context, tenantID, conversationID, userID uuid.UUID, upToSeq int64) error {
	return r.conversations.AdvanceReadSeq(ctx, tenantID, conversationID, userID, upToSeq)
}

// DeleteForUser upserts the caller's user-visibility overlay to DELETED for one message, without touching the
// global Message FSM.
func (r *Reader) DeleteForUser(ctx context.Context, tenantID, messageID, userID uuid.UUID) error {
	return r.messages.SetVisibility(ctx, tenantID, messageID, userID, message.VisibilityDeleted)
}

// RecallMessage delegates to the orchestrator so the writer remains the single mutator of message state (§4.4
// "They do not write directly").
func (r *Reader) RecallMessage(ctx context.Context, conversationID, serverID uuid.UUID, operator uuid.UUID, reason string, sctx orchestrator.SendContext) (orchestrator.Accepted, error) {
	return r.orch.RecallMessage(ctx, conversationID, serverID, operator, reason, sctx)
}

// EditMessage delegates to the orchestrator; see RecallMessage.
func (r *Reader) EditMessage(ctx context.Context, conversationID, serverID uuid.UUID, newContent []byte, editVersion int, operator uuid.UUID, sctx orchestrator.SendContext) (orchestrator.Accepted, error) {
	return r.orch.EditMessage(ctx, conversationID, serverID, newContent, editVersion, operator, sctx)
}

// applyUserView filters HIDDEN/DELETED-for-user messages and tombstones globally-terminal ones.
func (r *Reader) applyUserView(ctx context.Context, tenantID, userID uuid.UUID, msgs []message.Message) ([]message.Message, error) {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		v, err := r.messages.GetVisibility(ctx, tenantID, m.ServerID, userID)
		if err != nil {
			return nil, fmt.Errorf("get visibility for %s: %w", m.ServerID, err)
		}
		if v == message.VisibilityHidden || v == message.VisibilityDeleted {
			continue
		}
		out = append(out, r.tombstone(m))
	}
	return out, nil
}

func (r *Reader) tombstone(m message.Message) message.Message {
	if m.State == message.StateRecalled || m.State == message.StateDeletedHard {
		m.Content = tombstoneContent
	}
	return m
}

func (r *Reader) readCache(ctx context.Context, key string) ([]message.Message, bool) {
	val, err := r.cache.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn().Err(err).Str("key", key).Msg("message cache read failed, falling back to store")
		}
		return nil, false
	}
	var msgs []message.Message
	if err := json.Unmarshal([]byte(val), &msgs); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("message cache payload corrupt, falling back to store")
		return nil, false
	}
	return msgs, true
}

func (r *Reader) writeCache(ctx context.Context, key string, msgs []message.Message) {
	payload, err := json.Marshal(msgs)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to marshal message page for cache")
		return
	}
	if err := r.cache.Set(ctx, key, payload, r.cacheTTL).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to populate message cache")
	}
}
