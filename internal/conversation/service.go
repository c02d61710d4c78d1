package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh-core/internal/message"
)

// Pagination defaults for ListConversations (§4.7).
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Service exposes the gateway/client-facing operations of §4.7. Unlike the orchestrator, these bypass global
// linearization: the write path goes directly to the store with tenant-scoped row locking or conditional
// updates, since no cross-conversation ordering is being established.
type Service struct {
	repo     Repository
	messages message.Repository
}

// New builds a Service over repo and the message repository SyncMissed reads from.
func New(repo Repository, messages message.Repository) *Service {
	return &Service{repo: repo, messages: messages}
}

// ListConversations returns the caller's non-deleted conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, tenantID, userID uuid.UUID, after *uuid.UUID, limit int) ([]Summary, error) {
	return s.repo.ListForUser(ctx, tenantID, userID, after, ClampLimit(limit, DefaultLimit, MaxLimit))
}

// SetConversationMute mutes or unmutes (until == nil) notifications for the caller in one conversation.
func (s *Service) SetConversationMute(ctx context.Context, tenantID, conversationID, userID uuid.UUID, until *time.Time) error {
	return s.repo.SetMute(ctx, tenantID, conversationID, userID, until)
}

// SetPinnedConversation pins or unpins a conversation in the caller's own conversation list.
func (s *Service) SetPinnedConversation(ctx context.Context, tenantID, conversationID, userID uuid.UUID, pinned bool) error {
	return s.repo.SetPinned(ctx, tenantID, conversationID, userID, pinned)
}

// DeleteConversationForUser removes a conversation from the caller's own list without affecting other
// participants or the underlying messages.
func (s *Service) DeleteConversationForUser(ctx context.Context, tenantID, conversationID, userID uuid.UUID) error {
	return s.repo.DeleteForUser(ctx, tenantID, conversationID, userID)
}

// SyncMissed returns messages with seq > since_seq for one conversation, subject to the caller's visibility, and
// advances the device's last_synced_seq once the caller has them in hand (§4.7). The seq range is ascending so
// the client can replay in order and persist a high-water mark as it goes.
func (s *Service) SyncMissed(ctx context.Context, tenantID, conversationID, userID uuid.UUID, deviceID string, sinceSeq int64, limit int) ([]message.Message, error) {
	msgs, err := s.messages.List(ctx, tenantID, conversationID, message.Cursor{Seq: sinceSeq}, message.ClampLimit(limit), false)
	if err != nil {
		return nil, err
	}

	visible := msgs[:0]
	for _, m := range msgs {
		v, err := s.messages.GetVisibility(ctx, tenantID, m.ServerID, userID)
		if err != nil {
			return nil, err
		}
		if v == message.VisibilityDeleted {
			continue
		}
		visible = append(visible, m)
	}

	if len(visible) > 0 {
		maxSeq := visible[len(visible)-1].Seq
		if err := s.repo.AdvanceSyncCursor(ctx, tenantID, userID, deviceID, conversationID, maxSeq); err != nil {
			return nil, err
		}
	}
	return visible, nil
}
