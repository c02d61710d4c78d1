package conversation

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
)

// Authorizer adapts Repository to orchestrator.Authorizer, letting the orchestrator resolve conversation
// membership and lifecycle without depending on the full conversation package.
type Authorizer struct {
	repo Repository
}

// NewAuthorizer wraps repo as an orchestrator.Authorizer.
func NewAuthorizer(repo Repository) *Authorizer {
	return &Authorizer{repo: repo}
}

func (a *Authorizer) Authorize(ctx context.Context, tenantID, conversationID, senderID uuid.UUID) (orchestrator.ConversationInfo, bool, error) {
	c, err := a.repo.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		if err == ErrNotFound {
			return orchestrator.ConversationInfo{}, false, nil
		}
		return orchestrator.ConversationInfo{}, false, err
	}

	info := orchestrator.ConversationInfo{
		Type:      string(c.Type),
		Destroyed: c.Lifecycle == LifecycleDestroyed,
	}

	_, err = a.repo.GetParticipant(ctx, tenantID, conversationID, senderID)
	if err != nil {
		if err == ErrNotParticipant {
			return info, false, nil
		}
		return info, false, err
	}
	return info, true, nil
}
