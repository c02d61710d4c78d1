// Package orchestrator implements the Message Orchestrator (§4.2): the single linearization point per
// conversation. SendMessage and the Edit/Recall/Delete operation constructors all funnel through one pipeline —
// idempotency gate, pre_send hook chain, seq assignment, persistence event publish, ack.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/hook"
	"github.com/relaymesh/relaymesh-core/internal/idempotency"
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/queue"
	"github.com/relaymesh/relaymesh-core/internal/seqalloc"
)

// ConversationInfo is the minimal conversation context the orchestrator needs to authorize and classify a send.
type ConversationInfo struct {
	Type      string // selector-relevant conversation type, e.g. "single", "group", "channel"
	Destroyed bool
}

// Authorizer resolves conversation membership and state without pulling in the full conversation package,
// keeping the orchestrator's dependency surface narrow per its "single linearization point" responsibility.
type Authorizer interface {
	// Authorize returns the conversation's info and whether senderID is a current participant.
	Authorize(ctx context.Context, tenantID, conversationID, senderID uuid.UUID) (ConversationInfo, bool, error)
}

// Draft is the caller-submitted content of a new message, prior to server_id/seq assignment.
type Draft struct {
	Content       []byte
	ContentType   string
	ClientMsgID   string
	QuoteServerID *uuid.UUID
	BurnAfterRead bool
	Tags          []string
	Attributes    map[string]any
	MaxLength     int
}

// SendContext carries the per-request facts the hook chain's selector matches against.
type SendContext struct {
	TenantID uuid.UUID
	SenderID uuid.UUID
	Source   message.Source
}

// Accepted is the (server_id, seq) pair returned on success (§4.2 "Ack to sender").
type Accepted struct {
	ServerID uuid.UUID
	Seq      int64
}

// Orchestrator wires the idempotency gate, hook engine, seq allocator, and event queue into the SendMessage
// pipeline.
type Orchestrator struct {
	auth     Authorizer
	idem     *idempotency.Store
	seq      *seqalloc.Allocator
	hooks    *hook.Engine
	producer *queue.Producer
	log      zerolog.Logger
}

// New builds an Orchestrator from its collaborators.
func New(auth Authorizer, idem *idempotency.Store, seq *seqalloc.Allocator, hooks *hook.Engine, producer *queue.Producer, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{auth: auth, idem: idem, seq: seq, hooks: hooks, producer: producer, log: logger}
}

// persistenceEvent is the payload published to queue.TopicPersistence, carried by queue.Envelope.Body (§4.2 step
// 5: "full prepared message, tenant, sender context, idempotency fingerprint, and a monotonic publish_id").
type persistenceEvent struct {
	Message          eventMessage `json:"message"`
	IdempotencyKey   string       `json:"idempotency_key,omitempty"`
}

type eventMessage struct {
	TenantID       uuid.UUID          `json:"tenant_id"`
	ServerID       uuid.UUID          `json:"server_id"`
	ConversationID uuid.UUID          `json:"conversation_id"`
	SenderID       uuid.UUID          `json:"sender_id"`
	ClientMsgID    string             `json:"client_msg_id,omitempty"`
	Content        []byte             `json:"content"`
	ContentType    string             `json:"content_type"`
	Seq            int64              `json:"seq"`
	Source         message.Source     `json:"source"`
	QuoteServerID  *uuid.UUID         `json:"quote_server_id,omitempty"`
	BurnAfterRead  bool               `json:"burn_after_read"`
	Tags           []string           `json:"tags,omitempty"`
	Attributes     map[string]any     `json:"attributes,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Operation      *message.Operation `json:"operation,omitempty"`
}

// SendMessage runs the §4.2 seven-step algorithm for a content message.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID uuid.UUID, draft Draft, sctx SendContext) (Accepted, error) {
	return o.send(ctx, conversationID, draft, sctx, nil)
}

// EditMessage constructs an operation message and funnels it through the same pipeline as SendMessage (§4.2:
// "each is implemented by constructing an operation message ... and funnelling it through the same SendMessage
// path").
func (o *Orchestrator) EditMessage(ctx context.Context, conversationID, targetID uuid.UUID, newContent []byte, editVersion int, operator uuid.UUID, sctx SendContext) (Accepted, error) {
	op := &message.Operation{Type: message.OpEdit, TargetID: targetID, Operator: operator, Content: newContent, EditVersion: editVersion}
	return o.send(ctx, conversationID, Draft{Content: newContent, ContentType: "application/octet-stream"}, sctx, op)
}

// RecallMessage constructs a recall operation message.
func (o *Orchestrator) RecallMessage(ctx context.Context, conversationID, targetID uuid.UUID, operator uuid.UUID, reason string, sctx SendContext) (Accepted, error) {
	op := &message.Operation{Type: message.OpRecall, TargetID: targetID, Operator: operator, Reason: reason}
	return o.send(ctx, conversationID, Draft{Content: []byte("recall"), ContentType: "application/x-operation"}, sctx, op)
}

// DeleteMessage constructs a delete operation message, scope = "global" or "for_user".
func (o *Orchestrator) DeleteMessage(ctx context.Context, conversationID, targetID uuid.UUID, scope string, operator uuid.UUID, sctx SendContext) (Accepted, error) {
	opType := message.OpDeleteGlobal
	if scope == "for_user" {
		opType = message.OpDeleteForUser
	}
	op := &message.Operation{Type: opType, TargetID: targetID, Operator: operator, Scope: scope}
	return o.send(ctx, conversationID, Draft{Content: []byte("delete"), ContentType: "application/x-operation"}, sctx, op)
}

// send is the shared pipeline for both content messages and operation messages.
func (o *Orchestrator) send(ctx context.Context, conversationID uuid.UUID, draft Draft, sctx SendContext, op *message.Operation) (Accepted, error) {
	// Step 1: assemble context.
	info, isParticipant, err := o.auth.Authorize(ctx, sctx.TenantID, conversationID, sctx.SenderID)
	if err != nil {
		return Accepted{}, apperr.Wrap(apperr.Unavailable, "resolve conversation context", err)
	}
	if !isParticipant {
		return Accepted{}, apperr.New(apperr.PermissionDenied, "sender is not a participant of this conversation")
	}
	if info.Destroyed {
		return Accepted{}, apperr.New(apperr.FailedPrecondition, "conversation has been destroyed")
	}

	maxLength := draft.MaxLength
	if maxLength <= 0 {
		maxLength = 8192
	}
	content, err := message.ValidateContent(draft.Content, maxLength)
	if err != nil {
		return Accepted{}, apperr.Wrap(apperr.InvalidArgument, "invalid message content", err)
	}

	messageType := "content"
	if op != nil {
		messageType = string(op.Type)
	}

	// Step 2: idempotency gate.
	if draft.ClientMsgID != "" {
		existing, reserved, err := o.idem.ReserveSend(ctx, sctx.TenantID, sctx.SenderID, draft.ClientMsgID)
		if err != nil {
			return Accepted{}, apperr.Wrap(apperr.Unavailable, "idempotency gate unreachable", err)
		}
		if !reserved {
			if existing != nil {
				return Accepted{ServerID: existing.ServerID, Seq: existing.Seq}, apperr.New(apperr.AlreadyExists, "message already sent")
			}
			return Accepted{}, apperr.New(apperr.Unavailable, "concurrent send in flight for this client_msg_id, retry")
		}
	}

	// Step 3: PreSend hook chain.
	hctx := hook.Context{
		TenantID:         sctx.TenantID.String(),
		ConversationType: info.Type,
		MessageType:      messageType,
		UserID:           sctx.SenderID.String(),
		Tags:             tagsToMap(draft.Tags),
		Draft:            content,
	}
	point := hook.PointPreSend
	if op != nil {
		switch op.Type {
		case message.OpRecall:
			point = hook.PointPreRecall
		case message.OpEdit:
			point = hook.PointPreEdit
		}
	}
	chainResult, err := o.hooks.Run(ctx, point, hctx)
	if err != nil {
		o.releaseSend(ctx, sctx.TenantID, sctx.SenderID, draft.ClientMsgID)
		return Accepted{}, apperr.Wrap(apperr.Internal, "pre_send hook chain failed", err)
	}
	if chainResult.Rejected {
		o.releaseSend(ctx, sctx.TenantID, sctx.SenderID, draft.ClientMsgID)
		return Accepted{}, apperr.New(apperr.PermissionDenied, chainResult.RejectReason)
	}
	content = chainResult.Draft

	// Step 4: assign authoritative fields.
	serverID := uuid.New()
	seq, err := o.seq.Next(ctx, sctx.TenantID, conversationID)
	if err != nil {
		o.releaseSend(ctx, sctx.TenantID, sctx.SenderID, draft.ClientMsgID)
		return Accepted{}, apperr.Wrap(apperr.Unavailable, "seq allocation failed", err)
	}
	now := time.Now().UTC()

	evt := persistenceEvent{
		Message: eventMessage{
			TenantID:       sctx.TenantID,
			ServerID:       serverID,
			ConversationID: conversationID,
			SenderID:       sctx.SenderID,
			ClientMsgID:    draft.ClientMsgID,
			Content:        content,
			ContentType:    draft.ContentType,
			Seq:            seq,
			Source:         sctx.Source,
			QuoteServerID:  draft.QuoteServerID,
			BurnAfterRead:  draft.BurnAfterRead,
			Tags:           draft.Tags,
			Attributes:     draft.Attributes,
			Timestamp:      now,
			Operation:      op,
		},
	}
	if draft.ClientMsgID != "" {
		evt.IdempotencyKey = fmt.Sprintf("%s:%s:%s", sctx.TenantID, sctx.SenderID, draft.ClientMsgID)
	}

	// Step 5: publish persistence event, partitioned by conversation_id.
	if _, err := o.producer.Publish(ctx, queue.TopicPersistence, sctx.TenantID, conversationID.String(), evt); err != nil {
		o.releaseSend(ctx, sctx.TenantID, sctx.SenderID, draft.ClientMsgID)
		return Accepted{}, apperr.Wrap(apperr.Unavailable, "publish persistence event", err)
	}

	// Step 6 (push precursor) is deferred to the writer per §4.2/§5 ordering guarantee B: pushes never outrun
	// persistence.

	if draft.ClientMsgID != "" {
		if err := o.idem.CompleteSend(ctx, sctx.TenantID, sctx.SenderID, draft.ClientMsgID, idempotency.SendResult{ServerID: serverID, Seq: seq}); err != nil {
			o.log.Warn().Err(err).Str("client_msg_id", draft.ClientMsgID).Msg("failed to record idempotency result, a retry may allocate a duplicate seq")
		}
	}

	// Step 7: ack to sender. PostSend hooks run best-effort, asynchronously, so a slow/failing observer hook
	// never delays the caller's ack.
	go o.runPostSend(hctx, serverID, seq)

	return Accepted{ServerID: serverID, Seq: seq}, nil
}

// releaseSend deletes a reserved-but-never-completed idempotency key so a client retrying the same
// client_msg_id after a pre-CompleteSend failure hits the real error again instead of a stale "concurrent send
// in flight" for the rest of the TTL window. A no-op when no client_msg_id was supplied.
func (o *Orchestrator) releaseSend(ctx context.Context, tenantID, senderID uuid.UUID, clientMsgID string) {
	if clientMsgID == "" {
		return
	}
	if err := o.idem.ReleaseSend(ctx, tenantID, senderID, clientMsgID); err != nil {
		o.log.Warn().Err(err).Str("client_msg_id", clientMsgID).Msg("failed to release idempotency reservation after send failure")
	}
}

// runPostSend fires the post_send hook chain asynchronously after the event has been accepted by the queue.
// Failures are logged only: post_send is an observation point, not a gate.
func (o *Orchestrator) runPostSend(hctx hook.Context, serverID uuid.UUID, seq int64) {
	bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.hooks.Run(bgCtx, hook.PointPostSend, hctx); err != nil {
		o.log.Warn().Err(err).Str("server_id", serverID.String()).Int64("seq", seq).Msg("post_send hook chain failed")
	}
}

func tagsToMap(tags []string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t] = "true"
	}
	return m
}
