// Package writer implements the Storage Writer (§4.3): the sole mutator of persisted message state for each
// (tenant, conversation). It consumes persistence events in partition order, applies them, fans out unread
// counts, and publishes push tasks and ack events for what it just committed.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/idempotency"
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/queue"
)

// eventMessage mirrors orchestrator.eventMessage's wire shape; duplicated here rather than imported so the
// writer's wire contract doesn't couple to the orchestrator package's internals.
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

type persistenceEvent struct {
	Message        eventMessage `json:"message"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// pushDispatch is the JSON shape a gateway turns directly into a client-bound dispatch frame's data field. It
// carries enough of the applied event for the client to render it without a round-trip back through the reader.
type pushDispatch struct {
	ServerID       uuid.UUID          `json:"server_id"`
	ConversationID uuid.UUID          `json:"conversation_id"`
	SenderID       uuid.UUID          `json:"sender_id"`
	Content        []byte             `json:"content,omitempty"`
	ContentType    string             `json:"content_type,omitempty"`
	Seq            int64              `json:"seq"`
	Operation      *message.Operation `json:"operation,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// PushTask is published on queue.TopicPush, partition-keyed by recipient (single-recipient) or conversation
// (group), per §4.3 step 5. EventType/Payload give the gateway everything needed to build a client dispatch frame
// without re-querying the reader.
type PushTask struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	ServerID       uuid.UUID       `json:"server_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Recipients     []uuid.UUID     `json:"recipients"`
	Priority       string          `json:"priority"`
	IsOperation    bool            `json:"is_operation"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// AckEvent is published on queue.TopicAck so the orchestrator/sender learns when a message is durably stored,
// distinct from the orchestrator's immediate (server_id, seq) ack (§4.3 step 6).
type AckEvent struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	ServerID       uuid.UUID `json:"server_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Seq            int64     `json:"seq"`
}

// Writer applies persistence events to the message store and conversation overlays.
type Writer struct {
	messages      message.Repository
	conversations conversation.Repository
	idem          *idempotency.Store
	producer      *queue.Producer
	log           zerolog.Logger
}

// New builds a Writer from its collaborators.
func New(messages message.Repository, conversations conversation.Repository, idem *idempotency.Store, producer *queue.Producer, logger zerolog.Logger) *Writer {
	return &Writer{messages: messages, conversations: conversations, idem: idem, producer: producer, log: logger}
}

// Handle is a queue.Handler that applies one persistence event end to end (§4.3 steps 1-6). Returning an error
// triggers at-least-once redelivery; the dedup reservation in step 1 makes re-application safe.
func (w *Writer) Handle(ctx context.Context, env queue.Envelope) error {
	var evt persistenceEvent
	if err := json.Unmarshal(env.Body, &evt); err != nil {
		return fmt.Errorf("%w: unmarshal persistence event: %v", queue.ErrPermanent, err)
	}
	em := evt.Message

	// Step 1: dedup.
	first, err := w.idem.ReserveApply(ctx, em.TenantID, em.ServerID)
	if err != nil {
		return fmt.Errorf("reserve apply dedup key: %w", err)
	}
	if !first {
		w.log.Debug().Str("server_id", em.ServerID.String()).Msg("duplicate delivery, skipping apply")
		return w.emitAck(ctx, em)
	}

	// Step 2/3: classify and apply.
	if em.Operation == nil {
		if err := w.applyContentMessage(ctx, em); err != nil {
			return fmt.Errorf("apply content message: %w", err)
		}
	} else {
		if err := w.applyOperation(ctx, em); err != nil {
			return fmt.Errorf("apply operation %s: %w", em.Operation.Type, err)
		}
	}

	// Step 4: participant fan-out.
	if err := w.fanOutUnread(ctx, em); err != nil {
		return fmt.Errorf("fan out unread counts: %w", err)
	}

	// Step 5: publish push task.
	if err := w.publishPushTask(ctx, em); err != nil {
		return fmt.Errorf("publish push task: %w", err)
	}

	// Step 6: emit ack event.
	return w.emitAck(ctx, em)
}

func (w *Writer) applyContentMessage(ctx context.Context, em eventMessage) error {
	m := &message.Message{
		TenantID:       em.TenantID,
		ServerID:       em.ServerID,
		ConversationID: em.ConversationID,
		SenderID:       em.SenderID,
		ClientMsgID:    em.ClientMsgID,
		Content:        em.Content,
		ContentType:    em.ContentType,
		Seq:            em.Seq,
		Source:         em.Source,
		QuoteServerID:  em.QuoteServerID,
		BurnAfterRead:  em.BurnAfterRead,
		Tags:           em.Tags,
		Attributes:     em.Attributes,
		State:          message.StateSent,
		Timestamp:      em.Timestamp,
	}
	return w.messages.Insert(ctx, m)
}

func (w *Writer) applyOperation(ctx context.Context, em eventMessage) error {
	op := em.Operation
	now := em.Timestamp

	switch op.Type {
	case message.OpRecall:
		if err := w.messages.ApplyRecall(ctx, em.TenantID, op.TargetID, op.Operator, op.Reason); err != nil {
			return err
		}
	case message.OpEdit:
		entry := message.EditHistoryEntry{
			TenantID: em.TenantID, MessageID: op.TargetID, EditVersion: op.EditVersion,
			Content: op.Content, EditorID: op.Operator, EditedAt: now, Reason: op.Reason,
		}
		if err := w.messages.ApplyEdit(ctx, em.TenantID, op.TargetID, entry); err != nil {
			return err
		}
	case message.OpDeleteGlobal:
		if err := w.messages.ApplyDeleteGlobal(ctx, em.TenantID, op.TargetID, op.Operator); err != nil {
			return err
		}
	case message.OpDeleteForUser:
		if err := w.messages.SetVisibility(ctx, em.TenantID, op.TargetID, op.Operator, message.VisibilityDeleted); err != nil {
			return err
		}
	case message.OpRead:
		// Handled by AdvanceReadSeq in fanOutUnread via the sender-advance path; read operations carry their
		// own up_to_seq in Attributes and are applied by the reader's MarkRead directly, not replayed here.
	case message.OpMark, message.OpUnmark, message.OpReactionAdd, message.OpReactionRemove, message.OpPin, message.OpUnpin:
		if err := w.applyAttributeOperation(ctx, em, op); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", queue.ErrPermanent, op.Type)
	}

	return w.messages.RecordOperation(ctx, message.OperationHistoryEntry{
		TenantID: em.TenantID, MessageID: op.TargetID, OperationType: op.Type, OperatorID: op.Operator,
		OccurredAt: now, Payload: map[string]any{"reason": op.Reason, "scope": op.Scope, "emoji": op.Emoji},
	})
}

func (w *Writer) applyAttributeOperation(ctx context.Context, em eventMessage, op *message.Operation) error {
	switch op.Type {
	case message.OpReactionAdd:
		return w.messages.AddReaction(ctx, em.TenantID, op.TargetID, op.Operator, op.Emoji)
	case message.OpReactionRemove:
		return w.messages.RemoveReaction(ctx, em.TenantID, op.TargetID, op.Operator, op.Emoji)
	case message.OpPin:
		return w.messages.Pin(ctx, em.TenantID, em.ConversationID, op.TargetID, op.Operator, nil)
	case message.OpUnpin:
		return w.messages.Unpin(ctx, em.TenantID, em.ConversationID, op.TargetID)
	case message.OpMark:
		return w.messages.SetVisibility(ctx, em.TenantID, op.TargetID, op.Operator, message.VisibilityVisible)
	case message.OpUnmark:
		return w.messages.SetVisibility(ctx, em.TenantID, op.TargetID, op.Operator, message.VisibilityHidden)
	}
	return nil
}

// fanOutUnread implements §4.3 step 4: every non-sender participant's unread_count advances; the sender's own
// last_read_seq advances to the new seq since they have, by definition, seen their own message.
func (w *Writer) fanOutUnread(ctx context.Context, em eventMessage) error {
	lastMessageID := em.ServerID
	if em.Operation != nil {
		// Operation events (recall, edit, reaction, pin, ...) mint a server_id/seq for the event itself but never
		// insert a messages row under it, so the conversation's last_message_id pointer must not move to it.
		lastMessageID = uuid.Nil
	}
	if err := w.conversations.IncrementUnread(ctx, em.TenantID, em.ConversationID, em.SenderID, lastMessageID, em.Seq); err != nil {
		return err
	}
	return w.conversations.AdvanceReadSeq(ctx, em.TenantID, em.ConversationID, em.SenderID, em.Seq)
}

func (w *Writer) publishPushTask(ctx context.Context, em eventMessage) error {
	ids, err := w.listParticipants(ctx, em.TenantID, em.ConversationID)
	if err != nil {
		return err
	}
	var recipients []uuid.UUID
	for _, id := range ids {
		if id != em.SenderID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushDispatch{
		ServerID: em.ServerID, ConversationID: em.ConversationID, SenderID: em.SenderID,
		Content: em.Content, ContentType: em.ContentType, Seq: em.Seq,
		Operation: em.Operation, Timestamp: em.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal push dispatch payload: %w", err)
	}

	task := PushTask{
		TenantID: em.TenantID, ServerID: em.ServerID, ConversationID: em.ConversationID,
		Recipients: recipients, Priority: "normal", IsOperation: em.Operation != nil,
		EventType: pushEventType(em), Payload: payload,
	}

	partitionKey := em.ConversationID.String()
	if len(recipients) == 1 {
		partitionKey = recipients[0].String()
	}
	_, err = w.producer.Publish(ctx, queue.TopicPush, em.TenantID, partitionKey, task)
	return err
}

// pushEventType maps an applied event to the client-facing dispatch event name (§9 "operations as messages" means
// these share one wire contract with content sends, distinguished only by this tag).
func pushEventType(em eventMessage) string {
	if em.Operation == nil {
		return "message_create"
	}
	switch em.Operation.Type {
	case message.OpEdit:
		return "message_update"
	case message.OpRecall, message.OpDeleteGlobal:
		return "message_delete"
	case message.OpReactionAdd, message.OpReactionRemove:
		return "message_reaction"
	case message.OpPin, message.OpUnpin:
		return "message_pin"
	default:
		return "message_operation"
	}
}

func (w *Writer) listParticipants(ctx context.Context, tenantID, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return w.conversations.ListParticipantIDs(ctx, tenantID, conversationID)
}

func (w *Writer) emitAck(ctx context.Context, em eventMessage) error {
	ack := AckEvent{TenantID: em.TenantID, ServerID: em.ServerID, ConversationID: em.ConversationID, SenderID: em.SenderID, Seq: em.Seq}
	_, err := w.producer.Publish(ctx, queue.TopicAck, em.TenantID, em.SenderID.String(), ack)
	return err
}
