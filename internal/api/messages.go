package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
)

// MessagesHandler serves the orchestrator's internal ingress endpoint that a gateway instance's
// gateway.HTTPForwarder POSTs a Send/Operation frame to after picking this replica by consistent hash on
// conversation_id (§4.1 "forwards to an orchestrator selected by consistent hash on conversation_id").
type MessagesHandler struct {
	orch *orchestrator.Orchestrator
}

// NewMessagesHandler creates a new internal ingress handler.
func NewMessagesHandler(orch *orchestrator.Orchestrator) *MessagesHandler {
	return &MessagesHandler{orch: orch}
}

// ingestOperationRequest mirrors the gateway's unexported OperationRequest wire shape so the two services agree
// on the ingress payload without sharing unexported types across packages.
type ingestOperationRequest struct {
	Type           string    `json:"Type"`
	TargetServerID uuid.UUID `json:"TargetServerID"`
	Reason         string    `json:"Reason"`
	EditVersion    int       `json:"EditVersion"`
	Scope          string    `json:"Scope"`
	Emoji          string    `json:"Emoji"`
}

type ingestRequest struct {
	TenantID       uuid.UUID               `json:"tenant_id"`
	ConversationID uuid.UUID                `json:"conversation_id"`
	SenderID       uuid.UUID                `json:"sender_id"`
	Draft          orchestrator.Draft       `json:"draft"`
	Operation      *ingestOperationRequest  `json:"operation,omitempty"`
}

type ingestResponse struct {
	ServerID uuid.UUID `json:"server_id"`
	Seq      int64     `json:"seq"`
	Error    *struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error,omitempty"`
}

// Ingest handles POST /internal/v1/messages.
func (h *MessagesHandler) Ingest(c fiber.Ctx) error {
	var req ingestRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}

	sctx := orchestrator.SendContext{TenantID: req.TenantID, SenderID: req.SenderID, Source: message.SourceUser}

	var accepted orchestrator.Accepted
	var err error
	switch {
	case req.Operation == nil:
		accepted, err = h.orch.SendMessage(c.Context(), req.ConversationID, req.Draft, sctx)
	case req.Operation.Type == string(message.OpRecall):
		accepted, err = h.orch.RecallMessage(c.Context(), req.ConversationID, req.Operation.TargetServerID, req.SenderID, req.Operation.Reason, sctx)
	case req.Operation.Type == string(message.OpEdit):
		accepted, err = h.orch.EditMessage(c.Context(), req.ConversationID, req.Operation.TargetServerID, req.Draft.Content, req.Operation.EditVersion, req.SenderID, sctx)
	case req.Operation.Type == string(message.OpDeleteGlobal), req.Operation.Type == string(message.OpDeleteForUser):
		accepted, err = h.orch.DeleteMessage(c.Context(), req.ConversationID, req.Operation.TargetServerID, req.Operation.Scope, req.SenderID, sctx)
	default:
		return c.JSON(ingestResponse{Error: &struct {
			Code    apperr.Code `json:"code"`
			Message string      `json:"message"`
		}{Code: apperr.InvalidArgument, Message: "unsupported operation type"}})
	}

	if err != nil {
		return c.JSON(ingestResponse{Error: &struct {
			Code    apperr.Code `json:"code"`
			Message string      `json:"message"`
		}{Code: apperr.CodeOf(err), Message: err.Error()}})
	}

	return c.JSON(ingestResponse{ServerID: accepted.ServerID, Seq: accepted.Seq})
}
