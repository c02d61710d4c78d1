package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
	"github.com/relaymesh/relaymesh-core/internal/message"
	"github.com/relaymesh/relaymesh-core/internal/orchestrator"
	"github.com/relaymesh/relaymesh-core/internal/reader"
)

// HistoryHandler serves the Storage Reader's client-facing operations of §4.4: history queries, single-message
// fetch, read-cursor advancement, and the recall/edit mutations that delegate to the orchestrator.
type HistoryHandler struct {
	reader *reader.Reader
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(r *reader.Reader) *HistoryHandler {
	return &HistoryHandler{reader: r}
}

// Query handles GET /api/v1/conversations/:id/messages?before_seq=<n>&limit=<n>&descending=<bool>. before_seq is
// an exclusive upper bound on seq for a descending page and an exclusive lower bound when descending=false;
// omitted, the page starts at the newest (descending) or oldest (ascending) message.
func (h *HistoryHandler) Query(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid conversation id")
	}

	seq, _ := strconv.ParseInt(c.Query("before_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	descending := c.Query("descending", "true") != "false"

	msgs, err := h.reader.QueryMessages(c.Context(), p.TenantID, conversationID, p.UserID, message.Cursor{Seq: seq}, limit, descending)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, msgs)
}

// Get handles GET /api/v1/messages/:id.
func (h *HistoryHandler) Get(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	serverID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid message id")
	}

	m, err := h.reader.GetMessage(c.Context(), p.TenantID, serverID, p.UserID)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, m)
}

type markReadRequest struct {
	UpToSeq int64 `json:"up_to_seq"`
}

// MarkRead handles PUT /api/v1/conversations/:id/read.
func (h *HistoryHandler) MarkRead(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid conversation id")
	}
	var req markReadRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}

	if err := h.reader.MarkRead(c.Context(), p.TenantID, conversationID, p.UserID, req.UpToSeq); err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"up_to_seq": req.UpToSeq})
}

// DeleteForUser handles DELETE /api/v1/messages/:id/for-me.
func (h *HistoryHandler) DeleteForUser(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	messageID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid message id")
	}

	if err := h.reader.DeleteForUser(c.Context(), p.TenantID, messageID, p.UserID); err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

type recallRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Reason         string    `json:"reason"`
}

// Recall handles POST /api/v1/messages/:id/recall. The reader never mutates message state itself; it forwards
// to the orchestrator so the writer remains the sole authority over the Message FSM (§4.4).
func (h *HistoryHandler) Recall(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	serverID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid message id")
	}
	var req recallRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}

	sctx := orchestrator.SendContext{TenantID: p.TenantID, SenderID: p.UserID, Source: message.SourceUser}
	accepted, err := h.reader.RecallMessage(c.Context(), req.ConversationID, serverID, p.UserID, req.Reason, sctx)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, accepted)
}

type editRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        []byte    `json:"content"`
	EditVersion    int       `json:"edit_version"`
}

// Edit handles POST /api/v1/messages/:id/edit.
func (h *HistoryHandler) Edit(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	serverID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid message id")
	}
	var req editRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}

	sctx := orchestrator.SendContext{TenantID: p.TenantID, SenderID: p.UserID, Source: message.SourceUser}
	accepted, err := h.reader.EditMessage(c.Context(), req.ConversationID, serverID, req.Content, req.EditVersion, p.UserID, sctx)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, accepted)
}
