package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/conversation"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
)

// ConversationsHandler serves the Conversation & Sync State operations of §4.7 over REST, for clients that poll
// rather than (or in addition to) receiving gateway dispatch frames.
type ConversationsHandler struct {
	svc *conversation.Service
}

// NewConversationsHandler creates a new conversations handler.
func NewConversationsHandler(svc *conversation.Service) *ConversationsHandler {
	return &ConversationsHandler{svc: svc}
}

// List handles GET /api/v1/conversations?after=<uuid>&limit=<n>.
func (h *ConversationsHandler) List(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}

	var after *uuid.UUID
	if raw := c.Query("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid after cursor")
		}
		after = &id
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	summaries, err := h.svc.ListConversations(c.Context(), p.TenantID, p.UserID, after, limit)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, summaries)
}

type muteRequest struct {
	Until *time.Time `json:"until"`
}

// Mute handles PUT /api/v1/conversations/:id/mute.
func (h *ConversationsHandler) Mute(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid conversation id")
	}
	var req muteRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}

	if err := h.svc.SetConversationMute(c.Context(), p.TenantID, conversationID, p.UserID, req.Until); err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"muted": req.Until != nil})
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// Pin handles PUT /api/v1/conversations/:id/pin.
func (h *ConversationsHandler) Pin(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid conversation id")
	}
	var req pinRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}

	if err := h.svc.SetPinnedConversation(c.Context(), p.TenantID, conversationID, p.UserID, req.Pinned); err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, fiber.Map{"pinned": req.Pinned})
}

// Delete handles DELETE /api/v1/conversations/:id, removing it from the caller's own list only.
func (h *ConversationsHandler) Delete(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid conversation id")
	}

	if err := h.svc.DeleteConversationForUser(c.Context(), p.TenantID, conversationID, p.UserID); err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// SyncMissed handles GET /api/v1/conversations/:id/sync?device_id=<id>&since_seq=<n>&limit=<n> (§4.7 "a device
// reconnecting after an extended gap asks explicitly").
func (h *ConversationsHandler) SyncMissed(c fiber.Ctx) error {
	p, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid conversation id")
	}
	deviceID := c.Query("device_id")
	if deviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "device_id is required")
	}
	sinceSeq, _ := strconv.ParseInt(c.Query("since_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.svc.SyncMissed(c.Context(), p.TenantID, conversationID, p.UserID, deviceID, sinceSeq, limit)
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, msgs)
}
