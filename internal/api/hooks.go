package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/hook"
	"github.com/relaymesh/relaymesh-core/internal/httputil"
)

// HooksHandler serves the admin surface for the dynamic, highest-precedence tier of §4.6's hook configuration:
// operators and tenant admins register, update, and remove hooks here without touching the central config or
// redeploying; the engine picks up the change on its next reload tick.
type HooksHandler struct {
	repo *hook.PGRepository
}

// NewHooksHandler creates a new hooks admin handler.
func NewHooksHandler(repo *hook.PGRepository) *HooksHandler {
	return &HooksHandler{repo: repo}
}

type hookConfigRequest struct {
	Name              string            `json:"name"`
	Point             hook.Point        `json:"point"`
	Tenants           []string          `json:"tenants,omitempty"`
	ConversationTypes []string          `json:"conversation_types,omitempty"`
	MessageTypes      []string          `json:"message_types,omitempty"`
	UserIDs           []string          `json:"user_ids,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Transport         hook.Transport    `json:"transport"`
	Priority          int               `json:"priority"`
	TimeoutMS         int               `json:"timeout_ms"`
	MaxRetries        int               `json:"max_retries"`
	ErrorPolicy       hook.ErrorPolicy  `json:"error_policy"`
	RequireSuccess    bool              `json:"require_success"`
	WebhookURL        string            `json:"webhook_url,omitempty"`
	WebhookSecret     string            `json:"webhook_secret,omitempty"`
	InProcessAdapter  string            `json:"in_process_adapter,omitempty"`
	Enabled           bool              `json:"enabled"`
}

// Upsert handles PUT /admin/v1/hooks/:name, creating or replacing one dynamic hook configuration.
func (h *HooksHandler) Upsert(c fiber.Ctx) error {
	name := c.Params("name")
	var req hookConfigRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "invalid request body")
	}
	if req.Point == "" || req.Transport == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apperr.InvalidArgument, "point and transport are required")
	}
	principal, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}

	cfg := hook.Config{
		Name:     name,
		Point:    req.Point,
		TenantID: principal.TenantID,
		Selector: hook.Selector{
			Tenants:           req.Tenants,
			ConversationTypes: req.ConversationTypes,
			MessageTypes:      req.MessageTypes,
			UserIDs:           req.UserIDs,
			Tags:              req.Tags,
		},
		Transport:        req.Transport,
		Priority:         req.Priority,
		Timeout:          time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries:       req.MaxRetries,
		ErrorPolicy:      req.ErrorPolicy,
		RequireSuccess:   req.RequireSuccess,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
		InProcessAdapter: req.InProcessAdapter,
	}

	if err := h.repo.Upsert(c.Context(), name, cfg, req.Enabled); err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusOK, fiber.Map{"name": name})
}

// Delete handles DELETE /admin/v1/hooks/:point/:name.
func (h *HooksHandler) Delete(c fiber.Ctx) error {
	point := hook.Point(c.Params("point"))
	name := c.Params("name")
	principal, err := principalFrom(c)
	if err != nil {
		return httputil.FailErr(c, err)
	}

	if err := h.repo.Delete(c.Context(), principal.TenantID, point, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return httputil.Fail(c, fiber.StatusNotFound, apperr.NotFound, "hook configuration not found")
		}
		return httputil.FailErr(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusNoContent, nil)
}

// List handles GET /admin/v1/hooks, returning every enabled dynamic hook configuration.
func (h *HooksHandler) List(c fiber.Ctx) error {
	configs, err := h.repo.Load(c.Context())
	if err != nil {
		return httputil.FailErr(c, err)
	}
	return httputil.Success(c, configs)
}
