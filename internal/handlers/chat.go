package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"mydoctor/internal/models"
	"mydoctor/internal/services"
)

// ChatHandler handles the chat turn endpoint and session mutations.
type ChatHandler struct {
	orchestrator *services.ChatOrchestrator
	store        *services.ConversationStore
}

// NewChatHandler creates a new chat handler
func NewChatHandler(orchestrator *services.ChatOrchestrator, store *services.ConversationStore) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		store:        store,
	}
}

// Chat handles POST /api/chat
func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := h.orchestrator.HandleTurn(c.Context(), &req, c.IP())
	if err != nil {
		return chatError(c, err)
	}

	return c.JSON(resp)
}

// chatError maps pipeline errors to HTTP responses.
func chatError(c *fiber.Ctx, err error) error {
	var (
		denied      *services.AdmissionDeniedError
		rateLimited *services.RateLimitedError
		rejected    *services.RejectedError
		malformed   *services.MalformedResponseError
		unreachable *services.UnreachableError
	)

	switch {
	case errors.Is(err, services.ErrMessageRequired),
		errors.Is(err, services.ErrMessageTooLong),
		errors.Is(err, services.ErrTooManyImages),
		errors.Is(err, services.ErrInvalidImage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})

	case errors.As(err, &denied):
		c.Set("Retry-After", fmt.Sprintf("%d", denied.RetryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "Too many messages. Please wait before sending more.",
			"retry_after": denied.RetryAfter,
		})

	case errors.As(err, &rateLimited):
		c.Set("Retry-After", fmt.Sprintf("%d", rateLimited.RetryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "The medical assistant is busy right now. Please try again shortly.",
			"retry_after": rateLimited.RetryAfter,
		})

	case errors.As(err, &rejected), errors.As(err, &malformed):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "The medical assistant could not process this request.",
		})

	case errors.As(err, &unreachable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "The medical assistant is unreachable. Please try again.",
		})

	case errors.Is(err, services.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})

	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}

// Pin handles POST /api/chat/pin
func (h *ChatHandler) Pin(c *fiber.Ctx) error {
	var req models.PinRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	if err := h.store.SetPinned(req.SessionID, req.Pinned); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"session_id": req.SessionID, "pinned": req.Pinned})
}

// Archive handles POST /api/chat/archive
func (h *ChatHandler) Archive(c *fiber.Ctx) error {
	var req models.ArchiveRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	if err := h.store.SetArchived(req.SessionID, req.Archived); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"session_id": req.SessionID, "archived": req.Archived})
}

// Delete handles POST /api/chat/delete
func (h *ChatHandler) Delete(c *fiber.Ctx) error {
	var req models.SessionRef
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	if err := h.store.Delete(req.SessionID); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(fiber.Map{"session_id": req.SessionID, "deleted": true})
}

// Share handles POST /api/chat/share
func (h *ChatHandler) Share(c *fiber.Ctx) error {
	var req models.SessionRef
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	shareID, err := h.store.Share(req.SessionID)
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(models.ShareResponse{SessionID: req.SessionID, ShareID: shareID})
}

func sessionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, services.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}
