package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mydoctor/internal/services"
)

// SessionsHandler serves conversation listings, histories, and share links.
type SessionsHandler struct {
	store *services.ConversationStore
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(store *services.ConversationStore) *SessionsHandler {
	return &SessionsHandler{store: store}
}

// List handles GET /api/sessions
func (h *SessionsHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions": h.store.Sessions(),
	})
}

// History handles GET /api/history?session_id=...
func (h *SessionsHandler) History(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id query parameter is required",
		})
	}

	turns, err := h.store.History(sessionID)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"messages":   turns,
	})
}

// ResolveShare handles GET /api/share/:shareId
func (h *SessionsHandler) ResolveShare(c *fiber.Ctx) error {
	shareID := c.Params("shareId")

	turns, err := h.store.ResolveShare(shareID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Share link not found or expired",
		})
	}

	return c.JSON(fiber.Map{
		"share_id": shareID,
		"messages": turns,
	})
}
