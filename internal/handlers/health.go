package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mydoctor/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	store *services.ConversationStore
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store *services.ConversationStore) *HealthHandler {
	return &HealthHandler{store: store}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":        "healthy",
		"conversations": h.store.Count(),
		"timestamp":     time.Now().Format(time.RFC3339),
	})
}
