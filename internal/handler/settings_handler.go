package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// SettingsHandler reads and updates notification preferences.
type SettingsHandler struct {
	service service.SettingsService
	logger  zerolog.Logger
}

// NewSettingsHandler constructs a settings handler.
func NewSettingsHandler(settings service.SettingsService, logger zerolog.Logger) *SettingsHandler {
	return &SettingsHandler{
		service: settings,
		logger:  logger.With().Str("component", "settings_handler").Logger(),
	}
}

// Register binds settings routes.
func (h *SettingsHandler) Register(router fiber.Router) {
	router.Get("/", h.get)
	router.Put("/", h.update)
}

func (h *SettingsHandler) get(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	settings, err := h.service.Get(requestContext(c), identityID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "settings lookup")
	}
	return utils.SendSuccess(c, "settings", settings)
}

func (h *SettingsHandler) update(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	var payload dto.SettingsUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	settings, err := h.service.Update(requestContext(c), identityID, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "settings update")
	}
	return utils.SendSuccess(c, "settings updated", settings)
}
