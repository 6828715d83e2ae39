package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// MessageHandler edits and deletes messages outside the socket.
type MessageHandler struct {
	engine    service.DeliveryEngine
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(engine service.DeliveryEngine, validate *validator.Validate, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		engine:    engine,
		validator: validate,
		logger:    logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register binds message routes.
func (h *MessageHandler) Register(router fiber.Router) {
	router.Patch("/messages/:messageId", h.edit)
	router.Delete("/messages/:messageId", h.delete)
}

func (h *MessageHandler) edit(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	var payload dto.EditMessageRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.ErrorCodeValidation, err.Error())
	}

	message, err := h.engine.Edit(requestContext(c), identityID, c.Params("messageId"), payload.Text)
	if err != nil {
		return sendServiceError(c, h.logger, err, "message edit")
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *MessageHandler) delete(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	event, err := h.engine.Delete(requestContext(c), identityID, c.Params("messageId"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "message delete")
	}
	return utils.SendSuccess(c, "message deleted", event)
}
