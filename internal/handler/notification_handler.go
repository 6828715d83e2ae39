package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// NotificationHandler exposes the unread ledger and notification feed.
type NotificationHandler struct {
	service   service.NotificationService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(notifications service.NotificationService, validate *validator.Validate, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service:   notifications,
		validator: validate,
		logger:    logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Post("/read", h.markRead)
	router.Post("/chats/:chatId/read", h.markChatRead)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	snapshot, err := h.service.Snapshot(requestContext(c), identityID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "notification lookup")
	}
	return utils.SendSuccess(c, "notifications", snapshot)
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	var payload dto.MarkNotificationsReadRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.ErrorCodeValidation, err.Error())
	}

	snapshot, err := h.service.MarkRead(requestContext(c), identityID, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "notification update")
	}
	return utils.SendSuccess(c, "notifications marked read", snapshot)
}

func (h *NotificationHandler) markChatRead(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	update, err := h.service.MarkChatRead(requestContext(c), identityID, c.Params("chatId"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "chat read")
	}
	return utils.SendSuccess(c, "chat marked read", update)
}
