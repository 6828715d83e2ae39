package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// RoomHandler exposes room listing and group administration.
type RoomHandler struct {
	rooms     service.RoomDirectory
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewRoomHandler constructs a room handler.
func NewRoomHandler(rooms service.RoomDirectory, validate *validator.Validate, logger zerolog.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:     rooms,
		validator: validate,
		logger:    logger.With().Str("component", "room_handler").Logger(),
	}
}

// Register binds room and group routes.
func (h *RoomHandler) Register(router fiber.Router) {
	router.Get("/rooms", h.list)
	router.Post("/groups", h.createGroup)
	router.Get("/groups/:roomId", h.get)
	router.Post("/groups/:roomId/members", h.addMember)
	router.Delete("/groups/:roomId/members/:userId", h.removeMember)
}

func (h *RoomHandler) list(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	rooms, err := h.rooms.ListRooms(requestContext(c), identityID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "room listing")
	}
	return utils.SendSuccess(c, "chat rooms", rooms)
}

func (h *RoomHandler) createGroup(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	var payload dto.CreateGroupRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.ErrorCodeValidation, err.Error())
	}

	room, err := h.rooms.CreateGroup(requestContext(c), identityID, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "group creation")
	}

	requestLogger(h.logger, c).Info().Str("room_id", room.ID).Str("identity_id", identityID).Msg("group created")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", room)
}

func (h *RoomHandler) get(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	ctx := requestContext(c)
	roomID := c.Params("roomId")
	if err := h.rooms.Authorize(ctx, roomID, identityID); err != nil {
		return sendServiceError(c, h.logger, err, "group lookup")
	}

	room, err := h.rooms.Get(ctx, roomID, identityID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "group lookup")
	}
	return utils.SendSuccess(c, "group", room)
}

func (h *RoomHandler) addMember(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	var payload dto.AddMemberRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.ErrorCodeValidation, err.Error())
	}

	room, err := h.rooms.AddMember(requestContext(c), identityID, c.Params("roomId"), payload.IdentityID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "member add")
	}
	return utils.SendSuccess(c, "member added", room)
}

func (h *RoomHandler) removeMember(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	room, err := h.rooms.RemoveMember(requestContext(c), identityID, c.Params("roomId"), c.Params("userId"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "member removal")
	}
	return utils.SendSuccess(c, "member removed", room)
}
