package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

const localRequestContext = "request_ctx"

// ChatHandler wires the websocket upgrade, the roster and room history.
type ChatHandler struct {
	service  service.ChatService
	engine   service.DeliveryEngine
	presence service.PresenceRegistry
	logger   zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(chat service.ChatService, engine service.DeliveryEngine, presence service.PresenceRegistry, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:  chat,
		engine:   engine,
		presence: presence,
		logger:   logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals(localRequestContext, requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/users", h.roster)
	router.Get("/rooms/:roomId/messages", h.history)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	identityID := localConnString(conn, middleware.LocalIdentityID)
	if identityID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals(localRequestContext).(context.Context)
	opts := service.ChatConnectionOptions{
		IdentityID:    identityID,
		DisplayName:   localConnString(conn, middleware.LocalDisplayName),
		AvatarURL:     localConnString(conn, middleware.LocalAvatarURL),
		CorrelationID: localConnString(conn, "correlation_id"),
		Context:       baseCtx,
	}

	h.logger.Info().Str("identity_id", identityID).Str("correlation_id", opts.CorrelationID).Msg("chat websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("identity_id", identityID).Str("correlation_id", opts.CorrelationID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) roster(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	roster, err := h.presence.Roster(requestContext(c), identityID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "roster lookup")
	}

	return utils.SendSuccess(c, "chat users", roster)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	identityID := identityIDFromContext(c)
	if identityID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "identity not authenticated")
	}

	page, err := parseQueryInt(c, "page")
	if err != nil || page < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil || pageSize < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page_size")
	}

	history, err := h.engine.History(requestContext(c), identityID, c.Params("roomId"), page, pageSize)
	if err != nil {
		return sendServiceError(c, h.logger, err, "history lookup")
	}

	return utils.SendSuccess(c, "chat history", history)
}

func localConnString(conn *websocket.Conn, key string) string {
	if value, ok := conn.Locals(key).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
