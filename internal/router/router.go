package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/service"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	RoomHandler         *handler.RoomHandler
	MessageHandler      *handler.MessageHandler
	NotificationHandler *handler.NotificationHandler
	SettingsHandler     *handler.SettingsHandler
	UploadHandler       *handler.UploadHandler
	Presence            service.PresenceRegistry
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Presence))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	protected := []fiber.Handler{jwtMiddleware, middleware.RequireIdentity()}

	chat := api.Group("/chat", protected...)
	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(chat)
	}
	if deps.RoomHandler != nil {
		deps.RoomHandler.Register(chat)
	}
	if deps.MessageHandler != nil {
		deps.MessageHandler.Register(chat)
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications", protected...))
	}

	if deps.SettingsHandler != nil {
		deps.SettingsHandler.Register(api.Group("/settings", protected...))
	}

	// Uploads are rate limited per identity
	if deps.UploadHandler != nil {
		uploads := api.Group("/uploads", append(protected, middleware.RateLimit("uploads", cfg.RateLimitMax, cfg.RateLimitWindow))...)
		deps.UploadHandler.Register(uploads)
	}
}
