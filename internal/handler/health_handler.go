package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Online      int       `json:"online"`
}

// HealthCheck returns a handler that reports application health information, including how
// many identities hold a connection on this node.
func HealthCheck(cfg config.Config, presence service.PresenceRegistry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if presence != nil {
			payload.Online = len(presence.OnlineIDs())
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
