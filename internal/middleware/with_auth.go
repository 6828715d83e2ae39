package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// Identity is the verified caller attached to a request.
type Identity struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	RequireIdentity bool
}

// WithAuth wraps a handler so it only runs for requests carrying a verified identity, unless
// RequireIdentity is explicitly disabled.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if opts.RequireIdentity && IdentityFromContext(c).ID == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		return handler(c)
	}
}

// RequireIdentity is WithAuth as a route middleware.
func RequireIdentity() fiber.Handler {
	return WithAuth(func(c *fiber.Ctx) error { return c.Next() }, AuthOptions{RequireIdentity: true})
}

// IdentityFromContext returns the identity attached by JWTProtected.
func IdentityFromContext(c *fiber.Ctx) Identity {
	return Identity{
		ID:          localString(c, LocalIdentityID),
		DisplayName: localString(c, LocalDisplayName),
		AvatarURL:   localString(c, LocalAvatarURL),
	}
}

func localString(c *fiber.Ctx, key string) string {
	if c == nil {
		return ""
	}
	if value, ok := c.Locals(key).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
