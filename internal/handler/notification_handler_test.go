package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/service"
)

func newAccountAPI(stack *chatStack, identityID string) *fiber.App {
	app := fiber.New()
	logger := zerolog.Nop()
	handler.NewNotificationHandler(stack.notifications, stack.validate, logger).Register(app.Group("/api/v1/notifications", asIdentity(identityID)))
	handler.NewSettingsHandler(stack.settings, logger).Register(app.Group("/api/v1/settings", asIdentity(identityID)))
	app.Get("/api/v1/health", handler.HealthCheck(config.Config{AppName: "GEMA Chat", AppEnv: "test"}, stack.presence))
	return app
}

func TestNotificationHandlerFlow(t *testing.T) {
	stack := newChatStack(t, "alice", "bob")
	ctx := context.Background()
	private := service.ResolvePrivateRoomID("alice", "bob")
	for _, roomID := range []string{models.GeneralRoomID, private, private} {
		_, err := stack.engine.Send(ctx, service.SendRequest{RoomID: roomID, SenderID: "alice", Content: dto.MessageContent{Text: "ping"}})
		require.NoError(t, err)
	}

	bob := newAccountAPI(stack, "bob")

	resp := doJSON(t, bob, http.MethodGet, "/api/v1/notifications/", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var snapshot dto.LedgerSnapshot
	decodeEnvelope(t, resp, &snapshot)
	require.Equal(t, int64(3), snapshot.GrandTotal)
	require.Equal(t, int64(2), snapshot.PerChat[private])
	require.Len(t, snapshot.Notifications, 3)

	resp = doJSON(t, bob, http.MethodPost, "/api/v1/notifications/read", dto.MarkNotificationsReadRequest{IDs: []string{snapshot.Notifications[0].ID}})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decodeEnvelope(t, resp, &snapshot)
	require.True(t, snapshot.Notifications[0].Read)
	require.False(t, snapshot.Notifications[2].Read)

	resp = doJSON(t, bob, http.MethodPost, "/api/v1/notifications/chats/"+private+"/read", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var update dto.NotificationUpdate
	decodeEnvelope(t, resp, &update)
	require.Equal(t, dto.NotificationUpdate{ChatID: private, UnreadCount: 0, TotalUnread: 1}, update)

	resp = doJSON(t, bob, http.MethodPost, "/api/v1/notifications/read", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decodeEnvelope(t, resp, &snapshot)
	for _, record := range snapshot.Notifications {
		require.True(t, record.Read)
	}

	resp = doJSON(t, bob, http.MethodPost, "/api/v1/notifications/chats/"+service.ResolvePrivateRoomID("alice", "carol")+"/read", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	anonymous := newAccountAPI(stack, "")
	resp = doJSON(t, anonymous, http.MethodGet, "/api/v1/notifications/", nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestSettingsHandlerRoundTrip(t *testing.T) {
	stack := newChatStack(t, "alice")
	alice := newAccountAPI(stack, "alice")

	resp := doJSON(t, alice, http.MethodGet, "/api/v1/settings/", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var settings dto.SettingsResponse
	decodeEnvelope(t, resp, &settings)
	require.True(t, settings.NotificationPreview)

	off := false
	resp = doJSON(t, alice, http.MethodPut, "/api/v1/settings/", dto.SettingsUpdateRequest{NotificationPreview: &off})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decodeEnvelope(t, resp, &settings)
	require.False(t, settings.NotificationPreview)
	require.True(t, settings.NotificationSound)

	resp = doJSON(t, alice, http.MethodGet, "/api/v1/settings/", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decodeEnvelope(t, resp, &settings)
	require.False(t, settings.NotificationPreview)
}

func TestHealthCheckReportsOnlineCount(t *testing.T) {
	stack := newChatStack(t)
	app := newAccountAPI(stack, "")

	resp := doJSON(t, app, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var health handler.HealthResponse
	decodeEnvelope(t, resp, &health)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "GEMA Chat", health.Service)
	require.Zero(t, health.Online)
}
