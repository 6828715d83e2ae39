package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/service"
)

var stackCounter atomic.Int64

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type chatStack struct {
	identities    repository.IdentityRepository
	validate      *validator.Validate
	presence      service.PresenceRegistry
	rooms         service.RoomDirectory
	engine        service.DeliveryEngine
	ledger        service.UnreadLedger
	typing        service.TypingBroadcaster
	chat          service.ChatService
	notifications service.NotificationService
	settings      service.SettingsService
}

func newChatStack(t *testing.T, ids ...string) *chatStack {
	t.Helper()

	db, err := database.ConnectSQLite(fmt.Sprintf("file:chat_handler_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), stackCounter.Add(1)))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Identity{},
		&models.IdentitySettings{},
		&models.Room{},
		&models.RoomMember{},
		&models.Message{},
		&models.MessageReceipt{},
		&models.UploadRecord{},
	))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := zerolog.Nop()
	cfg := config.DefaultChatConfig()
	s := &chatStack{
		identities: repository.NewIdentityRepository(db),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		ledger:     service.NewMemoryUnreadLedger(cfg.NotificationFeedCap),
	}
	roomRepo := repository.NewRoomRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	s.presence = service.NewPresenceRegistry(s.identities, logger)
	s.rooms = service.NewRoomDirectory(roomRepo, s.identities, messageRepo, s.validate, logger)
	store := service.NewMessageStore(messageRepo, s.identities, s.validate, cfg.MessageMaxLength, cfg.HistoryPageSize, logger)
	s.engine = service.NewDeliveryEngine(s.rooms, store, s.presence, s.ledger, s.identities, nil, "", nil, logger)
	s.typing = service.NewTypingBroadcaster(s.rooms, s.presence, s.identities, s.engine, cfg.TypingQuietWindow, logger)
	s.chat = service.NewChatService(s.identities, s.presence, s.rooms, s.engine, s.typing, s.validate, cfg, logger)
	s.notifications = service.NewNotificationService(s.ledger, s.engine, logger)
	s.settings = service.NewSettingsService(s.identities, logger)

	require.NoError(t, s.rooms.EnsureGeneral(context.Background()))
	for _, id := range ids {
		identity := models.Identity{ID: id, DisplayName: id}
		require.NoError(t, s.identities.Upsert(context.Background(), &identity))
	}
	return s
}

// asIdentity stands in for the JWT middleware.
func asIdentity(id string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id != "" {
			c.Locals(middleware.LocalIdentityID, id)
		}
		return c.Next()
	}
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

func decodeEnvelope(t *testing.T, resp *http.Response, data interface{}) apiEnvelope {
	t.Helper()
	var envelope apiEnvelope
	decodeResponse(t, resp, &envelope)
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return envelope
}
