package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	chatMaxFrameBytes = 64 * 1024
	chatWriteWait     = 10 * time.Second
)

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	IdentityID    string
	DisplayName   string
	AvatarURL     string
	CorrelationID string
	Context       context.Context
}

// ChatService manages websocket chat connections and routes their events.
type ChatService interface {
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
	Start(ctx context.Context)
}

type chatService struct {
	identities repository.IdentityRepository
	presence   PresenceRegistry
	rooms      RoomDirectory
	engine     DeliveryEngine
	typing     TypingBroadcaster
	validator  *validator.Validate
	logger     zerolog.Logger
	cfg        config.ChatConfig
}

type chatClient struct {
	id      string
	conn    *websocket.Conn
	send    chan dto.Event
	options ChatConnectionOptions
	service *chatService
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
}

// NewChatService creates the websocket gateway and subscribes the engine to roster changes.
func NewChatService(identities repository.IdentityRepository, presence PresenceRegistry, rooms RoomDirectory, engine DeliveryEngine, typing TypingBroadcaster, validate *validator.Validate, cfg config.ChatConfig, logger zerolog.Logger) ChatService {
	presence.OnChange(engine.RelayRoster)

	return &chatService{
		identities: identities,
		presence:   presence,
		rooms:      rooms,
		engine:     engine,
		typing:     typing,
		validator:  validate,
		logger:     logger.With().Str("component", "chat_service").Logger(),
		cfg:        cfg.WithDefaults(),
	}
}

func (s *chatService) Start(ctx context.Context) {
	s.engine.Start(ctx)
}

func (s *chatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	identity, err := s.upsertIdentity(baseCtx, opts)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity_id", opts.IdentityID).Msg("rejecting chat connection")
		_ = conn.WriteJSON(dto.NewEvent(dto.EventMessageError, dto.MessageError{Code: ErrorCode(err), Message: err.Error()}))
		_ = conn.Close()
		return
	}
	opts.IdentityID = identity.ID

	client := &chatClient{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan dto.Event, s.cfg.SendBuffer),
		options: opts,
		service: s,
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
	}

	self := dto.NewIdentityResponse(identity)
	self.Online = true
	_ = client.Send(dto.NewEvent(dto.EventUserJoined, self))

	s.typing.ClearIdentity(identity.ID)
	if _, err := s.presence.Register(baseCtx, identity, client); err != nil {
		s.logger.Warn().Err(err).Str("identity_id", identity.ID).Msg("presence registration failed")
		client.close()
		return
	}
	observability.ChatConnectionsActive().Inc()
	s.logger.Debug().Str("identity_id", identity.ID).Str("connection_id", client.id).Msg("chat client connected")

	history, err := s.engine.History(baseCtx, identity.ID, models.GeneralRoomID, 1, s.cfg.HistoryPageSize)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity_id", identity.ID).Msg("failed to load general history")
	} else {
		_ = client.Send(dto.NewEvent(dto.EventMessageHistory, history))
	}

	go client.writer()
	client.reader()
}

func (s *chatService) upsertIdentity(ctx context.Context, opts ChatConnectionOptions) (models.Identity, error) {
	if err := ValidateIdentityID(opts.IdentityID); err != nil {
		return models.Identity{}, err
	}

	identity := models.Identity{
		ID:          opts.IdentityID,
		DisplayName: strings.TrimSpace(opts.DisplayName),
		AvatarURL:   strings.TrimSpace(opts.AvatarURL),
	}

	existing, err := s.identities.FindByID(ctx, opts.IdentityID)
	switch {
	case err == nil:
		if identity.DisplayName == "" {
			identity.DisplayName = existing.DisplayName
		}
		if identity.AvatarURL == "" {
			identity.AvatarURL = existing.AvatarURL
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return models.Identity{}, err
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.ID
	}

	if err := s.identities.Upsert(ctx, &identity); err != nil {
		return models.Identity{}, err
	}
	return s.identities.FindByID(ctx, identity.ID)
}

func (s *chatService) disconnect(client *chatClient) {
	ctx := context.Background()
	identityID := client.options.IdentityID

	_, removed, err := s.presence.Unregister(ctx, identityID, client)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity_id", identityID).Msg("failed to build roster after disconnect")
	}
	if removed {
		s.typing.ClearIdentity(identityID)
	}

	observability.ChatConnectionsActive().Dec()
	s.logger.Debug().Str("identity_id", identityID).Str("connection_id", client.id).Bool("current", removed).Msg("chat client disconnected")
}

func (s *chatService) dispatch(ctx context.Context, client *chatClient, envelope dto.InboundEvent) {
	identityID := client.options.IdentityID

	switch envelope.Event {
	case dto.EventSendMessage:
		var payload dto.SendMessageRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, payload.TargetRoom(), payload.ClientTempID)
			return
		}
		_, err := s.engine.Send(ctx, SendRequest{
			RoomID:        payload.TargetRoom(),
			SenderID:      identityID,
			Content:       payload.Content,
			ClientTempID:  payload.ClientTempID,
			ReplyToID:     payload.ReplyToID,
			CorrelationID: client.options.CorrelationID,
		})
		if err != nil {
			client.sendError(envelope.Event, err, payload.TargetRoom(), payload.ClientTempID)
		}

	case dto.EventTyping:
		var payload dto.TypingRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		if err := s.typing.SetTyping(ctx, payload.TargetRoom(), identityID, payload.IsTyping); err != nil {
			client.sendError(envelope.Event, err, payload.TargetRoom(), "")
		}

	case dto.EventMarkMessageRead:
		var payload dto.MarkMessageReadRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		if _, err := s.engine.MarkRead(ctx, identityID, payload.RoomID, []string{payload.MessageID}); err != nil {
			client.sendError(envelope.Event, err, payload.RoomID, "")
		}

	case dto.EventMarkMessagesRead:
		var payload dto.MarkMessagesReadRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		if _, err := s.engine.MarkRead(ctx, identityID, payload.TargetRoom(), payload.MessageIDs); err != nil {
			client.sendError(envelope.Event, err, payload.TargetRoom(), "")
		}

	case dto.EventMarkChatRead:
		var payload dto.MarkChatReadRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		if _, err := s.engine.MarkChatRead(ctx, identityID, payload.ChatID); err != nil {
			client.sendError(envelope.Event, err, payload.ChatID, "")
		}

	case dto.EventGetPrivateHistory:
		var payload dto.PrivateHistoryRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		history, err := s.engine.PrivateHistory(ctx, identityID, payload.Target(), payload.Page, payload.PageSize)
		if err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		client.push(dto.NewEvent(dto.EventPrivateHistory, history))

	case dto.EventGetGroupHistory, dto.EventGetHistory:
		var payload dto.RoomHistoryRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		history, err := s.engine.History(ctx, identityID, payload.TargetRoom(), payload.Page, payload.PageSize)
		if err != nil {
			client.sendError(envelope.Event, err, payload.TargetRoom(), "")
			return
		}
		name := dto.EventGroupHistory
		if envelope.Event == dto.EventGetHistory {
			name = dto.EventMessageHistory
		}
		client.push(dto.NewEvent(name, history))

	case dto.EventJoinGroup:
		var payload dto.RoomSubscriptionRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		room := payload.TargetRoom()
		if err := s.rooms.Authorize(ctx, room, identityID); err != nil {
			client.sendError(envelope.Event, err, room, "")
			return
		}
		s.presence.SetFocus(identityID, room)

	case dto.EventLeaveGroup:
		var payload dto.RoomSubscriptionRequest
		if err := s.decode(envelope.Data, &payload); err != nil {
			client.sendError(envelope.Event, err, "", "")
			return
		}
		if room := payload.TargetRoom(); room != "" && s.presence.Focus(identityID) == room {
			s.presence.SetFocus(identityID, "")
		}

	case dto.EventHeartbeat:
		client.push(dto.NewEvent(dto.EventHeartbeatAck, dto.HeartbeatAck{ServerTime: time.Now().UTC()}))

	default:
		client.sendError(envelope.Event, fmt.Errorf("%w: unknown event %q", ErrUnsupportedOperation, envelope.Event), "", "")
	}
}

func (s *chatService) decode(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if err := s.validator.Struct(target); err != nil {
		return validationError(err)
	}
	return nil
}

func (c *chatClient) ID() string {
	return c.id
}

// Send enqueues event without blocking. A full queue drops the event.
func (c *chatClient) Send(event dto.Event) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: connection closed", ErrDelivery)
	default:
	}

	select {
	case c.send <- event:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrDelivery)
	}
}

func (c *chatClient) Close() error {
	c.close()
	return nil
}

func (c *chatClient) push(event dto.Event) {
	if err := c.Send(event); err != nil {
		observability.ChatPushFailures().WithLabelValues(event.Event).Inc()
		c.service.logger.Warn().Err(err).Str("event", event.Event).Str("identity_id", c.options.IdentityID).Msg("dropping reply for slow client")
	}
}

func (c *chatClient) sendError(event string, err error, roomID, clientTempID string) {
	code := ErrorCode(err)
	message := err.Error()
	if code == ErrorCodeInternal {
		c.service.logger.Error().Err(err).Str("event", event).Str("identity_id", c.options.IdentityID).Msg("chat event failed")
		message = "internal error"
	} else {
		c.service.logger.Debug().Err(err).Str("event", event).Str("identity_id", c.options.IdentityID).Msg("chat event rejected")
	}

	c.push(dto.NewEvent(dto.EventMessageError, dto.MessageError{
		Code:         code,
		Message:      message,
		Event:        event,
		RoomID:       roomID,
		ClientTempID: clientTempID,
	}))
}

func (c *chatClient) reader() {
	defer c.service.disconnect(c)
	defer c.close()

	idle := c.service.cfg.IdleTimeout
	c.conn.SetReadLimit(chatMaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.service.logger.Debug().Err(err).Str("identity_id", c.options.IdentityID).Msg("chat read loop ended")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		c.service.presence.Touch(c.options.IdentityID)

		var envelope dto.InboundEvent
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			c.service.logger.Debug().Err(err).Msg("malformed chat frame")
			c.sendError("", fmt.Errorf("%w: malformed event frame", ErrValidation), "", "")
			continue
		}

		c.service.dispatch(c.baseCtx, c, envelope)
	}
}

func (c *chatClient) writer() {
	ticker := time.NewTicker(c.service.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
