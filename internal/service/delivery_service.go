package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	notificationPreviewLength = 100
	hiddenPreviewText         = "New message"
)

// SendRequest is a message submitted by a connected identity.
type SendRequest struct {
	RoomID        string
	SenderID      string
	Content       dto.MessageContent
	ClientTempID  string
	ReplyToID     string
	CorrelationID string
}

// DeliveryEngine persists messages and fans them out to room members.
type DeliveryEngine interface {
	Send(ctx context.Context, req SendRequest) (dto.MessageResponse, error)
	MarkRead(ctx context.Context, readerID, roomID string, messageIDs []string) ([]string, error)
	MarkChatRead(ctx context.Context, identityID, chatID string) (dto.NotificationUpdate, error)
	Edit(ctx context.Context, identityID, messageID, text string) (dto.MessageResponse, error)
	Delete(ctx context.Context, identityID, messageID string) (dto.MessageDeletedEvent, error)
	History(ctx context.Context, identityID, roomID string, page, pageSize int) (dto.HistoryResponse, error)
	PrivateHistory(ctx context.Context, identityID, targetID string, page, pageSize int) (dto.HistoryResponse, error)
	PublishRemote(ctx context.Context, recipients []string, event dto.Event) error
	RelayRoster(event RosterEvent)
	Start(ctx context.Context)
}

type deliveryEngine struct {
	rooms      RoomDirectory
	store      MessageStore
	presence   PresenceRegistry
	ledger     UnreadLedger
	identities repository.IdentityRepository
	relay      *clusterRelay
	logger     zerolog.Logger
	tracer     trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewDeliveryEngine wires the fan-out engine. redisClient and natsConn are optional and only
// used to relay pushes to other nodes.
func NewDeliveryEngine(rooms RoomDirectory, store MessageStore, presence PresenceRegistry, ledger UnreadLedger, identities repository.IdentityRepository, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) DeliveryEngine {
	return &deliveryEngine{
		rooms:      rooms,
		store:      store,
		presence:   presence,
		ledger:     ledger,
		identities: identities,
		relay:      newClusterRelay(redisClient, natsConn, channelBase, logger),
		logger:     logger.With().Str("component", "delivery_engine").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-chat/internal/service/delivery"),
		locks:      make(map[string]*roomLock),
	}
}

func (e *deliveryEngine) Start(ctx context.Context) {
	e.relay.start(ctx, e.handleRelay)
}

func (e *deliveryEngine) Send(ctx context.Context, req SendRequest) (dto.MessageResponse, error) {
	roomID := strings.TrimSpace(req.RoomID)

	attrs := []attribute.KeyValue{
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.sender_id", req.SenderID),
		attribute.String("chat.kind", req.Content.Kind),
	}
	if req.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", req.CorrelationID))
	}
	ctx, span := e.tracer.Start(ctx, "chat.send", trace.WithAttributes(attrs...))
	defer span.End()

	fail := func(err error) (dto.MessageResponse, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		return dto.MessageResponse{}, err
	}

	if err := e.rooms.Authorize(ctx, roomID, req.SenderID); err != nil {
		return fail(err)
	}

	unlock := e.lockRoom(roomID)
	defer unlock()
	if _, _, ok := ParsePrivateRoomID(roomID); ok {
		if err := e.rooms.EnsurePrivateRoom(ctx, roomID); err != nil {
			return fail(err)
		}
	}

	members, err := e.rooms.Members(ctx, roomID)
	if err != nil {
		return fail(err)
	}

	message, err := e.store.Append(ctx, AppendInput{
		RoomID:    roomID,
		SenderID:  req.SenderID,
		Kind:      req.Content.Kind,
		Text:      req.Content.Text,
		Media:     req.Content.Media,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("chat.message_id", message.ID), attribute.Int64("chat.seq", message.Seq))

	snapshot := e.presence.Snapshot(members)
	response := e.messageResponse(ctx, message)
	response.Status = dto.MessageStatusSent

	delivered := make([]string, 0, len(members))
	remote := make([]string, 0)
	for _, id := range members {
		entry, online := snapshot[id]
		if !online {
			if id != req.SenderID {
				remote = append(remote, id)
			}
			continue
		}

		payload := response
		if id == req.SenderID {
			payload.ClientTempID = req.ClientTempID
		} else {
			payload.Status = dto.MessageStatusDelivered
		}

		if err := entry.Transport.Send(dto.NewEvent(dto.EventNewMessage, payload)); err != nil {
			e.pushFailed(dto.EventNewMessage, id, err)
			continue
		}
		if id == req.SenderID {
			continue
		}
		if _, err := e.store.MarkDelivered(ctx, message.ID, id); err != nil {
			e.logger.Warn().Err(err).Str("message_id", message.ID).Str("recipient_id", id).Msg("failed to record delivery")
		}
		delivered = append(delivered, id)
	}

	if entry, online := snapshot[req.SenderID]; online {
		ack := dto.MessageDeliveredEvent{
			ClientTempID: req.ClientTempID,
			MessageID:    message.ID,
			RoomID:       roomID,
			Status:       dto.MessageStatusSent,
			DeliveredTo:  delivered,
			CreatedAt:    message.CreatedAt,
		}
		if len(delivered) > 0 {
			ack.Status = dto.MessageStatusDelivered
		}
		if err := entry.Transport.Send(dto.NewEvent(dto.EventMessageDelivered, ack)); err != nil {
			e.pushFailed(dto.EventMessageDelivered, req.SenderID, err)
		}
	}

	e.recordUnread(ctx, roomID, message, response.Sender, members, snapshot)

	if err := e.relay.publishPush(ctx, remote, dto.NewEvent(dto.EventNewMessage, response)); err != nil {
		e.logger.Warn().Err(err).Str("message_id", message.ID).Msg("failed to relay chat message")
	}

	observability.ChatMessagesSent().WithLabelValues(message.Kind).Inc()
	span.SetAttributes(attribute.Int("chat.delivered", len(delivered)))
	span.SetStatus(codes.Ok, "sent")

	response.ClientTempID = req.ClientTempID
	return response, nil
}

// recordUnread bumps the ledger for every member other than the sender who is offline or not
// viewing the room, and pushes the new counters to those who are connected.
func (e *deliveryEngine) recordUnread(ctx context.Context, roomID string, message models.Message, sender *dto.IdentityResponse, members []string, snapshot map[string]PresenceEntry) {
	senderName := message.SenderID
	if sender != nil && sender.DisplayName != "" {
		senderName = sender.DisplayName
	}

	chatName := senderName
	if _, _, private := ParsePrivateRoomID(roomID); !private {
		if name, err := e.rooms.Name(ctx, roomID, message.SenderID); err == nil {
			chatName = name
		}
	}

	for _, id := range members {
		if id == message.SenderID {
			continue
		}
		entry, online := snapshot[id]
		if online && entry.Focus == roomID {
			continue
		}

		count, total, err := e.ledger.Increment(ctx, id, roomID)
		if err != nil {
			e.logger.Error().Err(err).Str("recipient_id", id).Str("room_id", roomID).Msg("failed to increment unread counter")
			continue
		}
		observability.ChatUnreadIncrements().Inc()

		record := dto.NotificationRecord{
			Type:        dto.NotificationTypeMessage,
			ChatID:      roomID,
			ChatName:    chatName,
			SenderID:    message.SenderID,
			SenderName:  senderName,
			Preview:     e.preview(ctx, id, message),
			MessageKind: message.Kind,
			Timestamp:   message.CreatedAt,
		}
		if err := e.ledger.Record(ctx, id, record); err != nil {
			e.logger.Warn().Err(err).Str("recipient_id", id).Msg("failed to record notification")
		}

		event := dto.NewEvent(dto.EventNotificationUpdate, dto.NotificationUpdate{
			ChatID:      roomID,
			UnreadCount: count,
			TotalUnread: total,
		})
		if !online {
			if err := e.relay.publishPush(ctx, []string{id}, event); err != nil {
				e.logger.Warn().Err(err).Str("recipient_id", id).Msg("failed to relay notification update")
			}
			continue
		}
		if err := entry.Transport.Send(event); err != nil {
			e.pushFailed(dto.EventNotificationUpdate, id, err)
		}
	}
}

func (e *deliveryEngine) preview(ctx context.Context, recipientID string, message models.Message) string {
	settings, err := e.identities.GetSettings(ctx, recipientID)
	if err == nil && !settings.NotificationPreview {
		return hiddenPreviewText
	}

	switch message.Kind {
	case models.MessageKindImage:
		return "Photo"
	case models.MessageKindVideo:
		return "Video"
	case models.MessageKindFile:
		return "File"
	}

	text := message.Text
	if utf8.RuneCountInString(text) > notificationPreviewLength {
		text = string([]rune(text)[:notificationPreviewLength]) + "..."
	}
	return text
}

func (e *deliveryEngine) MarkRead(ctx context.Context, readerID, roomID string, messageIDs []string) ([]string, error) {
	roomID = strings.TrimSpace(roomID)
	ctx, span := e.tracer.Start(ctx, "chat.mark_read", trace.WithAttributes(
		attribute.String("chat.reader_id", readerID),
		attribute.String("chat.room_id", roomID),
		attribute.Int("chat.message_count", len(messageIDs)),
	))
	defer span.End()

	ids := dedupeIDs(messageIDs, "")
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one message id is required", ErrValidation)
	}

	authorised := make(map[string]error)
	authorise := func(room string) error {
		if err, ok := authorised[room]; ok {
			return err
		}
		err := e.rooms.Authorize(ctx, room, readerID)
		authorised[room] = err
		return err
	}

	if roomID != "" {
		if err := authorise(roomID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	newlyRead := make([]string, 0, len(ids))
	var firstErr error
	for _, id := range ids {
		message, err := e.store.Get(ctx, id)
		if err == nil && roomID != "" && message.RoomID != roomID {
			err = fmt.Errorf("%w: message %s belongs to another room", ErrValidation, id)
		}
		if err == nil {
			err = authorise(message.RoomID)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		unlock := e.lockRoom(message.RoomID)
		changed, err := e.store.MarkRead(ctx, id, readerID)
		unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !changed {
			continue
		}

		newlyRead = append(newlyRead, id)
		observability.ChatReadReceipts().Inc()

		e.pushTo(ctx, message.SenderID, dto.NewEvent(dto.EventMessageStatusUpdate, dto.MessageStatusUpdate{
			MessageID: id,
			RoomID:    message.RoomID,
			Status:    dto.MessageStatusRead,
			ReaderID:  readerID,
			ReadAt:    time.Now().UTC(),
		}))
	}

	if len(newlyRead) == 0 && firstErr != nil {
		span.RecordError(firstErr)
		return nil, firstErr
	}
	span.SetAttributes(attribute.Int("chat.newly_read", len(newlyRead)))
	return newlyRead, nil
}

func (e *deliveryEngine) MarkChatRead(ctx context.Context, identityID, chatID string) (dto.NotificationUpdate, error) {
	chatID = strings.TrimSpace(chatID)
	if err := e.rooms.Authorize(ctx, chatID, identityID); err != nil {
		return dto.NotificationUpdate{}, err
	}

	total, err := e.ledger.Clear(ctx, identityID, chatID)
	if err != nil {
		return dto.NotificationUpdate{}, err
	}

	update := dto.NotificationUpdate{ChatID: chatID, UnreadCount: 0, TotalUnread: total}
	e.pushTo(ctx, identityID, dto.NewEvent(dto.EventNotificationUpdate, update))
	return update, nil
}

func (e *deliveryEngine) Edit(ctx context.Context, identityID, messageID, text string) (dto.MessageResponse, error) {
	existing, err := e.store.Get(ctx, messageID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	unlock := e.lockRoom(existing.RoomID)
	defer unlock()

	message, err := e.store.Edit(ctx, messageID, identityID, text)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := e.messageResponse(ctx, message)
	e.fanout(ctx, message.RoomID, dto.NewEvent(dto.EventMessageUpdated, response))
	return response, nil
}

func (e *deliveryEngine) Delete(ctx context.Context, identityID, messageID string) (dto.MessageDeletedEvent, error) {
	existing, err := e.store.Get(ctx, messageID)
	if err != nil {
		return dto.MessageDeletedEvent{}, err
	}

	unlock := e.lockRoom(existing.RoomID)
	defer unlock()

	message, err := e.store.SoftDelete(ctx, messageID, identityID)
	if err != nil {
		return dto.MessageDeletedEvent{}, err
	}

	event := dto.MessageDeletedEvent{MessageID: message.ID, RoomID: message.RoomID}
	if message.DeletedAt != nil {
		event.DeletedAt = *message.DeletedAt
	}
	e.fanout(ctx, message.RoomID, dto.NewEvent(dto.EventMessageDeleted, event))
	return event, nil
}

func (e *deliveryEngine) History(ctx context.Context, identityID, roomID string, page, pageSize int) (dto.HistoryResponse, error) {
	roomID = strings.TrimSpace(roomID)
	if err := e.rooms.Authorize(ctx, roomID, identityID); err != nil {
		return dto.HistoryResponse{}, err
	}
	return e.store.List(ctx, roomID, page, pageSize)
}

func (e *deliveryEngine) PrivateHistory(ctx context.Context, identityID, targetID string, page, pageSize int) (dto.HistoryResponse, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return dto.HistoryResponse{}, fmt.Errorf("%w: target identity is required", ErrValidation)
	}
	exists, err := e.identities.Exists(ctx, targetID)
	if err != nil {
		return dto.HistoryResponse{}, err
	}
	if !exists {
		return dto.HistoryResponse{}, fmt.Errorf("%w: identity %s", ErrNotFound, targetID)
	}
	return e.History(ctx, identityID, ResolvePrivateRoomID(identityID, targetID), page, pageSize)
}

// RelayRoster is registered as a presence listener.
func (e *deliveryEngine) RelayRoster(event RosterEvent) {
	e.relayRosterLocal(event)
	if err := e.relay.publishRoster(context.Background(), event); err != nil {
		e.logger.Warn().Err(err).Str("identity_id", event.Identity.ID).Msg("failed to relay roster change")
	}
}

func (e *deliveryEngine) relayRosterLocal(event RosterEvent) {
	name := dto.EventUserOnline
	if event.Kind == RosterOffline {
		name = dto.EventUserOffline
	}

	online := e.presence.OnlineIDs()
	snapshot := e.presence.Snapshot(online)

	change := dto.NewEvent(name, event.Identity)
	for id, entry := range snapshot {
		if id == event.Identity.ID {
			continue
		}
		if err := entry.Transport.Send(change); err != nil {
			e.pushFailed(name, id, err)
		}
	}

	roster, err := e.presence.Roster(context.Background(), event.Identity.ID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to build roster")
		return
	}
	rosterEvent := dto.NewEvent(dto.EventOnlineUsers, roster)
	for id, entry := range snapshot {
		if err := entry.Transport.Send(rosterEvent); err != nil {
			e.pushFailed(dto.EventOnlineUsers, id, err)
		}
	}
}

func (e *deliveryEngine) handleRelay(envelope relayEnvelope) {
	switch envelope.Kind {
	case relayKindRoster:
		if envelope.Roster != nil {
			e.relayRosterLocal(*envelope.Roster)
		}
	case relayKindPush:
		if envelope.Event == nil {
			return
		}
		event := dto.NewEvent(envelope.Event.Event, envelope.Event.Data)
		for id, entry := range e.presence.Snapshot(envelope.Recipients) {
			if err := entry.Transport.Send(event); err != nil {
				e.pushFailed(event.Event, id, err)
			}
		}
	default:
		e.logger.Debug().Str("kind", envelope.Kind).Msg("ignoring unknown relay envelope")
	}
}

// fanout pushes event to every member of the room connected here and relays it for the rest.
func (e *deliveryEngine) fanout(ctx context.Context, roomID string, event dto.Event) {
	members, err := e.rooms.Members(ctx, roomID)
	if err != nil {
		e.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to resolve room members")
		return
	}

	snapshot := e.presence.Snapshot(members)
	remote := make([]string, 0)
	for _, id := range members {
		entry, online := snapshot[id]
		if !online {
			remote = append(remote, id)
			continue
		}
		if err := entry.Transport.Send(event); err != nil {
			e.pushFailed(event.Event, id, err)
		}
	}

	if err := e.relay.publishPush(ctx, remote, event); err != nil {
		e.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to relay room event")
	}
}

func (e *deliveryEngine) pushTo(ctx context.Context, identityID string, event dto.Event) {
	if transport, ok := e.presence.Transport(identityID); ok {
		if err := transport.Send(event); err != nil {
			e.pushFailed(event.Event, identityID, err)
		}
		return
	}
	if err := e.relay.publishPush(ctx, []string{identityID}, event); err != nil {
		e.logger.Warn().Err(err).Str("identity_id", identityID).Msg("failed to relay event")
	}
}

// PublishRemote hands event to the cluster relay for recipients without a local connection.
func (e *deliveryEngine) PublishRemote(ctx context.Context, recipients []string, event dto.Event) error {
	return e.relay.publishPush(ctx, recipients, event)
}

func (e *deliveryEngine) pushFailed(event, identityID string, err error) {
	observability.ChatPushFailures().WithLabelValues(event).Inc()
	e.logger.Warn().Err(err).Str("event", event).Str("identity_id", identityID).Msg("dropping push to recipient")
}

func (e *deliveryEngine) messageResponse(ctx context.Context, message models.Message) dto.MessageResponse {
	response := dto.NewMessageResponse(message)
	if sender, err := e.identities.FindByID(ctx, message.SenderID); err == nil {
		profile := dto.NewIdentityResponse(sender)
		response.Sender = &profile
	}
	return response
}

// lockRoom serialises mutations of one room. Rooms never share a lock. An entry lives only
// while someone holds or waits for it.
func (e *deliveryEngine) lockRoom(roomID string) func() {
	e.locksMu.Lock()
	lock, ok := e.locks[roomID]
	if !ok {
		lock = &roomLock{}
		e.locks[roomID] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		e.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, roomID)
		}
		e.locksMu.Unlock()
	}
}
