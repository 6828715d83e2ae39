package dto

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// Inbound event names consumed by the chat gateway.
const (
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
	EventMarkMessageRead   = "mark-message-read"
	EventMarkMessagesRead  = "mark-messages-read"
	EventMarkChatRead      = "mark-chat-read"
	EventGetPrivateHistory = "get-private-messages"
	EventGetGroupHistory   = "get-group-messages"
	EventGetHistory        = "message-history"
	EventJoinGroup         = "join-group"
	EventLeaveGroup        = "leave-group"
	EventHeartbeat         = "heartbeat"
)

// Outbound event names pushed to connections.
const (
	EventUserJoined          = "user-joined"
	EventOnlineUsers         = "online-users"
	EventUserOnline          = "user-online"
	EventUserOffline         = "user-offline"
	EventMessageHistory      = "message-history"
	EventPrivateHistory      = "private-message-history"
	EventGroupHistory        = "group-message-history"
	EventNewMessage          = "new-message"
	EventMessageDelivered    = "message-delivered"
	EventMessageStatusUpdate = "message-status-update"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventUserTyping          = "user-typing"
	EventNotificationUpdate  = "notification-update"
	EventMessageError        = "message-error"
	EventHeartbeatAck        = "heartbeat-ack"
)

// Delivery states observed per (message, recipient).
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// InboundEvent is the envelope clients send over the websocket.
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is the envelope pushed to clients.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// NewEvent builds an outbound envelope.
func NewEvent(name string, data interface{}) Event {
	return Event{Event: name, Data: data}
}

// MediaRef is the stable reference returned by media storage.
type MediaRef struct {
	URL       string `json:"url" validate:"required,url,max=512"`
	FileName  string `json:"fileName" validate:"omitempty,max=255"`
	SizeBytes int64  `json:"sizeBytes" validate:"omitempty,min=0"`
	MimeType  string `json:"mimeType" validate:"omitempty,max=128"`
	Category  string `json:"category" validate:"omitempty,oneof=image video file"`
}

// MessageContent is the body of a send request.
type MessageContent struct {
	Kind  string    `json:"kind" validate:"omitempty,oneof=text image video file system"`
	Text  string    `json:"text"`
	Media *MediaRef `json:"mediaRef,omitempty"`
}

// SendMessageRequest is the payload of send-message.
type SendMessageRequest struct {
	RoomID       string         `json:"roomId"`
	ChatID       string         `json:"chatId"`
	Content      MessageContent `json:"content"`
	ClientTempID string         `json:"clientTempId" validate:"omitempty,max=128"`
	ReplyToID    string         `json:"replyToId" validate:"omitempty,max=64"`
}

// TargetRoom resolves roomId|chatId, defaulting to the general room.
func (r SendMessageRequest) TargetRoom() string {
	return firstNonEmpty(r.RoomID, r.ChatID, models.GeneralRoomID)
}

// TypingRequest is the payload of typing.
type TypingRequest struct {
	RoomID   string `json:"roomId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// TargetRoom resolves roomId|chatId, defaulting to the general room.
func (r TypingRequest) TargetRoom() string {
	return firstNonEmpty(r.RoomID, r.ChatID, models.GeneralRoomID)
}

// MarkMessageReadRequest is the payload of mark-message-read. Clients may also send the bare
// message id as a JSON string.
type MarkMessageReadRequest struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
	RoomID    string `json:"roomId"`
}

// UnmarshalJSON accepts both {"messageId": "..."} and "...".
func (r *MarkMessageReadRequest) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.MessageID = id
		return nil
	}
	type alias MarkMessageReadRequest
	var payload alias
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	*r = MarkMessageReadRequest(payload)
	return nil
}

// MarkMessagesReadRequest is the payload of mark-messages-read.
type MarkMessagesReadRequest struct {
	MessageIDs []string `json:"messageIds" validate:"required,min=1,max=200,dive,required,max=64"`
	RoomID     string   `json:"roomId"`
	Room       string   `json:"room"`
}

// TargetRoom resolves roomId|room.
func (r MarkMessagesReadRequest) TargetRoom() string {
	return firstNonEmpty(r.RoomID, r.Room)
}

// MarkChatReadRequest is the payload of mark-chat-read.
type MarkChatReadRequest struct {
	ChatID string `json:"chatId" validate:"required,max=160"`
}

// PrivateHistoryRequest is the payload of get-private-messages.
type PrivateHistoryRequest struct {
	TargetIdentityID string `json:"targetIdentityId"`
	TargetUserID     string `json:"targetUserId"`
	Page             int    `json:"page" validate:"omitempty,min=1"`
	PageSize         int    `json:"pageSize" validate:"omitempty,min=1,max=100"`
}

// Target resolves targetIdentityId|targetUserId.
func (r PrivateHistoryRequest) Target() string {
	return firstNonEmpty(r.TargetIdentityID, r.TargetUserID)
}

// RoomHistoryRequest is the payload of get-group-messages and message-history.
type RoomHistoryRequest struct {
	RoomID   string `json:"roomId"`
	GroupID  string `json:"groupId"`
	Page     int    `json:"page" validate:"omitempty,min=1"`
	PageSize int    `json:"pageSize" validate:"omitempty,min=1,max=100"`
}

// TargetRoom resolves roomId|groupId, defaulting to the general room.
func (r RoomHistoryRequest) TargetRoom() string {
	return firstNonEmpty(r.RoomID, r.GroupID, models.GeneralRoomID)
}

// RoomSubscriptionRequest is the payload of join-group and leave-group.
type RoomSubscriptionRequest struct {
	RoomID  string `json:"roomId"`
	GroupID string `json:"groupId"`
}

// TargetRoom resolves roomId|groupId.
func (r RoomSubscriptionRequest) TargetRoom() string {
	return firstNonEmpty(r.RoomID, r.GroupID)
}

// EditMessageRequest updates the text of a message.
type EditMessageRequest struct {
	Text string `json:"text" validate:"required,min=1"`
}

// IdentityResponse is a public view of an identity, also used as a roster entry.
type IdentityResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatar,omitempty"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"lastSeen,omitempty"`
}

// NewIdentityResponse converts a model into a DTO.
func NewIdentityResponse(identity models.Identity) IdentityResponse {
	return IdentityResponse{
		ID:          identity.ID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Online:      identity.Online,
		LastSeenAt:  identity.LastSeenAt,
	}
}

// MessageResponse is the serialized representation of a chat message.
type MessageResponse struct {
	ID           string               `json:"id"`
	RoomID       string               `json:"roomId"`
	Seq          int64                `json:"seq"`
	SenderID     string               `json:"senderId"`
	Sender       *IdentityResponse    `json:"sender,omitempty"`
	Kind         string               `json:"kind"`
	Text         string               `json:"text"`
	Media        *MediaRef            `json:"mediaRef,omitempty"`
	ReplyToID    string               `json:"replyToId,omitempty"`
	Edited       bool                 `json:"edited"`
	EditedAt     *time.Time           `json:"editedAt,omitempty"`
	Deleted      bool                 `json:"deleted"`
	DeletedAt    *time.Time           `json:"deletedAt,omitempty"`
	ReadBy       map[string]time.Time `json:"readBy,omitempty"`
	Status       string               `json:"status,omitempty"`
	ClientTempID string               `json:"clientTempId,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// NewMessageResponse converts a model into a DTO.
func NewMessageResponse(message models.Message) MessageResponse {
	response := MessageResponse{
		ID:        message.ID,
		RoomID:    message.RoomID,
		Seq:       message.Seq,
		SenderID:  message.SenderID,
		Kind:      message.Kind,
		Text:      message.Text,
		Edited:    message.Edited,
		EditedAt:  message.EditedAt,
		Deleted:   message.Deleted,
		DeletedAt: message.DeletedAt,
		CreatedAt: message.CreatedAt,
	}
	if message.ReplyToID != nil {
		response.ReplyToID = *message.ReplyToID
	}
	if message.HasMedia() {
		response.Media = &MediaRef{
			URL:       message.MediaURL,
			FileName:  message.MediaName,
			SizeBytes: message.MediaSize,
			MimeType:  message.MediaMimeType,
			Category:  message.MediaCategory,
		}
	}
	return response
}

// NewMessageResponseSlice converts a slice of models into DTOs.
func NewMessageResponseSlice(messages []models.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageResponse(message))
	}
	return out
}

// HistoryResponse carries one page of a room's history.
type HistoryResponse struct {
	RoomID   string            `json:"roomId"`
	Messages []MessageResponse `json:"messages"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
	Total    int64             `json:"total"`
}

// MessageDeliveredEvent acknowledges a send to its originator.
type MessageDeliveredEvent struct {
	ClientTempID string    `json:"clientTempId,omitempty"`
	MessageID    string    `json:"messageId"`
	RoomID       string    `json:"roomId"`
	Status       string    `json:"status"`
	DeliveredTo  []string  `json:"deliveredTo"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MessageStatusUpdate is the read-receipt pushed to a message's sender.
type MessageStatusUpdate struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Status    string    `json:"status"`
	ReaderID  string    `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}

// MessageDeletedEvent tells room members a message became a tombstone.
type MessageDeletedEvent struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// TypingEvent relays a typing indicator change.
type TypingEvent struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// NotificationUpdate carries unread counters to a recipient.
type NotificationUpdate struct {
	ChatID      string `json:"chatId"`
	UnreadCount int64  `json:"unreadCount"`
	TotalUnread int64  `json:"totalUnread"`
}

// MessageError reports a rejected request to its originator only.
type MessageError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Event        string `json:"event,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// HeartbeatAck answers a client heartbeat.
type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
