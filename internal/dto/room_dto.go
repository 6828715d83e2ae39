package dto

import (
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// CreateGroupRequest creates a named group. Name length rules are enforced by the room
// directory so that the socket and HTTP paths report the same error.
type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description" validate:"omitempty,max=500"`
	Icon        string   `json:"icon" validate:"omitempty,max=16"`
	AvatarURL   string   `json:"avatar" validate:"omitempty,url,max=512"`
	MemberIDs   []string `json:"members" validate:"omitempty,max=500,dive,required,max=64"`
}

// AddMemberRequest adds an identity to a group.
type AddMemberRequest struct {
	IdentityID string `json:"userId" validate:"required,max=64"`
}

// RoomMemberResponse describes a resolved member of a room.
type RoomMemberResponse struct {
	IdentityResponse
	Role string `json:"role"`
}

// MessagePreview summarises the latest message of a room.
type MessagePreview struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomResponse describes a room as seen by one identity.
type RoomResponse struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	Name           string                 `json:"name"`
	AvatarURL      string                 `json:"avatar,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedBy      string                 `json:"createdBy,omitempty"`
	MemberCount    int                    `json:"memberCount"`
	IsAdmin        bool                   `json:"isAdmin"`
	Members        []RoomMemberResponse   `json:"members,omitempty"`
	LastMessage    *MessagePreview        `json:"lastMessage,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
}

// NewRoomResponse converts a room model into a DTO without members.
func NewRoomResponse(room models.Room) RoomResponse {
	response := RoomResponse{
		ID:             room.ID,
		Kind:           room.Kind,
		Name:           room.Name,
		AvatarURL:      room.AvatarURL,
		CreatedBy:      room.CreatedBy,
		CreatedAt:      room.CreatedAt,
		LastActivityAt: room.LastActivityAt,
	}
	if len(room.Metadata) > 0 {
		response.Metadata = make(map[string]interface{}, len(room.Metadata))
		for key, value := range room.Metadata {
			response.Metadata[key] = value
		}
	}
	return response
}

// NewMessagePreview summarises a message for room listings.
func NewMessagePreview(message models.Message) *MessagePreview {
	return &MessagePreview{
		ID:        message.ID,
		SenderID:  message.SenderID,
		Kind:      message.Kind,
		Text:      message.Text,
		CreatedAt: message.CreatedAt,
	}
}
