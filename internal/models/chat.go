package models

import (
	"time"

	"gorm.io/datatypes"
)

// Room kinds.
const (
	RoomKindGeneral = "general"
	RoomKindPrivate = "private"
	RoomKindGroup   = "group"
)

// GeneralRoomID is the identifier of the room every identity belongs to.
const GeneralRoomID = "general"

// Member roles within a group.
const (
	RoomRoleAdmin  = "admin"
	RoomRoleMember = "member"
)

// Message kinds.
const (
	MessageKindText   = "text"
	MessageKindImage  = "image"
	MessageKindVideo  = "video"
	MessageKindFile   = "file"
	MessageKindSystem = "system"
)

// Room is a scope of message exchange.
type Room struct {
	ID             string            `gorm:"primaryKey;size:160" json:"id"`
	Kind           string            `gorm:"size:16;index;not null" json:"kind"`
	Name           string            `gorm:"size:255" json:"name"`
	AvatarURL      string            `gorm:"size:512" json:"avatar_url"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedBy      string            `gorm:"size:64" json:"created_by"`
	LastSeq        int64             `gorm:"not null;default:0" json:"last_seq"`
	LastActivityAt time.Time         `gorm:"index" json:"last_activity_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Members        []RoomMember      `gorm:"foreignKey:RoomID" json:"members,omitempty"`
}

// RoomMember records group membership. Private rooms keep both participants here so they
// can be listed; their membership is still derived from the room id. The general room has
// no rows.
type RoomMember struct {
	RoomID     string    `gorm:"primaryKey;size:160" json:"room_id"`
	IdentityID string    `gorm:"primaryKey;size:64;index" json:"identity_id"`
	Role       string    `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Message is a single entry in a room's append-only log.
type Message struct {
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	RoomID        string     `gorm:"size:160;not null;uniqueIndex:idx_room_seq,priority:1" json:"room_id"`
	Seq           int64      `gorm:"not null;uniqueIndex:idx_room_seq,priority:2" json:"seq"`
	SenderID      string     `gorm:"size:64;index;not null" json:"sender_id"`
	Kind          string     `gorm:"size:16;not null;default:text" json:"kind"`
	Text          string     `gorm:"type:text" json:"text"`
	MediaURL      string     `gorm:"size:512" json:"media_url"`
	MediaName     string     `gorm:"size:255" json:"media_name"`
	MediaSize     int64      `json:"media_size"`
	MediaMimeType string     `gorm:"size:128" json:"media_mime_type"`
	MediaCategory string     `gorm:"size:16" json:"media_category"`
	ReplyToID     *string    `gorm:"size:64" json:"reply_to_id"`
	Edited        bool       `gorm:"not null;default:false" json:"edited"`
	EditedAt      *time.Time `json:"edited_at"`
	Deleted       bool       `gorm:"not null;default:false;index" json:"deleted"`
	DeletedAt     *time.Time `json:"deleted_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasMedia reports whether the message carries a content reference.
func (m Message) HasMedia() bool {
	return m.MediaURL != ""
}

// MessageReceipt tracks delivery and read state for one (message, recipient) pair.
type MessageReceipt struct {
	MessageID   string     `gorm:"primaryKey;size:64" json:"message_id"`
	IdentityID  string     `gorm:"primaryKey;size:64;index" json:"identity_id"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `gorm:"index" json:"read_at"`
}
