package dto

import "time"

// Notification record types.
const (
	NotificationTypeMessage = "message"
)

// NotificationRecord is a single entry of a recipient's notification feed.
type NotificationRecord struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ChatID      string    `json:"chatId"`
	ChatName    string    `json:"chatName"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	Preview     string    `json:"preview"`
	MessageKind string    `json:"messageKind"`
	Timestamp   time.Time `json:"timestamp"`
	Read        bool      `json:"read"`
}

// LedgerSnapshot is the full unread state of one recipient.
type LedgerSnapshot struct {
	PerChat       map[string]int64     `json:"perChat"`
	GrandTotal    int64                `json:"totalUnread"`
	Notifications []NotificationRecord `json:"notifications"`
}

// MarkNotificationsReadRequest marks feed entries read; empty ids marks the whole feed.
type MarkNotificationsReadRequest struct {
	IDs []string `json:"notificationIds" validate:"omitempty,max=100,dive,required,max=64"`
}

// SettingsUpdateRequest updates notification preferences.
type SettingsUpdateRequest struct {
	NotificationPreview *bool `json:"notificationPreview"`
	NotificationSound   *bool `json:"notificationSound"`
}

// SettingsResponse describes stored notification preferences.
type SettingsResponse struct {
	NotificationPreview bool      `json:"notificationPreview"`
	NotificationSound   bool      `json:"notificationSound"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// UploadResponse describes a stored media asset.
type UploadResponse struct {
	MediaRef
	Checksum string `json:"checksum"`
}
