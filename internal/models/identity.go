package models

import "time"

// Identity is a chat participant as known to the messaging core. Profiles are owned by the
// account system; the core keeps a copy refreshed from verified tokens.
type Identity struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	DisplayName string     `gorm:"size:255;not null" json:"display_name"`
	AvatarURL   string     `gorm:"size:512" json:"avatar_url"`
	Online      bool       `gorm:"not null;default:false" json:"online"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IdentitySettings stores per-identity notification preferences.
type IdentitySettings struct {
	IdentityID          string    `gorm:"primaryKey;size:64" json:"identity_id"`
	NotificationPreview bool      `gorm:"not null" json:"notification_preview"`
	NotificationSound   bool      `gorm:"not null" json:"notification_sound"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultIdentitySettings returns the settings applied when none were stored.
func DefaultIdentitySettings(identityID string) IdentitySettings {
	return IdentitySettings{
		IdentityID:          identityID,
		NotificationPreview: true,
		NotificationSound:   true,
	}
}
