package models

import "time"

// UploadRecord stores metadata about media uploaded for chat messages.
type UploadRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	IdentityID string    `gorm:"size:64;index" json:"identity_id"`
	FileName   string    `gorm:"size:255;not null" json:"file_name"`
	URL        string    `gorm:"size:512;not null" json:"url"`
	MimeType   string    `gorm:"size:128;not null" json:"mime_type"`
	Category   string    `gorm:"size:16;not null" json:"category"`
	SizeBytes  int64     `gorm:"not null" json:"size_bytes"`
	Checksum   string    `gorm:"size:128;index" json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
}
