package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

func setupChatTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:chat_repo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
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
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

func seedRoom(t *testing.T, db *gorm.DB, id, kind string) models.Room {
	t.Helper()
	room := models.Room{ID: id, Kind: kind, Name: id, LastActivityAt: time.Now().UTC()}
	require.NoError(t, db.Create(&room).Error)
	return room
}
