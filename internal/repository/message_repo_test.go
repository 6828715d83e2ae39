package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

func TestMessageRepositoryAppendAssignsSequence(t *testing.T) {
	db := setupChatTestDB(t)
	seedRoom(t, db, "general", models.RoomKindGeneral)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		message := &models.Message{ID: fmt.Sprintf("m%d", i), RoomID: "general", SenderID: "alice", Kind: models.MessageKindText, Text: "hello", CreatedAt: time.Now().UTC()}
		require.NoError(t, repo.Append(ctx, message))
		require.Equal(t, int64(i), message.Seq)
	}

	var room models.Room
	require.NoError(t, db.First(&room, "id = ?", "general").Error)
	require.Equal(t, int64(3), room.LastSeq)
}

func TestMessageRepositoryAppendRequiresRoom(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewMessageRepository(db)

	err := repo.Append(context.Background(), &models.Message{ID: "m1", RoomID: "missing", SenderID: "alice", CreatedAt: time.Now()})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMessageRepositoryAppendConcurrentSequencesAreUnique(t *testing.T) {
	db := setupChatTestDB(t)
	seedRoom(t, db, "g1", models.RoomKindGroup)
	repo := NewMessageRepository(db)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- repo.Append(context.Background(), &models.Message{ID: fmt.Sprintf("c%d", i), RoomID: "g1", SenderID: "alice", CreatedAt: time.Now()})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var seqs []int64
	require.NoError(t, db.Model(&models.Message{}).Where("room_id = ?", "g1").Order("seq ASC").Pluck("seq", &seqs).Error)
	require.Len(t, seqs, writers)
	for i, seq := range seqs {
		require.Equal(t, int64(i+1), seq)
	}
}

func TestMessageRepositoryListByRoomReturnsChronologicalPage(t *testing.T) {
	db := setupChatTestDB(t)
	seedRoom(t, db, "g1", models.RoomKindGroup)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, repo.Append(ctx, &models.Message{ID: fmt.Sprintf("m%d", i), RoomID: "g1", SenderID: "alice", CreatedAt: time.Now()}))
	}
	deleted, err := repo.FindByID(ctx, "m5")
	require.NoError(t, err)
	deleted.Deleted = true
	require.NoError(t, repo.Update(ctx, &deleted))

	page, total, err := repo.ListByRoom(ctx, "g1", 0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, page, 2)
	require.Equal(t, "m3", page[0].ID)
	require.Equal(t, "m4", page[1].ID)

	older, _, err := repo.ListByRoom(ctx, "g1", 2, 2)
	require.NoError(t, err)
	require.Equal(t, "m1", older[0].ID)

	latest, err := repo.Latest(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "m4", latest.ID)
}

func TestMessageRepositoryReceiptsAreMonotonic(t *testing.T) {
	db := setupChatTestDB(t)
	seedRoom(t, db, "g1", models.RoomKindGroup)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Append(ctx, &models.Message{ID: "m1", RoomID: "g1", SenderID: "alice", CreatedAt: time.Now()}))

	now := time.Now().UTC()
	changed, err := repo.MarkDelivered(ctx, "m1", "bob", now)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = repo.MarkDelivered(ctx, "m1", "bob", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = repo.MarkRead(ctx, "m1", "bob", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = repo.MarkRead(ctx, "m1", "bob", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, changed)

	receipt, err := repo.Receipt(ctx, "m1", "bob")
	require.NoError(t, err)
	require.NotNil(t, receipt.DeliveredAt)
	require.NotNil(t, receipt.ReadAt)
	require.WithinDuration(t, now, *receipt.DeliveredAt, time.Second)
	require.WithinDuration(t, now.Add(time.Minute), *receipt.ReadAt, time.Second)

	changed, err = repo.MarkRead(ctx, "m1", "carol", now)
	require.NoError(t, err)
	require.True(t, changed)
	carol, err := repo.Receipt(ctx, "m1", "carol")
	require.NoError(t, err)
	require.NotNil(t, carol.DeliveredAt, "reading implies delivery")

	readBy, err := repo.ReadBy(ctx, []string{"m1"})
	require.NoError(t, err)
	require.Len(t, readBy["m1"], 2)
}

func TestUploadRepositoryCreate(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewUploadRepository(db)

	record := &models.UploadRecord{IdentityID: "alice", FileName: "a.png", URL: "https://cdn.example.com/a.png", MimeType: "image/png", Category: "image", SizeBytes: 10}
	require.NoError(t, repo.Create(context.Background(), record))
	require.NotZero(t, record.ID)
}
