package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/models"
)

func TestIdentityRepositoryUpsertRefreshesProfile(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.Identity{ID: "alice", DisplayName: "Alice"}))
	require.NoError(t, repo.Upsert(ctx, &models.Identity{ID: "alice", DisplayName: "Alice L.", AvatarURL: "https://cdn.example.com/a.png"}))

	identity, err := repo.FindByID(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice L.", identity.DisplayName)
	require.Equal(t, "https://cdn.example.com/a.png", identity.AvatarURL)

	var count int64
	require.NoError(t, db.Model(&models.Identity{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestIdentityRepositoryListingAndPresence(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	for _, identity := range []models.Identity{{ID: "carol", DisplayName: "Carol"}, {ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}} {
		identity := identity
		require.NoError(t, repo.Upsert(ctx, &identity))
	}

	ids, err := repo.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, ids)

	subset, err := repo.FindByIDs(ctx, []string{"carol", "bob"})
	require.NoError(t, err)
	require.Len(t, subset, 2)
	require.Equal(t, "Bob", subset[0].DisplayName)

	exists, err := repo.Exists(ctx, "dave")
	require.NoError(t, err)
	require.False(t, exists)

	seen := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdatePresence(ctx, "bob", true, seen))
	bob, err := repo.FindByID(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bob.Online)
	require.NotNil(t, bob.LastSeenAt)
	require.WithinDuration(t, seen, *bob.LastSeenAt, time.Second)
}

func TestIdentityRepositorySettingsDefaultAndPersist(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	settings, err := repo.GetSettings(ctx, "alice")
	require.NoError(t, err)
	require.True(t, settings.NotificationPreview)
	require.True(t, settings.NotificationSound)

	settings.NotificationPreview = false
	require.NoError(t, repo.PutSettings(ctx, &settings))

	stored, err := repo.GetSettings(ctx, "alice")
	require.NoError(t, err)
	require.False(t, stored.NotificationPreview)
	require.True(t, stored.NotificationSound)
}
