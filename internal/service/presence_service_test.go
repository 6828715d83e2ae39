package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/models"
)

func TestPresenceRegistryRegisterAndRoster(t *testing.T) {
	f := newChatFixture(t, "alice", "bob")
	ctx := context.Background()

	var events []RosterEvent
	f.presence.OnChange(func(event RosterEvent) { events = append(events, event) })

	alice, err := f.identities.FindByID(ctx, "alice")
	require.NoError(t, err)
	roster, err := f.presence.Register(ctx, alice, newRecordingTransport("a1"))
	require.NoError(t, err)
	require.Len(t, roster, 2)

	online := map[string]bool{}
	for _, entry := range roster {
		online[entry.ID] = entry.Online
	}
	require.Equal(t, map[string]bool{"alice": true, "bob": false}, online)

	require.Len(t, events, 1)
	require.Equal(t, RosterOnline, events[0].Kind)
	require.Equal(t, "alice", events[0].Identity.ID)

	stored, err := f.identities.FindByID(ctx, "alice")
	require.NoError(t, err)
	require.True(t, stored.Online)
	require.NotNil(t, stored.LastSeenAt)

	require.Equal(t, []string{"alice"}, f.presence.OnlineIDs())

	_, err = f.presence.Register(ctx, models.Identity{}, newRecordingTransport("x"))
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPresenceRegistryReconnectReplacesHandle(t *testing.T) {
	f := newChatFixture(t, "alice")
	ctx := context.Background()
	alice, err := f.identities.FindByID(ctx, "alice")
	require.NoError(t, err)

	first := newRecordingTransport("a1")
	second := newRecordingTransport("a2")
	_, err = f.presence.Register(ctx, alice, first)
	require.NoError(t, err)
	_, err = f.presence.Register(ctx, alice, second)
	require.NoError(t, err)

	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
	current, ok := f.presence.Transport("alice")
	require.True(t, ok)
	require.Equal(t, "a2", current.ID())

	_, removed, err := f.presence.Unregister(ctx, "alice", first)
	require.NoError(t, err)
	require.False(t, removed)
	require.Equal(t, []string{"alice"}, f.presence.OnlineIDs())

	_, removed, err = f.presence.Unregister(ctx, "alice", second)
	require.NoError(t, err)
	require.True(t, removed)
	require.Empty(t, f.presence.OnlineIDs())

	stored, err := f.identities.FindByID(ctx, "alice")
	require.NoError(t, err)
	require.False(t, stored.Online)

	_, removed, err = f.presence.Unregister(ctx, "alice", nil)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestPresenceRegistryFocusAndSnapshot(t *testing.T) {
	f := newChatFixture(t, "alice", "bob")
	f.connect(t, "alice")

	f.presence.SetFocus("alice", "  room-1 ")
	require.Equal(t, "room-1", f.presence.Focus("alice"))

	f.presence.SetFocus("bob", "room-1")
	require.Empty(t, f.presence.Focus("bob"))

	snapshot := f.presence.Snapshot([]string{"alice", "bob"})
	require.Len(t, snapshot, 1)
	require.Equal(t, "room-1", snapshot["alice"].Focus)
	require.Equal(t, "alice-conn", snapshot["alice"].Transport.ID())

	before := snapshot["alice"].LastSeen
	f.presence.Touch("alice")
	require.False(t, f.presence.Snapshot([]string{"alice"})["alice"].LastSeen.Before(before))
}
