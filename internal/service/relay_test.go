package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
)

func TestClusterRelayDisabledWithoutTransport(t *testing.T) {
	relay := newClusterRelay(nil, nil, "gema", testLogger())
	require.False(t, relay.enabled())
	require.NoError(t, relay.publishPush(context.Background(), []string{"bob"}, dto.NewEvent(dto.EventNewMessage, nil)))

	_, client := newMiniredisClient(t)
	relay = newClusterRelay(client, nil, "", testLogger())
	require.False(t, relay.enabled())

	relay = newClusterRelay(client, nil, "gema", testLogger())
	require.True(t, relay.enabled())
	require.Equal(t, "gema:chat", relay.redisChannel)
}

func TestClusterRelayDropsOwnEnvelopes(t *testing.T) {
	relay := newClusterRelay(nil, nil, "", testLogger())

	var received []relayEnvelope
	handler := func(envelope relayEnvelope) { received = append(received, envelope) }

	own, err := json.Marshal(relayEnvelope{Source: relay.nodeID, Kind: relayKindPush})
	require.NoError(t, err)
	relay.handle(own, "redis", handler)
	require.Empty(t, received)

	relay.handle([]byte("{not json"), "redis", handler)
	require.Empty(t, received)

	foreign, err := json.Marshal(relayEnvelope{Source: "other-node", Kind: relayKindPush, Recipients: []string{"bob"}})
	require.NoError(t, err)
	relay.handle(foreign, "redis", handler)
	require.Len(t, received, 1)
	require.Equal(t, []string{"bob"}, received[0].Recipients)
}

func TestDeliveryEngineHandleRelayPushesToLocalRecipients(t *testing.T) {
	f := newChatFixture(t, "alice", "bob", "carol")
	bobConn := f.connect(t, "bob")
	engine := f.engine.(*deliveryEngine)

	data, err := json.Marshal(dto.NotificationUpdate{ChatID: models.GeneralRoomID, UnreadCount: 2, TotalUnread: 5})
	require.NoError(t, err)
	engine.handleRelay(relayEnvelope{
		Source:     "other-node",
		Kind:       relayKindPush,
		Recipients: []string{"bob", "carol"},
		Event:      &relayedEvent{Event: dto.EventNotificationUpdate, Data: data},
	})

	updates := bobConn.eventsNamed(dto.EventNotificationUpdate)
	require.Len(t, updates, 1)
	require.JSONEq(t, string(data), string(updates[0].Data.(json.RawMessage)))
}

func TestDeliveryEngineRelaysAcrossNodesOverRedis(t *testing.T) {
	server, client := newMiniredisClient(t)
	db := setupServiceTestDB(t)
	ledger := NewRedisUnreadLedger(client, "cluster", 10, testLogger())

	origin := newChatFixtureWith(t, fixtureOptions{db: db, redis: client, channelBase: "cluster", ledger: ledger}, "alice", "bob")
	remote := newChatFixtureWith(t, fixtureOptions{db: db, redis: client, channelBase: "cluster", ledger: ledger})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	origin.engine.Start(ctx)
	remote.engine.Start(ctx)
	require.Eventually(t, func() bool {
		return server.PubSubNumSub("cluster:chat")["cluster:chat"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	aliceConn := origin.connect(t, "alice")
	bobConn := remote.connect(t, "bob")
	aliceConn.waitFor(t, dto.EventUserOnline, 1)
	aliceConn.reset()

	message := origin.sendText(t, ResolvePrivateRoomID("alice", "bob"), "alice", "across the cluster")

	pushed := bobConn.waitFor(t, dto.EventNewMessage, 1)
	var relayed dto.MessageResponse
	require.NoError(t, json.Unmarshal(pushed[0].Data.(json.RawMessage), &relayed))
	require.Equal(t, message.ID, relayed.ID)
	require.Equal(t, "across the cluster", relayed.Text)

	bobConn.waitFor(t, dto.EventNotificationUpdate, 1)
	snapshot, err := ledger.Snapshot(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.GrandTotal)

	_, err = remote.engine.MarkRead(context.Background(), "bob", "", []string{message.ID})
	require.NoError(t, err)
	aliceConn.waitFor(t, dto.EventMessageStatusUpdate, 1)
}

func TestTypingRelaysAcrossNodesOverRedis(t *testing.T) {
	server, client := newMiniredisClient(t)
	db := setupServiceTestDB(t)
	ledger := NewRedisUnreadLedger(client, "cluster", 10, testLogger())

	origin := newChatFixtureWith(t, fixtureOptions{db: db, redis: client, channelBase: "cluster", ledger: ledger}, "alice", "bob")
	remote := newChatFixtureWith(t, fixtureOptions{db: db, redis: client, channelBase: "cluster", ledger: ledger})
	typing := NewTypingBroadcaster(origin.rooms, origin.presence, origin.identities, origin.engine, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	origin.engine.Start(ctx)
	remote.engine.Start(ctx)
	require.Eventually(t, func() bool {
		return server.PubSubNumSub("cluster:chat")["cluster:chat"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	origin.connect(t, "alice")
	bobConn := remote.connect(t, "bob")
	private := ResolvePrivateRoomID("alice", "bob")

	require.NoError(t, typing.SetTyping(context.Background(), private, "alice", true))
	pushed := bobConn.waitFor(t, dto.EventUserTyping, 1)
	var relayed dto.TypingEvent
	require.NoError(t, json.Unmarshal(pushed[0].Data.(json.RawMessage), &relayed))
	require.Equal(t, dto.TypingEvent{RoomID: private, UserID: "alice", DisplayName: "Alice", IsTyping: true}, relayed)

	require.NoError(t, typing.SetTyping(context.Background(), private, "alice", false))
	pushed = bobConn.waitFor(t, dto.EventUserTyping, 2)
	require.NoError(t, json.Unmarshal(pushed[1].Data.(json.RawMessage), &relayed))
	require.False(t, relayed.IsTyping)
}
