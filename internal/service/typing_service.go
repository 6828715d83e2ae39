package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const defaultTypingQuietWindow = 2 * time.Second

// TypingBroadcaster relays ephemeral typing indicators that expire after a quiet window.
type TypingBroadcaster interface {
	SetTyping(ctx context.Context, roomID, identityID string, isTyping bool) error
	ClearIdentity(identityID string)
	Active(roomID string) []string
}

// RemotePublisher forwards an event to identities connected to other nodes.
type RemotePublisher interface {
	PublishRemote(ctx context.Context, recipients []string, event dto.Event) error
}

type typingEntry struct {
	displayName string
	updatedAt   time.Time
	timer       *time.Timer
	generation  uint64
}

type typingBroadcaster struct {
	rooms      RoomDirectory
	presence   PresenceRegistry
	identities repository.IdentityRepository
	remote     RemotePublisher
	window     time.Duration
	logger     zerolog.Logger

	mu         sync.Mutex
	entries    map[string]map[string]*typingEntry
	generation uint64
}

// NewTypingBroadcaster constructs a typing broadcaster with the given quiet window. remote may be
// nil on a single node.
func NewTypingBroadcaster(rooms RoomDirectory, presence PresenceRegistry, identities repository.IdentityRepository, remote RemotePublisher, window time.Duration, logger zerolog.Logger) TypingBroadcaster {
	if window <= 0 {
		window = defaultTypingQuietWindow
	}
	return &typingBroadcaster{
		rooms:      rooms,
		presence:   presence,
		identities: identities,
		remote:     remote,
		window:     window,
		logger:     logger.With().Str("component", "typing_broadcaster").Logger(),
		entries:    make(map[string]map[string]*typingEntry),
	}
}

func (b *typingBroadcaster) SetTyping(ctx context.Context, roomID, identityID string, isTyping bool) error {
	if err := b.rooms.Authorize(ctx, roomID, identityID); err != nil {
		return err
	}

	if !isTyping {
		entry := b.remove(roomID, identityID, 0)
		name := ""
		if entry != nil {
			name = entry.displayName
		}
		b.relay(ctx, roomID, identityID, name, false)
		return nil
	}

	b.mu.Lock()
	room, ok := b.entries[roomID]
	if !ok {
		room = make(map[string]*typingEntry)
		b.entries[roomID] = room
	}
	entry, exists := room[identityID]
	if exists {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		room[identityID] = entry
	}
	entry.updatedAt = time.Now().UTC()
	b.generation++
	generation := b.generation
	entry.generation = generation
	entry.timer = time.AfterFunc(b.window, func() { b.expire(roomID, identityID, generation) })
	name := entry.displayName
	b.mu.Unlock()

	if name == "" {
		if identity, err := b.identities.FindByID(ctx, identityID); err == nil {
			name = identity.DisplayName
			b.mu.Lock()
			if current, ok := b.entries[roomID][identityID]; ok {
				current.displayName = name
			}
			b.mu.Unlock()
		}
	}

	b.relay(ctx, roomID, identityID, name, true)
	return nil
}

// ClearIdentity drops every typing entry of identityID and relays stop-typing for each room.
func (b *typingBroadcaster) ClearIdentity(identityID string) {
	b.mu.Lock()
	cleared := make(map[string]string)
	for roomID, room := range b.entries {
		if entry, ok := room[identityID]; ok {
			entry.timer.Stop()
			cleared[roomID] = entry.displayName
			delete(room, identityID)
			if len(room) == 0 {
				delete(b.entries, roomID)
			}
		}
	}
	b.mu.Unlock()

	for roomID, name := range cleared {
		b.relay(context.Background(), roomID, identityID, name, false)
	}
}

func (b *typingBroadcaster) Active(roomID string) []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.entries[roomID]))
	for id := range b.entries[roomID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (b *typingBroadcaster) expire(roomID, identityID string, generation uint64) {
	entry := b.remove(roomID, identityID, generation)
	if entry == nil {
		return
	}
	b.relay(context.Background(), roomID, identityID, entry.displayName, false)
}

// remove deletes the entry. A non-zero generation only matches the timer that armed it, so a
// stale expiry cannot cancel a refreshed entry.
func (b *typingBroadcaster) remove(roomID, identityID string, generation uint64) *typingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.entries[roomID]
	if !ok {
		return nil
	}
	entry, ok := room[identityID]
	if !ok || (generation != 0 && entry.generation != generation) {
		return nil
	}
	entry.timer.Stop()
	delete(room, identityID)
	if len(room) == 0 {
		delete(b.entries, roomID)
	}
	return entry
}

func (b *typingBroadcaster) relay(ctx context.Context, roomID, identityID, displayName string, isTyping bool) {
	members, err := b.rooms.Members(ctx, roomID)
	if err != nil {
		b.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to resolve typing audience")
		return
	}

	event := dto.NewEvent(dto.EventUserTyping, dto.TypingEvent{
		RoomID:      roomID,
		UserID:      identityID,
		DisplayName: displayName,
		IsTyping:    isTyping,
	})

	snapshot := b.presence.Snapshot(members)
	remote := make([]string, 0)
	for _, id := range members {
		if id == identityID {
			continue
		}
		entry, online := snapshot[id]
		if !online {
			remote = append(remote, id)
			continue
		}
		if err := entry.Transport.Send(event); err != nil {
			observability.ChatPushFailures().WithLabelValues(dto.EventUserTyping).Inc()
			b.logger.Debug().Err(err).Str("identity_id", id).Msg("dropping typing event")
		}
	}

	if b.remote == nil || len(remote) == 0 {
		return
	}
	if err := b.remote.PublishRemote(ctx, remote, event); err != nil {
		b.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to relay typing event")
	}
}
