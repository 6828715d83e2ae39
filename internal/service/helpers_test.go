package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

var testDBCounter atomic.Int64

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:chat_service_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDBCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
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

type chatFixture struct {
	db         *gorm.DB
	identities repository.IdentityRepository
	roomRepo   repository.RoomRepository
	messages   repository.MessageRepository
	validate   *validator.Validate
	presence   PresenceRegistry
	rooms      RoomDirectory
	store      MessageStore
	ledger     UnreadLedger
	engine     DeliveryEngine
}

type fixtureOptions struct {
	db          *gorm.DB
	redis       *redis.Client
	channelBase string
	ledger      UnreadLedger
}

func newChatFixture(t *testing.T, ids ...string) *chatFixture {
	t.Helper()
	return newChatFixtureWith(t, fixtureOptions{}, ids...)
}

func newChatFixtureWith(t *testing.T, opts fixtureOptions, ids ...string) *chatFixture {
	t.Helper()

	db := opts.db
	if db == nil {
		db = setupServiceTestDB(t)
	}
	ledger := opts.ledger
	if ledger == nil {
		ledger = NewMemoryUnreadLedger(10)
	}

	f := &chatFixture{
		db:         db,
		identities: repository.NewIdentityRepository(db),
		roomRepo:   repository.NewRoomRepository(db),
		messages:   repository.NewMessageRepository(db),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		ledger:     ledger,
	}
	f.presence = NewPresenceRegistry(f.identities, testLogger())
	f.rooms = NewRoomDirectory(f.roomRepo, f.identities, f.messages, f.validate, testLogger())
	f.store = NewMessageStore(f.messages, f.identities, f.validate, 200, 20, testLogger())
	f.engine = NewDeliveryEngine(f.rooms, f.store, f.presence, f.ledger, f.identities, opts.redis, opts.channelBase, nil, testLogger())
	f.presence.OnChange(f.engine.RelayRoster)

	require.NoError(t, f.rooms.EnsureGeneral(context.Background()))
	for _, id := range ids {
		f.addIdentity(t, id)
	}
	return f
}

func (f *chatFixture) addIdentity(t *testing.T, id string) models.Identity {
	t.Helper()
	identity := models.Identity{ID: id, DisplayName: displayNameFor(id)}
	require.NoError(t, f.identities.Upsert(context.Background(), &identity))
	return identity
}

// connect registers a recording transport for id and discards the roster noise it triggers.
func (f *chatFixture) connect(t *testing.T, id string) *recordingTransport {
	t.Helper()
	identity, err := f.identities.FindByID(context.Background(), id)
	require.NoError(t, err)

	transport := newRecordingTransport(id + "-conn")
	_, err = f.presence.Register(context.Background(), identity, transport)
	require.NoError(t, err)
	for _, other := range f.presence.OnlineIDs() {
		if current, ok := f.presence.Transport(other); ok {
			if recorder, ok := current.(*recordingTransport); ok {
				recorder.reset()
			}
		}
	}
	return transport
}

func (f *chatFixture) sendText(t *testing.T, roomID, senderID, text string) dto.MessageResponse {
	t.Helper()
	message, err := f.engine.Send(context.Background(), SendRequest{
		RoomID:   roomID,
		SenderID: senderID,
		Content:  dto.MessageContent{Text: text},
	})
	require.NoError(t, err)
	return message
}

func (f *chatFixture) createGroup(t *testing.T, creatorID, name string, members ...string) dto.RoomResponse {
	t.Helper()
	room, err := f.rooms.CreateGroup(context.Background(), creatorID, dto.CreateGroupRequest{Name: name, MemberIDs: members})
	require.NoError(t, err)
	return room
}

func displayNameFor(id string) string {
	if id == "" {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

type recordingTransport struct {
	id string

	mu     sync.Mutex
	events []dto.Event
	closed bool
	fail   bool
}

func newRecordingTransport(id string) *recordingTransport {
	return &recordingTransport{id: id}
}

func (r *recordingTransport) ID() string {
	return r.id
}

func (r *recordingTransport) Send(event dto.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail || r.closed {
		return ErrDelivery
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recordingTransport) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recordingTransport) all() []dto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dto.Event(nil), r.events...)
}

func (r *recordingTransport) eventsNamed(name string) []dto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]dto.Event, 0)
	for _, event := range r.events {
		if event.Event == name {
			out = append(out, event)
		}
	}
	return out
}

func (r *recordingTransport) waitFor(t *testing.T, name string, count int) []dto.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.eventsNamed(name)) >= count
	}, 2*time.Second, 10*time.Millisecond, "waiting for %d %s events", count, name)
	return r.eventsNamed(name)
}
