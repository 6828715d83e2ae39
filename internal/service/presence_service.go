package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// Transport is a connection handle that can receive pushed events. Send must not block.
type Transport interface {
	ID() string
	Send(event dto.Event) error
	Close() error
}

// RosterEventKind distinguishes connect from disconnect.
type RosterEventKind string

// Roster event kinds.
const (
	RosterOnline  RosterEventKind = "online"
	RosterOffline RosterEventKind = "offline"
)

// RosterEvent is emitted whenever an identity connects or disconnects.
type RosterEvent struct {
	Kind     RosterEventKind      `json:"kind"`
	Identity dto.IdentityResponse `json:"identity"`
	At       time.Time            `json:"at"`
}

// PresenceEntry is a consistent view of one connected identity.
type PresenceEntry struct {
	Transport Transport
	Focus     string
	LastSeen  time.Time
}

// PresenceRegistry tracks connected identities and their transport handles.
type PresenceRegistry interface {
	Register(ctx context.Context, identity models.Identity, transport Transport) ([]dto.IdentityResponse, error)
	Unregister(ctx context.Context, identityID string, transport Transport) ([]dto.IdentityResponse, bool, error)
	Roster(ctx context.Context, requesterID string) ([]dto.IdentityResponse, error)
	Touch(identityID string)
	SetFocus(identityID, roomID string)
	Focus(identityID string) string
	Snapshot(identityIDs []string) map[string]PresenceEntry
	Transport(identityID string) (Transport, bool)
	OnlineIDs() []string
	OnChange(listener func(RosterEvent))
}

type presenceState struct {
	transport Transport
	focus     string
	lastSeen  time.Time
}

type presenceRegistry struct {
	identities repository.IdentityRepository
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	online    map[string]*presenceState
	listeners []func(RosterEvent)
}

// NewPresenceRegistry constructs an in-process presence registry.
func NewPresenceRegistry(identities repository.IdentityRepository, logger zerolog.Logger) PresenceRegistry {
	return &presenceRegistry{
		identities: identities,
		logger:     logger.With().Str("component", "presence_registry").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		online:     make(map[string]*presenceState),
	}
}

func (r *presenceRegistry) Register(ctx context.Context, identity models.Identity, transport Transport) ([]dto.IdentityResponse, error) {
	id := strings.TrimSpace(identity.ID)
	if id == "" || transport == nil {
		return nil, ErrUnauthenticated
	}

	now := r.now()

	r.mu.Lock()
	var previous Transport
	if state, ok := r.online[id]; ok && state.transport != nil && state.transport.ID() != transport.ID() {
		previous = state.transport
	}
	r.online[id] = &presenceState{transport: transport, lastSeen: now}
	r.mu.Unlock()

	if previous != nil {
		r.logger.Debug().Str("identity_id", id).Str("connection_id", previous.ID()).Msg("replacing previous connection")
		_ = previous.Close()
	}

	if err := r.identities.UpdatePresence(ctx, id, true, now); err != nil {
		r.logger.Warn().Err(err).Str("identity_id", id).Msg("failed to persist online presence")
	}

	identity.Online = true
	identity.LastSeenAt = &now
	r.emit(RosterEvent{Kind: RosterOnline, Identity: dto.NewIdentityResponse(identity), At: now})

	return r.Roster(ctx, id)
}

// Unregister marks the identity offline when transport is its current handle. A nil transport
// removes whatever handle is registered. The returned flag reports whether anything changed.
func (r *presenceRegistry) Unregister(ctx context.Context, identityID string, transport Transport) ([]dto.IdentityResponse, bool, error) {
	now := r.now()

	r.mu.Lock()
	state, ok := r.online[identityID]
	if !ok || (transport != nil && state.transport != nil && state.transport.ID() != transport.ID()) {
		r.mu.Unlock()
		return nil, false, nil
	}
	delete(r.online, identityID)
	r.mu.Unlock()

	if err := r.identities.UpdatePresence(ctx, identityID, false, now); err != nil {
		r.logger.Warn().Err(err).Str("identity_id", identityID).Msg("failed to persist offline presence")
	}

	profile := dto.IdentityResponse{ID: identityID, LastSeenAt: &now}
	if identity, err := r.identities.FindByID(ctx, identityID); err == nil {
		profile = dto.NewIdentityResponse(identity)
		profile.Online = false
		profile.LastSeenAt = &now
	}
	r.emit(RosterEvent{Kind: RosterOffline, Identity: profile, At: now})

	roster, err := r.Roster(ctx, identityID)
	return roster, true, err
}

// Roster lists every identity sharing a room with the requester. Everyone shares the general
// room, so this is the full identity list with live presence from this node overlaid.
func (r *presenceRegistry) Roster(ctx context.Context, requesterID string) ([]dto.IdentityResponse, error) {
	identities, err := r.identities.List(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	roster := make([]dto.IdentityResponse, 0, len(identities))
	for _, identity := range identities {
		entry := dto.NewIdentityResponse(identity)
		if state, ok := r.online[identity.ID]; ok {
			lastSeen := state.lastSeen
			entry.Online = true
			entry.LastSeenAt = &lastSeen
		}
		roster = append(roster, entry)
	}

	return roster, nil
}

func (r *presenceRegistry) Touch(identityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.online[identityID]; ok {
		state.lastSeen = r.now()
	}
}

func (r *presenceRegistry) SetFocus(identityID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.online[identityID]; ok {
		state.focus = strings.TrimSpace(roomID)
	}
}

func (r *presenceRegistry) Focus(identityID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if state, ok := r.online[identityID]; ok {
		return state.focus
	}
	return ""
}

func (r *presenceRegistry) Snapshot(identityIDs []string) map[string]PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]PresenceEntry, len(identityIDs))
	for _, id := range identityIDs {
		if state, ok := r.online[id]; ok && state.transport != nil {
			out[id] = PresenceEntry{Transport: state.transport, Focus: state.focus, LastSeen: state.lastSeen}
		}
	}
	return out
}

func (r *presenceRegistry) Transport(identityID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.online[identityID]
	if !ok || state.transport == nil {
		return nil, false
	}
	return state.transport, true
}

func (r *presenceRegistry) OnlineIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *presenceRegistry) OnChange(listener func(RosterEvent)) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *presenceRegistry) emit(event RosterEvent) {
	r.mu.RLock()
	listeners := make([]func(RosterEvent), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}
