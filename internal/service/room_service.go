package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	privateRoomPrefix  = "private:"
	privateRoomSep     = ":"
	groupNameMaxLength = 50
	generalRoomName    = "General"
)

// ResolvePrivateRoomID returns the canonical room id shared by two identities, independent of
// argument order.
func ResolvePrivateRoomID(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return privateRoomPrefix + a + privateRoomSep + b
}

// ParsePrivateRoomID extracts the two participants of a canonical private room id.
func ParsePrivateRoomID(roomID string) (string, string, bool) {
	if !strings.HasPrefix(roomID, privateRoomPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(roomID, privateRoomPrefix), privateRoomSep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] > parts[1] {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ValidateIdentityID rejects identity ids that cannot be embedded in a private room id.
func ValidateIdentityID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ErrUnauthenticated
	}
	if trimmed != id || strings.Contains(id, privateRoomSep) || len(id) > 64 {
		return fmt.Errorf("%w: identity id %q is not allowed", ErrValidation, id)
	}
	return nil
}

// RoomDirectory resolves rooms to their authorised member sets.
type RoomDirectory interface {
	ResolvePrivateRoomID(a, b string) string
	CreateGroup(ctx context.Context, creatorID string, payload dto.CreateGroupRequest) (dto.RoomResponse, error)
	IsMember(ctx context.Context, roomID, identityID string) (bool, error)
	Authorize(ctx context.Context, roomID, identityID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
	AddMember(ctx context.Context, callerID, roomID, memberID string) (dto.RoomResponse, error)
	RemoveMember(ctx context.Context, callerID, roomID, memberID string) (dto.RoomResponse, error)
	EnsurePrivateRoom(ctx context.Context, roomID string) error
	EnsureGeneral(ctx context.Context) error
	ListRooms(ctx context.Context, identityID string) ([]dto.RoomResponse, error)
	Get(ctx context.Context, roomID, viewerID string) (dto.RoomResponse, error)
	Name(ctx context.Context, roomID, viewerID string) (string, error)
	Touch(ctx context.Context, roomID string, at time.Time) error
}

type roomDirectory struct {
	rooms      repository.RoomRepository
	identities repository.IdentityRepository
	messages   repository.MessageRepository
	validator  *validator.Validate
	sanitizer  *bluemonday.Policy
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRoomDirectory constructs the room and membership directory.
func NewRoomDirectory(rooms repository.RoomRepository, identities repository.IdentityRepository, messages repository.MessageRepository, validate *validator.Validate, logger zerolog.Logger) RoomDirectory {
	return &roomDirectory{
		rooms:      rooms,
		identities: identities,
		messages:   messages,
		validator:  validate,
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     logger.With().Str("component", "room_directory").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *roomDirectory) ResolvePrivateRoomID(a, b string) string {
	return ResolvePrivateRoomID(a, b)
}

func (d *roomDirectory) CreateGroup(ctx context.Context, creatorID string, payload dto.CreateGroupRequest) (dto.RoomResponse, error) {
	if err := d.validator.Struct(payload); err != nil {
		return dto.RoomResponse{}, validationError(err)
	}

	rawName := strings.TrimSpace(payload.Name)
	name := strings.TrimSpace(html.UnescapeString(d.sanitizer.Sanitize(rawName)))
	if length := utf8.RuneCountInString(rawName); name == "" || length > groupNameMaxLength {
		return dto.RoomResponse{}, fmt.Errorf("%w: group name must be between 1 and %d characters", ErrValidation, groupNameMaxLength)
	}

	if _, err := d.identities.FindByID(ctx, creatorID); err != nil {
		return dto.RoomResponse{}, notFound(err, "creator")
	}

	memberIDs := dedupeIDs(payload.MemberIDs, creatorID)
	if len(memberIDs) > 0 {
		found, err := d.identities.FindByIDs(ctx, memberIDs)
		if err != nil {
			return dto.RoomResponse{}, err
		}
		if len(found) != len(memberIDs) {
			return dto.RoomResponse{}, fmt.Errorf("%w: one or more members do not exist", ErrNotFound)
		}
	}

	now := d.now()
	metadata := datatypes.JSONMap{}
	if description := strings.TrimSpace(html.UnescapeString(d.sanitizer.Sanitize(payload.Description))); description != "" {
		metadata["description"] = description
	}
	if icon := strings.TrimSpace(payload.Icon); icon != "" {
		metadata["icon"] = icon
	}

	room := models.Room{
		ID:             uuid.NewString(),
		Kind:           models.RoomKindGroup,
		Name:           name,
		AvatarURL:      strings.TrimSpace(payload.AvatarURL),
		Metadata:       metadata,
		CreatedBy:      creatorID,
		LastActivityAt: now,
	}

	members := make([]models.RoomMember, 0, len(memberIDs)+1)
	members = append(members, models.RoomMember{RoomID: room.ID, IdentityID: creatorID, Role: models.RoomRoleAdmin, JoinedAt: now})
	for _, id := range memberIDs {
		members = append(members, models.RoomMember{RoomID: room.ID, IdentityID: id, Role: models.RoomRoleMember, JoinedAt: now})
	}

	if err := d.rooms.Create(ctx, &room, members); err != nil {
		return dto.RoomResponse{}, err
	}

	d.logger.Info().Str("room_id", room.ID).Str("creator_id", creatorID).Int("members", len(members)).Msg("group created")

	return d.Get(ctx, room.ID, creatorID)
}

func (d *roomDirectory) IsMember(ctx context.Context, roomID, identityID string) (bool, error) {
	if strings.TrimSpace(identityID) == "" {
		return false, ErrUnauthenticated
	}

	switch {
	case roomID == models.GeneralRoomID:
		return d.identities.Exists(ctx, identityID)
	case strings.HasPrefix(roomID, privateRoomPrefix):
		a, b, ok := ParsePrivateRoomID(roomID)
		if !ok {
			return false, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		return identityID == a || identityID == b, nil
	}

	room, err := d.rooms.FindByID(ctx, roomID)
	if err != nil {
		return false, notFound(err, "room "+roomID)
	}
	for _, member := range room.Members {
		if member.IdentityID == identityID {
			return true, nil
		}
	}
	return false, nil
}

// Authorize turns a negative membership answer into ErrNotMember.
func (d *roomDirectory) Authorize(ctx context.Context, roomID, identityID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: room id is required", ErrValidation)
	}
	ok, err := d.IsMember(ctx, roomID, identityID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, roomID)
	}
	return nil
}

func (d *roomDirectory) Members(ctx context.Context, roomID string) ([]string, error) {
	switch {
	case roomID == models.GeneralRoomID:
		return d.identities.ListIDs(ctx)
	case strings.HasPrefix(roomID, privateRoomPrefix):
		a, b, ok := ParsePrivateRoomID(roomID)
		if !ok {
			return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		if a == b {
			return []string{a}, nil
		}
		return []string{a, b}, nil
	}

	if _, err := d.rooms.FindByID(ctx, roomID); err != nil {
		return nil, notFound(err, "room "+roomID)
	}
	members, err := d.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.IdentityID)
	}
	return ids, nil
}

func (d *roomDirectory) AddMember(ctx context.Context, callerID, roomID, memberID string) (dto.RoomResponse, error) {
	if err := d.requireGroupAdmin(ctx, callerID, roomID); err != nil {
		return dto.RoomResponse{}, err
	}

	if _, err := d.identities.FindByID(ctx, memberID); err != nil {
		return dto.RoomResponse{}, notFound(err, "identity "+memberID)
	}

	now := d.now()
	added, err := d.rooms.AddMember(ctx, models.RoomMember{RoomID: roomID, IdentityID: memberID, Role: models.RoomRoleMember, JoinedAt: now})
	if err != nil {
		return dto.RoomResponse{}, err
	}
	if added {
		if err := d.Touch(ctx, roomID, now); err != nil {
			d.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to touch room")
		}
		d.logger.Info().Str("room_id", roomID).Str("member_id", memberID).Msg("group member added")
	}

	return d.Get(ctx, roomID, callerID)
}

func (d *roomDirectory) RemoveMember(ctx context.Context, callerID, roomID, memberID string) (dto.RoomResponse, error) {
	if err := d.requireGroupAdmin(ctx, callerID, roomID); err != nil {
		return dto.RoomResponse{}, err
	}

	member, err := d.rooms.FindMember(ctx, roomID, memberID)
	if err != nil {
		return dto.RoomResponse{}, notFound(err, "member "+memberID)
	}

	if member.Role == models.RoomRoleAdmin {
		admins, err := d.rooms.CountAdmins(ctx, roomID)
		if err != nil {
			return dto.RoomResponse{}, err
		}
		if admins <= 1 {
			return dto.RoomResponse{}, fmt.Errorf("%w: a group must keep at least one admin", ErrValidation)
		}
	}

	if err := d.rooms.RemoveMember(ctx, roomID, memberID); err != nil {
		return dto.RoomResponse{}, err
	}
	if err := d.Touch(ctx, roomID, d.now()); err != nil {
		d.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to touch room")
	}
	d.logger.Info().Str("room_id", roomID).Str("member_id", memberID).Msg("group member removed")

	return d.Get(ctx, roomID, callerID)
}

func (d *roomDirectory) EnsurePrivateRoom(ctx context.Context, roomID string) error {
	a, b, ok := ParsePrivateRoomID(roomID)
	if !ok {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}

	ids := []string{a}
	if a != b {
		ids = append(ids, b)
	}
	found, err := d.identities.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) != len(ids) {
		return fmt.Errorf("%w: private room participant", ErrNotFound)
	}

	now := d.now()
	room := models.Room{ID: roomID, Kind: models.RoomKindPrivate, LastActivityAt: now}
	members := make([]models.RoomMember, 0, len(ids))
	for _, id := range ids {
		members = append(members, models.RoomMember{RoomID: roomID, IdentityID: id, Role: models.RoomRoleMember, JoinedAt: now})
	}
	return d.rooms.Ensure(ctx, &room, members)
}

func (d *roomDirectory) EnsureGeneral(ctx context.Context) error {
	room := models.Room{
		ID:             models.GeneralRoomID,
		Kind:           models.RoomKindGeneral,
		Name:           generalRoomName,
		LastActivityAt: d.now(),
	}
	return d.rooms.Ensure(ctx, &room, nil)
}

func (d *roomDirectory) ListRooms(ctx context.Context, identityID string) ([]dto.RoomResponse, error) {
	general, err := d.rooms.FindByID(ctx, models.GeneralRoomID)
	if err != nil {
		return nil, notFound(err, "general room")
	}

	others, err := d.rooms.ListForIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.RoomResponse, 0, len(others)+1)
	for _, room := range append([]models.Room{general}, others...) {
		view, err := d.summarise(ctx, room, identityID, false)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (d *roomDirectory) Get(ctx context.Context, roomID, viewerID string) (dto.RoomResponse, error) {
	room, err := d.rooms.FindByID(ctx, roomID)
	if errors.Is(err, gorm.ErrRecordNotFound) && strings.HasPrefix(roomID, privateRoomPrefix) {
		if _, _, ok := ParsePrivateRoomID(roomID); ok {
			room = models.Room{ID: roomID, Kind: models.RoomKindPrivate}
			err = nil
		}
	}
	if err != nil {
		return dto.RoomResponse{}, notFound(err, "room "+roomID)
	}
	return d.summarise(ctx, room, viewerID, true)
}

// Name is the display name of the room as seen by viewerID. Private rooms are named after the
// other participant.
func (d *roomDirectory) Name(ctx context.Context, roomID, viewerID string) (string, error) {
	if roomID == models.GeneralRoomID {
		return generalRoomName, nil
	}
	if a, b, ok := ParsePrivateRoomID(roomID); ok {
		other := a
		if a == viewerID {
			other = b
		}
		identity, err := d.identities.FindByID(ctx, other)
		if err != nil {
			return "", notFound(err, "identity "+other)
		}
		return identity.DisplayName, nil
	}
	room, err := d.rooms.FindByID(ctx, roomID)
	if err != nil {
		return "", notFound(err, "room "+roomID)
	}
	return room.Name, nil
}

func (d *roomDirectory) Touch(ctx context.Context, roomID string, at time.Time) error {
	return d.rooms.Touch(ctx, roomID, at)
}

func (d *roomDirectory) requireGroupAdmin(ctx context.Context, callerID, roomID string) error {
	if roomID == models.GeneralRoomID || strings.HasPrefix(roomID, privateRoomPrefix) {
		return fmt.Errorf("%w: membership of %s is fixed", ErrUnsupportedOperation, roomID)
	}

	room, err := d.rooms.FindByID(ctx, roomID)
	if err != nil {
		return notFound(err, "room "+roomID)
	}
	if room.Kind != models.RoomKindGroup {
		return fmt.Errorf("%w: membership of %s is fixed", ErrUnsupportedOperation, roomID)
	}

	for _, member := range room.Members {
		if member.IdentityID == callerID {
			if member.Role == models.RoomRoleAdmin {
				return nil
			}
			return fmt.Errorf("%w: only group admins can manage members", ErrForbidden)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotMember, roomID)
}

func (d *roomDirectory) summarise(ctx context.Context, room models.Room, viewerID string, withMembers bool) (dto.RoomResponse, error) {
	view := dto.NewRoomResponse(room)

	memberIDs, err := d.Members(ctx, room.ID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	view.MemberCount = len(memberIDs)

	roles := make(map[string]string, len(room.Members))
	for _, member := range room.Members {
		roles[member.IdentityID] = member.Role
	}
	view.IsAdmin = room.Kind == models.RoomKindGroup && roles[viewerID] == models.RoomRoleAdmin

	if room.Kind == models.RoomKindPrivate {
		name, err := d.Name(ctx, room.ID, viewerID)
		if err == nil {
			view.Name = name
		}
	}

	if withMembers {
		identities, err := d.identities.FindByIDs(ctx, memberIDs)
		if err != nil {
			return dto.RoomResponse{}, err
		}
		view.Members = make([]dto.RoomMemberResponse, 0, len(identities))
		for _, identity := range identities {
			role := roles[identity.ID]
			if role == "" {
				role = models.RoomRoleMember
			}
			view.Members = append(view.Members, dto.RoomMemberResponse{IdentityResponse: dto.NewIdentityResponse(identity), Role: role})
		}
	}

	latest, err := d.messages.Latest(ctx, room.ID)
	switch {
	case err == nil:
		view.LastMessage = dto.NewMessagePreview(latest)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.RoomResponse{}, err
	}

	return view, nil
}

func dedupeIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
