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
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	defaultMessageMaxLength = 1000
	defaultHistoryPageSize  = 50
	maxHistoryPageSize      = 100
)

// AppendInput describes a message to persist.
type AppendInput struct {
	RoomID    string
	SenderID  string
	Kind      string
	Text      string
	Media     *dto.MediaRef
	ReplyToID string
}

// MessageStore is the append-only per-room log.
type MessageStore interface {
	Append(ctx context.Context, input AppendInput) (models.Message, error)
	List(ctx context.Context, roomID string, page, pageSize int) (dto.HistoryResponse, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) (bool, error)
	MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error)
	Status(ctx context.Context, messageID, recipientID string) (string, error)
	ReadBy(ctx context.Context, messageID string) (map[string]time.Time, error)
	Edit(ctx context.Context, messageID, editorID, text string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID, actorID string) (models.Message, error)
}

type messageStore struct {
	messages        repository.MessageRepository
	identities      repository.IdentityRepository
	validator       *validator.Validate
	sanitizer       *bluemonday.Policy
	logger          zerolog.Logger
	maxLength       int
	defaultPageSize int
	now             func() time.Time
}

// NewMessageStore constructs a message store over the persistence port.
func NewMessageStore(messages repository.MessageRepository, identities repository.IdentityRepository, validate *validator.Validate, maxLength, pageSize int, logger zerolog.Logger) MessageStore {
	if maxLength <= 0 {
		maxLength = defaultMessageMaxLength
	}
	if pageSize <= 0 || pageSize > maxHistoryPageSize {
		pageSize = defaultHistoryPageSize
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &messageStore{
		messages:        messages,
		identities:      identities,
		validator:       validate,
		sanitizer:       sanitizer,
		logger:          logger.With().Str("component", "message_store").Logger(),
		maxLength:       maxLength,
		defaultPageSize: pageSize,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *messageStore) Append(ctx context.Context, input AppendInput) (models.Message, error) {
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		kind = models.MessageKindText
		if input.Media != nil && input.Media.URL != "" {
			kind = mediaKind(input.Media.Category)
		}
	}

	text, err := s.cleanText(input.Text)
	if err != nil {
		return models.Message{}, err
	}

	message := models.Message{
		RoomID:   input.RoomID,
		SenderID: input.SenderID,
		Kind:     kind,
		Text:     text,
	}

	switch kind {
	case models.MessageKindText, models.MessageKindSystem:
		if text == "" && (input.Media == nil || input.Media.URL == "") {
			return models.Message{}, fmt.Errorf("%w: message text or media reference is required", ErrValidation)
		}
	case models.MessageKindImage, models.MessageKindVideo, models.MessageKindFile:
		if input.Media == nil || strings.TrimSpace(input.Media.URL) == "" {
			return models.Message{}, fmt.Errorf("%w: %s messages require a media reference", ErrValidation, kind)
		}
	default:
		return models.Message{}, fmt.Errorf("%w: unknown message kind %q", ErrValidation, kind)
	}

	if input.Media != nil && input.Media.URL != "" {
		if err := s.validator.Struct(input.Media); err != nil {
			return models.Message{}, validationError(err)
		}
		message.MediaURL = input.Media.URL
		message.MediaName = input.Media.FileName
		message.MediaSize = input.Media.SizeBytes
		message.MediaMimeType = input.Media.MimeType
		message.MediaCategory = input.Media.Category
		if message.MediaCategory == "" {
			message.MediaCategory = mediaKind(kind)
		}
	}

	if replyTo := strings.TrimSpace(input.ReplyToID); replyTo != "" {
		target, err := s.messages.FindByID(ctx, replyTo)
		if err != nil {
			return models.Message{}, notFound(err, "reply target "+replyTo)
		}
		if target.RoomID != input.RoomID {
			return models.Message{}, fmt.Errorf("%w: reply target belongs to another room", ErrValidation)
		}
		message.ReplyToID = &replyTo
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	message.ID = id.String()
	message.CreatedAt = s.now()

	if err := s.messages.Append(ctx, &message); err != nil {
		return models.Message{}, notFound(err, "room "+input.RoomID)
	}

	return message, nil
}

// List returns one page of a room's history. Page 1 holds the newest messages; each page is
// ordered oldest to newest.
func (s *messageStore) List(ctx context.Context, roomID string, page, pageSize int) (dto.HistoryResponse, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.defaultPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	messages, total, err := s.messages.ListByRoom(ctx, roomID, (page-1)*pageSize, pageSize)
	if err != nil {
		return dto.HistoryResponse{}, err
	}

	ids := make([]string, 0, len(messages))
	senderIDs := make([]string, 0, len(messages))
	seenSender := make(map[string]struct{})
	for _, message := range messages {
		ids = append(ids, message.ID)
		if _, ok := seenSender[message.SenderID]; !ok {
			seenSender[message.SenderID] = struct{}{}
			senderIDs = append(senderIDs, message.SenderID)
		}
	}

	readBy, err := s.messages.ReadBy(ctx, ids)
	if err != nil {
		return dto.HistoryResponse{}, err
	}

	senders, err := s.identities.FindByIDs(ctx, senderIDs)
	if err != nil {
		return dto.HistoryResponse{}, err
	}
	profiles := make(map[string]dto.IdentityResponse, len(senders))
	for _, sender := range senders {
		profiles[sender.ID] = dto.NewIdentityResponse(sender)
	}

	responses := dto.NewMessageResponseSlice(messages)
	for i := range responses {
		responses[i].ReadBy = readBy[responses[i].ID]
		if profile, ok := profiles[responses[i].SenderID]; ok {
			profile := profile
			responses[i].Sender = &profile
		}
	}

	return dto.HistoryResponse{
		RoomID:   roomID,
		Messages: responses,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}, nil
}

// Get returns the message, or its tombstone if it was deleted.
func (s *messageStore) Get(ctx context.Context, messageID string) (models.Message, error) {
	message, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return models.Message{}, notFound(err, "message "+messageID)
	}
	if message.Deleted {
		return tombstone(message), nil
	}
	return message, nil
}

// MarkRead records readerID in the message's read-by set. It reports whether this call changed
// anything; repeated calls and reads by the sender are no-ops.
func (s *messageStore) MarkRead(ctx context.Context, messageID, readerID string) (bool, error) {
	message, err := s.Get(ctx, messageID)
	if err != nil {
		return false, err
	}
	if message.SenderID == readerID {
		return false, nil
	}
	return s.messages.MarkRead(ctx, message.ID, readerID, s.now())
}

func (s *messageStore) MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error) {
	message, err := s.Get(ctx, messageID)
	if err != nil {
		return false, err
	}
	if message.SenderID == recipientID {
		return false, nil
	}
	return s.messages.MarkDelivered(ctx, message.ID, recipientID, s.now())
}

func (s *messageStore) Status(ctx context.Context, messageID, recipientID string) (string, error) {
	if _, err := s.Get(ctx, messageID); err != nil {
		return "", err
	}

	receipt, err := s.messages.Receipt(ctx, messageID, recipientID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.MessageStatusSent, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case receipt.ReadAt != nil:
		return dto.MessageStatusRead, nil
	case receipt.DeliveredAt != nil:
		return dto.MessageStatusDelivered, nil
	default:
		return dto.MessageStatusSent, nil
	}
}

func (s *messageStore) ReadBy(ctx context.Context, messageID string) (map[string]time.Time, error) {
	if _, err := s.Get(ctx, messageID); err != nil {
		return nil, err
	}
	readBy, err := s.messages.ReadBy(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if entries, ok := readBy[messageID]; ok {
		return entries, nil
	}
	return map[string]time.Time{}, nil
}

func (s *messageStore) Edit(ctx context.Context, messageID, editorID, text string) (models.Message, error) {
	message, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return models.Message{}, notFound(err, "message "+messageID)
	}
	if message.Deleted {
		return models.Message{}, fmt.Errorf("%w: message %s was deleted", ErrNotFound, messageID)
	}
	if message.SenderID != editorID {
		return models.Message{}, fmt.Errorf("%w: only the sender can edit a message", ErrForbidden)
	}

	clean, err := s.cleanText(text)
	if err != nil {
		return models.Message{}, err
	}
	if clean == "" && !message.HasMedia() {
		return models.Message{}, fmt.Errorf("%w: message text is required", ErrValidation)
	}

	now := s.now()
	message.Text = clean
	message.Edited = true
	message.EditedAt = &now

	if err := s.messages.Update(ctx, &message); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (s *messageStore) SoftDelete(ctx context.Context, messageID, actorID string) (models.Message, error) {
	message, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return models.Message{}, notFound(err, "message "+messageID)
	}
	if message.Deleted {
		return models.Message{}, fmt.Errorf("%w: message %s was deleted", ErrNotFound, messageID)
	}
	if message.SenderID != actorID {
		return models.Message{}, fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
	}

	now := s.now()
	message.Deleted = true
	message.DeletedAt = &now

	if err := s.messages.Update(ctx, &message); err != nil {
		return models.Message{}, err
	}
	return tombstone(message), nil
}

// cleanText enforces the length cap on what the user typed. Markup that survives the policy is
// kept as sanitized HTML; plain text is stored unescaped.
func (s *messageStore) cleanText(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if utf8.RuneCountInString(raw) > s.maxLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrValidation, s.maxLength)
	}
	clean := strings.TrimSpace(s.sanitizer.Sanitize(raw))
	if !strings.Contains(clean, "<") {
		clean = html.UnescapeString(clean)
	}
	return clean, nil
}

func tombstone(message models.Message) models.Message {
	message.Text = ""
	message.MediaURL = ""
	message.MediaName = ""
	message.MediaSize = 0
	message.MediaMimeType = ""
	message.MediaCategory = ""
	return message
}

func mediaKind(category string) string {
	switch category {
	case models.MessageKindImage, models.MessageKindVideo:
		return category
	default:
		return models.MessageKindFile
	}
}
