package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// MessageRepository is the append-only message log plus per-recipient receipts.
type MessageRepository interface {
	Append(ctx context.Context, message *models.Message) error
	FindByID(ctx context.Context, id string) (models.Message, error)
	ListByRoom(ctx context.Context, roomID string, offset, limit int) ([]models.Message, int64, error)
	Latest(ctx context.Context, roomID string) (models.Message, error)
	Update(ctx context.Context, message *models.Message) error
	MarkDelivered(ctx context.Context, messageID, identityID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, messageID, identityID string, at time.Time) (bool, error)
	Receipt(ctx context.Context, messageID, identityID string) (models.MessageReceipt, error)
	ReadBy(ctx context.Context, messageIDs []string) (map[string]map[string]time.Time, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Append assigns the next per-room sequence number and stores the message in one
// transaction. The room row must exist.
func (r *messageRepository) Append(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Room{}).
			Where("id = ?", message.RoomID).
			Updates(map[string]interface{}{
				"last_seq":         gorm.Expr("last_seq + 1"),
				"last_activity_at": message.CreatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var room models.Room
		if err := tx.Select("last_seq").Where("id = ?", message.RoomID).First(&room).Error; err != nil {
			return err
		}
		message.Seq = room.LastSeq

		return tx.Create(message).Error
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) ListByRoom(ctx context.Context, roomID string, offset, limit int) ([]models.Message, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := r.db.WithContext(ctx).Model(&models.Message{}).Where("room_id = ? AND deleted = ?", roomID, false)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []models.Message
	if err := query.Order("seq DESC").Offset(offset).Limit(limit).Find(&messages).Error; err != nil {
		return nil, 0, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, total, nil
}

func (r *messageRepository) Latest(ctx context.Context, roomID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Where("room_id = ? AND deleted = ?", roomID, false).Order("seq DESC").First(&message).Error
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) Update(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Save(message).Error
}

func (r *messageRepository) MarkDelivered(ctx context.Context, messageID, identityID string, at time.Time) (bool, error) {
	receipt := models.MessageReceipt{MessageID: messageID, IdentityID: identityID, DeliveredAt: &at}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	result = r.db.WithContext(ctx).Model(&models.MessageReceipt{}).
		Where("message_id = ? AND identity_id = ? AND delivered_at IS NULL", messageID, identityID).
		Update("delivered_at", at)
	return result.RowsAffected > 0, result.Error
}

// MarkRead records the first read of a message by identityID. Reading implies delivery.
func (r *messageRepository) MarkRead(ctx context.Context, messageID, identityID string, at time.Time) (bool, error) {
	receipt := models.MessageReceipt{MessageID: messageID, IdentityID: identityID, DeliveredAt: &at, ReadAt: &at}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	result = r.db.WithContext(ctx).Model(&models.MessageReceipt{}).
		Where("message_id = ? AND identity_id = ? AND read_at IS NULL", messageID, identityID).
		Updates(map[string]interface{}{
			"read_at":      at,
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
		})
	return result.RowsAffected > 0, result.Error
}

func (r *messageRepository) Receipt(ctx context.Context, messageID, identityID string) (models.MessageReceipt, error) {
	var receipt models.MessageReceipt
	err := r.db.WithContext(ctx).Where("message_id = ? AND identity_id = ?", messageID, identityID).First(&receipt).Error
	if err != nil {
		return models.MessageReceipt{}, err
	}
	return receipt, nil
}

func (r *messageRepository) ReadBy(ctx context.Context, messageIDs []string) (map[string]map[string]time.Time, error) {
	out := make(map[string]map[string]time.Time, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	var receipts []models.MessageReceipt
	err := r.db.WithContext(ctx).
		Where("message_id IN ? AND read_at IS NOT NULL", messageIDs).
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}

	for _, receipt := range receipts {
		if _, ok := out[receipt.MessageID]; !ok {
			out[receipt.MessageID] = make(map[string]time.Time)
		}
		out[receipt.MessageID][receipt.IdentityID] = *receipt.ReadAt
	}
	return out, nil
}
