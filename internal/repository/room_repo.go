package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// RoomRepository persists rooms and their member rows.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room, members []models.RoomMember) error
	Ensure(ctx context.Context, room *models.Room, members []models.RoomMember) error
	FindByID(ctx context.Context, id string) (models.Room, error)
	ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error)
	FindMember(ctx context.Context, roomID, identityID string) (models.RoomMember, error)
	AddMember(ctx context.Context, member models.RoomMember) (bool, error)
	RemoveMember(ctx context.Context, roomID, identityID string) error
	CountAdmins(ctx context.Context, roomID string) (int64, error)
	ListForIdentity(ctx context.Context, identityID string) ([]models.Room, error)
	Touch(ctx context.Context, roomID string, at time.Time) error
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Create(ctx context.Context, room *models.Room, members []models.RoomMember) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(room).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Create(&members).Error
	})
}

func (r *roomRepository) Ensure(ctx context.Context, room *models.Room, members []models.RoomMember) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(room).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	})
}

func (r *roomRepository) FindByID(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Where("id = ?", id).
		First(&room).Error
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error) {
	var members []models.RoomMember
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *roomRepository) FindMember(ctx context.Context, roomID, identityID string) (models.RoomMember, error) {
	var member models.RoomMember
	if err := r.db.WithContext(ctx).Where("room_id = ? AND identity_id = ?", roomID, identityID).First(&member).Error; err != nil {
		return models.RoomMember{}, err
	}
	return member, nil
}

func (r *roomRepository) AddMember(ctx context.Context, member models.RoomMember) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *roomRepository) RemoveMember(ctx context.Context, roomID, identityID string) error {
	return r.db.WithContext(ctx).Where("room_id = ? AND identity_id = ?", roomID, identityID).Delete(&models.RoomMember{}).Error
}

func (r *roomRepository) CountAdmins(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND role = ?", roomID, models.RoomRoleAdmin).
		Count(&count).Error
	return count, err
}

// ListForIdentity returns groups the identity belongs to and private rooms with at least one
// message. The general room is not included.
func (r *roomRepository) ListForIdentity(ctx context.Context, identityID string) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.identity_id = ?", identityID).
		Where("rooms.kind = ? OR (rooms.kind = ? AND rooms.last_seq > 0)", models.RoomKindGroup, models.RoomKindPrivate).
		Order("rooms.last_activity_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *roomRepository) Touch(ctx context.Context, roomID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Update("last_activity_at", at).Error
}
