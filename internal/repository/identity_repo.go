package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// IdentityRepository is the read-mostly port onto account profiles and per-identity settings.
type IdentityRepository interface {
	Upsert(ctx context.Context, identity *models.Identity) error
	FindByID(ctx context.Context, id string) (models.Identity, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.Identity, error)
	List(ctx context.Context) ([]models.Identity, error)
	ListIDs(ctx context.Context) ([]string, error)
	Exists(ctx context.Context, id string) (bool, error)
	UpdatePresence(ctx context.Context, id string, online bool, lastSeen time.Time) error
	GetSettings(ctx context.Context, id string) (models.IdentitySettings, error)
	PutSettings(ctx context.Context, settings *models.IdentitySettings) error
}

type identityRepository struct {
	db *gorm.DB
}

// NewIdentityRepository constructs an identity repository backed by GORM.
func NewIdentityRepository(db *gorm.DB) IdentityRepository {
	return &identityRepository{db: db}
}

func (r *identityRepository) Upsert(ctx context.Context, identity *models.Identity) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(identity).Error
}

func (r *identityRepository) FindByID(ctx context.Context, id string) (models.Identity, error) {
	var identity models.Identity
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&identity).Error; err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

func (r *identityRepository) FindByIDs(ctx context.Context, ids []string) ([]models.Identity, error) {
	if len(ids) == 0 {
		return []models.Identity{}, nil
	}

	var identities []models.Identity
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("display_name ASC").Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

func (r *identityRepository) List(ctx context.Context) ([]models.Identity, error) {
	var identities []models.Identity
	if err := r.db.WithContext(ctx).Order("display_name ASC").Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

func (r *identityRepository) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&models.Identity{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *identityRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Identity{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *identityRepository) UpdatePresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Identity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"online":       online,
			"last_seen_at": lastSeen,
		}).Error
}

func (r *identityRepository) GetSettings(ctx context.Context, id string) (models.IdentitySettings, error) {
	var settings models.IdentitySettings
	err := r.db.WithContext(ctx).Where("identity_id = ?", id).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultIdentitySettings(id), nil
	}
	if err != nil {
		return models.IdentitySettings{}, err
	}
	return settings, nil
}

func (r *identityRepository) PutSettings(ctx context.Context, settings *models.IdentitySettings) error {
	return r.db.WithContext(ctx).Save(settings).Error
}
