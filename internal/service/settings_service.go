package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// SettingsService reads and updates per-identity notification preferences.
type SettingsService interface {
	Get(ctx context.Context, identityID string) (dto.SettingsResponse, error)
	Update(ctx context.Context, identityID string, payload dto.SettingsUpdateRequest) (dto.SettingsResponse, error)
}

type settingsService struct {
	identities repository.IdentityRepository
	logger     zerolog.Logger
}

// NewSettingsService constructs a settings service.
func NewSettingsService(identities repository.IdentityRepository, logger zerolog.Logger) SettingsService {
	return &settingsService{
		identities: identities,
		logger:     logger.With().Str("component", "settings_service").Logger(),
	}
}

func (s *settingsService) Get(ctx context.Context, identityID string) (dto.SettingsResponse, error) {
	if identityID == "" {
		return dto.SettingsResponse{}, ErrUnauthenticated
	}
	settings, err := s.identities.GetSettings(ctx, identityID)
	if err != nil {
		return dto.SettingsResponse{}, err
	}
	return dto.SettingsResponse{
		NotificationPreview: settings.NotificationPreview,
		NotificationSound:   settings.NotificationSound,
		UpdatedAt:           settings.UpdatedAt,
	}, nil
}

func (s *settingsService) Update(ctx context.Context, identityID string, payload dto.SettingsUpdateRequest) (dto.SettingsResponse, error) {
	if identityID == "" {
		return dto.SettingsResponse{}, ErrUnauthenticated
	}
	settings, err := s.identities.GetSettings(ctx, identityID)
	if err != nil {
		return dto.SettingsResponse{}, err
	}

	if payload.NotificationPreview != nil {
		settings.NotificationPreview = *payload.NotificationPreview
	}
	if payload.NotificationSound != nil {
		settings.NotificationSound = *payload.NotificationSound
	}
	settings.UpdatedAt = time.Now().UTC()

	if err := s.identities.PutSettings(ctx, &settings); err != nil {
		return dto.SettingsResponse{}, err
	}
	s.logger.Debug().Str("identity_id", identityID).Bool("preview", settings.NotificationPreview).Msg("settings updated")

	return s.Get(ctx, identityID)
}
