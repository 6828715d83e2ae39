package service

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// NotificationService exposes a recipient's unread ledger over HTTP.
type NotificationService interface {
	Snapshot(ctx context.Context, identityID string) (dto.LedgerSnapshot, error)
	MarkRead(ctx context.Context, identityID string, payload dto.MarkNotificationsReadRequest) (dto.LedgerSnapshot, error)
	MarkChatRead(ctx context.Context, identityID, chatID string) (dto.NotificationUpdate, error)
}

type notificationService struct {
	ledger UnreadLedger
	engine DeliveryEngine
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewNotificationService constructs a notification service.
func NewNotificationService(ledger UnreadLedger, engine DeliveryEngine, logger zerolog.Logger) NotificationService {
	return &notificationService{
		ledger: ledger,
		engine: engine,
		logger: logger.With().Str("component", "notification_service").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-chat/internal/service/notification"),
	}
}

func (s *notificationService) Snapshot(ctx context.Context, identityID string) (dto.LedgerSnapshot, error) {
	if identityID == "" {
		return dto.LedgerSnapshot{}, ErrUnauthenticated
	}
	return s.ledger.Snapshot(ctx, identityID)
}

func (s *notificationService) MarkRead(ctx context.Context, identityID string, payload dto.MarkNotificationsReadRequest) (dto.LedgerSnapshot, error) {
	if identityID == "" {
		return dto.LedgerSnapshot{}, ErrUnauthenticated
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.String("notification.identity_id", identityID),
		attribute.Int("notification.count", len(payload.IDs)),
	))
	defer span.End()

	if err := s.ledger.MarkFeedRead(spanCtx, identityID, payload.IDs); err != nil {
		span.RecordError(err)
		return dto.LedgerSnapshot{}, err
	}
	return s.ledger.Snapshot(spanCtx, identityID)
}

// MarkChatRead clears the chat's counter and pushes the new totals to the reader's connection.
func (s *notificationService) MarkChatRead(ctx context.Context, identityID, chatID string) (dto.NotificationUpdate, error) {
	if identityID == "" {
		return dto.NotificationUpdate{}, ErrUnauthenticated
	}
	return s.engine.MarkChatRead(ctx, identityID, chatID)
}
