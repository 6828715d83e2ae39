package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/internal/service"
	cloud "github.com/noah-isme/gema-chat/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Identity{},
		&models.IdentitySettings{},
		&models.Room{},
		&models.RoomMember{},
		&models.Message{},
		&models.MessageReceipt{},
		&models.UploadRecord{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	identityRepo := repository.NewIdentityRepository(db)
	roomRepo := repository.NewRoomRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	uploadRepo := repository.NewUploadRepository(db)

	var ledger service.UnreadLedger
	if redisClient != nil {
		ledger = service.NewRedisUnreadLedger(redisClient, cfg.RealtimeChannel, cfg.Chat.NotificationFeedCap, logger)
	} else {
		logger.Warn().Msg("redis not configured; unread counters are kept in memory")
		ledger = service.NewMemoryUnreadLedger(cfg.Chat.NotificationFeedCap)
	}

	presence := service.NewPresenceRegistry(identityRepo, logger)
	rooms := service.NewRoomDirectory(roomRepo, identityRepo, messageRepo, validate, logger)
	store := service.NewMessageStore(messageRepo, identityRepo, validate, cfg.Chat.MessageMaxLength, cfg.Chat.HistoryPageSize, logger)
	engine := service.NewDeliveryEngine(rooms, store, presence, ledger, identityRepo, redisClient, cfg.RealtimeChannel, natsConn, logger)
	typing := service.NewTypingBroadcaster(rooms, presence, identityRepo, engine, cfg.Chat.TypingQuietWindow, logger)
	chatService := service.NewChatService(identityRepo, presence, rooms, engine, typing, validate, cfg.Chat, logger)
	notificationService := service.NewNotificationService(ledger, engine, logger)
	settingsService := service.NewSettingsService(identityRepo, logger)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	if err := rooms.EnsureGeneral(bootCtx); err != nil {
		cancelBoot()
		log.Fatalf("failed to provision general room: %v", err)
	}
	cancelBoot()

	deps := router.Dependencies{
		ChatHandler:         handler.NewChatHandler(chatService, engine, presence, logger),
		RoomHandler:         handler.NewRoomHandler(rooms, validate, logger),
		MessageHandler:      handler.NewMessageHandler(engine, validate, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationService, validate, logger),
		SettingsHandler:     handler.NewSettingsHandler(settingsService, logger),
		Presence:            presence,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	}

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("media uploads disabled")
	} else {
		uploadService := service.NewUploadService(uploader, uploadRepo, cfg.UploadMaxSizeMB, logger)
		deps.UploadHandler = handler.NewUploadHandler(uploadService, logger)
	}

	runCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	chatService.Start(runCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxSizeMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, deps)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopRelay)
}

func waitForShutdown(app *fiber.App, stopRelay context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopRelay()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
