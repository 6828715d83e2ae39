package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	RealtimeChannel        string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	UploadMaxSizeMB        int
	Chat                   ChatConfig
	RateLimitMax           int
	RateLimitWindow        time.Duration
}

// ChatConfig groups the tunables of the realtime messaging core.
type ChatConfig struct {
	MessageMaxLength    int
	HistoryPageSize     int
	TypingQuietWindow   time.Duration
	IdleTimeout         time.Duration
	SendBuffer          int
	NotificationFeedCap int
	PingInterval        time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// DefaultChatConfig mirrors the defaults applied by Load.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		MessageMaxLength:    1000,
		HistoryPageSize:     50,
		TypingQuietWindow:   2 * time.Second,
		IdleTimeout:         60 * time.Second,
		SendBuffer:          32,
		NotificationFeedCap: 100,
		PingInterval:        25 * time.Second,
	}
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := DefaultChatConfig()

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "sqlite:gema-chat.db")
	v.SetDefault("realtime.channel", "gema")
	v.SetDefault("cloudinary.folder", "gema/chat")
	v.SetDefault("upload.max_size_mb", 25)
	v.SetDefault("chat.message_max_length", defaults.MessageMaxLength)
	v.SetDefault("chat.history_page_size", defaults.HistoryPageSize)
	v.SetDefault("chat.typing_quiet_window", defaults.TypingQuietWindow.String())
	v.SetDefault("chat.idle_timeout", defaults.IdleTimeout.String())
	v.SetDefault("chat.ping_interval", defaults.PingInterval.String())
	v.SetDefault("chat.send_buffer", defaults.SendBuffer)
	v.SetDefault("chat.notification_feed_cap", defaults.NotificationFeedCap)
	v.SetDefault("ratelimit.max", 60)
	v.SetDefault("ratelimit.window", "1m")

	typingWindow, err := parseDuration(v, "chat.typing_quiet_window", defaults.TypingQuietWindow)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := parseDuration(v, "chat.idle_timeout", defaults.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := parseDuration(v, "chat.ping_interval", defaults.PingInterval)
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := parseDuration(v, "ratelimit.window", time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		UploadMaxSizeMB:        v.GetInt("upload.max_size_mb"),
		Chat: ChatConfig{
			MessageMaxLength:    v.GetInt("chat.message_max_length"),
			HistoryPageSize:     v.GetInt("chat.history_page_size"),
			TypingQuietWindow:   typingWindow,
			IdleTimeout:         idleTimeout,
			SendBuffer:          v.GetInt("chat.send_buffer"),
			NotificationFeedCap: v.GetInt("chat.notification_feed_cap"),
			PingInterval:        pingInterval,
		},
		RateLimitMax:    v.GetInt("ratelimit.max"),
		RateLimitWindow: rateWindow,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	cfg.Chat = cfg.Chat.WithDefaults()
	if cfg.Chat.PingInterval >= cfg.Chat.IdleTimeout {
		return Config{}, fmt.Errorf("chat ping interval %s must be shorter than idle timeout %s", cfg.Chat.PingInterval, cfg.Chat.IdleTimeout)
	}

	return cfg, nil
}

// WithDefaults fills zero or out-of-range values with the defaults.
func (c ChatConfig) WithDefaults() ChatConfig {
	defaults := DefaultChatConfig()
	if c.MessageMaxLength <= 0 {
		c.MessageMaxLength = defaults.MessageMaxLength
	}
	if c.HistoryPageSize <= 0 || c.HistoryPageSize > 100 {
		c.HistoryPageSize = defaults.HistoryPageSize
	}
	if c.TypingQuietWindow <= 0 {
		c.TypingQuietWindow = defaults.TypingQuietWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaults.SendBuffer
	}
	if c.NotificationFeedCap <= 0 {
		c.NotificationFeedCap = defaults.NotificationFeedCap
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	return c
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
