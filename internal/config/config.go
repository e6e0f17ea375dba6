package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "STUDYROOM"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "studyroom.db"
	defaultStorageRoot       = "materials"
	defaultStoragePublicBase = "/files"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 720
	defaultHeartbeat         = 30 * time.Second
	defaultTypingIdleWindow  = time.Second
	defaultToastLifetime     = 5 * time.Second
	defaultChatHistoryLimit  = 50
	defaultReceiptScanLimit  = 20
	defaultPanelPageSize     = 20
	defaultMaxUploadBytes    = 10 << 20
)

// AppConfig captures runtime configuration for the study-room service.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	StorageRoot       string
	StoragePublicBase string
	SigningSecret     string
	TokenTTL          time.Duration
	LogLevel          string
	ConsoleLog        bool

	PresenceHeartbeat time.Duration
	TypingIdleWindow  time.Duration
	ToastLifetime     time.Duration
	ChatHistoryLimit  int
	ReceiptScanLimit  int
	PanelPageSize     int
	MaxUploadBytes    int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("storage.public_base", defaultStoragePublicBase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.console", false)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("presence.heartbeat_seconds", int(defaultHeartbeat/time.Second))
	configViper.SetDefault("typing.idle_window_ms", int(defaultTypingIdleWindow/time.Millisecond))
	configViper.SetDefault("notify.toast_lifetime_ms", int(defaultToastLifetime/time.Millisecond))
	configViper.SetDefault("chat.history_limit", defaultChatHistoryLimit)
	configViper.SetDefault("receipts.scan_limit", defaultReceiptScanLimit)
	configViper.SetDefault("notify.panel_page_size", defaultPanelPageSize)
	configViper.SetDefault("storage.max_upload_bytes", defaultMaxUploadBytes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		StorageRoot:       configViper.GetString("storage.root"),
		StoragePublicBase: configViper.GetString("storage.public_base"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:          configViper.GetString("log.level"),
		ConsoleLog:        configViper.GetBool("log.console"),
		PresenceHeartbeat: time.Duration(configViper.GetInt("presence.heartbeat_seconds")) * time.Second,
		TypingIdleWindow:  time.Duration(configViper.GetInt("typing.idle_window_ms")) * time.Millisecond,
		ToastLifetime:     time.Duration(configViper.GetInt("notify.toast_lifetime_ms")) * time.Millisecond,
		ChatHistoryLimit:  configViper.GetInt("chat.history_limit"),
		ReceiptScanLimit:  configViper.GetInt("receipts.scan_limit"),
		PanelPageSize:     configViper.GetInt("notify.panel_page_size"),
		MaxUploadBytes:    configViper.GetInt64("storage.max_upload_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.PresenceHeartbeat <= 0 {
		return fmt.Errorf("presence.heartbeat_seconds must be positive")
	}
	if c.TypingIdleWindow <= 0 {
		return fmt.Errorf("typing.idle_window_ms must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage.max_upload_bytes must be positive")
	}
	return nil
}
