package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/auth"
	"github.com/studyroom-labs/studyroom/internal/chat"
	"github.com/studyroom-labs/studyroom/internal/config"
	"github.com/studyroom-labs/studyroom/internal/database"
	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/logging"
	"github.com/studyroom-labs/studyroom/internal/materials"
	"github.com/studyroom-labs/studyroom/internal/notify"
	"github.com/studyroom-labs/studyroom/internal/presence"
	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/receipts"
	"github.com/studyroom-labs/studyroom/internal/room"
	"github.com/studyroom-labs/studyroom/internal/server"
	"github.com/studyroom-labs/studyroom/internal/status"
	"github.com/studyroom-labs/studyroom/internal/storage"
	"github.com/studyroom-labs/studyroom/internal/tasks"
	"github.com/studyroom-labs/studyroom/internal/typing"
	"github.com/studyroom-labs/studyroom/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "studyroom-api",
		Short: "Virtual study room backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Directory for uploaded materials")
	cmd.PersistentFlags().String("storage-public-base", defaults.GetString("storage.public_base"), "Public base URL for material downloads")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("presence-heartbeat-seconds", defaults.GetInt("presence.heartbeat_seconds"), "Presence heartbeat interval in seconds")
	cmd.PersistentFlags().Int("typing-idle-window-ms", defaults.GetInt("typing.idle_window_ms"), "Typing idle window in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "storage.public_base", "storage-public-base")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "presence.heartbeat_seconds", "presence-heartbeat-seconds")
	bindFlag(cmd, "typing.idle_window_ms", "typing-idle-window-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.ConsoleLog)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "studyroom-auth",
		Audience:      "studyroom-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	feed := realtime.NewFeed()
	idProvider := ids.NewUUIDProvider()

	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:     db,
		Feed:         feed,
		IDProvider:   idProvider,
		HistoryLimit: appConfig.ChatHistoryLimit,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	taskService, err := tasks.NewService(tasks.ServiceConfig{Database: db, Feed: feed, IDProvider: idProvider})
	if err != nil {
		return err
	}
	statusService, err := status.NewService(status.ServiceConfig{Database: db, Feed: feed})
	if err != nil {
		return err
	}
	presenceStore, err := presence.NewStore(presence.StoreConfig{Database: db, Feed: feed})
	if err != nil {
		return err
	}
	typingStore, err := typing.NewStore(typing.StoreConfig{Database: db, Feed: feed})
	if err != nil {
		return err
	}
	notifyService, err := notify.NewService(notify.ServiceConfig{
		Database:   db,
		Feed:       feed,
		IDProvider: idProvider,
		PanelSize:  appConfig.PanelPageSize,
	})
	if err != nil {
		return err
	}
	marker, err := receipts.NewMarker(receipts.MarkerConfig{
		Database:   db,
		IDProvider: idProvider,
		ScanLimit:  appConfig.ReceiptScanLimit,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	objectStore, err := storage.NewObjectStore(appConfig.StorageRoot, appConfig.StoragePublicBase)
	if err != nil {
		return err
	}
	materialService, err := materials.NewService(materials.ServiceConfig{
		Database:   db,
		Store:      objectStore,
		Feed:       feed,
		IDProvider: idProvider,
		MaxBytes:   appConfig.MaxUploadBytes,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rooms, err := room.NewManager(func(identity room.Identity, render room.Renderers) (*room.Session, error) {
		return room.NewSession(room.SessionConfig{
			Identity:      identity,
			Users:         userService,
			Chat:          chatService,
			Status:        statusService,
			Presence:      presenceStore,
			Typing:        typingStore,
			Notifications: notifyService,
			Marker:        marker,
			Feed:          feed,
			IDProvider:    idProvider,
			Heartbeat:     appConfig.PresenceHeartbeat,
			TypingIdle:    appConfig.TypingIdleWindow,
			ToastLifetime: appConfig.ToastLifetime,
			Render:        render,
			Logger:        logger,
		})
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:        tokens,
		Users:         userService,
		Tasks:         taskService,
		Chat:          chatService,
		Materials:     materialService,
		Status:        statusService,
		Notifications: notifyService,
		Presence:      presenceStore,
		Rooms:         rooms,
		FilesDir:      objectStore.Root(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		rooms.CloseAll(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
