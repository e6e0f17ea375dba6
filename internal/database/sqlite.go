package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/chat"
	"github.com/studyroom-labs/studyroom/internal/materials"
	"github.com/studyroom-labs/studyroom/internal/notify"
	"github.com/studyroom-labs/studyroom/internal/presence"
	"github.com/studyroom-labs/studyroom/internal/receipts"
	"github.com/studyroom-labs/studyroom/internal/status"
	"github.com/studyroom-labs/studyroom/internal/tasks"
	"github.com/studyroom-labs/studyroom/internal/typing"
	"github.com/studyroom-labs/studyroom/internal/users"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Duplicate receipts written before the unique index existed must be
	// collapsed first; otherwise AutoMigrate cannot build the index.
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&users.Profile{},
		&chat.Message{},
		&tasks.Task{},
		&materials.Material{},
		&status.Record{},
		&presence.Record{},
		&typing.Record{},
		&notify.Notification{},
		&receipts.ReadReceipt{},
	)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
