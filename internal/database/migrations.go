package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupeReadReceipts = "2026-08-12_dedupe_read_receipts"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}

	migrations := []migrationDefinition{
		{name: migrationDedupeReadReceipts, apply: dedupeReadReceipts},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dedupeReadReceipts keeps the oldest receipt per (user, message) pair and
// drops the rest. Fresh databases have no receipts table yet; nothing to do.
func dedupeReadReceipts(db *gorm.DB) error {
	if !db.Migrator().HasTable("read_receipts") {
		return nil
	}
	return db.Exec(`DELETE FROM read_receipts WHERE rowid NOT IN (
        SELECT MIN(rowid) FROM read_receipts GROUP BY user_id, message_id
    );`).Error
}
