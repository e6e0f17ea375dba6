package typing

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyroom-labs/studyroom/internal/realtime"
)

// Record stores a user's typing flag, one row per user, last-write-wins.
type Record struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	IsTyping  bool      `gorm:"column:is_typing;not null;default:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing typing indicators.
func (Record) TableName() string {
	return "typing_indicators"
}

// StoreConfig describes the dependencies for the typing store.
type StoreConfig struct {
	Database *gorm.DB
	Feed     *realtime.Feed
	Clock    func() time.Time
}

// Store upserts typing rows and announces each write on the feed.
type Store struct {
	db    *gorm.DB
	feed  *realtime.Feed
	clock func() time.Time
}

// NewStore constructs the typing store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("typing: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, feed: cfg.Feed, clock: clock}, nil
}

// Set upserts the user's typing flag, keyed on user id.
func (s *Store) Set(ctx context.Context, userID string, isTyping bool) error {
	if userID == "" {
		return fmt.Errorf("typing: user id required")
	}

	record := Record{
		UserID:    userID,
		IsTyping:  isTyping,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("typing: upsert failed: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(realtime.Event{
			Table:  realtime.TableTypingIndicators,
			Kind:   realtime.KindUpdate,
			UserID: record.UserID,
			Row:    record,
			At:     record.UpdatedAt,
		})
	}
	return nil
}
