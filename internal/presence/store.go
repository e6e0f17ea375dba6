package presence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyroom-labs/studyroom/internal/realtime"
)

// Record stores a user's liveness, one logical row per user with
// last-write-wins upsert semantics keyed on user id.
type Record struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	IsOnline  bool      `gorm:"column:is_online;not null;default:false"`
	LastSeen  time.Time `gorm:"column:last_seen;not null"`
	SessionID string    `gorm:"column:session_id;size:190;not null"`
}

// TableName exposes the table backing presence records.
func (Record) TableName() string {
	return "user_presence"
}

// StoreConfig describes the dependencies for the presence store.
type StoreConfig struct {
	Database *gorm.DB
	Feed     *realtime.Feed
	Clock    func() time.Time
}

// Store upserts presence rows and announces each write on the feed.
type Store struct {
	db    *gorm.DB
	feed  *realtime.Feed
	clock func() time.Time
}

// NewStore constructs the presence store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("presence: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, feed: cfg.Feed, clock: clock}, nil
}

// Announce upserts the user's liveness row and publishes the change.
func (s *Store) Announce(ctx context.Context, userID, sessionID string, online bool) error {
	if userID == "" {
		return fmt.Errorf("presence: user id required")
	}

	record := Record{
		UserID:    userID,
		IsOnline:  online,
		LastSeen:  s.clock().UTC(),
		SessionID: sessionID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("presence: upsert failed: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(realtime.Event{
			Table:  realtime.TableUserPresence,
			Kind:   realtime.KindUpdate,
			UserID: record.UserID,
			Row:    record,
			At:     record.LastSeen,
		})
	}
	return nil
}

// Snapshot returns the current presence row set. Replaying it reconstructs
// the tracker's cache exactly.
func (s *Store) Snapshot(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("presence: snapshot query failed: %w", err)
	}
	return records, nil
}
