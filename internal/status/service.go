package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyroom-labs/studyroom/internal/realtime"
)

// DefaultStatus is applied when a session starts without an explicit status.
const DefaultStatus = "Studying"

// ErrEmptyStatus indicates the status text was blank.
var ErrEmptyStatus = errors.New("status: status text required")

// Record stores a user's self-reported study status, last-write-wins.
type Record struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Status    string    `gorm:"column:status;size:190;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing status records.
func (Record) TableName() string {
	return "status"
}

// ServiceConfig describes the dependencies for the status service.
type ServiceConfig struct {
	Database *gorm.DB
	Feed     *realtime.Feed
	Clock    func() time.Time
}

// Service upserts per-user status records.
type Service struct {
	db    *gorm.DB
	feed  *realtime.Feed
	clock func() time.Time
}

// NewService constructs the status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("status: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, feed: cfg.Feed, clock: clock}, nil
}

// Set upserts the user's status, keyed on user id.
func (s *Service) Set(ctx context.Context, userID, statusText string) error {
	statusText = strings.TrimSpace(statusText)
	if statusText == "" {
		return ErrEmptyStatus
	}

	record := Record{
		UserID:    userID,
		Status:    statusText,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("status: upsert failed: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(realtime.Event{
			Table:  realtime.TableStatus,
			Kind:   realtime.KindUpdate,
			UserID: record.UserID,
			Row:    record,
			At:     record.UpdatedAt,
		})
	}
	return nil
}

// Get returns the user's current status record.
func (s *Service) Get(ctx context.Context, userID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if err != nil {
		return Record{}, err
	}
	return record, nil
}
