package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/realtime"
)

var (
	// ErrEmptyTitle indicates the notification title was blank.
	ErrEmptyTitle = errors.New("notify: notification title required")
	// ErrNotificationNotFound indicates no notification matched the id for the user.
	ErrNotificationNotFound = errors.New("notify: notification not found")
)

// Notification models a message delivered to one recipient.
type Notification struct {
	NotificationID string    `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1"`
	Title          string    `gorm:"column:title;size:255;not null"`
	Message        string    `gorm:"column:message;type:text;not null"`
	IsRead         bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

// ServiceConfig describes the dependencies for the notification service.
type ServiceConfig struct {
	Database   *gorm.DB
	Feed       *realtime.Feed
	Clock      func() time.Time
	IDProvider ids.Provider
	PanelSize  int
}

// Service owns notification rows. The panel is a pure snapshot of the
// latest rows; no read state is carried between panel opens.
type Service struct {
	db         *gorm.DB
	feed       *realtime.Feed
	clock      func() time.Time
	idProvider ids.Provider
	panelSize  int
}

// NewService constructs the notification service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("notify: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("notify: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	panelSize := cfg.PanelSize
	if panelSize <= 0 {
		panelSize = 20
	}
	return &Service{
		db:         cfg.Database,
		feed:       cfg.Feed,
		clock:      clock,
		idProvider: cfg.IDProvider,
		panelSize:  panelSize,
	}, nil
}

// Create inserts a notification for the recipient and announces it.
func (s *Service) Create(ctx context.Context, userID, title, message string) (Notification, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Notification{}, ErrEmptyTitle
	}
	if userID == "" {
		return Notification{}, fmt.Errorf("notify: recipient required")
	}

	notificationID, err := s.idProvider.NewID()
	if err != nil {
		return Notification{}, err
	}
	notification := Notification{
		NotificationID: notificationID,
		UserID:         userID,
		Title:          title,
		Message:        strings.TrimSpace(message),
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return Notification{}, fmt.Errorf("notify: insert failed: %w", err)
	}

	s.publish(realtime.KindInsert, notification)
	return notification, nil
}

// Panel returns the latest notifications for the user, newest first.
func (s *Service) Panel(ctx context.Context, userID string) ([]Notification, error) {
	var notifications []Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(s.panelSize).
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("notify: panel query failed: %w", err)
	}
	return notifications, nil
}

// UnreadCount reports how many notifications remain unread for the user.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("notify: unread count failed: %w", err)
	}
	return count, nil
}

// MarkRead flips the read flag on one notification; other rows keep theirs.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) (Notification, error) {
	var notification Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND notification_id = ?", userID, notificationID).
		Take(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, ErrNotificationNotFound
	}
	if err != nil {
		return Notification{}, err
	}

	if !notification.IsRead {
		notification.IsRead = true
		if err := s.db.WithContext(ctx).Save(&notification).Error; err != nil {
			return Notification{}, fmt.Errorf("notify: mark read failed: %w", err)
		}
		s.publish(realtime.KindUpdate, notification)
	}
	return notification, nil
}

// MarkAllRead flips every unread notification for the user.
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true).Error
	if err != nil {
		return fmt.Errorf("notify: mark all read failed: %w", err)
	}

	s.publish(realtime.KindUpdate, Notification{UserID: userID, IsRead: true})
	return nil
}

func (s *Service) publish(kind realtime.Kind, notification Notification) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(realtime.Event{
		Table:  realtime.TableNotifications,
		Kind:   kind,
		UserID: notification.UserID,
		Row:    notification,
	})
}
