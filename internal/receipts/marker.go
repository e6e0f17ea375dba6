package receipts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyroom-labs/studyroom/internal/chat"
	"github.com/studyroom-labs/studyroom/internal/ids"
)

const defaultScanLimit = 20

// ReadReceipt marks a message as seen by a user. The composite unique index
// is the storage-boundary guarantee that at most one receipt exists per
// (user, message) pair, regardless of how many markers race on insert.
type ReadReceipt struct {
	ReceiptID string    `gorm:"column:receipt_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_receipts_user_message,priority:1"`
	MessageID string    `gorm:"column:message_id;size:190;not null;uniqueIndex:idx_receipts_user_message,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing read receipts.
func (ReadReceipt) TableName() string {
	return "read_receipts"
}

// MarkerConfig describes the dependencies for the read-receipt marker.
type MarkerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	ScanLimit  int
	Logger     *zap.Logger
}

// Marker idempotently records which recent messages the user has seen.
type Marker struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	scanLimit  int
	logger     *zap.Logger
}

// NewMarker constructs the read-receipt marker.
func NewMarker(cfg MarkerConfig) (*Marker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("receipts: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("receipts: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.ScanLimit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Marker{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		scanLimit:  limit,
		logger:     logger,
	}, nil
}

// MarkVisible records receipts for the most recent messages authored by
// others. Inserts use on-conflict-do-nothing keyed on (user_id, message_id),
// so concurrent invocations for the same messages leave a single receipt.
func (m *Marker) MarkVisible(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("receipts: user id required")
	}

	var recent []chat.Message
	err := m.db.WithContext(ctx).
		Where("user_id <> ?", userID).
		Order("created_at DESC").
		Limit(m.scanLimit).
		Find(&recent).Error
	if err != nil {
		return fmt.Errorf("receipts: recent message query failed: %w", err)
	}
	if len(recent) == 0 {
		return nil
	}

	now := m.clock().UTC()
	rows := make([]ReadReceipt, 0, len(recent))
	for _, message := range recent {
		receiptID, err := m.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("receipts: id generation failed: %w", err)
		}
		rows = append(rows, ReadReceipt{
			ReceiptID: receiptID,
			UserID:    userID,
			MessageID: message.MessageID,
			CreatedAt: now,
		})
	}

	err = m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("receipts: insert failed: %w", err)
	}
	return nil
}

// Seen reports whether a receipt exists for the (user, message) pair.
func (m *Marker) Seen(ctx context.Context, userID, messageID string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&ReadReceipt{}).
		Where("user_id = ? AND message_id = ?", userID, messageID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("receipts: existence query failed: %w", err)
	}
	return count > 0, nil
}
