package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/realtime"
)

const defaultHistoryLimit = 50

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrEmptyMessage indicates the message text was blank.
	ErrEmptyMessage = errors.New("chat: message text required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "chat.service.new"
	opSendMessage = "chat.send_message"
	opHistory     = "chat.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies for the chat service.
type ServiceConfig struct {
	Database     *gorm.DB
	Feed         *realtime.Feed
	Clock        func() time.Time
	IDProvider   ids.Provider
	HistoryLimit int
	Logger       *zap.Logger
}

// Service persists chat messages and exposes the bounded room history.
type Service struct {
	db           *gorm.DB
	feed         *realtime.Feed
	clock        func() time.Time
	idProvider   ids.Provider
	historyLimit int
	logger       *zap.Logger
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		feed:         cfg.Feed,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		historyLimit: limit,
		logger:       logger,
	}, nil
}

// Send validates and inserts a message, then announces it on the feed.
func (s *Service) Send(ctx context.Context, userID, username, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if strings.TrimSpace(username) == "" {
		username = "User"
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendMessage, "id_generation_failed", err, zap.String("user_id", userID))
		return Message{}, newServiceError(opSendMessage, "id_generation_failed", err)
	}

	message := Message{
		MessageID: messageID,
		UserID:    userID,
		Username:  username,
		Message:   text,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSendMessage, "insert_failed", err, zap.String("user_id", userID))
		return Message{}, newServiceError(opSendMessage, "insert_failed", err)
	}

	if s.feed != nil {
		s.feed.Publish(realtime.Event{
			Table:  realtime.TableChatMessages,
			Kind:   realtime.KindInsert,
			UserID: message.UserID,
			Row:    message,
			At:     message.CreatedAt,
		})
	}
	return message, nil
}

// History returns the most recent messages in oldest-first order, bounded by
// the configured history limit.
func (s *Service) History(ctx context.Context) ([]Message, error) {
	var newest []Message
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(s.historyLimit).
		Find(&newest).Error
	if err != nil {
		s.logError(opHistory, "query_failed", err)
		return nil, newServiceError(opHistory, "query_failed", err)
	}

	// Fetched newest-first for the limit; the room renders oldest-first.
	history := make([]Message, len(newest))
	for index, message := range newest {
		history[len(newest)-1-index] = message
	}
	return history, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
