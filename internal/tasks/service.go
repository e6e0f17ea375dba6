package tasks

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
	// ErrEmptyText indicates the task text was blank.
	ErrEmptyText = errors.New("tasks: task text required")
	// ErrTaskNotFound indicates no task matched the id for the user.
	ErrTaskNotFound = errors.New("tasks: task not found")
)

// Task models a personal to-do item.
type Task struct {
	TaskID    string    `gorm:"column:task_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_tasks_user_created,priority:1"`
	Text      string    `gorm:"column:text;type:text;not null"`
	Completed bool      `gorm:"column:completed;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_tasks_user_created,priority:2"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing tasks.
func (Task) TableName() string {
	return "tasks"
}

// ServiceConfig describes the dependencies for the task service.
type ServiceConfig struct {
	Database   *gorm.DB
	Feed       *realtime.Feed
	Clock      func() time.Time
	IDProvider ids.Provider
}

// Service owns task CRUD. Mutations publish feed events so the task list
// re-renders from a fresh snapshot.
type Service struct {
	db         *gorm.DB
	feed       *realtime.Feed
	clock      func() time.Time
	idProvider ids.Provider
}

// NewService constructs the task service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("tasks: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("tasks: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, feed: cfg.Feed, clock: clock, idProvider: cfg.IDProvider}, nil
}

// Add validates and inserts a task.
func (s *Service) Add(ctx context.Context, userID, text string) (Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Task{}, ErrEmptyText
	}

	taskID, err := s.idProvider.NewID()
	if err != nil {
		return Task{}, err
	}
	now := s.clock().UTC()
	task := Task{
		TaskID:    taskID,
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return Task{}, fmt.Errorf("tasks: insert failed: %w", err)
	}

	s.publish(realtime.KindInsert, task)
	return task, nil
}

// List returns every task for the user, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Task, error) {
	var tasks []Task
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: query failed: %w", err)
	}
	return tasks, nil
}

// Toggle sets the completed flag on the user's task.
func (s *Service) Toggle(ctx context.Context, userID, taskID string, completed bool) (Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND task_id = ?", userID, taskID).
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}

	task.Completed = completed
	task.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&task).Error; err != nil {
		return Task{}, fmt.Errorf("tasks: update failed: %w", err)
	}

	s.publish(realtime.KindUpdate, task)
	return task, nil
}

// Delete removes the user's task.
func (s *Service) Delete(ctx context.Context, userID, taskID string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND task_id = ?", userID, taskID).
		Delete(&Task{})
	if result.Error != nil {
		return fmt.Errorf("tasks: delete failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}

	s.publish(realtime.KindDelete, Task{TaskID: taskID, UserID: userID})
	return nil
}

func (s *Service) publish(kind realtime.Kind, task Task) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(realtime.Event{
		Table:  realtime.TableTasks,
		Kind:   kind,
		UserID: task.UserID,
		Row:    task,
	})
}
