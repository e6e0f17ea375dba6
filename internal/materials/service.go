package materials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/storage"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultListLimit      = 20
)

var (
	// ErrMissingFile indicates no file was supplied for upload.
	ErrMissingFile = errors.New("materials: file required")
	// ErrFileTooLarge indicates the upload exceeded the size cap.
	ErrFileTooLarge = errors.New("materials: file exceeds maximum size")

	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// Material models an uploaded study material row.
type Material struct {
	MaterialID  string    `gorm:"column:material_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Filename    string    `gorm:"column:filename;size:320;not null"`
	Filepath    string    `gorm:"column:filepath;size:512;not null"`
	Description string    `gorm:"column:description;type:text;not null"`
	Filesize    int64     `gorm:"column:filesize;not null"`
	Filetype    string    `gorm:"column:filetype;size:190"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index"`
}

// TableName exposes the table backing materials.
func (Material) TableName() string {
	return "materials"
}

// Upload describes an incoming file. Size must be known up front so the
// size cap is enforced before any storage or table call is made.
type Upload struct {
	Filename    string
	Size        int64
	ContentType string
	Description string
	Content     io.Reader
}

// Item is a listed material with its resolved download reference.
type Item struct {
	Material
	DownloadURL string
}

// ServiceConfig describes the dependencies for the materials service.
type ServiceConfig struct {
	Database   *gorm.DB
	Store      *storage.ObjectStore
	Feed       *realtime.Feed
	Clock      func() time.Time
	IDProvider ids.Provider
	MaxBytes   int64
	ListLimit  int
	Logger     *zap.Logger
}

// Service validates, stores, and lists uploaded study materials.
type Service struct {
	db         *gorm.DB
	store      *storage.ObjectStore
	feed       *realtime.Feed
	clock      func() time.Time
	idProvider ids.Provider
	maxBytes   int64
	listLimit  int
	logger     *zap.Logger
}

// NewService constructs the materials service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("materials: database connection required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("materials: object store required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("materials: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	listLimit := cfg.ListLimit
	if listLimit <= 0 {
		listLimit = defaultListLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		store:      cfg.Store,
		feed:       cfg.Feed,
		clock:      clock,
		idProvider: cfg.IDProvider,
		maxBytes:   maxBytes,
		listLimit:  listLimit,
		logger:     logger,
	}, nil
}

// StoreUpload validates the upload, writes the object, and records the row.
// Validation failures abort before any storage or table call.
func (s *Service) StoreUpload(ctx context.Context, userID string, upload Upload) (Material, error) {
	filename := strings.TrimSpace(upload.Filename)
	if filename == "" || upload.Content == nil {
		return Material{}, ErrMissingFile
	}
	if upload.Size > s.maxBytes {
		return Material{}, fmt.Errorf("%w: %d bytes over %d limit", ErrFileTooLarge, upload.Size, s.maxBytes)
	}

	now := s.clock().UTC()
	objectPath := fmt.Sprintf("materials/%s/%d_%s", userID, now.UnixMilli(), SanitizeFilename(filename))

	written, err := s.store.Upload(ctx, objectPath, io.LimitReader(upload.Content, s.maxBytes+1))
	if err != nil {
		return Material{}, fmt.Errorf("materials: upload failed: %w", err)
	}
	if written > s.maxBytes {
		// The declared size lied; drop the partial object before rejecting.
		if removeErr := s.store.Remove(objectPath); removeErr != nil {
			s.logger.Warn("oversize object cleanup failed",
				zap.String("object_path", objectPath),
				zap.Error(removeErr))
		}
		return Material{}, fmt.Errorf("%w: stream exceeded %d bytes", ErrFileTooLarge, s.maxBytes)
	}

	description := strings.TrimSpace(upload.Description)
	if description == "" {
		description = filename
	}

	materialID, err := s.idProvider.NewID()
	if err != nil {
		return Material{}, fmt.Errorf("materials: id generation failed: %w", err)
	}
	material := Material{
		MaterialID:  materialID,
		UserID:      userID,
		Filename:    filename,
		Filepath:    objectPath,
		Description: description,
		Filesize:    written,
		Filetype:    upload.ContentType,
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&material).Error; err != nil {
		return Material{}, fmt.Errorf("materials: insert failed: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(realtime.Event{
			Table:  realtime.TableMaterials,
			Kind:   realtime.KindInsert,
			UserID: material.UserID,
			Row:    material,
			At:     material.CreatedAt,
		})
	}
	return material, nil
}

// List returns the latest materials, newest first, with resolved download URLs.
func (s *Service) List(ctx context.Context) ([]Item, error) {
	var rows []Material
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(s.listLimit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("materials: query failed: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, material := range rows {
		items = append(items, Item{
			Material:    material,
			DownloadURL: s.store.PublicURL(material.Filepath),
		})
	}
	return items, nil
}

// SanitizeFilename replaces characters outside [a-zA-Z0-9._-] with underscores.
func SanitizeFilename(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}
