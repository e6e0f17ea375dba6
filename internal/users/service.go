package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/ids"
)

var (
	// ErrInvalidCredentials indicates the email/password pair did not match a profile.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrEmailTaken indicates a profile already exists for the email address.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrProfileNotFound indicates no profile exists for the requested user id.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrMissingField indicates a required registration field was empty.
	ErrMissingField = errors.New("users: required field missing")
)

// ServiceConfig describes the dependencies required for profile management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
}

// Service manages user profiles and credential verification. Profile lookups
// are served from an in-process cache once resolved; profiles are immutable
// after registration so the cache never goes stale.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	cache      sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// Register creates a profile for the email/password pair. The username
// defaults to the email local part when empty.
func (s *Service) Register(ctx context.Context, email, password, username string) (Profile, error) {
	email = normalize(email)
	if email == "" || password == "" {
		return Profile{}, fmt.Errorf("%w: email and password", ErrMissingField)
	}

	var existing Profile
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return Profile{}, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Profile{}, err
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		return Profile{}, err
	}

	name := normalize(username)
	if name == "" {
		name = DeriveUsername(email)
	}

	profile := Profile{
		UserID:       userID,
		Email:        email,
		Username:     name,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
		return Profile{}, err
	}

	s.cache.Store(profile.UserID, profile)
	return profile, nil
}

// Authenticate verifies the email/password pair and returns the profile.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Profile, error) {
	email = normalize(email)
	if email == "" || password == "" {
		return Profile{}, ErrInvalidCredentials
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrInvalidCredentials
	}
	if err != nil {
		return Profile{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)); err != nil {
		return Profile{}, ErrInvalidCredentials
	}

	s.cache.Store(profile.UserID, profile)
	return profile, nil
}

// Lookup resolves the display profile for a user id, serving from cache when
// the profile was resolved before.
func (s *Service) Lookup(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrProfileNotFound
	}
	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}

	s.cache.Store(profile.UserID, profile)
	return profile, nil
}
