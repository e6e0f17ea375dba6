package users

import (
	"strings"
	"time"
)

// Profile captures a study-room member's identity and display attributes.
type Profile struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;uniqueIndex;not null"`
	Username     string    `gorm:"column:username;size:190;not null"`
	AvatarURL    string    `gorm:"column:avatar_url;size:512"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// DeriveUsername produces the display name used when none was registered:
// the local part of the email address.
func DeriveUsername(email string) string {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "User"
	}
	if at := strings.Index(trimmed, "@"); at > 0 {
		return trimmed[:at]
	}
	return trimmed
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
