package chat

import "time"

// Message models a row in the shared room chat.
type Message struct {
	MessageID string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Username  string    `gorm:"column:username;size:190;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}
