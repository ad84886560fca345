package model

import "time"

// Message is one turn in a conversation. Assistant messages carry the citations
// and token usage of the answer as JSON columns.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	Role           string    `gorm:"size:16;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	DocumentIDs    string    `gorm:"type:text" json:"-"`
	Citations      string    `gorm:"type:text" json:"-"`
	TokenUsage     string    `gorm:"size:256" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
