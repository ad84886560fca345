package model

import "time"

// Document lifecycle status. A document never carries chunks unless it is ready;
// failed is a terminal, chunk-free state.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusReady      = "ready"
	DocumentStatusFailed     = "failed"
)

// Document is an uploaded PDF tracked through the ingestion pipeline.
// PageCount is unknown until extraction succeeds.
type Document struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	Filename    string    `gorm:"size:256;not null" json:"filename"`
	SHA256      string    `gorm:"size:64;not null;index" json:"sha256"`
	StoragePath string    `gorm:"size:512;not null" json:"-"`
	Status      string    `gorm:"size:16;not null;index" json:"status"`
	PageCount   *int      `json:"page_count,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
