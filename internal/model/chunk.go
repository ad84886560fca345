package model

import (
	"encoding/json"
	"time"
)

// Chunk is a page-attributed text segment with its embedding, the unit of
// retrieval. Embedding is stored as a JSON array of float32 for portability.
// PageStart/PageEnd are 1-based and inclusive; nil means the page is unknown.
type Chunk struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;index" json:"document_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Embedding  string    `gorm:"type:mediumtext" json:"-"`
	PageStart  *int      `json:"page_start,omitempty"`
	PageEnd    *int      `json:"page_end,omitempty"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// EmbeddingVector returns the parsed embedding slice; empty on parse error.
func (c *Chunk) EmbeddingVector() []float32 {
	if c.Embedding == "" {
		return nil
	}
	var v []float32
	_ = json.Unmarshal([]byte(c.Embedding), &v)
	return v
}

// SetEmbedding stores the embedding as JSON.
func (c *Chunk) SetEmbedding(vec []float32) {
	if len(vec) == 0 {
		c.Embedding = "[]"
		return
	}
	b, _ := json.Marshal(vec)
	c.Embedding = string(b)
}
