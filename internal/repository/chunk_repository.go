package repository

import (
	"fmt"
	"math"
	"sort"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type ChunkRepository struct {
	db *gorm.DB
}

// ScoredChunk is a chunk plus its similarity to a query vector, alive only
// for the duration of one retrieval.
type ScoredChunk struct {
	model.Chunk
	Score float32
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// CreateBatch inserts all chunks of one ingestion run inside a single
// transaction, so readers observe either the complete set or nothing.
func (r *ChunkRepository) CreateBatch(chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&chunks, 200).Error
	})
	if err != nil {
		return fmt.Errorf("create chunk batch failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) DeleteByDocumentID(documentID uint) error {
	if err := r.db.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks by document failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) CountByDocumentID(documentID uint) (int64, error) {
	var n int64
	if err := r.db.Model(&model.Chunk{}).Where("document_id = ?", documentID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count chunks failed: %w", err)
	}
	return n, nil
}

// SearchByEmbedding returns the chunks of the given documents whose cosine
// similarity to the query vector reaches threshold, best first, at most count.
// Embeddings live as JSON in MySQL, so scoring happens here rather than in a
// vector index; candidate sets are bounded by doc_ids.
func (r *ChunkRepository) SearchByEmbedding(vector []float32, docIDs []uint, threshold float64, count int) ([]ScoredChunk, error) {
	if len(vector) == 0 || len(docIDs) == 0 || count <= 0 {
		return nil, nil
	}

	var candidates []model.Chunk
	if err := r.db.Where("document_id IN ?", docIDs).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("load chunks for search failed: %w", err)
	}

	scored := make([]ScoredChunk, 0, len(candidates))
	for i := range candidates {
		score := cosineSimilarity(vector, candidates[i].EmbeddingVector())
		if float64(score) >= threshold {
			scored = append(scored, ScoredChunk{Chunk: candidates[i], Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > count {
		scored = scored[:count]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
