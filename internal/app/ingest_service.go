package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/pkg/chunker"
	"docuchat/internal/pkg/pdfextract"
	"docuchat/internal/platform/rabbitmq"
	"docuchat/internal/storage"
)

// DocumentStore is the document persistence contract used by the services.
type DocumentStore interface {
	Create(doc *model.Document) error
	GetByID(id uint) (*model.Document, error)
	GetByIDAndUserID(id, userID uint) (*model.Document, error)
	GetByHashAndUserID(sha256 string, userID uint) (*model.Document, error)
	ListByUserID(userID uint) ([]model.Document, error)
	UpdateStatus(id uint, status string, pageCount *int) error
	DeleteByIDAndUserID(id, userID uint) error
}

// ChunkStore is the chunk persistence contract used by ingestion.
type ChunkStore interface {
	CreateBatch(chunks []model.Chunk) error
	DeleteByDocumentID(documentID uint) error
}

// Embedder produces embedding vectors for chunk and query texts.
type Embedder interface {
	Embed(ctx context.Context, cfg ai.EmbeddingConfig, text string) ([]float32, error)
	EmbedBatches(ctx context.Context, cfg ai.EmbeddingConfig, texts []string, batchSize int) ([][]float32, error)
}

// IngestQueue hands ingestion jobs to the background worker.
type IngestQueue interface {
	Publish(ctx context.Context, job rabbitmq.IngestJob) error
}

// IngestLocker serializes ingestion runs per document.
type IngestLocker interface {
	TryLock(ctx context.Context, documentID uint) (bool, error)
	Unlock(ctx context.Context, documentID uint) error
}

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDuplicateDocument = errors.New("identical document already uploaded")
	ErrEmptyContent      = errors.New("document contains no extractable text")
	ErrNoChunks          = errors.New("document produced no usable chunks")
	ErrIngestInProgress  = errors.New("document ingestion already in progress")
)

// IngestParams tunes the chunking and embedding stages.
type IngestParams struct {
	ChunkSize          int
	ChunkOverlap       int
	MinChunkSize       int
	EmbeddingBatchSize int
}

// IngestService owns the document lifecycle: upload, background ingestion,
// re-ingestion, listing and deletion. Ingestion itself runs off the request
// path; Upload only stores the blob and enqueues a job.
type IngestService struct {
	docRepo   DocumentStore
	chunkRepo ChunkStore
	blobs     storage.Storage
	queue     IngestQueue
	lock      IngestLocker
	llm       Embedder
	embCfg    ai.EmbeddingConfig
	params    IngestParams

	// extract is swappable in tests; production uses pdfextract.ExtractText.
	extract func(r io.Reader) (string, int, error)
}

func NewIngestService(
	docRepo DocumentStore,
	chunkRepo ChunkStore,
	blobs storage.Storage,
	queue IngestQueue,
	lock IngestLocker,
	llm Embedder,
	embCfg ai.EmbeddingConfig,
	params IngestParams,
) *IngestService {
	return &IngestService{
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		blobs:     blobs,
		queue:     queue,
		lock:      lock,
		llm:       llm,
		embCfg:    embCfg,
		params:    params,
		extract:   pdfextract.ExtractText,
	}
}

type UploadInput struct {
	UserID   uint
	Filename string
	Data     []byte
}

// Upload stores the raw PDF, records a pending document and enqueues an
// ingestion job. Re-uploading byte-identical content returns the existing
// document together with ErrDuplicateDocument, unless that earlier attempt
// failed, in which case a fresh document is created.
func (s *IngestService) Upload(ctx context.Context, input UploadInput) (*model.Document, error) {
	filename := strings.TrimSpace(input.Filename)
	if input.UserID == 0 || filename == "" || len(input.Data) == 0 {
		return nil, ErrInvalidInput
	}

	hash := pdfextract.ComputeSHA256(input.Data)
	existing, err := s.docRepo.GetByHashAndUserID(hash, input.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != model.DocumentStatusFailed {
		return existing, ErrDuplicateDocument
	}

	storagePath, err := s.blobs.Upload(ctx, uuid.New(), filename, bytes.NewReader(input.Data))
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		UserID:      input.UserID,
		Filename:    filename,
		SHA256:      hash,
		StoragePath: storagePath,
		Status:      model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, err
	}

	if err := s.queue.Publish(ctx, rabbitmq.IngestJob{DocumentID: doc.ID}); err != nil {
		// The document stays pending; a later re-ingest can pick it up.
		return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
	}
	return doc, nil
}

// Ingest runs the full pipeline for one document: extract, chunk, embed,
// persist. Any failure after the processing transition marks the document
// failed exactly once; failed documents never retain chunks.
func (s *IngestService) Ingest(ctx context.Context, documentID uint) error {
	acquired, err := s.lock.TryLock(ctx, documentID)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrIngestInProgress
	}
	defer func() {
		if err := s.lock.Unlock(ctx, documentID); err != nil {
			log.Printf("release ingest lock for document %d: %v", documentID, err)
		}
	}()

	doc, err := s.docRepo.GetByID(documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	if err := s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusProcessing, nil); err != nil {
		return err
	}

	pageCount, chunkCount, err := s.runPipeline(ctx, doc)
	if err != nil {
		log.Printf("ingest document %d failed: %v", doc.ID, err)
		if statusErr := s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusFailed, nil); statusErr != nil {
			log.Printf("mark document %d failed: %v", doc.ID, statusErr)
		}
		return err
	}

	log.Printf("ingested document %d: %d chunks across %d pages", doc.ID, chunkCount, pageCount)
	return nil
}

func (s *IngestService) runPipeline(ctx context.Context, doc *model.Document) (int, int, error) {
	blob, err := s.blobs.Download(ctx, doc.StoragePath)
	if err != nil {
		return 0, 0, err
	}
	defer blob.Close()

	text, pageCount, err := s.extract(blob)
	if err != nil {
		return 0, 0, fmt.Errorf("extract text failed: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return 0, 0, ErrEmptyContent
	}

	chunks := chunker.Split(text, chunker.Params{
		ChunkSize:    s.params.ChunkSize,
		Overlap:      s.params.ChunkOverlap,
		MinChunkSize: s.params.MinChunkSize,
	})
	if len(chunks) == 0 {
		return 0, 0, ErrNoChunks
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := s.llm.EmbedBatches(ctx, s.embCfg, texts, s.params.EmbeddingBatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(vectors) != len(chunks) {
		return 0, 0, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	rows := make([]model.Chunk, len(chunks))
	for i := range chunks {
		rows[i] = model.Chunk{
			DocumentID: doc.ID,
			Content:    chunks[i].Content,
			PageStart:  chunks[i].PageStart,
			PageEnd:    chunks[i].PageEnd,
			TokenCount: chunks[i].TokenCount,
		}
		rows[i].SetEmbedding(vectors[i])
	}
	if err := s.chunkRepo.CreateBatch(rows); err != nil {
		return 0, 0, err
	}

	if err := s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusReady, &pageCount); err != nil {
		return 0, 0, err
	}
	return pageCount, len(rows), nil
}

// Reingest drops a document's chunks, resets it to pending and enqueues a
// fresh ingestion job against the stored blob.
func (s *IngestService) Reingest(ctx context.Context, userID, documentID uint) (*model.Document, error) {
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	if doc.Status == model.DocumentStatusProcessing {
		return nil, ErrIngestInProgress
	}

	if err := s.chunkRepo.DeleteByDocumentID(doc.ID); err != nil {
		return nil, err
	}
	if err := s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusPending, nil); err != nil {
		return nil, err
	}
	doc.Status = model.DocumentStatusPending

	if err := s.queue.Publish(ctx, rabbitmq.IngestJob{DocumentID: doc.ID}); err != nil {
		return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
	}
	return doc, nil
}

func (s *IngestService) GetDocument(userID, documentID uint) (*model.Document, error) {
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

func (s *IngestService) ListDocuments(userID uint) ([]model.Document, error) {
	return s.docRepo.ListByUserID(userID)
}

// DeleteDocument removes the chunks, the stored blob and the document row.
func (s *IngestService) DeleteDocument(ctx context.Context, userID, documentID uint) error {
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	if err := s.chunkRepo.DeleteByDocumentID(doc.ID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.StoragePath); err != nil {
		log.Printf("delete blob %s for document %d: %v", doc.StoragePath, doc.ID, err)
	}
	return s.docRepo.DeleteByIDAndUserID(doc.ID, userID)
}
