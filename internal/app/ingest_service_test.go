package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/platform/rabbitmq"
)

type fakeDocStore struct {
	docs      map[uint]*model.Document
	nextID    uint
	statusLog []string
	pageSet   map[uint]int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: map[uint]*model.Document{}, pageSet: map[uint]int{}}
}

func (f *fakeDocStore) add(doc *model.Document) *model.Document {
	f.nextID++
	doc.ID = f.nextID
	f.docs[doc.ID] = doc
	return doc
}

func (f *fakeDocStore) Create(doc *model.Document) error {
	f.add(doc)
	return nil
}

func (f *fakeDocStore) GetByID(id uint) (*model.Document, error) {
	return f.docs[id], nil
}

func (f *fakeDocStore) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	doc := f.docs[id]
	if doc == nil || doc.UserID != userID {
		return nil, nil
	}
	return doc, nil
}

func (f *fakeDocStore) GetByHashAndUserID(sha256 string, userID uint) (*model.Document, error) {
	var latest *model.Document
	for _, doc := range f.docs {
		if doc.SHA256 == sha256 && doc.UserID == userID {
			if latest == nil || doc.ID > latest.ID {
				latest = doc
			}
		}
	}
	return latest, nil
}

func (f *fakeDocStore) ListByUserID(userID uint) ([]model.Document, error) {
	var list []model.Document
	for _, doc := range f.docs {
		if doc.UserID == userID {
			list = append(list, *doc)
		}
	}
	return list, nil
}

func (f *fakeDocStore) UpdateStatus(id uint, status string, pageCount *int) error {
	doc := f.docs[id]
	if doc == nil {
		return errors.New("no such document")
	}
	doc.Status = status
	f.statusLog = append(f.statusLog, status)
	if pageCount != nil {
		doc.PageCount = pageCount
		f.pageSet[id] = *pageCount
	}
	return nil
}

func (f *fakeDocStore) DeleteByIDAndUserID(id, userID uint) error {
	delete(f.docs, id)
	return nil
}

type fakeChunkStore struct {
	created     []model.Chunk
	deletedDocs []uint
	createErr   error
}

func (f *fakeChunkStore) CreateBatch(chunks []model.Chunk) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, chunks...)
	return nil
}

func (f *fakeChunkStore) DeleteByDocumentID(documentID uint) error {
	f.deletedDocs = append(f.deletedDocs, documentID)
	return nil
}

type fakeBlobStore struct {
	objects map[string][]byte
	deleted []string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Upload(ctx context.Context, key uuid.UUID, filename string, data io.Reader) (string, error) {
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/%s_%s", key.String()[:2], key.String(), filename)
	f.objects[path] = raw
	return path, nil
}

func (f *fakeBlobStore) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	raw, ok := f.objects[storagePath]
	if !ok {
		return nil, fmt.Errorf("no object at %s", storagePath)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, storagePath string) error {
	f.deleted = append(f.deleted, storagePath)
	delete(f.objects, storagePath)
	return nil
}

type fakeQueue struct {
	jobs       []rabbitmq.IngestJob
	publishErr error
}

func (f *fakeQueue) Publish(ctx context.Context, job rabbitmq.IngestJob) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeLock struct {
	held     bool
	unlocked []uint
}

func (f *fakeLock) TryLock(ctx context.Context, documentID uint) (bool, error) {
	return !f.held, nil
}

func (f *fakeLock) Unlock(ctx context.Context, documentID uint) error {
	f.unlocked = append(f.unlocked, documentID)
	return nil
}

type fakeEmbedder struct {
	batchErr   error
	batchCalls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, cfg ai.EmbeddingConfig, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatches(ctx context.Context, cfg ai.EmbeddingConfig, texts []string, batchSize int) ([][]float32, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

type ingestHarness struct {
	svc    *IngestService
	docs   *fakeDocStore
	chunks *fakeChunkStore
	blobs  *fakeBlobStore
	queue  *fakeQueue
	lock   *fakeLock
	llm    *fakeEmbedder
}

func newIngestHarness() *ingestHarness {
	h := &ingestHarness{
		docs:   newFakeDocStore(),
		chunks: &fakeChunkStore{},
		blobs:  newFakeBlobStore(),
		queue:  &fakeQueue{},
		lock:   &fakeLock{},
		llm:    &fakeEmbedder{},
	}
	h.svc = NewIngestService(h.docs, h.chunks, h.blobs, h.queue, h.lock, h.llm,
		ai.EmbeddingConfig{Model: "test-embed"},
		IngestParams{ChunkSize: 25, ChunkOverlap: 5, MinChunkSize: 5, EmbeddingBatchSize: 100},
	)
	return h
}

func pdfBody(n int) []byte {
	return bytes.Repeat([]byte("x"), n)
}

func TestUploadCreatesPendingAndEnqueues(t *testing.T) {
	h := newIngestHarness()

	doc, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "report.pdf", Data: pdfBody(64)})
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, model.DocumentStatusPending, doc.Status)
	assert.Len(t, doc.SHA256, 64)
	assert.NotEmpty(t, doc.StoragePath)
	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, doc.ID, h.queue.jobs[0].DocumentID)
}

func TestUploadDuplicateContentRejected(t *testing.T) {
	h := newIngestHarness()
	data := pdfBody(64)

	first, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "a.pdf", Data: data})
	require.NoError(t, err)

	second, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "b.pdf", Data: data})
	assert.ErrorIs(t, err, ErrDuplicateDocument)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.queue.jobs, 1)
}

func TestUploadAfterFailureStartsFresh(t *testing.T) {
	h := newIngestHarness()
	data := pdfBody(64)

	first, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "a.pdf", Data: data})
	require.NoError(t, err)
	require.NoError(t, h.docs.UpdateStatus(first.ID, model.DocumentStatusFailed, nil))

	second, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "a.pdf", Data: data})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, model.DocumentStatusPending, second.Status)
}

func TestUploadRejectsEmptyInput(t *testing.T) {
	h := newIngestHarness()

	_, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "a.pdf"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Upload(t.Context(), UploadInput{UserID: 7, Data: pdfBody(8)})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// uploadAndStub uploads a document and replaces extraction with a stub that
// returns the given text and page count.
func (h *ingestHarness) uploadAndStub(t *testing.T, text string, pages int, extractErr error) *model.Document {
	t.Helper()
	doc, err := h.svc.Upload(t.Context(), UploadInput{UserID: 7, Filename: "doc.pdf", Data: pdfBody(128)})
	require.NoError(t, err)
	h.svc.extract = func(r io.Reader) (string, int, error) {
		if extractErr != nil {
			return "", 0, extractErr
		}
		return text, pages, nil
	}
	return doc
}

func TestIngestHappyPath(t *testing.T) {
	h := newIngestHarness()
	text := "<!-- Page 1 -->\n" + strings.Repeat("Facts about widgets. ", 12)
	doc := h.uploadAndStub(t, text, 1, nil)

	require.NoError(t, h.svc.Ingest(t.Context(), doc.ID))

	assert.Equal(t, []string{model.DocumentStatusProcessing, model.DocumentStatusReady}, h.docs.statusLog)
	assert.Equal(t, 1, h.docs.pageSet[doc.ID])
	require.NotEmpty(t, h.chunks.created)
	for _, c := range h.chunks.created {
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.NotEmpty(t, c.Content)
		assert.NotEmpty(t, c.EmbeddingVector())
		require.NotNil(t, c.PageStart)
		assert.Equal(t, 1, *c.PageStart)
	}
	assert.Equal(t, []uint{doc.ID}, h.lock.unlocked)
}

func TestIngestExtractionFailureMarksFailed(t *testing.T) {
	h := newIngestHarness()
	doc := h.uploadAndStub(t, "", 0, errors.New("corrupt xref table"))

	err := h.svc.Ingest(t.Context(), doc.ID)
	require.Error(t, err)

	assert.Equal(t, []string{model.DocumentStatusProcessing, model.DocumentStatusFailed}, h.docs.statusLog)
	assert.Empty(t, h.chunks.created)
	assert.Equal(t, model.DocumentStatusFailed, h.docs.docs[doc.ID].Status)
}

func TestIngestEmptyTextMarksFailed(t *testing.T) {
	h := newIngestHarness()
	doc := h.uploadAndStub(t, "   \n\n  ", 3, nil)

	err := h.svc.Ingest(t.Context(), doc.ID)
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, model.DocumentStatusFailed, h.docs.docs[doc.ID].Status)
}

func TestIngestTooShortForChunksMarksFailed(t *testing.T) {
	h := newIngestHarness()
	doc := h.uploadAndStub(t, "<!-- Page 1 -->\nhi", 1, nil)

	err := h.svc.Ingest(t.Context(), doc.ID)
	assert.ErrorIs(t, err, ErrNoChunks)
	assert.Equal(t, model.DocumentStatusFailed, h.docs.docs[doc.ID].Status)
	assert.Empty(t, h.chunks.created)
}

func TestIngestEmbeddingFailureMarksFailed(t *testing.T) {
	h := newIngestHarness()
	text := "<!-- Page 1 -->\n" + strings.Repeat("Facts about widgets. ", 12)
	doc := h.uploadAndStub(t, text, 1, nil)
	h.llm.batchErr = errors.New("provider unavailable")

	err := h.svc.Ingest(t.Context(), doc.ID)
	require.Error(t, err)
	assert.Equal(t, model.DocumentStatusFailed, h.docs.docs[doc.ID].Status)
	assert.Empty(t, h.chunks.created)
}

func TestIngestSkipsWhenLockHeld(t *testing.T) {
	h := newIngestHarness()
	doc := h.uploadAndStub(t, "<!-- Page 1 -->\nsome text", 1, nil)
	h.lock.held = true

	err := h.svc.Ingest(t.Context(), doc.ID)
	assert.ErrorIs(t, err, ErrIngestInProgress)
	assert.Empty(t, h.docs.statusLog)
}

func TestReingestResetsDocument(t *testing.T) {
	h := newIngestHarness()
	text := "<!-- Page 1 -->\n" + strings.Repeat("Facts about widgets. ", 12)
	doc := h.uploadAndStub(t, text, 1, nil)
	require.NoError(t, h.svc.Ingest(t.Context(), doc.ID))
	jobsBefore := len(h.queue.jobs)

	out, err := h.svc.Reingest(t.Context(), 7, doc.ID)
	require.NoError(t, err)

	assert.Equal(t, model.DocumentStatusPending, out.Status)
	assert.Contains(t, h.chunks.deletedDocs, doc.ID)
	assert.Len(t, h.queue.jobs, jobsBefore+1)
}

func TestReingestRejectsProcessingDocument(t *testing.T) {
	h := newIngestHarness()
	doc := h.docs.add(&model.Document{UserID: 7, Status: model.DocumentStatusProcessing})

	_, err := h.svc.Reingest(t.Context(), 7, doc.ID)
	assert.ErrorIs(t, err, ErrIngestInProgress)
}

func TestDeleteDocumentRemovesEverything(t *testing.T) {
	h := newIngestHarness()
	text := "<!-- Page 1 -->\n" + strings.Repeat("Facts about widgets. ", 12)
	doc := h.uploadAndStub(t, text, 1, nil)
	require.NoError(t, h.svc.Ingest(t.Context(), doc.ID))

	require.NoError(t, h.svc.DeleteDocument(t.Context(), 7, doc.ID))

	assert.Contains(t, h.chunks.deletedDocs, doc.ID)
	assert.Contains(t, h.blobs.deleted, doc.StoragePath)
	got, _ := h.docs.GetByID(doc.ID)
	assert.Nil(t, got)
}

func TestDeleteDocumentUnknownID(t *testing.T) {
	h := newIngestHarness()
	err := h.svc.DeleteDocument(t.Context(), 7, 999)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
