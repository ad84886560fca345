package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/repository"
)

// ChunkSearcher is the retrieval contract used when answering questions.
type ChunkSearcher interface {
	SearchByEmbedding(vector []float32, docIDs []uint, threshold float64, count int) ([]repository.ScoredChunk, error)
}

// LLMBackend covers the two provider calls a question needs.
type LLMBackend interface {
	Embed(ctx context.Context, cfg ai.EmbeddingConfig, text string) ([]float32, error)
	Complete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage) (string, ai.Usage, error)
}

// ConversationStore persists conversations.
type ConversationStore interface {
	Create(conv *model.Conversation) error
	GetByIDAndUserID(id, userID uint) (*model.Conversation, error)
	ListByUserID(userID uint) ([]model.Conversation, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(msg *model.Message) error
	ListByConversationID(conversationID uint, limit int) ([]model.Message, error)
}

var (
	ErrNoReadyDocuments     = errors.New("no ready documents to answer against")
	ErrConversationNotFound = errors.New("conversation not found")
)

// RefusalAnswer is returned verbatim when retrieval finds nothing relevant;
// the model is never called in that case.
const RefusalAnswer = "I don't have enough information in the selected documents to answer that question."

const groundingSystemPrompt = `You are a document question-answering assistant. Answer the user's question using ONLY the provided source excerpts.

Rules:
- Base every statement on the sources. Do not use outside knowledge.
- Cite sources inline as [Source N] after each claim they support.
- If the sources do not contain the answer, say so plainly instead of guessing.
- Keep answers concise and factual.`

const (
	snippetLimit    = 197
	maxTitleLength  = 60
	maxHistoryLimit = 100
)

// RetrievalParams tunes similarity search. A primary pass at PrimaryThreshold
// is followed by at most one relaxed pass at FallbackThreshold when the first
// returns nothing; an empty fallback is a final answer, not an error.
type RetrievalParams struct {
	PrimaryThreshold  float64
	FallbackThreshold float64
	MaxChunks         int
}

// Citation points an answer back to a place in a source document.
type Citation struct {
	DocumentID uint   `json:"document_id"`
	Filename   string `json:"filename"`
	PageStart  *int   `json:"page_start,omitempty"`
	PageEnd    *int   `json:"page_end,omitempty"`
	Snippet    string `json:"snippet"`
}

// ChatService answers questions grounded in the caller's ready documents and
// persists the exchange as conversation messages.
type ChatService struct {
	docRepo   DocumentStore
	chunkRepo ChunkSearcher
	convRepo  ConversationStore
	msgRepo   MessageStore
	llm       LLMBackend
	embCfg    ai.EmbeddingConfig
	chatCfg   ai.ChatConfig
	retrieval RetrievalParams
}

func NewChatService(
	docRepo DocumentStore,
	chunkRepo ChunkSearcher,
	convRepo ConversationStore,
	msgRepo MessageStore,
	llm LLMBackend,
	embCfg ai.EmbeddingConfig,
	chatCfg ai.ChatConfig,
	retrieval RetrievalParams,
) *ChatService {
	return &ChatService{
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		llm:       llm,
		embCfg:    embCfg,
		chatCfg:   chatCfg,
		retrieval: retrieval,
	}
}

type AskInput struct {
	UserID         uint
	ConversationID uint
	Question       string
	DocumentIDs    []uint
	Model          string
}

type AnswerResult struct {
	Answer    string
	Citations []Citation
	Usage     ai.Usage
}

type AskResult struct {
	ConversationID uint
	AnswerResult
}

// Answer runs retrieval and grounded completion without touching conversation
// state. When DocumentIDs is empty, all of the user's ready documents are
// searched.
func (s *ChatService) Answer(ctx context.Context, input AskInput) (*AnswerResult, error) {
	question := strings.TrimSpace(input.Question)
	if input.UserID == 0 || question == "" {
		return nil, ErrInvalidInput
	}

	docs, err := s.resolveDocuments(input.UserID, input.DocumentIDs)
	if err != nil {
		return nil, err
	}
	docIDs := make([]uint, 0, len(docs))
	for id := range docs {
		docIDs = append(docIDs, id)
	}

	queryVector, err := s.llm.Embed(ctx, s.embCfg, question)
	if err != nil {
		return nil, err
	}

	chunks, err := s.retrieve(queryVector, docIDs)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return &AnswerResult{
			Answer:    RefusalAnswer,
			Citations: []Citation{},
		}, nil
	}

	cfg := s.chatCfg
	if input.Model != "" {
		cfg.Model = input.Model
	}
	answer, usage, err := s.llm.Complete(ctx, cfg, []ai.ChatMessage{
		{Role: "system", Content: groundingSystemPrompt},
		{Role: "user", Content: buildUserPrompt(question, chunks)},
	})
	if err != nil {
		return nil, err
	}

	return &AnswerResult{
		Answer:    answer,
		Citations: buildCitations(chunks, docs),
		Usage:     usage,
	}, nil
}

// Ask answers the question and records both sides of the exchange. A zero
// ConversationID starts a new conversation titled after the question.
func (s *ChatService) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	result, err := s.Answer(ctx, input)
	if err != nil {
		return nil, err
	}

	conv, err := s.resolveConversation(input)
	if err != nil {
		return nil, err
	}

	docIDsJSON, _ := json.Marshal(input.DocumentIDs)
	userMsg := &model.Message{
		ConversationID: conv.ID,
		UserID:         input.UserID,
		Role:           "user",
		Content:        strings.TrimSpace(input.Question),
		DocumentIDs:    string(docIDsJSON),
	}
	if err := s.msgRepo.Create(userMsg); err != nil {
		return nil, err
	}

	citationsJSON, _ := json.Marshal(result.Citations)
	usageJSON, _ := json.Marshal(result.Usage)
	assistantMsg := &model.Message{
		ConversationID: conv.ID,
		UserID:         input.UserID,
		Role:           "assistant",
		Content:        result.Answer,
		Citations:      string(citationsJSON),
		TokenUsage:     string(usageJSON),
	}
	if err := s.msgRepo.Create(assistantMsg); err != nil {
		return nil, err
	}

	return &AskResult{ConversationID: conv.ID, AnswerResult: *result}, nil
}

func (s *ChatService) ListConversations(userID uint) ([]model.Conversation, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.convRepo.ListByUserID(userID)
}

// GetHistory returns the messages of a conversation owned by the user, oldest
// first.
func (s *ChatService) GetHistory(userID, conversationID uint, limit int) ([]model.Message, error) {
	if userID == 0 || conversationID == 0 {
		return nil, ErrInvalidInput
	}
	conv, err := s.convRepo.GetByIDAndUserID(conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.msgRepo.ListByConversationID(conversationID, limit)
}

// resolveDocuments validates ownership and readiness and returns the ready
// documents keyed by id. Explicit ids must all resolve; an empty selection
// falls back to every ready document the user has.
func (s *ChatService) resolveDocuments(userID uint, documentIDs []uint) (map[uint]*model.Document, error) {
	docs := make(map[uint]*model.Document)

	if len(documentIDs) == 0 {
		list, err := s.docRepo.ListByUserID(userID)
		if err != nil {
			return nil, err
		}
		for i := range list {
			if list[i].Status == model.DocumentStatusReady {
				docs[list[i].ID] = &list[i]
			}
		}
		if len(docs) == 0 {
			return nil, ErrNoReadyDocuments
		}
		return docs, nil
	}

	for _, id := range documentIDs {
		doc, err := s.docRepo.GetByIDAndUserID(id, userID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, ErrDocumentNotFound
		}
		if doc.Status != model.DocumentStatusReady {
			return nil, fmt.Errorf("%w: document %d is %s", ErrNoReadyDocuments, doc.ID, doc.Status)
		}
		docs[doc.ID] = doc
	}
	return docs, nil
}

func (s *ChatService) retrieve(queryVector []float32, docIDs []uint) ([]repository.ScoredChunk, error) {
	chunks, err := s.chunkRepo.SearchByEmbedding(queryVector, docIDs, s.retrieval.PrimaryThreshold, s.retrieval.MaxChunks)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		return chunks, nil
	}
	// One relaxed pass; an empty result here means the corpus has nothing
	// relevant and the caller refuses rather than hallucinating.
	return s.chunkRepo.SearchByEmbedding(queryVector, docIDs, s.retrieval.FallbackThreshold, s.retrieval.MaxChunks)
}

func (s *ChatService) resolveConversation(input AskInput) (*model.Conversation, error) {
	if input.ConversationID != 0 {
		conv, err := s.convRepo.GetByIDAndUserID(input.ConversationID, input.UserID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, ErrConversationNotFound
		}
		return conv, nil
	}

	title := truncateRunes(strings.TrimSpace(input.Question), maxTitleLength)
	conv := &model.Conversation{UserID: input.UserID, Title: title}
	if err := s.convRepo.Create(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// buildUserPrompt lays the retrieved excerpts out as numbered sources ahead of
// the question, matching the [Source N] labels cited in answers.
func buildUserPrompt(question string, chunks []repository.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Source excerpts:\n\n")
	for i := range chunks {
		fmt.Fprintf(&b, "[Source %d]%s:\n%s\n\n", i+1, pageLabel(chunks[i].PageStart, chunks[i].PageEnd), chunks[i].Content)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func pageLabel(start, end *int) string {
	switch {
	case start == nil:
		return ""
	case end != nil && *end != *start:
		return fmt.Sprintf(" (Pages %d-%d)", *start, *end)
	default:
		return fmt.Sprintf(" (Page %d)", *start)
	}
}

// buildCitations maps retrieved chunks to user-facing citations in retrieval
// order, deduplicating repeats of the same document and page span.
func buildCitations(chunks []repository.ScoredChunk, docs map[uint]*model.Document) []Citation {
	citations := make([]Citation, 0, len(chunks))
	seen := make(map[string]bool)

	for i := range chunks {
		doc, ok := docs[chunks[i].DocumentID]
		if !ok {
			continue
		}
		key := citationKey(chunks[i].DocumentID, chunks[i].PageStart, chunks[i].PageEnd)
		if seen[key] {
			continue
		}
		seen[key] = true

		snippet := truncateRunes(chunks[i].Content, snippetLimit)
		if snippet != chunks[i].Content {
			snippet += "..."
		}
		citations = append(citations, Citation{
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			PageStart:  chunks[i].PageStart,
			PageEnd:    chunks[i].PageEnd,
			Snippet:    snippet,
		})
	}
	return citations
}

// truncateRunes cuts s to at most limit characters on a rune boundary, so
// multi-byte content stays valid UTF-8.
func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func citationKey(docID uint, start, end *int) string {
	ps, pe := 0, 0
	if start != nil {
		ps = *start
	}
	if end != nil {
		pe = *end
	}
	return fmt.Sprintf("%d:%d-%d", docID, ps, pe)
}
