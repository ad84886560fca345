package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docuchat/internal/app"
	"docuchat/internal/transport/http/response"
)

type DocumentHandler struct {
	ingestService  *app.IngestService
	maxUploadBytes int64
}

func NewDocumentHandler(ingestService *app.IngestService, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{
		ingestService:  ingestService,
		maxUploadBytes: maxUploadBytes,
	}
}

// Upload accepts a multipart form with a "file" PDF, stores it and enqueues
// ingestion. The response carries the pending document; its status moves to
// ready or failed asynchronously.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large")
		return
	}
	if strings.ToLower(filepath.Ext(file.Filename)) != ".pdf" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "only PDF files are allowed")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "read file failed")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "read file failed")
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large")
		return
	}

	doc, err := h.ingestService.Upload(c.Request.Context(), app.UploadInput{
		UserID:   userID,
		Filename: filepath.Base(file.Filename),
		Data:     data,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrDuplicateDocument):
			response.Error(c, http.StatusConflict, response.CodeDuplicateDocument, err.Error())
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "upload failed")
		}
		return
	}

	response.OK(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docs, err := h.ingestService.ListDocuments(userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	docID, err := parseUintParam(c, "id")
	if err != nil || docID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return
	}

	doc, err := h.ingestService.GetDocument(userID, docID)
	if err != nil {
		if errors.Is(err, app.ErrDocumentNotFound) {
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		} else {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get document failed")
		}
		return
	}
	response.OK(c, doc)
}

// Reingest drops the document's chunks and runs the pipeline again from the
// stored blob, picking up current chunking and embedding settings.
func (h *DocumentHandler) Reingest(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	docID, err := parseUintParam(c, "id")
	if err != nil || docID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return
	}

	doc, err := h.ingestService.Reingest(c.Request.Context(), userID, docID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		case errors.Is(err, app.ErrIngestInProgress):
			response.Error(c, http.StatusConflict, response.CodeIngestInProgress, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "reingest failed")
		}
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	docID, err := parseUintParam(c, "id")
	if err != nil || docID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return
	}

	if err := h.ingestService.DeleteDocument(c.Request.Context(), userID, docID); err != nil {
		if errors.Is(err, app.ErrDocumentNotFound) {
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		} else {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete document failed")
		}
		return
	}
	response.OK(c, gin.H{"deleted_document_id": docID})
}

func parseUintParam(c *gin.Context, key string) (uint, error) {
	u, err := strconv.ParseUint(c.Param(key), 10, 64)
	return uint(u), err
}
