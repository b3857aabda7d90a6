package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// maxUploadBytes caps a single document upload.
const maxUploadBytes = 64 << 20

// DocumentHandler manages document upload, listing and removal. An upload
// stores the file, creates the document row and queues the first ingest
// job in one request.
type DocumentHandler struct {
	storage         interfaces.StorageManager
	files           interfaces.FileStorage
	vectors         interfaces.VectorIndex
	texts           interfaces.TextIndex
	pipelineVersion string
	maxRetries      int
	logger          arbor.ILogger
}

func NewDocumentHandler(storage interfaces.StorageManager, files interfaces.FileStorage, vectors interfaces.VectorIndex, texts interfaces.TextIndex, pipelineVersion string, maxRetries int, logger arbor.ILogger) *DocumentHandler {
	return &DocumentHandler{
		storage:         storage,
		files:           files,
		vectors:         vectors,
		texts:           texts,
		pipelineVersion: pipelineVersion,
		maxRetries:      maxRetries,
		logger:          logger,
	}
}

// UploadHandler handles POST /api/spaces/{code}/documents. Multipart form
// with a single "file" part.
func (h *DocumentHandler) UploadHandler(w http.ResponseWriter, r *http.Request, spaceCode string) {
	ctx := r.Context()

	space, err := h.storage.SpaceStorage().GetSpace(ctx, spaceCode)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if !space.AcceptsDocuments() {
		WriteError(w, http.StatusConflict, "space does not accept documents")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(content) == 0 {
		WriteError(w, http.StatusBadRequest, "empty file")
		return
	}

	filename := filepath.Base(header.Filename)
	contentType := header.Header.Get("Content-Type")

	storageURI, err := h.files.Save(ctx, spaceCode, filename, content)
	if err != nil {
		h.logger.Error().Err(err).Str("filename", filename).Msg("Failed to store upload")
		WriteError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	sum := sha256.Sum256(content)
	doc := &models.Document{
		SpaceCode:   spaceCode,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		StorageURI:  storageURI,
		SHA256:      hex.EncodeToString(sum[:]),
		Status:      models.DocumentStatusUploaded,
		UploaderID:  r.Header.Get("X-Uploader-ID"),
	}
	docID, err := h.storage.DocumentStorage().CreateDocument(ctx, doc)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	doc.ID = docID

	job, err := h.storage.IngestJobs().CreateIngestJob(ctx, docID, spaceCode, h.pipelineVersion, h.maxRetries)
	if err != nil {
		h.logger.Error().Err(err).Int64("document_id", docID).Msg("Failed to queue ingest job")
		WriteError(w, http.StatusInternalServerError, "document stored but ingest queueing failed")
		return
	}

	h.logger.Info().
		Int64("document_id", docID).
		Int64("job_id", job.ID).
		Str("space", spaceCode).
		Str("filename", filename).
		Int64("size", doc.Size).
		Msg("Document uploaded")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"document": doc,
		"job":      job,
	})
}

// ListHandler handles GET /api/spaces/{code}/documents.
func (h *DocumentHandler) ListHandler(w http.ResponseWriter, r *http.Request, spaceCode string) {
	limit := QueryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := QueryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	docs, err := h.storage.DocumentStorage().ListDocuments(r.Context(), spaceCode, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("space", spaceCode).Msg("Failed to list documents")
		WriteError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
		"limit":     limit,
		"offset":    offset,
	})
}

// GetHandler handles GET /api/documents/{id}.
func (h *DocumentHandler) GetHandler(w http.ResponseWriter, r *http.Request, documentID int64) {
	doc, err := h.storage.DocumentStorage().GetDocument(r.Context(), documentID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

// DeleteHandler handles DELETE /api/documents/{id}. The document is
// soft-deleted, queued jobs are cancelled and index entries removed
// best-effort; the searchable view hides the chunks immediately either way.
func (h *DocumentHandler) DeleteHandler(w http.ResponseWriter, r *http.Request, documentID int64) {
	ctx := r.Context()

	doc, err := h.storage.DocumentStorage().GetDocument(ctx, documentID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	if err := h.storage.DocumentStorage().SoftDeleteDocument(ctx, documentID); err != nil {
		WriteStorageError(w, err)
		return
	}

	cancelled, err := h.storage.IngestJobs().CancelIngestJobsByDocument(ctx, documentID, "document deleted")
	if err != nil {
		h.logger.Warn().Err(err).Int64("document_id", documentID).Msg("Job cancellation failed")
	}

	if h.vectors != nil {
		if err := h.vectors.DeleteByDocument(ctx, doc.SpaceCode, documentID, 0); err != nil {
			h.logger.Warn().Err(err).Int64("document_id", documentID).Msg("Vector index cleanup failed")
		}
	}
	if h.texts != nil {
		if err := h.texts.DeleteByDocument(ctx, doc.SpaceCode, documentID, 0); err != nil {
			h.logger.Warn().Err(err).Int64("document_id", documentID).Msg("Text index cleanup failed")
		}
	}

	h.logger.Info().
		Int64("document_id", documentID).
		Int64("jobs_cancelled", cancelled).
		Msg("Document deleted")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"document_id":    documentID,
		"jobs_cancelled": cancelled,
	})
}

// ReindexHandler handles POST /api/documents/{id}/reindex. Queues a new
// ingest job at the next index version; search keeps serving the promoted
// version until the new one is indexed.
func (h *DocumentHandler) ReindexHandler(w http.ResponseWriter, r *http.Request, documentID int64) {
	ctx := r.Context()

	doc, err := h.storage.DocumentStorage().GetDocument(ctx, documentID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if doc.IsDeleted() {
		WriteError(w, http.StatusConflict, "document is deleted")
		return
	}

	job, err := h.storage.IngestJobs().CreateIngestJob(ctx, documentID, doc.SpaceCode, h.pipelineVersion, h.maxRetries)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().
		Int64("document_id", documentID).
		Int64("job_id", job.ID).
		Int("index_version", job.IndexVersion).
		Msg("Reindex queued")

	WriteJSON(w, http.StatusAccepted, job)
}

// JobHandler handles GET /api/ingest/jobs/{id}.
func (h *DocumentHandler) JobHandler(w http.ResponseWriter, r *http.Request, jobID int64) {
	job, err := h.storage.IngestJobs().GetIngestJob(r.Context(), jobID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
