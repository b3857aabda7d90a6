package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// spaceCodePattern restricts codes to URL- and index-safe identifiers.
var spaceCodePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

// SpaceHandler manages knowledge base spaces. Deleting a space cascades:
// documents are soft-deleted, queued ingest jobs cancelled and index
// entries cleaned up best-effort.
type SpaceHandler struct {
	storage interfaces.StorageManager
	vectors interfaces.VectorIndex
	texts   interfaces.TextIndex
	logger  arbor.ILogger
}

func NewSpaceHandler(storage interfaces.StorageManager, vectors interfaces.VectorIndex, texts interfaces.TextIndex, logger arbor.ILogger) *SpaceHandler {
	return &SpaceHandler{
		storage: storage,
		vectors: vectors,
		texts:   texts,
		logger:  logger,
	}
}

type createSpaceRequest struct {
	SpaceCode   string `json:"space_code"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// CreateHandler handles POST /api/spaces.
func (h *SpaceHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createSpaceRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.SpaceCode = strings.TrimSpace(req.SpaceCode)
	if !spaceCodePattern.MatchString(req.SpaceCode) {
		WriteError(w, http.StatusBadRequest, "space_code must match "+spaceCodePattern.String())
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		req.DisplayName = req.SpaceCode
	}

	space := &models.KbSpace{
		SpaceCode:   req.SpaceCode,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Enabled:     true,
		Status:      models.SpaceStatusActive,
	}
	if err := h.storage.SpaceStorage().CreateSpace(r.Context(), space); err != nil {
		if models.IsConstraint(err) {
			WriteError(w, http.StatusConflict, "space already exists")
			return
		}
		h.logger.Error().Err(err).Str("space", req.SpaceCode).Msg("Failed to create space")
		WriteError(w, http.StatusInternalServerError, "failed to create space")
		return
	}

	h.logger.Info().Str("space", space.SpaceCode).Msg("Space created")
	WriteJSON(w, http.StatusCreated, space)
}

// ListHandler handles GET /api/spaces.
func (h *SpaceHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	spaces, err := h.storage.SpaceStorage().ListSpaces(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list spaces")
		WriteError(w, http.StatusInternalServerError, "failed to list spaces")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"spaces": spaces,
		"count":  len(spaces),
	})
}

// GetHandler handles GET /api/spaces/{code}.
func (h *SpaceHandler) GetHandler(w http.ResponseWriter, r *http.Request, spaceCode string) {
	space, err := h.storage.SpaceStorage().GetSpace(r.Context(), spaceCode)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, space)
}

type updateSpaceRequest struct {
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
	Enabled     *bool   `json:"enabled"`
}

// UpdateHandler handles PUT /api/spaces/{code}. Disabling a space stops new
// uploads without touching existing documents or search.
func (h *SpaceHandler) UpdateHandler(w http.ResponseWriter, r *http.Request, spaceCode string) {
	var req updateSpaceRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	space, err := h.storage.SpaceStorage().GetSpace(r.Context(), spaceCode)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	if req.DisplayName != nil {
		space.DisplayName = *req.DisplayName
	}
	if req.Description != nil {
		space.Description = *req.Description
	}
	if req.Enabled != nil {
		space.Enabled = *req.Enabled
	}

	if err := h.storage.SpaceStorage().UpdateSpace(r.Context(), space); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().Str("space", spaceCode).Bool("enabled", space.Enabled).Msg("Space updated")
	WriteJSON(w, http.StatusOK, space)
}

// DeleteHandler handles DELETE /api/spaces/{code}. The space is soft-deleted
// and its documents, pending jobs and index entries are cascaded.
func (h *SpaceHandler) DeleteHandler(w http.ResponseWriter, r *http.Request, spaceCode string) {
	ctx := r.Context()

	if err := h.storage.SpaceStorage().DeleteSpace(ctx, spaceCode); err != nil {
		WriteStorageError(w, err)
		return
	}

	docIDs, err := h.storage.DocumentStorage().SoftDeleteDocumentsBySpace(ctx, spaceCode)
	if err != nil {
		h.logger.Error().Err(err).Str("space", spaceCode).Msg("Cascade document delete failed")
		WriteError(w, http.StatusInternalServerError, "failed to delete space documents")
		return
	}

	cancelled, err := h.storage.IngestJobs().CancelIngestJobsBySpace(ctx, spaceCode, "space deleted")
	if err != nil {
		h.logger.Warn().Err(err).Str("space", spaceCode).Msg("Cascade job cancellation failed")
	}

	h.cleanupIndexes(ctx, spaceCode, docIDs)

	h.logger.Info().
		Str("space", spaceCode).
		Int("documents", len(docIDs)).
		Int64("jobs_cancelled", cancelled).
		Msg("Space deleted")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"space_code":        spaceCode,
		"documents_deleted": len(docIDs),
		"jobs_cancelled":    cancelled,
	})
}

// cleanupIndexes removes index entries for deleted documents. Failures are
// logged, not surfaced: the searchable view already hides deleted rows.
func (h *SpaceHandler) cleanupIndexes(ctx context.Context, spaceCode string, docIDs []int64) {
	for _, docID := range docIDs {
		if h.vectors != nil {
			if err := h.vectors.DeleteByDocument(ctx, spaceCode, docID, 0); err != nil {
				h.logger.Warn().Err(err).Int64("document_id", docID).Msg("Vector index cleanup failed")
			}
		}
		if h.texts != nil {
			if err := h.texts.DeleteByDocument(ctx, spaceCode, docID, 0); err != nil {
				h.logger.Warn().Err(err).Int64("document_id", docID).Msg("Text index cleanup failed")
			}
		}
	}
}
