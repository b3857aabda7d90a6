package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// SearchHandler serves retrieval queries against the searchable chunk view.
type SearchHandler struct {
	search         interfaces.SearchService
	defaultBackend models.SearchBackend
	logger         arbor.ILogger
}

func NewSearchHandler(search interfaces.SearchService, defaultBackend models.SearchBackend, logger arbor.ILogger) *SearchHandler {
	if defaultBackend == "" {
		defaultBackend = models.BackendHybrid
	}
	return &SearchHandler{
		search:         search,
		defaultBackend: defaultBackend,
		logger:         logger,
	}
}

type searchRequest struct {
	SpaceCode string `json:"space_code"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	Backend   string `json:"backend"`
}

// SearchHandler handles POST /api/search.
func (h *SearchHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req searchRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.SpaceCode) == "" {
		WriteError(w, http.StatusBadRequest, "space_code is required")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.TopK > 100 {
		req.TopK = 100
	}

	backend := h.defaultBackend
	switch models.SearchBackend(req.Backend) {
	case models.BackendVector, models.BackendBM25, models.BackendHybrid:
		backend = models.SearchBackend(req.Backend)
	case "":
	default:
		WriteError(w, http.StatusBadRequest, "backend must be vector, bm25 or hybrid")
		return
	}

	hits, err := h.search.Search(r.Context(), req.SpaceCode, req.Query, req.TopK, backend)
	if err != nil {
		if models.IsConstraint(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("space", req.SpaceCode).Msg("Search failed")
		WriteError(w, http.StatusBadGateway, "search backends unavailable")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"hits":    hits,
		"count":   len(hits),
		"backend": string(backend),
	})
}
