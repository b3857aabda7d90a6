package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/audiens/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Spaces
	mux.HandleFunc("/api/spaces", s.handleSpacesCollection) // GET (list), POST (create)
	mux.HandleFunc("/api/spaces/", s.handleSpaceRoutes)     // /{code}, /{code}/documents

	// API routes - Documents
	mux.HandleFunc("/api/documents/", s.handleDocumentRoutes) // /{id}, /{id}/reindex

	// API routes - Ingest jobs
	mux.HandleFunc("/api/ingest/jobs/", s.handleIngestJobRoutes) // GET /{id}

	// API routes - Search
	mux.HandleFunc("/api/search", s.app.SearchHandler.SearchHandler)

	// API routes - VOC analysis
	mux.HandleFunc("/api/voc/jobs", s.handleVocCollection) // POST (submit)
	mux.HandleFunc("/api/voc/jobs/", s.handleVocRoutes)    // /{id}, /{id}/report

	// Spider callback receiver (not under /api: the URL is handed to the
	// external spider verbatim). The bare path is kept for spider builds
	// that identify the task only in the body.
	mux.HandleFunc("/voc/spider/callback", s.handleLegacySpiderCallback)
	mux.HandleFunc("/voc/spider/callback/", s.handleSpiderCallback)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

func (s *Server) handleSpacesCollection(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.SpaceHandler.ListHandler,
		http.MethodPost: s.app.SpaceHandler.CreateHandler,
	})
}

// handleSpaceRoutes dispatches /api/spaces/{code} and
// /api/spaces/{code}/documents.
func (s *Server) handleSpaceRoutes(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/spaces/"

	code, ok := handlers.PathSegment(r.URL.Path, prefix)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if r.URL.Path == prefix+code+"/documents" {
		switch r.Method {
		case http.MethodGet:
			s.app.DocumentHandler.ListHandler(w, r, code)
		case http.MethodPost:
			s.app.DocumentHandler.UploadHandler(w, r, code)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.URL.Path != prefix+code {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.app.SpaceHandler.GetHandler(w, r, code)
	case http.MethodPut:
		s.app.SpaceHandler.UpdateHandler(w, r, code)
	case http.MethodDelete:
		s.app.SpaceHandler.DeleteHandler(w, r, code)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDocumentRoutes dispatches /api/documents/{id} and
// /api/documents/{id}/reindex.
func (s *Server) handleDocumentRoutes(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/documents/"

	id, ok := handlers.PathInt64(r.URL.Path, prefix)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if strings.HasSuffix(r.URL.Path, "/reindex") {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.DocumentHandler.ReindexHandler(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.app.DocumentHandler.GetHandler(w, r, id)
	case http.MethodDelete:
		s.app.DocumentHandler.DeleteHandler(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIngestJobRoutes(w http.ResponseWriter, r *http.Request) {
	id, ok := handlers.PathInt64(r.URL.Path, "/api/ingest/jobs/")
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.DocumentHandler.JobHandler(w, r, id)
}

func (s *Server) handleVocCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.VocHandler.SubmitHandler(w, r)
}

// handleVocRoutes dispatches /api/voc/jobs/{id} and /api/voc/jobs/{id}/report.
func (s *Server) handleVocRoutes(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/voc/jobs/"

	id, ok := handlers.PathInt64(r.URL.Path, prefix)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if strings.HasSuffix(r.URL.Path, "/report") {
		s.app.VocHandler.ReportHandler(w, r, id)
		return
	}
	s.app.VocHandler.StatusHandler(w, r, id)
}

func (s *Server) handleSpiderCallback(w http.ResponseWriter, r *http.Request) {
	jobID, ok := handlers.PathInt64(r.URL.Path, "/voc/spider/callback/")
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.VocHandler.CallbackHandler(w, r, jobID)
}

func (s *Server) handleLegacySpiderCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.VocHandler.LegacyCallbackHandler(w, r)
}
