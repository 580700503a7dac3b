package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quantlake/finsight/internal/config"
	"github.com/quantlake/finsight/internal/index"
	"github.com/quantlake/finsight/internal/pipeline"
	"github.com/quantlake/finsight/internal/retrieve"
)

// Server is the HTTP API server for finsight.
type Server struct {
	router       chi.Router
	orchestrator *pipeline.Orchestrator
	retriever    *retrieve.Retriever
	store        *index.Store
	log          *slog.Logger
	cfg          config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(orch *pipeline.Orchestrator, retriever *retrieve.Retriever, store *index.Store, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		orchestrator: orch,
		retriever:    retriever,
		store:        store,
		log:          log,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Post("/api/ingest", s.handleIngest)
		r.Post("/api/ingest/file", s.handleIngestFile)
		r.Get("/api/ingest/{jobID}/status", s.handleIngestStatus)

		r.Post("/api/search", s.handleSearch)

		r.Get("/api/documents", s.handleListDocuments)
		r.Delete("/api/documents/{table}/{id}", s.handleDeleteDocument)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
