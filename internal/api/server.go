package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/extract"
)

// AssistInfo describes the configured classification assist.
type AssistInfo interface {
	Model() string
	Stats() *extract.LLMStats
}

// Server is the read-only HTTP API over stored sessions.
type Server struct {
	router   chi.Router
	store    checkpoint.Store
	assist   AssistInfo
	gatherer prometheus.Gatherer
	log      *slog.Logger
	apiKey   string
}

// NewServer creates and configures the HTTP server. assist and gatherer may
// be nil; an empty apiKey leaves the API unauthenticated.
func NewServer(store checkpoint.Store, assist AssistInfo, gatherer prometheus.Gatherer, log *slog.Logger, apiKey string) *Server {
	s := &Server{
		store:    store,
		assist:   assist,
		gatherer: gatherer,
		log:      log,
		apiKey:   apiKey,
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
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(AuthMiddleware(s.apiKey, s.log))
		}

		r.Get("/api/sessions", s.handleListSessions)
		r.Get("/api/sessions/{sessionID}", s.handleGetSession)
		r.Get("/api/sessions/{sessionID}/review", s.handleReview)
		r.Delete("/api/sessions/{sessionID}", s.handleDeleteSession)
		r.Get("/api/stats/assist", s.handleAssistStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
