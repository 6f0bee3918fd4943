// Package api provides the exposition HTTP server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/models"
	"github.com/ci-exporter/internal/types"
	"github.com/ci-exporter/internal/worker"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports the sync engine's state
type StatusSource interface {
	Status() worker.Status
}

// JobReader is the read side of the job store the API exposes
type JobReader interface {
	Get(ctx context.Context, id int64) (*models.Job, error)
	CountBy(ctx context.Context, dims ...types.Dimension) ([]models.JobCount, error)
}

// Server represents the exposition HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	gatherer   prometheus.Gatherer
	status     StatusSource
	jobs       JobReader
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// APIRPS limits /api requests per client address; zero disables the limit
	APIRPS int
}

// NewServer creates a new exposition server. /metrics serves whatever
// gatherer holds at scrape time; it never waits for a tick.
func NewServer(config *ServerConfig, gatherer prometheus.Gatherer, status StatusSource, jobs JobReader) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		gatherer: gatherer,
		status:   status,
		jobs:     jobs,
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	if s.config.APIRPS > 0 {
		api.Use(RateLimitMiddleware(NewRateLimiter(s.config.APIRPS)))
	}
	api.Use(CompressionMiddleware)
	api.HandleFunc("/jobs/counts", s.handleJobCounts).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ci-exporter",
	})
}

// handleStatus reports the engine stage and the last tick
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Sync engine not configured", nil)
		return
	}
	respondJSON(w, http.StatusOK, s.status.Status())
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting exposition server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down exposition server...")
	return s.httpServer.Shutdown(ctx)
}
