// Package server exposes the command pipeline over HTTP.
//
// Every request may carry an X-Session-ID header; each session keeps its
// own history while sharing the oracle, cache, storage and journal.
// Requests without the header share the default session.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/pipeline"
	"github.com/roach88/querypilot/internal/storage"
)

// SessionHeader names the session a request belongs to.
const SessionHeader = "X-Session-ID"

const (
	maxBodyBytes  = 1 << 20
	healthTimeout = 2 * time.Second
)

// Server holds the base pipeline and the per-session pipelines derived
// from it.
type Server struct {
	router *mux.Router
	base   *pipeline.Pipeline
	engine storage.Engine
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*pipeline.Pipeline
}

// Config configures a Server. Pipeline is required.
type Config struct {
	Pipeline *pipeline.Pipeline

	// Engine is pinged by the health check. Nil reports healthy.
	Engine storage.Engine

	Logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		base:     cfg.Pipeline,
		engine:   cfg.Engine,
		logger:   cfg.Logger,
		sessions: map[string]*pipeline.Pipeline{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes()
	s.router.Use(s.requestLogger)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Warn("no route", "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.Method+" "+r.URL.Path)
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/commands", s.handleCommand).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/validate", s.handleValidate).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/execute", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// session returns the pipeline of the request's session, creating it on
// first use.
func (s *Server) session(r *http.Request) *pipeline.Pipeline {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		return s.base
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	if !ok {
		p = s.base.ForSession()
		s.sessions[id] = p
		s.logger.Debug("session created", "session", id)
	}
	return p
}

// Sessions returns the number of named sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// statusWriter records the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(sw, r.Body, maxBodyBytes)
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"session", r.Header.Get(SessionHeader),
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.engine.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Message: err.Error(), Version: ir.AppVersion, IRVersion: ir.IRVersion})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Message: "querypilot is running", Version: ir.AppVersion, IRVersion: ir.IRVersion})
}
