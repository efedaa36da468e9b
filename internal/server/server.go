// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/metrics"
	"github.com/lazypower/spiral/internal/store"
)

// requestTimeout bounds every API call, embedding included.
const requestTimeout = 60 * time.Second

// Server is the spiral HTTP API server.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	log     *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server. m may be nil, in which case /metrics is not mounted.
func New(e *engine.Engine, m *metrics.Metrics, log *zap.Logger, version string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:  e,
		metrics: m,
		log:     log,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", s.handleHealth)

		r.Post("/nodes", s.handleStore)
		r.Get("/nodes/{id}", s.handleGet)
		r.Post("/nodes/{id}/relevance", s.handleRelevance)
		r.Post("/edges", s.handleLink)

		r.Post("/query", s.handleQuery)
		r.Get("/context", s.handleContext)

		r.Get("/status", s.handleStatus)
		r.Post("/evolve", s.handleEvolve)
		r.Post("/compact", s.handleCompact)
		r.Post("/save", s.handleSave)
		r.Get("/export", s.handleExport)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.engine.Closed() {
		status = "closed"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"embedder": s.engine.EmbedderModel(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeEngineError maps engine errors onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyContent),
		errors.Is(err, store.ErrInvalidEdge):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
