// Package api exposes the HTTP interface for the scraper service: chapter
// scrapes, resilience statistics, breaker reset, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/breaker"
	"github.com/oda-t/manga-scraper/internal/manga"
	"github.com/oda-t/manga-scraper/internal/pipeline"
	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// Server wires HTTP handlers to the scrape pipeline.
type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	breaker  *breaker.Breaker
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(p *pipeline.Pipeline, brk *breaker.Breaker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{pipeline: p, breaker: brk, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scrape", s.scrapeChapter)
		r.Get("/stats", s.getStats)
		r.Post("/breaker/reset", s.resetBreaker)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Readiness tracks the breaker: an open circuit means the upstream is
	// known bad and new scrapes will be rejected.
	if s.breaker != nil && s.breaker.State() == breaker.StateOpen {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "circuit open"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	Manga    manga.Manga   `json:"manga"`
	Chapter  manga.Chapter `json:"chapter"`
	PageURLs []string      `json:"page_urls"`
	Referer  string        `json:"referer"`
}

func (s *Server) scrapeChapter(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.PageURLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "page_urls required")
		return
	}
	if req.Chapter.ID == "" {
		s.writeError(w, http.StatusBadRequest, "chapter.chapter_id required")
		return
	}

	report, err := s.pipeline.ScrapeChapter(r.Context(), pipeline.ChapterRequest{
		Manga:    req.Manga,
		Chapter:  req.Chapter,
		PageURLs: req.PageURLs,
		Referer:  req.Referer,
	})
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, report)
	case errors.Is(err, breaker.ErrOpen):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

func (s *Server) resetBreaker(w http.ResponseWriter, _ *http.Request) {
	if s.breaker == nil {
		s.writeError(w, http.StatusNotFound, "no breaker configured")
		return
	}
	s.breaker.Reset()
	s.writeJSON(w, http.StatusOK, s.breaker.Snapshot())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
