// Package control carries the engine's request/response API over HTTP,
// decoupled from the continuous audio stream on the unix socket.
//
// Domain failures (bad URL, unknown session) are HTTP 200 with
// {"status":"error"}; transport-level 5xx means the engine itself is
// unavailable.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/melodine/internal/engine"
	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/health"
	"github.com/MrWong99/melodine/internal/transcode"
)

// Engine is the session surface the control plane drives.
type Engine interface {
	Play(sessionID, url string, format transcode.Format, startAtSec, durationHint float64) error
	Stop(sessionID string)
	Pause(sessionID string) error
	Resume(sessionID string) error
	Status(sessionID string) (engine.Status, error)
	ActiveSessions() int
}

// Catalog answers metadata queries without starting playback.
type Catalog interface {
	Probe(ctx context.Context, url string) (*extract.Metadata, error)
	Playlist(ctx context.Context, url string) ([]extract.Metadata, error)
	Search(ctx context.Context, query string, limit int) ([]extract.Metadata, error)
}

// response is the uniform JSON envelope for every endpoint.
type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// playRequest is the body of POST /session/{id}/play.
type playRequest struct {
	URL        string  `json:"url"`
	Format     string  `json:"format"`
	StartAtSec float64 `json:"start_at_sec"`
	Duration   float64 `json:"duration"`
}

// Server is the engine-side HTTP control plane.
type Server struct {
	engine  Engine
	catalog Catalog
	router  chi.Router
}

// NewServer builds the control plane router. metrics may be nil; when set it
// is mounted at /metrics. extra health checkers are evaluated on /readyz.
func NewServer(eng Engine, cat Catalog, metrics http.Handler, checkers ...health.Checker) *Server {
	s := &Server{engine: eng, catalog: cat}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/session/{id}", func(r chi.Router) {
		r.Post("/play", s.handlePlay)
		r.Post("/stop", s.handleStop)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/metadata", s.handleMetadata)
	r.Get("/playlist", s.handlePlaylist)
	r.Get("/search", s.handleSearch)

	h := health.New(checkers...)
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/health", s.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, "url is required")
		return
	}
	format := transcode.Format(req.Format)
	if req.Format == "" {
		format = transcode.FormatOpus
	}

	if err := s.engine.Play(id, req.URL, format, req.StartAtSec, req.Duration); err != nil {
		writeError(w, err.Error())
		return
	}
	slog.Info("play accepted", "session_id", id, "format", format, "start_at_sec", req.StartAtSec)
	writeOK(w, nil)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop(chi.URLParam(r, "id"))
	writeOK(w, nil)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(chi.URLParam(r, "id")); err != nil {
		writeError(w, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(chi.URLParam(r, "id")); err != nil {
		writeError(w, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeOK(w, st)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, "url query parameter is required")
		return
	}
	meta, err := s.catalog.Probe(r.Context(), url)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeOK(w, meta)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, "url query parameter is required")
		return
	}
	entries, err := s.catalog.Playlist(r.Context(), url)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeOK(w, entries)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, "q query parameter is required")
		return
	}
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	results, err := s.catalog.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeOK(w, results)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"active_sessions": s.engine.ActiveSessions()})
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, response{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, response{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("control: encode response failed", "err", err)
	}
}
