package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"recset-precompute/internal/catalog"
	"recset-precompute/internal/models"
	"recset-precompute/internal/scheduler"
	"recset-precompute/internal/store"
	"recset-precompute/internal/telemetry"
)

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	store           store.JobStore
	enqueuer        *scheduler.Enqueuer
	refresher       *scheduler.Refresher
	limiter         Limiter
	stalenessWindow time.Duration
	logger          *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(st store.JobStore, enq *scheduler.Enqueuer, ref *scheduler.Refresher, limiter Limiter, stalenessWindow time.Duration, logger *slog.Logger) *Server {
	return &Server{
		store:           st,
		enqueuer:        enq,
		refresher:       ref,
		limiter:         limiter,
		stalenessWindow: stalenessWindow,
		logger:          logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/reset", s.handleReset)
	r.Get("/targets/{ref}/job", s.handleGetTargetJob)
	r.Post("/enqueue", s.handleEnqueue)
	r.Post("/refresh", s.handleRefresh)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{Scope: q.Get("scope")}
	if v := q.Get("status"); v != "" {
		st, ok := models.ParseStatus(v)
		if !ok {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		f.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetTargetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJobByTarget(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	job, err := s.enqueuer.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type enqueueRequest struct {
	Targets []string `json:"targets"`
	Scope   string   `json:"scope"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Targets) == 0 && req.Scope == "" {
		http.Error(w, "targets or scope is required", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, limiterKey(req.Scope)) {
		return
	}
	results, err := s.enqueuer.Enqueue(r.Context(), req.Targets, req.Scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

type refreshRequest struct {
	Scopes         []string `json:"scopes"`
	StalenessHours float64  `json:"staleness_hours"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	window := s.stalenessWindow
	if req.StalenessHours > 0 {
		window = time.Duration(req.StalenessHours * float64(time.Hour))
	}
	report, err := s.refresher.Refresh(r.Context(), req.Scopes, window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Error("Server.allow: rate limiter failed", "error", err)
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func limiterKey(scope string) string {
	if scope == "" {
		return "enqueue:targets"
	}
	return "enqueue:" + scope
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrUnknownTarget), errors.Is(err, catalog.ErrUnknownScope):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("Server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
