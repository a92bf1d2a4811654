// Package api serves the REST, SSE and WebSocket surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/gateway"
	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// Queue reports the dispatch backlog.
type Queue interface {
	Len() int
}

// Supervisor is the part of the scheduler the API exposes.
type Supervisor interface {
	Resumable(ctx context.Context, ownerID string) ([]*job.Job, error)
	LastReport() *scheduler.Report
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store job.Store
	gw    *gateway.Gateway
	queue Queue
	sup   Supervisor
	ws    http.Handler
	log   *zap.Logger
}

// NewHandler constructs a Handler. origins restricts WebSocket upgrades the
// same way CORS restricts other requests.
func NewHandler(store job.Store, gw *gateway.Gateway, q Queue, sup Supervisor, origins []string, log *zap.Logger) *Handler {
	return &Handler{
		store: store,
		gw:    gw,
		queue: q,
		sup:   sup,
		ws:    gateway.NewWSHandler(gw, contextAuth{}, origins),
		log:   log,
	}
}

// contextAuth hands the owner resolved by the Auth middleware to the
// WebSocket handler.
type contextAuth struct{}

func (contextAuth) Authenticate(r *http.Request) (string, error) {
	if owner := OwnerFrom(r.Context()); owner != "" {
		return owner, nil
	}
	return "", gateway.ErrUnauthenticated
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/resumable", h.ListResumable)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/pause", h.PauseJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/resume", h.ResumeJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.StreamEvents)
	mux.Handle("GET /api/v1/ws", h.ws)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := h.gw.Start(r.Context(), OwnerFrom(r.Context()), &req)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a page of the
// caller's jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.OwnerID = OwnerFrom(r.Context())

	jobs, err := h.store.List(r.Context(), q)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	total, err := h.store.Count(r.Context(), q)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// parseQuery reads the list filters from the query string.
func parseQuery(r *http.Request) (job.Query, error) {
	v := r.URL.Query()
	q := job.Query{
		Type:   v.Get("type"),
		Limit:  parseIntParam(v.Get("limit"), 20),
		Offset: parseIntParam(v.Get("offset"), 0),
	}
	for _, s := range v["state"] {
		st := job.State(s)
		if !st.Valid() {
			return q, errors.New("unknown state " + strconv.Quote(s))
		}
		q.States = append(q.States, st)
	}
	var err error
	if q.CreatedAfter, err = parseTimeParam(v.Get("created_after")); err != nil {
		return q, errors.New("created_after must be RFC 3339")
	}
	if q.CreatedBefore, err = parseTimeParam(v.Get("created_before")); err != nil {
		return q, errors.New("created_before must be RFC 3339")
	}
	return q, nil
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// ListResumable handles GET /api/v1/jobs/resumable.
func (h *Handler) ListResumable(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.sup.Resumable(r.Context(), OwnerFrom(r.Context()))
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.gw.Job(r.Context(), OwnerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.gw.Cancel(r.Context(), OwnerFrom(r.Context()), id); err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "state": string(job.StateCancelled)})
}

// PauseJob handles POST /api/v1/jobs/{id}/pause. The worker pauses at its
// next emit, so the response is 202.
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.gw.Pause(r.Context(), OwnerFrom(r.Context()), id); err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "state": "pausing"})
}

// ResumeJob handles POST /api/v1/jobs/{id}/resume.
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.gw.Resume(r.Context(), OwnerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":         stats,
		"gateway":      h.gw.Stats(),
		"queue_length": h.queue.Len(),
		"last_sweep":   h.sup.LastReport(),
	})
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeOpError maps a gateway or store error to a status. Internal errors
// are logged and not echoed.
func (h *Handler) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	status := gateway.ErrorStatus(err)
	switch status {
	case http.StatusNotFound:
		writeError(w, status, "job not found")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, status, "queue full, retry later")
	case http.StatusInternalServerError:
		h.log.Error("request failed",
			zap.String("path", r.URL.Path), zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		writeError(w, status, "internal error")
	default:
		writeError(w, status, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
