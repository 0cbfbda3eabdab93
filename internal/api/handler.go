// Package api exposes the job engine over HTTP: enqueue, inspect, kill,
// and queue statistics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/job"
	"github.com/derekleverenz/apalis/internal/metrics"
)

// Handler serves the job engine's HTTP API.
type Handler struct {
	store   job.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHandler creates an API handler over the given store.
func NewHandler(store job.Store, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{store: store, metrics: m, logger: logger}
}

// Router builds the HTTP route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/api/v1/jobs", h.pushJob).Methods("POST")
	r.HandleFunc("/api/v1/jobs", h.listJobs).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", h.getJob).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", h.killJob).Methods("DELETE")
	r.HandleFunc("/api/v1/stats", h.stats).Methods("GET")
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PushRequest is the request body for enqueueing a job.
type PushRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	DedupKey    string          `json:"dedup_key,omitempty"`
}

// PushResponse is the response body for a successful enqueue.
type PushResponse struct {
	ID uuid.UUID `json:"id"`
}

func (h *Handler) pushJob(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.MaxAttempts < 1 {
		req.MaxAttempts = 3
	}

	j := job.New(req.Type, req.Payload, req.MaxAttempts)
	j.DedupKey = req.DedupKey
	if req.RunAt != nil {
		j.RunAt = req.RunAt.UTC()
	}

	id, err := h.store.Push(r.Context(), j)
	if err != nil {
		h.logger.Error("push failed", zap.String("type", req.Type), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "push failed")
		return
	}

	h.metrics.JobsPushedTotal.WithLabelValues(req.Type).Inc()
	writeJSON(w, http.StatusCreated, PushResponse{ID: id})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get failed", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	state := job.State(r.URL.Query().Get("state"))
	if state == "" {
		state = job.StatePending
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, err := h.store.List(r.Context(), state, limit, offset)
	if err != nil {
		h.logger.Error("list failed", zap.String("state", string(state)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "list failed")
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) killJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	err = h.store.Kill(r.Context(), id)
	switch {
	case err == nil:
		h.metrics.JobsKilledTotal.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		h.logger.Error("kill failed", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "kill failed")
	}
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
