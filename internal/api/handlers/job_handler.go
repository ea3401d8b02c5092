// internal/api/handlers/job_handler.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/fawad-mazhar/evalq/internal/api/middleware"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/registry"
	"github.com/go-chi/chi/v5"
)

type JobHandler struct {
	registry *registry.Registry
}

func NewJobHandler(reg *registry.Registry) *JobHandler {
	return &JobHandler{registry: reg}
}

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	Team        string           `json:"team"`
	SubmittedBy string           `json:"submittedBy"`
	Config      models.JobConfig `json:"config"`
}

// ClaimRequest is the body of POST /jobs/claim
type ClaimRequest struct {
	WorkerID string `json:"workerId"`
}

// EventRequest is the body of POST /jobs/{id}/events
type EventRequest struct {
	Level   models.EventLevel `json:"level"`
	Message string            `json:"message"`
}

// CompleteRequest is the body of POST /jobs/{id}/complete
type CompleteRequest struct {
	WorkerID string `json:"workerId"`
	models.Outcome
}

// CancelRequest is the optional body of POST /jobs/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.registry.Create(r.Context(), req.Team, req.SubmittedBy, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{Status: models.JobStatus(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, errors.InvalidRequestf("limit must be an integer"))
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.registry.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.registry.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ClaimJob answers 204 when no job is available
func (h *JobHandler) ClaimJob(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	workerID, err := actingWorker(r, req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.registry.ClaimNext(r.Context(), workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "id")

	if p, ok := middleware.PrincipalFrom(r.Context()); ok && !p.IsAdmin() {
		job, err := h.registry.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if job.WorkerID != p.WorkerID {
			writeError(w, r, errors.Conflictf("job %s is not bound to worker %s", jobID, p.WorkerID))
			return
		}
	}

	job, err := h.registry.AppendEvent(r.Context(), jobID, req.Level, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	workerID, err := actingWorker(r, req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.registry.Complete(r.Context(), chi.URLParam(r, "id"), workerID, req.Outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
