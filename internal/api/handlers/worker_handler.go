package handlers

import (
	"net/http"

	"github.com/fawad-mazhar/evalq/internal/directory"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/go-chi/chi/v5"
)

type WorkerHandler struct {
	directory   *directory.Directory
	credentials *directory.Credentials
}

func NewWorkerHandler(dir *directory.Directory, creds *directory.Credentials) *WorkerHandler {
	return &WorkerHandler{directory: dir, credentials: creds}
}

// WorkerView is a worker row plus its liveness at read time
type WorkerView struct {
	*models.WorkerInfo
	Online bool `json:"online"`
}

// RegisterRequest is the body of POST /workers/register
type RegisterRequest struct {
	WorkerID string `json:"workerId"`
}

func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := decodeBody(w, r, &hb, false); err != nil {
		writeError(w, r, err)
		return
	}
	workerID, err := actingWorker(r, hb.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hb.WorkerID = workerID

	info, err := h.directory.Heartbeat(r.Context(), hb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WorkerView{WorkerInfo: info, Online: true})
}

func (h *WorkerHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.directory.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	views := make([]WorkerView, 0, len(workers))
	for _, wk := range workers {
		views = append(views, WorkerView{WorkerInfo: wk, Online: h.directory.Online(wk)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	issued, err := h.credentials.Register(r.Context(), req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *WorkerHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	issued, err := h.credentials.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (h *WorkerHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if err := h.credentials.Revoke(r.Context(), workerID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workerId": workerID, "status": "revoked"})
}
