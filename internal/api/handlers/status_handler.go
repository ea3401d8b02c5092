// internal/api/handlers/status_handler.go
package handlers

import (
	"net/http"
	"time"

	"github.com/fawad-mazhar/evalq/internal/directory"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/registry"
)

type StatusHandler struct {
	registry  *registry.Registry
	directory *directory.Directory
}

func NewStatusHandler(reg *registry.Registry, dir *directory.Directory) *StatusHandler {
	return &StatusHandler{
		registry:  reg,
		directory: dir,
	}
}

func (h *StatusHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.registry.Counts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	fleet, err := h.directory.Fleet(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	for _, s := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}

	writeJSON(w, http.StatusOK, models.SystemState{
		Jobs:           counts,
		WorkersOnline:  fleet.Online,
		WorkersOffline: fleet.Offline,
		WorkersBusy:    fleet.Busy,
		UpdatedAt:      time.Now().UTC(),
	})
}
