// internal/api/handlers/respond.go
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/fawad-mazhar/evalq/internal/api/middleware"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Warnw("Failed to encode response", "error", err)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err with its full detail and returns only a class-level
// message to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var msg string
	switch status {
	case http.StatusUnauthorized:
		msg = "unauthorized"
	case http.StatusServiceUnavailable:
		msg = "store unavailable"
	case http.StatusInternalServerError:
		msg = "internal error"
	default:
		msg = err.Error()
	}

	log := logger.Named("api").With("path", r.URL.Path, "status", status, "request_id", chimw.GetReqID(r.Context()))
	if status >= 500 {
		log.Errorw("Request failed", "error", err, "detail", errors.FlattenDetails(err))
	} else {
		log.Debugw("Request rejected", "error", err)
	}

	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeBody reads a JSON body into v. An empty body is only accepted when
// allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF && allowEmpty {
			return nil
		}
		return errors.InvalidRequestf("invalid request body: %v", err)
	}
	return nil
}

// actingWorker resolves which worker a request acts for. Worker principals
// may only act as themselves; admins act for whoever the body names.
func actingWorker(r *http.Request, bodyWorkerID string) (string, error) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok || p.IsAdmin() {
		return bodyWorkerID, nil
	}
	if bodyWorkerID != "" && bodyWorkerID != p.WorkerID {
		return "", errors.Mark(errors.Newf("worker %s cannot act as %s", p.WorkerID, bodyWorkerID), errors.ErrUnauthorized)
	}
	return p.WorkerID, nil
}
