package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/stretchr/testify/assert"
)

type staticVerifier struct {
	tokens map[string]string
	err    error
}

func (v staticVerifier) Verify(_ context.Context, workerID, token string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	want, ok := v.tokens[workerID]
	return ok && want == token, nil
}

func serve(h http.Handler, token, workerID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if workerID != "" {
		req.Header.Set(WorkerIDHeader, workerID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	verifier := staticVerifier{tokens: map[string]string{"W1": "tok-1"}}
	auth := NewAuth(config.AuthConfig{AdminToken: "root"}, verifier)

	tests := []struct {
		name        string
		allowWorker bool
		token       string
		workerID    string
		wantStatus  int
		wantKind    PrincipalKind
	}{
		{"admin on admin route", false, "root", "", http.StatusNoContent, PrincipalAdmin},
		{"admin on worker route", true, "root", "", http.StatusNoContent, PrincipalAdmin},
		{"worker on worker route", true, "tok-1", "W1", http.StatusNoContent, PrincipalWorker},
		{"worker on admin route", false, "tok-1", "W1", http.StatusUnauthorized, ""},
		{"worker token without header", true, "tok-1", "", http.StatusUnauthorized, ""},
		{"worker token for other worker", true, "tok-1", "W2", http.StatusUnauthorized, ""},
		{"missing token", true, "", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *Principal
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if p, ok := PrincipalFrom(r.Context()); ok {
					seen = &p
				}
				w.WriteHeader(http.StatusNoContent)
			})

			h := auth.RequireAdmin(next)
			if tt.allowWorker {
				h = auth.RequireWorkerOrAdmin(next)
			}
			rec := serve(h, tt.token, tt.workerID)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
				assert.Nil(t, seen)
				return
			}
			if assert.NotNil(t, seen) {
				assert.Equal(t, tt.wantKind, seen.Kind)
			}
		})
	}
}

func TestAuthStoreUnavailable(t *testing.T) {
	verifier := staticVerifier{err: errors.Unavailable(errors.New("connection refused"), "failed to read credential")}
	auth := NewAuth(config.AuthConfig{AdminToken: "root"}, verifier)

	h := auth.RequireWorkerOrAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := serve(h, "tok-1", "W1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthDisabledActsAsAdmin(t *testing.T) {
	auth := NewAuth(config.AuthConfig{Disabled: true}, nil)

	var seen Principal
	h := auth.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
	}))
	rec := serve(h, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, seen.IsAdmin())
}

func TestPrincipalKey(t *testing.T) {
	assert.Equal(t, "admin", Principal{Kind: PrincipalAdmin}.Key())
	assert.Equal(t, "worker:W1", Principal{Kind: PrincipalWorker, WorkerID: "W1"}.Key())
}
