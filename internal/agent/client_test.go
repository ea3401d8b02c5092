package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		is        error
		retryable bool
	}{
		{http.StatusBadRequest, errors.ErrInvalidRequest, false},
		{http.StatusUnauthorized, errors.ErrUnauthorized, false},
		{http.StatusNotFound, errors.ErrNotFound, false},
		{http.StatusConflict, errors.ErrConflict, false},
		{http.StatusTooManyRequests, errors.ErrRateLimited, true},
		{http.StatusServiceUnavailable, errors.ErrStoreUnavailable, true},
		{http.StatusBadGateway, errors.ErrStoreUnavailable, true},
	}
	for _, tt := range tests {
		err := statusError(tt.status, []byte(`{"error":"nope"}`))
		assert.True(t, errors.Is(err, tt.is), "status %d", tt.status)
		assert.Equal(t, tt.retryable, Retryable(err), "status %d", tt.status)
		assert.Contains(t, err.Error(), "nope")
	}

	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(errors.New("connection reset by peer")))
}

func TestClientTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, "tok", "w-1")
	c.httpClient.Timeout = 20 * time.Millisecond

	_, err := c.Claim(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err), "a slow response must not end retries: %v", err)
}

func TestClientSendsCredentials(t *testing.T) {
	var gotAuth, gotWorker string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotWorker = r.Header.Get(WorkerIDHeader)
		assert.Equal(t, "/api/v1/jobs/claim", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", " tok ", "w1")
	job, err := c.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "w1", gotWorker)
}

func TestClientListJobsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"j1","status":"queued"}]`))
	}))
	defer srv.Close()

	jobs, err := NewClient(srv.URL, "", "").ListJobs(context.Background(), models.JobFilter{Status: models.JobStatusQueued, Limit: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "limit=5&status=queued", gotQuery)
}
