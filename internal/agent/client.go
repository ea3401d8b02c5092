package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
)

// WorkerIDHeader must match the header the control plane reads
const WorkerIDHeader = "X-Worker-Id"

// Client talks to the control-plane API. The agent uses it with a worker
// token; the CLI uses it with the admin secret or no credentials at all.
type Client struct {
	baseURL    string
	token      string
	workerID   string
	httpClient *http.Client
}

func NewClient(baseURL, token, workerID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1",
		token:      strings.TrimSpace(token),
		workerID:   workerID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitRequest is the body of a job submission
type SubmitRequest struct {
	Team        string           `json:"team"`
	SubmittedBy string           `json:"submittedBy"`
	Config      models.JobConfig `json:"config"`
}

// WorkerView is a worker row as returned by the list endpoint
type WorkerView struct {
	models.WorkerInfo
	Online bool `json:"online"`
}

type apiError struct {
	Error string `json:"error"`
}

// statusError maps a non-2xx response onto the shared error taxonomy so
// callers can use the errors.IsX helpers on both sides of the wire.
func statusError(status int, body []byte) error {
	var e apiError
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	err := errors.Newf("control plane returned %d: %s", status, msg)

	switch {
	case status == http.StatusBadRequest:
		return errors.Mark(err, errors.ErrInvalidRequest)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Mark(err, errors.ErrUnauthorized)
	case status == http.StatusNotFound:
		return errors.Mark(err, errors.ErrNotFound)
	case status == http.StatusConflict:
		return errors.Mark(err, errors.ErrConflict)
	case status == http.StatusTooManyRequests:
		return errors.Mark(err, errors.ErrRateLimited)
	case status >= 500:
		return errors.Mark(err, errors.ErrStoreUnavailable)
	}
	return err
}

// Retryable reports whether a failed call may succeed if repeated. Transport
// failures, per-request timeouts and server-side errors are retryable;
// rejected requests are not. Callers stop on their own context separately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.IsAny(err,
		errors.ErrInvalidRequest,
		errors.ErrUnauthorized,
		errors.ErrNotFound,
		errors.ErrConflict,
	)
}

// do sends a JSON request and decodes a JSON response into out. It returns
// the HTTP status so callers can tell 204 from 200.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "failed to encode request")
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.workerID != "" {
		req.Header.Set(WorkerIDHeader, c.workerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, errors.Wrapf(err, "failed to read response of %s %s", method, path)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, statusError(resp.StatusCode, data)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "failed to decode response of %s %s", method, path)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	var job models.Job
	if _, err := c.do(ctx, http.MethodPost, "/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var jobs []*models.Job
	if _, err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, id, reason string) (*models.Job, error) {
	var job models.Job
	body := map[string]string{"reason": reason}
	if _, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Claim returns nil, nil when no job is available
func (c *Client) Claim(ctx context.Context) (*models.Job, error) {
	var job models.Job
	status, err := c.do(ctx, http.MethodPost, "/jobs/claim", map[string]string{"workerId": c.workerID}, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

func (c *Client) AppendEvent(ctx context.Context, jobID string, level models.EventLevel, message string) error {
	body := map[string]interface{}{"level": level, "message": message}
	_, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/events", body, nil)
	return err
}

func (c *Client) Complete(ctx context.Context, jobID string, outcome models.Outcome) (*models.Job, error) {
	body := struct {
		WorkerID string `json:"workerId"`
		models.Outcome
	}{WorkerID: c.workerID, Outcome: outcome}

	var job models.Job
	if _, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/complete", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Heartbeat(ctx context.Context, hb models.Heartbeat) error {
	if hb.WorkerID == "" {
		hb.WorkerID = c.workerID
	}
	_, err := c.do(ctx, http.MethodPost, "/workers/heartbeat", hb, nil)
	return err
}

func (c *Client) ListWorkers(ctx context.Context) ([]WorkerView, error) {
	var workers []WorkerView
	if _, err := c.do(ctx, http.MethodGet, "/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

func (c *Client) RegisterWorker(ctx context.Context, workerID string) (*models.IssuedToken, error) {
	var issued models.IssuedToken
	if _, err := c.do(ctx, http.MethodPost, "/workers/register", map[string]string{"workerId": workerID}, &issued); err != nil {
		return nil, err
	}
	return &issued, nil
}

func (c *Client) RotateWorker(ctx context.Context, workerID string) (*models.IssuedToken, error) {
	var issued models.IssuedToken
	if _, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/rotate", nil, &issued); err != nil {
		return nil, err
	}
	return &issued, nil
}

func (c *Client) RevokeWorker(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/revoke", nil, nil)
	return err
}

func (c *Client) SystemStatus(ctx context.Context) (*models.SystemState, error) {
	var state models.SystemState
	if _, err := c.do(ctx, http.MethodGet, "/system/status", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
