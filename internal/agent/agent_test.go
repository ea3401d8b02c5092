package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fawad-mazhar/evalq/internal/api/routes"
	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/directory"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/registry"
	"github.com/fawad-mazhar/evalq/internal/storage/leveldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorker = "w-test"

const (
	pathHeartbeat = "/api/v1/workers/heartbeat"
	pathClaim     = "/api/v1/jobs/claim"
)

// controlPlane is the real router on an in-memory store, wrapped so tests
// can observe calls and inject failures on completion.
type controlPlane struct {
	*httptest.Server
	reg   *registry.Registry
	dir   *directory.Directory
	token string

	mu             sync.Mutex
	paths          []string
	completes      atomic.Int32
	failCompletes  atomic.Int32
	slowCompletes  atomic.Int32
	completeStatus atomic.Int32
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	backend, err := leveldb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth = config.AuthConfig{AdminToken: "admin"}
	cfg.Server.ClaimRate = 0

	cp := &controlPlane{
		reg: registry.New(backend.Jobs),
		dir: directory.New(backend.Workers, time.Minute),
	}
	creds := directory.NewCredentials(backend.Credentials)
	issued, err := creds.Register(context.Background(), testWorker)
	require.NoError(t, err)
	cp.token = issued.Token

	router := routes.SetupRouter(cfg, cp.reg, cp.dir, creds)
	cp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		cp.paths = append(cp.paths, r.URL.Path)
		cp.mu.Unlock()

		if strings.HasSuffix(r.URL.Path, "/complete") {
			n := cp.completes.Add(1)
			if code := cp.completeStatus.Load(); code != 0 {
				w.WriteHeader(int(code))
				return
			}
			if n <= cp.slowCompletes.Load() {
				time.Sleep(300 * time.Millisecond)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if n <= cp.failCompletes.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(cp.Server.Close)
	return cp
}

func (cp *controlPlane) recorded() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.paths...)
}

func (cp *controlPlane) claims() int {
	n := 0
	for _, p := range cp.recorded() {
		if p == pathClaim {
			n++
		}
	}
	return n
}

func (cp *controlPlane) submit(t *testing.T) *models.Job {
	t.Helper()
	job, err := cp.reg.Create(context.Background(), "t", "alice", models.JobConfig{
		Server:    "everything",
		Transport: models.Transport{Kind: models.TransportHTTP, URL: "http://localhost:3001/mcp"},
	})
	require.NoError(t, err)
	return job
}

func (cp *controlPlane) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := cp.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

type executorFunc func(ctx context.Context, job *models.Job) (*models.Report, error)

func (f executorFunc) Evaluate(ctx context.Context, job *models.Job) (*models.Report, error) {
	return f(ctx, job)
}

func passingExecutor(context.Context, *models.Job) (*models.Report, error) {
	checks := []models.CheckResult{{Name: "connect", Passed: true}}
	return &models.Report{Checks: checks, Score: models.WeightedScore(checks)}, nil
}

type failingReports struct{}

func (failingReports) Save(context.Context, *models.Report) (string, error) {
	return "", errors.New("disk full")
}

func newReportStore(t *testing.T) *leveldb.ReportStore {
	t.Helper()
	c, err := leveldb.NewMemClient()
	require.NoError(t, err)
	store := leveldb.NewReportStore(c, time.Hour)
	t.Cleanup(func() {
		store.Close()
		c.Close()
	})
	return store
}

func newTestAgent(cp *controlPlane, exec Executor, reports ReportStore, mutate ...func(*config.AgentConfig)) *Agent {
	cfg := config.AgentConfig{
		ControlPlaneURL: cp.URL,
		WorkerID:        testWorker,
		Token:           cp.token,
		PollInterval:    10 * time.Millisecond,
		ReportTimeout:   5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a := New(cfg, NewClient(cfg.ControlPlaneURL, cfg.Token, cfg.WorkerID), exec, reports, WithVersion("test"))
	a.backoffBase = time.Millisecond
	a.backoffMax = 5 * time.Millisecond
	return a
}

func TestRunOnceWithoutJobs(t *testing.T) {
	cp := newControlPlane(t)
	a := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t))

	ran, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, []string{pathHeartbeat, pathClaim, pathHeartbeat}, cp.recorded())
}

func TestRunOnceCompletesJob(t *testing.T) {
	cp := newControlPlane(t)
	reports := newReportStore(t)
	job := cp.submit(t)

	var busyDuringRun bool
	exec := executorFunc(func(ctx context.Context, j *models.Job) (*models.Report, error) {
		workers, err := cp.dir.List(ctx)
		if err == nil && len(workers) == 1 {
			busyDuringRun = workers[0].Status == models.WorkerStatusBusy && workers[0].CurrentJobID == j.ID
		}
		return passingExecutor(ctx, j)
	})
	a := newTestAgent(cp, exec, reports)

	ran, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.True(t, busyDuringRun, "heartbeat reports busy while executing")

	final := cp.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, testWorker, final.WorkerID)
	require.NotEmpty(t, final.ReportID)

	var messages []string
	for _, e := range final.Events {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "started")

	report, err := reports.Get(context.Background(), final.ReportID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, report.JobID)
	assert.Equal(t, testWorker, report.WorkerID)
	assert.Equal(t, "everything", report.Server)
	assert.Equal(t, 1.0, report.Score)

	workers, err := cp.dir.List(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, models.WorkerStatusIdle, workers[0].Status)
	assert.Equal(t, "test", workers[0].Version)
	assert.Equal(t, "", a.CurrentJob())
}

func TestExecutionFailuresAlwaysReachFailed(t *testing.T) {
	tests := []struct {
		name    string
		exec    Executor
		reports ReportStore
		wantMsg string
	}{
		{
			name: "executor error",
			exec: executorFunc(func(context.Context, *models.Job) (*models.Report, error) {
				return nil, errors.New("dial tcp: connection refused")
			}),
			wantMsg: "dial tcp: connection refused",
		},
		{
			name: "executor panic",
			exec: executorFunc(func(context.Context, *models.Job) (*models.Report, error) {
				panic("boom")
			}),
			wantMsg: "executor panicked: boom",
		},
		{
			name: "no report",
			exec: executorFunc(func(context.Context, *models.Job) (*models.Report, error) {
				return nil, nil
			}),
			wantMsg: "executor returned no report",
		},
		{
			name:    "report store failure",
			exec:    executorFunc(passingExecutor),
			reports: failingReports{},
			wantMsg: "failed to persist report: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := newControlPlane(t)
			job := cp.submit(t)
			reports := tt.reports
			if reports == nil {
				reports = newReportStore(t)
			}

			ran, err := newTestAgent(cp, tt.exec, reports).RunOnce(context.Background())
			require.NoError(t, err)
			require.True(t, ran)

			final := cp.job(t, job.ID)
			assert.Equal(t, models.JobStatusFailed, final.Status)
			assert.Equal(t, tt.wantMsg, final.ErrorMessage)
		})
	}
}

func TestReportIsRetriedUntilAccepted(t *testing.T) {
	cp := newControlPlane(t)
	cp.failCompletes.Store(2)
	job := cp.submit(t)

	ran, err := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t)).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, int32(3), cp.completes.Load())
	assert.Equal(t, models.JobStatusCompleted, cp.job(t, job.ID).Status)
}

func TestReportRetriesAfterClientTimeout(t *testing.T) {
	cp := newControlPlane(t)
	cp.slowCompletes.Store(1)
	job := cp.submit(t)

	a := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t))
	a.client.httpClient.Timeout = 100 * time.Millisecond

	ran, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, int32(2), cp.completes.Load())
	assert.Equal(t, models.JobStatusCompleted, cp.job(t, job.ID).Status)
}

func TestReportSurvivesAgentCancellation(t *testing.T) {
	cp := newControlPlane(t)
	cp.failCompletes.Store(1)
	job := cp.submit(t)

	ctx, cancel := context.WithCancel(context.Background())
	exec := executorFunc(func(c context.Context, j *models.Job) (*models.Report, error) {
		cancel()
		return passingExecutor(c, j)
	})

	ran, err := newTestAgent(cp, exec, newReportStore(t)).RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, models.JobStatusCompleted, cp.job(t, job.ID).Status)
}

func TestReportGivesUpOnRejection(t *testing.T) {
	cp := newControlPlane(t)
	cp.completeStatus.Store(http.StatusConflict)
	job := cp.submit(t)

	ran, err := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t)).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, int32(1), cp.completes.Load())
	assert.Equal(t, models.JobStatusRunning, cp.job(t, job.ID).Status)
}

func TestReportGivesUpAfterTimeout(t *testing.T) {
	cp := newControlPlane(t)
	cp.failCompletes.Store(1 << 20)
	cp.submit(t)

	a := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t), func(c *config.AgentConfig) {
		c.ReportTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	ran, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Greater(t, cp.completes.Load(), int32(1))
}

func TestOnceModeExitsAfterOneJob(t *testing.T) {
	cp := newControlPlane(t)
	first := cp.submit(t)
	second := cp.submit(t)

	a := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t), func(c *config.AgentConfig) {
		c.Once = true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))

	assert.Equal(t, models.JobStatusCompleted, cp.job(t, first.ID).Status)
	assert.Equal(t, models.JobStatusQueued, cp.job(t, second.ID).Status)
}

func TestWakeShortCircuitsPollInterval(t *testing.T) {
	cp := newControlPlane(t)
	a := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t), func(c *config.AgentConfig) {
		c.Once = true
		c.PollInterval = time.Hour
	})

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	require.Eventually(t, func() bool { return cp.claims() >= 1 }, 5*time.Second, 5*time.Millisecond)
	job := cp.submit(t)
	a.Wake()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not wake up")
	}
	assert.Equal(t, models.JobStatusCompleted, cp.job(t, job.ID).Status)
}

func TestShutdownStopsPolling(t *testing.T) {
	cp := newControlPlane(t)
	a := newTestAgent(cp, executorFunc(passingExecutor), newReportStore(t), func(c *config.AgentConfig) {
		c.PollInterval = time.Hour
		c.HeartbeatInterval = 10 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()
	require.Eventually(t, func() bool { return cp.claims() >= 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.True(t, a.IsShutdown())
	require.NoError(t, <-done)
}

func TestBackoffIsCapped(t *testing.T) {
	a := &Agent{backoffBase: time.Second, backoffMax: 30 * time.Second}
	assert.Equal(t, time.Second, a.backoff(0))
	assert.Equal(t, 2*time.Second, a.backoff(1))
	assert.Equal(t, 16*time.Second, a.backoff(4))
	assert.Equal(t, 30*time.Second, a.backoff(5))
	assert.Equal(t, 30*time.Second, a.backoff(40))
}
