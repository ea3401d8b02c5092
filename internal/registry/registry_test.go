package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/directory"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage/leveldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []models.JobStatus
}

func (p *recordingPublisher) PublishJob(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, job.Status)
	return nil
}

func (p *recordingPublisher) PublishStatus(context.Context, *models.StatusMessage) error {
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	client *leveldb.Client
	reg    *Registry
	pub    *recordingPublisher
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := leveldb.NewMemClient()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	f := &fixture{
		client: c,
		pub:    &recordingPublisher{},
		clock:  &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.reg = New(leveldb.NewJobStore(c),
		WithPublisher(f.pub),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithClock(f.clock.Now),
	)
	return f
}

func sampleConfig() models.JobConfig {
	return models.JobConfig{
		Server:    "everything",
		Transport: models.Transport{Kind: models.TransportStdio, Command: "npx -y @modelcontextprotocol/server-everything"},
	}
}

func (f *fixture) create(t *testing.T) *models.Job {
	t.Helper()
	job, err := f.reg.Create(context.Background(), "t", "alice", sampleConfig())
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return job
}

func TestCreateAndClaimScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	j1 := f.create(t)
	assert.Equal(t, models.JobStatusQueued, j1.Status)
	assert.Empty(t, j1.WorkerID)

	claimed, err := f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j1.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	assert.Equal(t, "W1", claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)

	other, err := f.reg.ClaimNext(ctx, "W2")
	require.NoError(t, err)
	assert.Nil(t, other)

	stored, err := f.reg.Get(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, "W1", stored.WorkerID)
	assert.Equal(t, "claimed by W1", stored.Events[len(stored.Events)-1].Message)

	assert.Equal(t, []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}, f.pub.statuses)
}

func TestClaimNextOnEmptyQueueReturnsNone(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		job, err := f.reg.ClaimNext(context.Background(), "W1")
		assert.NoError(t, err)
		assert.Nil(t, job)
	}
}

func TestClaimNextRejectsBadWorkerID(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.ClaimNext(context.Background(), "")
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestConcurrentClaimsHandOutEachJobOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const jobsN, workersN = 25, 40
	for i := 0; i < jobsN; i++ {
		f.create(t)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners = make(map[string][]string)
	)
	for w := 0; w < workersN; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := f.reg.ClaimNext(ctx, worker)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				owners[job.ID] = append(owners[job.ID], worker)
				mu.Unlock()
			}
		}(fmt.Sprintf("W%d", w))
	}
	wg.Wait()

	require.Len(t, owners, jobsN)
	for id, ws := range owners {
		assert.Len(t, ws, 1, "job %s claimed by %v", id, ws)
	}

	counts, err := f.reg.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobsN, counts[models.JobStatusRunning])
	assert.Zero(t, counts[models.JobStatusQueued])
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, second := f.create(t), f.create(t)

	a, err := f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	b, err := f.reg.ClaimNext(ctx, "W2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.ID)
	assert.Equal(t, second.ID, b.ID)
}

func TestAppendEventPreservesCallOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.create(t)

	const writers, perWriter = 8, 15
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := f.reg.AppendEvent(ctx, job.ID, models.EventLevelInfo, fmt.Sprintf("%d:%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stored, err := f.reg.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, stored.Events, 1+writers*perWriter)
	assert.Equal(t, "queued", stored.Events[0].Message)

	next := make([]int, writers)
	for _, ev := range stored.Events[1:] {
		var w, i int
		_, err := fmt.Sscanf(ev.Message, "%d:%d", &w, &i)
		require.NoError(t, err)
		assert.Equal(t, next[w], i, "writer %d events out of order", w)
		next[w] = i + 1
	}
}

func TestAppendEventSequential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.create(t)

	for _, msg := range []string{"a", "b", "c"} {
		_, err := f.reg.AppendEvent(ctx, job.ID, models.EventLevelDebug, msg)
		require.NoError(t, err)
	}
	stored, err := f.reg.Get(ctx, job.ID)
	require.NoError(t, err)

	var msgs []string
	for _, ev := range stored.Events {
		msgs = append(msgs, ev.Message)
	}
	assert.Equal(t, []string{"queued", "a", "b", "c"}, msgs)
}

func TestAppendEventErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.create(t)

	_, err := f.reg.AppendEvent(ctx, "missing", models.EventLevelInfo, "x")
	assert.True(t, errors.IsNotFound(err))

	_, err = f.reg.AppendEvent(ctx, job.ID, "loud", "x")
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = f.reg.AppendEvent(ctx, job.ID, models.EventLevelInfo, "  ")
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j1 := f.create(t)
	_, err := f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	done, err := f.reg.Complete(ctx, j1.ID, "W1", models.Outcome{Status: models.JobStatusCompleted, ReportID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, "R1", done.ReportID)
	require.NotNil(t, done.FinishedAt)
	finishedAt := *done.FinishedAt
	events := len(done.Events)

	f.clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		again, err := f.reg.Complete(ctx, j1.ID, "W1", models.Outcome{Status: models.JobStatusCompleted, ReportID: "R2"})
		require.NoError(t, err)
		assert.Equal(t, "R1", again.ReportID)
	}
	failed, err := f.reg.Complete(ctx, j1.ID, "W1", models.Outcome{Status: models.JobStatusFailed, ErrorMessage: "late"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, failed.Status)

	stored, err := f.reg.Get(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, "R1", stored.ReportID)
	assert.Empty(t, stored.ErrorMessage)
	assert.True(t, finishedAt.Equal(*stored.FinishedAt))
	assert.Len(t, stored.Events, events)
}

func TestCompleteFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.create(t)
	_, err := f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	failed, err := f.reg.Complete(ctx, job.ID, "W1", models.Outcome{Status: models.JobStatusFailed, ErrorMessage: "connection refused"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, "connection refused", failed.ErrorMessage)
	assert.Empty(t, failed.ReportID)
}

func TestCompleteConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	queued := f.create(t)

	_, err := f.reg.Complete(ctx, queued.ID, "W1", models.Outcome{Status: models.JobStatusCompleted, ReportID: "R"})
	assert.True(t, errors.IsConflict(err), "completing an unclaimed job")

	_, err = f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	_, err = f.reg.Complete(ctx, queued.ID, "W2", models.Outcome{Status: models.JobStatusCompleted, ReportID: "R"})
	assert.True(t, errors.IsConflict(err), "completing as another worker")

	_, err = f.reg.Complete(ctx, queued.ID, "W1", models.Outcome{Status: models.JobStatusCompleted})
	assert.True(t, errors.IsInvalidRequest(err), "missing report id")

	_, err = f.reg.Complete(ctx, "missing", "W1", models.Outcome{Status: models.JobStatusCompleted, ReportID: "R"})
	assert.True(t, errors.IsNotFound(err))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.create(t)

	cancelled, err := f.reg.Cancel(ctx, job.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)

	claimed, err := f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "cancelled jobs are never claimed")

	_, err = f.reg.Cancel(ctx, job.ID, "")
	assert.True(t, errors.IsConflict(err))
}

func TestCancelRacingClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		job := f.create(t)

		var (
			wg        sync.WaitGroup
			claimed   *models.Job
			claimErr  error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			claimed, claimErr = f.reg.ClaimNext(ctx, "W1")
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.reg.Cancel(ctx, job.ID, "race")
		}()
		wg.Wait()

		require.NoError(t, claimErr)
		if claimed != nil {
			assert.True(t, errors.IsConflict(cancelErr), "round %d", round)
		} else {
			assert.NoError(t, cancelErr, "round %d", round)
		}

		stored, err := f.reg.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Contains(t, []models.JobStatus{models.JobStatusRunning, models.JobStatusCancelled}, stored.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, "", "alice", sampleConfig())
	assert.True(t, errors.IsInvalidRequest(err))

	bad := sampleConfig()
	bad.Transport.Kind = "carrier-pigeon"
	_, err = f.reg.Create(ctx, "t", "alice", bad)
	assert.True(t, errors.IsInvalidRequest(err))

	jobs, err := f.reg.List(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests never reach the store")
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b, c := f.create(t), f.create(t), f.create(t)
	_, err := f.reg.ClaimNext(ctx, "W1")
	require.NoError(t, err)

	all, err := f.reg.List(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	queued, err := f.reg.List(ctx, models.JobFilter{Status: models.JobStatusQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	_, err = f.reg.List(ctx, models.JobFilter{Status: "paused"})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	require.NoError(t, f.client.Close())

	_, err := f.reg.ClaimNext(context.Background(), "W1")
	assert.True(t, errors.IsStoreUnavailable(err), "got %v", err)

	_, err = f.reg.Get(context.Background(), "anything")
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.False(t, errors.IsNotFound(err))
}

func TestReaperExpiresSilentWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	workers := leveldb.NewWorkerStore(f.client)

	stale, fresh := f.create(t), f.create(t)
	_, err := f.reg.ClaimNext(ctx, "silent")
	require.NoError(t, err)
	_, err = f.reg.ClaimNext(ctx, "chatty")
	require.NoError(t, err)

	beat := func(workerID, jobID string) {
		_, err := workers.UpsertWorker(ctx, workerID, func(w *models.WorkerInfo, _ bool) error {
			w.LastSeenAt = f.clock.Now()
			w.Status = models.WorkerStatusBusy
			w.CurrentJobID = jobID
			return nil
		})
		require.NoError(t, err)
	}
	beat("silent", stale.ID)
	beat("chatty", fresh.ID)

	reaper := NewReaper(f.reg, workers, config.LeaseConfig{Timeout: time.Minute, Interval: time.Hour})

	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	beat("chatty", fresh.ID)

	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.reg.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "lease expired")

	got, err = f.reg.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	// A late completion from the silent worker is a no-op.
	late, err := f.reg.Complete(ctx, stale.ID, "silent", models.Outcome{Status: models.JobStatusCompleted, ReportID: "R"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, late.Status)
}

func TestReaperExpiresJobWhoseOutcomeWasNeverDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	workers := leveldb.NewWorkerStore(f.client)
	dir := directory.New(workers, config.DefaultWorkerFreshness, directory.WithClock(f.clock.Now))

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.False(t, cfg.Lease.Disabled)
	reaper := NewReaper(f.reg, workers, cfg.Lease)

	job := f.create(t)
	_, err = f.reg.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	heartbeat := func(status models.WorkerStatus, jobID string) {
		_, err := dir.Heartbeat(ctx, models.Heartbeat{WorkerID: "w1", Status: status, CurrentJobID: jobID})
		require.NoError(t, err)
	}

	// A long evaluation stays alive while the worker heartbeats busy on it.
	for i := 0; i < 10; i++ {
		f.clock.Advance(config.DefaultHeartbeatInterval)
		heartbeat(models.WorkerStatusBusy, job.ID)
		n, err := reaper.Sweep(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	}

	// Reporting gave up; the worker moved on and keeps heartbeating idle.
	for elapsed := time.Duration(0); elapsed <= cfg.Lease.Timeout; elapsed += config.DefaultHeartbeatInterval {
		f.clock.Advance(config.DefaultHeartbeatInterval)
		heartbeat(models.WorkerStatusIdle, "")
	}

	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "lease expired")
	assert.NotNil(t, got.FinishedAt)
}

func TestReaperStartAndShutdown(t *testing.T) {
	f := newFixture(t)
	reaper := NewReaper(f.reg, leveldb.NewWorkerStore(f.client), config.LeaseConfig{Timeout: time.Minute, Interval: 10 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- reaper.Start(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reaper.Shutdown(ctx))
	assert.NoError(t, <-errCh)
	assert.NoError(t, reaper.Shutdown(ctx), "second shutdown is harmless")
}
