package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"go.uber.org/zap"
)

// Reaper fails running jobs whose lease has not been renewed within the lease
// timeout. Jobs are never put back in the queue.
type Reaper struct {
	registry *Registry
	workers  storage.WorkerStore
	timeout  time.Duration
	interval time.Duration
	log      *zap.SugaredLogger

	stopChan     chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
}

func NewReaper(r *Registry, workers storage.WorkerStore, cfg config.LeaseConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = config.DefaultLeaseInterval
	}
	return &Reaper{
		registry: r,
		workers:  workers,
		timeout:  cfg.Timeout,
		interval: interval,
		log:      r.log.Named("reaper"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start sweeps every interval until ctx is done or Shutdown is called
func (rp *Reaper) Start(ctx context.Context) error {
	defer close(rp.done)
	rp.log.Infow("Starting lease reaper", "timeout", rp.timeout, "interval", rp.interval)

	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rp.stopChan:
			return nil
		case <-ticker.C:
			if n, err := rp.Sweep(ctx); err != nil {
				rp.log.Errorw("Lease sweep failed", "error", err)
			} else if n > 0 {
				rp.log.Warnw("Expired job leases", "count", n)
			}
		}
	}
}

// Shutdown stops the loop and waits for the current sweep to finish
func (rp *Reaper) Shutdown(ctx context.Context) error {
	rp.shutdownOnce.Do(func() { close(rp.stopChan) })
	select {
	case <-rp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timeout is how long a lease lasts without renewal
func (rp *Reaper) Timeout() time.Duration {
	return rp.timeout
}

// Sweep fails every running job whose lease has expired and returns how
// many it failed.
func (rp *Reaper) Sweep(ctx context.Context) (int, error) {
	running, err := rp.registry.List(ctx, models.JobFilter{Status: models.JobStatusRunning})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	now := rp.registry.clock()
	expired := 0
	for _, job := range running {
		renewed, err := rp.renewedAt(ctx, job)
		if err != nil {
			return expired, err
		}
		if now.Sub(renewed) <= rp.timeout {
			continue
		}

		reason := fmt.Sprintf("lease expired: worker %s has not worked on the job since %s", job.WorkerID, renewed.Format(time.RFC3339))
		ok, err := rp.registry.expireLease(ctx, job.ID, job.WorkerID, reason)
		if err != nil {
			rp.log.Errorw("Failed to expire lease", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// renewedAt is the last sign the bound worker was still on the job: the
// claim, the latest event, or a heartbeat naming the job as current. A
// worker that heartbeats idle or busy elsewhere no longer renews it, so a
// job whose outcome was never delivered still expires.
func (rp *Reaper) renewedAt(ctx context.Context, job *models.Job) (time.Time, error) {
	seen := job.UpdatedAt
	if job.StartedAt != nil && job.StartedAt.After(seen) {
		seen = *job.StartedAt
	}
	w, err := rp.workers.GetWorker(ctx, job.WorkerID)
	if errors.IsNotFound(err) {
		return seen, nil
	}
	if err != nil {
		return seen, err
	}
	if w.CurrentJobID == job.ID && w.LastSeenAt.After(seen) {
		seen = w.LastSeenAt
	}
	return seen, nil
}

// expireLease fails a job that is still running under workerID. It reports
// false when the job moved on in the meantime.
func (r *Registry) expireLease(ctx context.Context, jobID, workerID, reason string) (bool, error) {
	job, err := r.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning || j.WorkerID != workerID {
			return errUnchanged
		}
		_, err := j.Finish(workerID, models.Outcome{Status: models.JobStatusFailed, ErrorMessage: reason}, r.clock())
		return err
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.log.Warnw("Job lease expired", "job_id", job.ID, "worker_id", workerID)
	r.publish(ctx, job)
	return true, nil
}
