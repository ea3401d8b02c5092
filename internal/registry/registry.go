// Package registry owns the job lifecycle: creation, atomic claiming, the
// per-job audit trail and terminal outcomes. All state lives in a
// storage.JobStore; the registry itself keeps none.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/queue"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"go.uber.org/zap"
)

// errUnchanged aborts a store write when the mutation turned out to be a no-op
var errUnchanged = errors.New("unchanged")

type Registry struct {
	jobs      storage.JobStore
	publisher queue.Publisher
	log       *zap.SugaredLogger
	now       func() time.Time
}

type Option func(*Registry)

// WithPublisher announces every job change on p
func WithPublisher(p queue.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(jobs storage.JobStore, opts ...Option) *Registry {
	r := &Registry{
		jobs:      jobs,
		publisher: queue.Nop{},
		log:       logger.Named("registry"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) clock() time.Time {
	return r.now().UTC()
}

// Create validates cfg and enqueues a new job
func (r *Registry) Create(ctx context.Context, team, submittedBy string, cfg models.JobConfig) (*models.Job, error) {
	if strings.TrimSpace(team) == "" {
		return nil, errors.InvalidRequestf("team is required")
	}
	if strings.TrimSpace(submittedBy) == "" {
		return nil, errors.InvalidRequestf("submittedBy is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	job := models.NewJob(team, submittedBy, cfg.Clone(), r.clock())
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	r.log.Infow("Job queued", "job_id", job.ID, "team", team, "server", cfg.Server)
	r.publish(ctx, job)
	return job, nil
}

// ClaimNext hands the oldest queued job to workerID. It returns (nil, nil)
// when nothing is queued.
func (r *Registry) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	if err := models.ValidateWorkerID(workerID); err != nil {
		return nil, err
	}

	job, err := r.jobs.ClaimOldestQueued(ctx, func(j *models.Job) error {
		return j.Claim(workerID, r.clock())
	})
	if errors.IsConflict(err) {
		// Lost a race the store did not serialize; same as an empty queue.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	r.log.Infow("Job claimed", "job_id", job.ID, "worker_id", workerID)
	r.publish(ctx, job)
	return job, nil
}

// AppendEvent adds an audit entry to a job in any status
func (r *Registry) AppendEvent(ctx context.Context, jobID string, level models.EventLevel, message string) (*models.Job, error) {
	if level == "" {
		level = models.EventLevelInfo
	}
	if !level.IsValid() {
		return nil, errors.InvalidRequestf("level %q must be one of debug, info, warn, error", level)
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.InvalidRequestf("message is required")
	}

	return r.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.AppendEvent(level, message, r.clock())
		return nil
	})
}

// Complete records a worker's outcome. Reporting again for a job that is
// already terminal returns the job unchanged.
func (r *Registry) Complete(ctx context.Context, jobID, workerID string, outcome models.Outcome) (*models.Job, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}

	var unchanged *models.Job
	job, err := r.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		applied, err := j.Finish(workerID, outcome, r.clock())
		if err != nil {
			return err
		}
		if !applied {
			unchanged = j
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		r.log.Debugw("Ignoring duplicate completion", "job_id", jobID, "worker_id", workerID, "status", unchanged.Status)
		return unchanged, nil
	}
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusFailed {
		r.log.Warnw("Job failed", "job_id", job.ID, "worker_id", job.WorkerID, "error", job.ErrorMessage)
	} else {
		r.log.Infow("Job completed", "job_id", job.ID, "worker_id", job.WorkerID, "report_id", job.ReportID)
	}
	r.publish(ctx, job)
	return job, nil
}

// Cancel withdraws a queued job. Running and terminal jobs are a conflict.
func (r *Registry) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	job, err := r.jobs.UpdateJob(ctx, jobID, func(j *models.Job) error {
		return j.Cancel(reason, r.clock())
	})
	if err != nil {
		return nil, err
	}

	r.log.Infow("Job cancelled", "job_id", job.ID, "reason", reason)
	r.publish(ctx, job)
	return job, nil
}

// List returns jobs newest first
func (r *Registry) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, errors.InvalidRequestf("unknown status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, errors.InvalidRequestf("limit must not be negative")
	}
	return r.jobs.ListJobs(ctx, filter)
}

func (r *Registry) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return r.jobs.GetJob(ctx, jobID)
}

// Counts returns the number of jobs per status
func (r *Registry) Counts(ctx context.Context) (map[models.JobStatus]int, error) {
	return r.jobs.CountJobs(ctx)
}

func (r *Registry) publish(ctx context.Context, job *models.Job) {
	if err := r.publisher.PublishJob(ctx, job); err != nil {
		r.log.Warnw("Failed to publish job change", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
