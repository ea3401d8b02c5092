// Package storage defines the persistence contract shared by the job
// registry and the worker directory. Backends live in subpackages.
//
// Every mutating method is an atomic read-modify-write on a single entity:
// the mutate callback sees the current record and the store persists the
// result only when the callback returns nil. Jobs, workers and credentials
// are independent collections and are never locked together.
package storage

import (
	"context"

	"github.com/fawad-mazhar/evalq/internal/models"
)

// MutateJobFunc edits a job in place. Returning an error aborts the write.
type MutateJobFunc func(job *models.Job) error

// JobStore persists jobs
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ListJobs returns jobs newest first by CreatedAt
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	UpdateJob(ctx context.Context, id string, mutate MutateJobFunc) (*models.Job, error)
	// ClaimOldestQueued applies mutate to the oldest queued job, serialized
	// against every other claim and update. It returns (nil, nil) when no job
	// is queued.
	ClaimOldestQueued(ctx context.Context, mutate MutateJobFunc) (*models.Job, error)
	// CountJobs returns the number of jobs per status
	CountJobs(ctx context.Context) (map[models.JobStatus]int, error)
}

// MutateWorkerFunc edits a worker row in place. existing is false on first
// contact, in which case w is zero-valued apart from WorkerID.
type MutateWorkerFunc func(w *models.WorkerInfo, existing bool) error

// WorkerStore persists worker directory rows
type WorkerStore interface {
	UpsertWorker(ctx context.Context, workerID string, mutate MutateWorkerFunc) (*models.WorkerInfo, error)
	GetWorker(ctx context.Context, workerID string) (*models.WorkerInfo, error)
	// ListWorkers returns workers most recently seen first
	ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error)
}

// CredentialStore persists worker credentials
type CredentialStore interface {
	// PutCredential replaces any existing row for the worker
	PutCredential(ctx context.Context, cred *models.Credential) error
	GetCredential(ctx context.Context, workerID string) (*models.Credential, error)
	UpdateCredential(ctx context.Context, workerID string, mutate func(c *models.Credential) error) (*models.Credential, error)
}

// Backend bundles the three collections opened from one configuration
type Backend struct {
	Jobs        JobStore
	Workers     WorkerStore
	Credentials CredentialStore
	close       []func() error
}

// NewBackend assembles a Backend; closers run in order on Close.
func NewBackend(jobs JobStore, workers WorkerStore, creds CredentialStore, closers ...func() error) *Backend {
	return &Backend{Jobs: jobs, Workers: workers, Credentials: creds, close: closers}
}

// Close releases every underlying handle and returns the first error.
func (b *Backend) Close() error {
	var first error
	for _, c := range b.close {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
