package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	jobPrefix   = "job/"
	queuePrefix = "queue/"
)

func jobKey(id string) string {
	return jobPrefix + id
}

// queueKey orders queued jobs by creation time, then id. The timestamp is
// zero-padded so lexical order matches numeric order.
func queueKey(job *models.Job) string {
	return fmt.Sprintf("%s%020d/%s", queuePrefix, job.CreatedAt.UnixNano(), job.ID)
}

// JobStore keeps jobs under job/<id> plus a queue/ index of queued jobs.
// All writes go through mu, which makes claims linearizable.
type JobStore struct {
	c  *Client
	mu sync.RWMutex
}

var _ storage.JobStore = (*JobStore)(nil)

func NewJobStore(c *Client) *JobStore {
	return &JobStore{c: c}
}

func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing models.Job
	found, err := s.c.getJSON(jobKey(job.ID), &existing)
	if err != nil {
		return err
	}
	if found {
		return errors.Conflictf("job %s already exists", job.ID)
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, jobKey(job.ID), job); err != nil {
		return err
	}
	if job.Status == models.JobStatusQueued {
		batch.Put([]byte(queueKey(job)), []byte(job.ID))
	}
	return s.c.write(batch)
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load(id)
}

func (s *JobStore) load(id string) (*models.Job, error) {
	var job models.Job
	found, err := s.c.getJSON(jobKey(id), &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	return &job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0)
	err := s.c.scan(jobPrefix, func(key, value []byte) (bool, error) {
		var job models.Job
		if err := json.Unmarshal(value, &job); err != nil {
			return false, errors.Wrapf(err, "failed to decode %s", key)
		}
		if filter.Status == "" || job.Status == filter.Status {
			jobs = append(jobs, &job)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, id string, mutate storage.MutateJobFunc) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return s.apply(job, mutate)
}

func (s *JobStore) ClaimOldestQueued(ctx context.Context, mutate storage.MutateJobFunc) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		var indexKey, id string
		err := s.c.scan(queuePrefix, func(key, value []byte) (bool, error) {
			indexKey, id = string(key), string(value)
			return false, nil
		})
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, nil
		}

		job, err := s.load(id)
		if errors.IsNotFound(err) || (err == nil && job.Status != models.JobStatusQueued) {
			// Stale index entry: drop it and look again.
			batch := new(leveldb.Batch)
			batch.Delete([]byte(indexKey))
			if err := s.c.write(batch); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.apply(job, mutate)
	}
}

// apply runs mutate on a copy and persists it, keeping the queue index in
// step with the status. Callers hold mu.
func (s *JobStore) apply(job *models.Job, mutate storage.MutateJobFunc) (*models.Job, error) {
	updated := job.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	if updated.ID != job.ID {
		return nil, errors.AssertionFailedf("mutate changed job id %s to %s", job.ID, updated.ID)
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, jobKey(updated.ID), updated); err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusQueued && updated.Status != models.JobStatusQueued {
		batch.Delete([]byte(queueKey(job)))
	}
	if err := s.c.write(batch); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *JobStore) CountJobs(ctx context.Context) (map[models.JobStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	err := s.c.scan(jobPrefix, func(key, value []byte) (bool, error) {
		// Only the status is needed; avoid decoding events and config.
		var head struct {
			Status models.JobStatus `json:"status"`
		}
		if err := json.Unmarshal(value, &head); err != nil {
			return false, errors.Wrapf(err, "failed to decode %s", strings.TrimPrefix(string(key), jobPrefix))
		}
		counts[head.Status]++
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
