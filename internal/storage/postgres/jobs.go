package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
)

// JobStore keeps each job as a JSONB document next to the columns used for
// ordering and claiming. Row locks serialize writes to a single job.
type JobStore struct {
	c *Client
}

var _ storage.JobStore = (*JobStore)(nil)

func NewJobStore(c *Client) *JobStore {
	return &JobStore{c: c}
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := job.FromJSON(data); err != nil {
		return nil, errors.Wrap(err, "failed to decode job")
	}
	return &job, nil
}

func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	data, err := job.ToJSON()
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}

	query := `
		INSERT INTO jobs (id, status, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	result, err := s.c.db.ExecContext(ctx, query, job.ID, job.Status, job.CreatedAt, job.UpdatedAt, data)
	if err != nil {
		return storeErr(err, "failed to insert job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr(err, "failed to insert job")
	}
	if rows == 0 {
		return errors.Conflictf("job %s already exists", job.ID)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var data []byte
	err := s.c.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err, "failed to load job")
	}
	return decodeJob(data)
}

func (s *JobStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	query := `SELECT data FROM jobs`
	args := make([]interface{}, 0, 2)
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr(err, "failed to scan job")
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "failed to list jobs")
	}
	return jobs, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, id string, mutate storage.MutateJobFunc) (*models.Job, error) {
	var updated *models.Job
	err := s.c.inTx(ctx, func(tx *sql.Tx) error {
		var data []byte
		err := tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if err == sql.ErrNoRows {
			return errors.NotFoundf("job %s not found", id)
		}
		if err != nil {
			return storeErr(err, "failed to lock job")
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		updated, err = apply(ctx, tx, job, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimOldestQueued locks the oldest queued row, skipping rows another
// claimer already holds, so concurrent claimers never see the same job.
func (s *JobStore) ClaimOldestQueued(ctx context.Context, mutate storage.MutateJobFunc) (*models.Job, error) {
	query := `
		SELECT data FROM jobs
		WHERE status = $1
		ORDER BY seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var claimed *models.Job
	err := s.c.inTx(ctx, func(tx *sql.Tx) error {
		var data []byte
		err := tx.QueryRowContext(ctx, query, models.JobStatusQueued).Scan(&data)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return storeErr(err, "failed to select queued job")
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		claimed, err = apply(ctx, tx, job, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// apply runs mutate on a copy and writes it back within tx
func apply(ctx context.Context, tx *sql.Tx, job *models.Job, mutate storage.MutateJobFunc) (*models.Job, error) {
	updated := job.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	if updated.ID != job.ID {
		return nil, errors.AssertionFailedf("mutate changed job id %s to %s", job.ID, updated.ID)
	}

	data, err := updated.ToJSON()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job")
	}

	query := `
		UPDATE jobs
		SET status = $2, updated_at = $3, data = $4
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, query, updated.ID, updated.Status, updated.UpdatedAt, data); err != nil {
		return nil, storeErr(err, "failed to update job")
	}
	return updated, nil
}

func (s *JobStore) CountJobs(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, storeErr(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr(err, "failed to scan job count")
		}
		counts[models.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "failed to count jobs")
	}
	return counts, nil
}
