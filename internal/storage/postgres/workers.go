package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
)

type WorkerStore struct {
	c *Client
}

var _ storage.WorkerStore = (*WorkerStore)(nil)

func NewWorkerStore(c *Client) *WorkerStore {
	return &WorkerStore{c: c}
}

func decodeWorker(data []byte) (*models.WorkerInfo, error) {
	var w models.WorkerInfo
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "failed to decode worker")
	}
	return &w, nil
}

func (s *WorkerStore) UpsertWorker(ctx context.Context, workerID string, mutate storage.MutateWorkerFunc) (*models.WorkerInfo, error) {
	var result *models.WorkerInfo
	err := s.c.inTx(ctx, func(tx *sql.Tx) error {
		var data []byte
		existing := true
		err := tx.QueryRowContext(ctx, `SELECT data FROM workers WHERE worker_id = $1 FOR UPDATE`, workerID).Scan(&data)
		switch {
		case err == sql.ErrNoRows:
			existing = false
		case err != nil:
			return storeErr(err, "failed to lock worker")
		}

		w := &models.WorkerInfo{WorkerID: workerID}
		if existing {
			if w, err = decodeWorker(data); err != nil {
				return err
			}
		}
		if err := mutate(w, existing); err != nil {
			return err
		}

		encoded, err := json.Marshal(w)
		if err != nil {
			return errors.Wrap(err, "failed to encode worker")
		}

		query := `
			INSERT INTO workers (worker_id, last_seen_at, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (worker_id) DO UPDATE
			SET last_seen_at = EXCLUDED.last_seen_at,
				data = EXCLUDED.data`

		if _, err := tx.ExecContext(ctx, query, workerID, w.LastSeenAt, encoded); err != nil {
			return storeErr(err, "failed to upsert worker")
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *WorkerStore) GetWorker(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	var data []byte
	err := s.c.db.QueryRowContext(ctx, `SELECT data FROM workers WHERE worker_id = $1`, workerID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("worker %s not found", workerID)
	}
	if err != nil {
		return nil, storeErr(err, "failed to load worker")
	}
	return decodeWorker(data)
}

func (s *WorkerStore) ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	rows, err := s.c.db.QueryContext(ctx, `SELECT data FROM workers ORDER BY last_seen_at DESC, worker_id`)
	if err != nil {
		return nil, storeErr(err, "failed to list workers")
	}
	defer rows.Close()

	workers := make([]*models.WorkerInfo, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr(err, "failed to scan worker")
		}
		w, err := decodeWorker(data)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "failed to list workers")
	}
	return workers, nil
}
