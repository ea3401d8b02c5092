package leveldb

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/syndtr/goleveldb/leveldb"
)

const workerPrefix = "worker/"

// WorkerStore keeps worker directory rows under worker/<id>
type WorkerStore struct {
	c  *Client
	mu sync.RWMutex
}

var _ storage.WorkerStore = (*WorkerStore)(nil)

func NewWorkerStore(c *Client) *WorkerStore {
	return &WorkerStore{c: c}
}

func (s *WorkerStore) UpsertWorker(ctx context.Context, workerID string, mutate storage.MutateWorkerFunc) (*models.WorkerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var w models.WorkerInfo
	found, err := s.c.getJSON(workerPrefix+workerID, &w)
	if err != nil {
		return nil, err
	}
	if !found {
		w = models.WorkerInfo{WorkerID: workerID}
	}
	if err := mutate(&w, found); err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, workerPrefix+workerID, &w); err != nil {
		return nil, err
	}
	if err := s.c.write(batch); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WorkerStore) GetWorker(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w models.WorkerInfo
	found, err := s.c.getJSON(workerPrefix+workerID, &w)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFoundf("worker %s not found", workerID)
	}
	return &w, nil
}

func (s *WorkerStore) ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]*models.WorkerInfo, 0)
	err := s.c.scan(workerPrefix, func(key, value []byte) (bool, error) {
		var w models.WorkerInfo
		if err := json.Unmarshal(value, &w); err != nil {
			return false, errors.Wrapf(err, "failed to decode %s", key)
		}
		workers = append(workers, &w)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(workers, func(i, k int) bool {
		if workers[i].LastSeenAt.Equal(workers[k].LastSeenAt) {
			return workers[i].WorkerID < workers[k].WorkerID
		}
		return workers[i].LastSeenAt.After(workers[k].LastSeenAt)
	})
	return workers, nil
}
