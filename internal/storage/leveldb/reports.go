package leveldb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
)

const reportPrefix = "report/"

type reportEntry struct {
	Report    *models.Report `json:"report"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// ReportStore persists evaluation reports on the worker and hands back a
// stable id. Entries expire after ttl and are swept by a background routine.
type ReportStore struct {
	c               *Client
	ttl             time.Duration
	cleanupInterval time.Duration
	mutex           sync.RWMutex
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// NewReportStore starts the cleanup routine; Close stops it.
func NewReportStore(c *Client, ttl time.Duration) *ReportStore {
	s := &ReportStore{
		c:               c,
		ttl:             ttl,
		cleanupInterval: 6 * time.Hour,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	if ttl > 0 && s.cleanupInterval > ttl {
		s.cleanupInterval = ttl
	}

	go s.startCleanupRoutine()

	return s
}

// Save stores the report and returns its id, assigning one if needed
func (s *ReportStore) Save(ctx context.Context, report *models.Report) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := reportEntry{Report: report}
	if s.ttl > 0 {
		entry.ExpiresAt = s.now().Add(s.ttl)
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, reportPrefix+report.ID, entry); err != nil {
		return "", err
	}
	if err := s.c.write(batch); err != nil {
		return "", err
	}
	return report.ID, nil
}

// Get returns a stored report. Expired reports are reported as not found.
func (s *ReportStore) Get(ctx context.Context, id string) (*models.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var entry reportEntry
	found, err := s.c.getJSON(reportPrefix+id, &entry)
	if err != nil {
		return nil, err
	}
	if !found || s.expired(entry) {
		return nil, errors.NotFoundf("report %s not found", id)
	}
	return entry.Report, nil
}

func (s *ReportStore) expired(entry reportEntry) bool {
	return !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt)
}

// Close stops the cleanup routine. The underlying client is owned by the caller.
func (s *ReportStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *ReportStore) startCleanupRoutine() {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup deletes expired reports and returns how many were removed
func (s *ReportStore) cleanup() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	batch := new(leveldb.Batch)
	_ = s.c.scan(reportPrefix, func(key, value []byte) (bool, error) {
		var entry reportEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return true, nil
		}
		if s.expired(entry) {
			batch.Delete(append([]byte(nil), key...))
		}
		return true, nil
	})

	if batch.Len() == 0 {
		return 0
	}
	if err := s.c.write(batch); err != nil {
		return 0
	}
	return batch.Len()
}
