// Package directory tracks worker liveness and issues the credentials
// workers authenticate with. It never touches job state.
package directory

import (
	"context"
	"time"

	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"go.uber.org/zap"
)

// Directory keeps one row per worker, upserted by heartbeats
type Directory struct {
	workers   storage.WorkerStore
	freshness time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// New returns a directory that considers a worker online when it was seen
// within freshness.
func New(workers storage.WorkerStore, freshness time.Duration, opts ...Option) *Directory {
	d := &Directory{
		workers:   workers,
		freshness: freshness,
		log:       logger.Named("directory"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Heartbeat records a liveness report, creating the worker on first contact
func (d *Directory) Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.WorkerInfo, error) {
	if err := hb.Validate(); err != nil {
		return nil, err
	}

	now := d.now().UTC()
	var joined bool
	w, err := d.workers.UpsertWorker(ctx, hb.WorkerID, func(w *models.WorkerInfo, existing bool) error {
		joined = !existing
		if !existing {
			w.FirstSeenAt = now
		}
		w.LastSeenAt = now
		w.Status = hb.Status
		w.CurrentJobID = hb.CurrentJobID
		if hb.Host != "" {
			w.Host = hb.Host
		}
		if hb.Version != "" {
			w.Version = hb.Version
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if joined {
		d.log.Infow("Worker joined", "worker_id", w.WorkerID, "host", w.Host, "version", w.Version)
	}
	return w, nil
}

// List returns workers most recently seen first
func (d *Directory) List(ctx context.Context) ([]*models.WorkerInfo, error) {
	return d.workers.ListWorkers(ctx)
}

// Online reports whether w has been seen recently enough to count as alive
func (d *Directory) Online(w *models.WorkerInfo) bool {
	return w.Online(d.now(), d.freshness)
}

// Fleet summarises the worker rows into the counts shown by system status
type Fleet struct {
	Online  int
	Offline int
	Busy    int
}

func (d *Directory) Fleet(ctx context.Context) (Fleet, error) {
	workers, err := d.workers.ListWorkers(ctx)
	if err != nil {
		return Fleet{}, err
	}

	var f Fleet
	for _, w := range workers {
		if !d.Online(w) {
			f.Offline++
			continue
		}
		f.Online++
		if w.Status == models.WorkerStatusBusy {
			f.Busy++
		}
	}
	return f, nil
}
