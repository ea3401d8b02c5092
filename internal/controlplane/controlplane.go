// Package controlplane wires the stores, the job registry, the worker
// directory and the HTTP API into one serving process.
package controlplane

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fawad-mazhar/evalq/internal/api/routes"
	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/directory"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/queue"
	"github.com/fawad-mazhar/evalq/internal/registry"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ControlPlane struct {
	id        string
	config    *config.Config
	publisher queue.Publisher
	registry  *registry.Registry
	directory *directory.Directory
	creds     *directory.Credentials
	reaper    *registry.Reaper
	server    *http.Server
	log       *zap.SugaredLogger

	addrMu       sync.RWMutex
	addr         string
	stopChan     chan struct{}
	isShutdown   bool
	shutdownLock sync.RWMutex
	stopOnce     sync.Once
}

func New(cfg *config.Config, backend *storage.Backend, publisher queue.Publisher) *ControlPlane {
	if publisher == nil {
		publisher = queue.Nop{}
	}
	id := uuid.New().String()
	log := logger.Named("controlplane").With("id", id)

	reg := registry.New(backend.Jobs, registry.WithPublisher(publisher), registry.WithLogger(logger.Named("registry")))
	dir := directory.New(backend.Workers, cfg.Server.WorkerFreshness)
	creds := directory.NewCredentials(backend.Credentials)

	cp := &ControlPlane{
		id:        id,
		config:    cfg,
		publisher: publisher,
		registry:  reg,
		directory: dir,
		creds:     creds,
		log:       log,
		stopChan:  make(chan struct{}),
	}
	if !cfg.Lease.Disabled && cfg.Lease.Timeout > 0 {
		cp.reaper = registry.NewReaper(reg, backend.Workers, cfg.Lease)
	}

	cp.server = &http.Server{
		Handler:      routes.SetupRouter(cfg, reg, dir, creds),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return cp
}

func (c *ControlPlane) Handler() http.Handler {
	return c.server.Handler
}

// Addr is the bound listen address once Start is serving
func (c *ControlPlane) Addr() string {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.addr
}

// Start serves the API until ctx is done, Shutdown is called or the listener
// fails.
func (c *ControlPlane) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+c.config.Server.Port)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %s", c.config.Server.Port)
	}
	c.addrMu.Lock()
	c.addr = ln.Addr().String()
	c.addrMu.Unlock()

	c.log.Infow("Starting control plane",
		"addr", c.Addr(),
		"backend", c.config.Store.Backend,
		"auth_disabled", c.config.Auth.Disabled,
		"lease_timeout", c.config.Lease.Timeout,
	)
	c.publishStatus(models.ControlPlaneStarted)

	if c.reaper != nil {
		go func() {
			if err := c.reaper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Errorw("Lease reaper stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopChan:
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	}
}

// Shutdown stops accepting requests and waits for in-flight ones
func (c *ControlPlane) Shutdown(timeout time.Duration) error {
	c.publishStatus(models.ControlPlaneStopping)

	c.shutdownLock.Lock()
	c.isShutdown = true
	c.shutdownLock.Unlock()
	c.stopOnce.Do(func() { close(c.stopChan) })

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if err := c.server.Shutdown(ctx); err != nil {
		shutdownErr = errors.Wrapf(err, "shutdown timed out after %v", timeout)
	}
	if c.reaper != nil {
		if err := c.reaper.Shutdown(ctx); err != nil && shutdownErr == nil {
			shutdownErr = errors.Wrap(err, "failed to stop lease reaper")
		}
	}

	c.publishStatus(models.ControlPlaneStopped)
	return shutdownErr
}

// IsShutdown returns the current shutdown status
func (c *ControlPlane) IsShutdown() bool {
	c.shutdownLock.RLock()
	defer c.shutdownLock.RUnlock()
	return c.isShutdown
}

func (c *ControlPlane) publishStatus(event models.ControlPlaneEventType) {
	now := time.Now().UTC()
	msg := &models.StatusMessage{
		Type:      queue.TypeControlPlane,
		ID:        c.id,
		Status:    string(event),
		Timestamp: now,
		Metadata: models.ControlPlaneStatus{
			ID:        c.id,
			Event:     event,
			Backend:   c.config.Store.Backend,
			Addr:      c.Addr(),
			Timestamp: now,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.publisher.PublishStatus(ctx, msg); err != nil {
		c.log.Warnw("Failed to publish control plane status", "event", event, "error", err)
	}
}
