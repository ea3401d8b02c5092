package commands

import (
	"context"
	"time"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/controlplane"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/queue"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/fawad-mazhar/evalq/internal/storage/leveldb"
	"github.com/fawad-mazhar/evalq/internal/storage/postgres"
	"github.com/spf13/cobra"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control-plane HTTP API.

The store backend is chosen by store.backend (leveldb or postgres). When
nats.url is set, job and status changes are published to NATS.

Required environment:
  EVALQ_ADMIN_TOKEN    admin secret (unless auth.disabled is true)
  EVALQ_POSTGRES_URL   connection string for the postgres backend`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func openBackend(cfg *config.Config) (*storage.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		return postgres.Open(cfg.Postgres)
	case config.BackendLevelDB:
		return leveldb.Open(cfg.LevelDB.Path, cfg.LevelDB.CredentialsPath)
	default:
		return nil, errors.Newf("unknown store backend %q", cfg.Store.Backend)
	}
}

func runServe(cfg *config.Config) error {
	log := logger.Named("serve")
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		log.Warnw("Authentication is disabled, every caller acts as admin")
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warnw("Failed to close store", "error", err)
		}
	}()

	var publisher queue.Publisher = queue.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := queue.NewNATS(cfg.NATS, "evalq-controlplane")
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
	}

	cp := controlplane.New(cfg, backend, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- cp.Start(ctx)
	}()

	stopped := make(chan struct{})
	var startErr error
	go func() {
		startErr = <-errChan
		close(stopped)
	}()

	if sig := waitForSignal(stopped); sig != nil {
		log.Infow("Received shutdown signal", "signal", sig.String())
	} else if startErr != nil {
		return startErr
	}

	if err := cp.Shutdown(time.Duration(cfg.Server.ShutdownTimeout) * time.Second); err != nil {
		log.Errorw("Error during control plane shutdown", "error", err)
	}
	cancel()
	log.Infow("Control plane shutdown complete")
	return nil
}
