package commands

import (
	"context"
	"time"

	"github.com/fawad-mazhar/evalq/internal/agent"
	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/evaluator"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/queue"
	"github.com/fawad-mazhar/evalq/internal/storage/leveldb"
	"github.com/spf13/cobra"
)

var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent",
	Long: `Run a worker agent that polls the control plane, evaluates one MCP
server at a time and reports the outcome.

Required environment:
  EVALQ_WORKER_ID      registered worker id
  EVALQ_WORKER_TOKEN   token issued by 'evalq workers register'

Reports are kept in a local LevelDB store (agent.reportsPath). When nats.url
is set the agent also wakes up on queued-job notifications.

Examples:
  evalq worker
  evalq worker --once    # exit after the first job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if once, _ := cmd.Flags().GetBool("once"); once {
			cfg.Agent.Once = true
		}
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			cfg.Agent.ControlPlaneURL = url
		}
		return runWorker(cfg)
	},
}

func init() {
	WorkerCmd.Flags().Bool("once", false, "Exit after running one job")
	WorkerCmd.Flags().String("url", "", "Control plane URL (overrides agent.controlPlaneUrl)")
}

func runWorker(cfg *config.Config) error {
	log := logger.Named("worker").With("worker_id", cfg.Agent.WorkerID)
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}
	if cfg.Agent.Token == "" {
		log.Warnw("EVALQ_WORKER_TOKEN is not set, requests will only succeed with auth disabled")
	}

	store, err := leveldb.NewClient(cfg.Agent.ReportsPath)
	if err != nil {
		return errors.Wrap(err, "failed to open report store")
	}
	defer store.Close()
	reports := leveldb.NewReportStore(store, cfg.Agent.ReportsTTL)
	defer reports.Close()

	client := agent.NewClient(cfg.Agent.ControlPlaneURL, cfg.Agent.Token, cfg.Agent.WorkerID)
	executor := evaluator.NewMCP(evaluator.WithClientInfo("evalq-worker", Version))

	opts := []agent.Option{agent.WithVersion(Version)}
	var nc *queue.NATS
	if cfg.NATS.URL != "" {
		nc, err = queue.NewNATS(cfg.NATS, "evalq-worker-"+cfg.Agent.WorkerID)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts = append(opts, agent.WithPublisher(nc))
	}

	a := agent.New(cfg.Agent, client, executor, reports, opts...)

	if nc != nil {
		unsubscribe, err := nc.SubscribeQueued(func(string) { a.Wake() })
		if err != nil {
			log.Warnw("Queued-job notifications unavailable, polling only", "error", err)
		} else {
			defer unsubscribe()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = a.Start(ctx)
		close(done)
	}()

	if sig := waitForSignal(done); sig != nil {
		log.Infow("Received shutdown signal, finishing current job", "signal", sig.String())
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Agent.ReportTimeout+time.Minute)
		defer stop()
		if err := a.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during agent shutdown", "error", err)
		}
		return nil
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Infow("Worker agent stopped")
	return nil
}
