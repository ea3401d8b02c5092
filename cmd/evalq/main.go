package main

import (
	"os"

	"github.com/fawad-mazhar/evalq/cmd/evalq/commands"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "evalq",
	Short: "evalq - evaluation job queue for MCP servers",
	Long: `evalq queues evaluation jobs against MCP servers and hands them to a
fleet of polling workers.

Available commands:
  serve    - Run the control plane
  worker   - Run a worker agent
  jobs     - Submit, inspect and cancel jobs
  workers  - Manage worker credentials
  reports  - Read reports from a worker's local store
  status   - Show queue and fleet counters

Examples:
  evalq serve --config config.yaml
  EVALQ_WORKER_ID=w1 EVALQ_WORKER_TOKEN=... evalq worker
  evalq jobs submit --team search job.yaml
  evalq jobs ls --status queued`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		level, _ := cmd.Flags().GetString("log-level")
		return logger.Initialize(jsonLogs, level)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.WorkersCmd)
	rootCmd.AddCommand(commands.ReportsCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
