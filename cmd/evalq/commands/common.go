// Package commands holds the evalq subcommands
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fawad-mazhar/evalq/internal/agent"
	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags
var Version = "dev"

const requestTimeout = 30 * time.Second

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evalq version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(Version)
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// apiClient builds a control-plane client for operator commands. The admin
// secret comes from EVALQ_ADMIN_TOKEN; without it only submitter endpoints
// work.
func apiClient(cmd *cobra.Command) (*agent.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = cfg.Agent.ControlPlaneURL
	}
	return agent.NewClient(url, cfg.Auth.AdminToken, ""), nil
}

func addURLFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("url", "", "Control plane URL (default agent.controlPlaneUrl)")
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// waitForSignal blocks until SIGINT or SIGTERM, or until done is closed
func waitForSignal(done <-chan struct{}) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case sig := <-sigChan:
		return sig
	case <-done:
		return nil
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
