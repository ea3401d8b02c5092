package commands

import (
	"strconv"

	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts and fleet health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		state, err := client.SystemStatus(ctx)
		if err != nil {
			return err
		}

		data := pterm.TableData{{"JOBS", "COUNT"}}
		for _, s := range []models.JobStatus{
			models.JobStatusQueued,
			models.JobStatusRunning,
			models.JobStatusCompleted,
			models.JobStatusFailed,
			models.JobStatusCancelled,
		} {
			data = append(data, []string{string(s), strconv.Itoa(state.Jobs[s])})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		pterm.Info.Printfln("Workers online %d (busy %d), offline %d",
			state.WorkersOnline, state.WorkersBusy, state.WorkersOffline)
		return nil
	},
}

func init() {
	addURLFlag(StatusCmd)
}
