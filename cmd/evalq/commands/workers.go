package commands

import (
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var WorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers and manage their credentials",
	Long: `Worker management requires EVALQ_ADMIN_TOKEN.

  evalq workers ls
  evalq workers register w-01     # prints the token once
  evalq workers rotate w-01       # old token stops working immediately
  evalq workers revoke w-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		workers, err := client.ListWorkers(ctx)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			pterm.Info.Println("No workers have checked in yet")
			return nil
		}

		data := pterm.TableData{{"WORKER", "ONLINE", "STATUS", "JOB", "HOST", "VERSION", "LAST SEEN"}}
		for _, w := range workers {
			online := "no"
			if w.Online {
				online = "yes"
			}
			data = append(data, []string{
				w.WorkerID,
				online,
				string(w.Status),
				orDash(w.CurrentJobID),
				orDash(w.Host),
				orDash(w.Version),
				formatTime(&w.LastSeenAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var workersRegisterCmd = &cobra.Command{
	Use:   "register <worker-id>",
	Short: "Register a worker and issue its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		issued, err := client.RegisterWorker(ctx, args[0])
		if err != nil {
			return err
		}
		printIssued(issued, "Registered")
		return nil
	},
}

var workersRotateCmd = &cobra.Command{
	Use:   "rotate <worker-id>",
	Short: "Replace a worker's token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		issued, err := client.RotateWorker(ctx, args[0])
		if err != nil {
			return err
		}
		printIssued(issued, "Rotated")
		return nil
	},
}

var workersRevokeCmd = &cobra.Command{
	Use:   "revoke <worker-id>",
	Short: "Revoke a worker's token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := client.RevokeWorker(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Revoked worker %s", args[0])
		return nil
	},
}

func init() {
	addURLFlag(WorkersCmd)

	WorkersCmd.AddCommand(workersLsCmd)
	WorkersCmd.AddCommand(workersRegisterCmd)
	WorkersCmd.AddCommand(workersRotateCmd)
	WorkersCmd.AddCommand(workersRevokeCmd)
}

func printIssued(issued *models.IssuedToken, verb string) {
	pterm.Success.Printfln("%s worker %s", verb, issued.WorkerID)
	pterm.Warning.Println("The token is shown only once. Store it now.")
	pterm.Println(issued.Token)
}
