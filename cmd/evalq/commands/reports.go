package commands

import (
	"fmt"

	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage/leveldb"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var ReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Read reports from this worker's local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a report by the id recorded on its job",
	Long: `Reports stay on the worker that produced them. Run this on that host
while the worker is stopped, or point agent.reportsPath at a copy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := leveldb.NewClient(cfg.Agent.ReportsPath)
		if err != nil {
			return err
		}
		defer c.Close()
		store := leveldb.NewReportStore(c, cfg.Agent.ReportsTTL)
		defer store.Close()

		ctx, cancel := requestContext()
		defer cancel()
		report, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		renderReport(report)
		return nil
	},
}

func init() {
	reportsShowCmd.Flags().Bool("json", false, "Print the raw report as JSON")
	ReportsCmd.AddCommand(reportsShowCmd)
}

func renderReport(r *models.Report) {
	pterm.DefaultSection.Printfln("Report %s", r.ID)
	server := r.Server
	if r.ServerName != "" {
		server = fmt.Sprintf("%s (%s %s)", r.Server, r.ServerName, r.ServerVersion)
	}
	pterm.Info.Printfln("Job %s on %s", r.JobID, orDash(r.WorkerID))
	pterm.Info.Printfln("Server %s", server)
	pterm.Info.Printfln("Score %.2f", r.Score)

	data := pterm.TableData{{"CHECK", "RESULT", "DETAILS"}}
	for _, c := range r.Checks {
		result := pterm.Red("FAIL")
		if c.Passed {
			result = pterm.Green("PASS")
		}
		data = append(data, []string{c.Name, result, c.Details})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
