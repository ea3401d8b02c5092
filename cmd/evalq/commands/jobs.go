package commands

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fawad-mazhar/evalq/internal/agent"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit, inspect and cancel evaluation jobs",
	Long: `Job commands talk to the control plane over HTTP.

  evalq jobs submit --team search job.yaml
  evalq jobs ls --status queued --limit 20
  evalq jobs get <job-id>
  evalq jobs cancel <job-id> --reason "wrong server"

Cancelling requires EVALQ_ADMIN_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <config-file>",
	Short: "Submit a job from a YAML or JSON config file ('-' reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		team, _ := cmd.Flags().GetString("team")
		submittedBy, _ := cmd.Flags().GetString("submitted-by")
		if submittedBy == "" {
			submittedBy = os.Getenv("USER")
		}

		jobConfig, err := readJobConfig(args[0])
		if err != nil {
			return err
		}
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		job, err := client.SubmitJob(ctx, agent.SubmitRequest{
			Team:        team,
			SubmittedBy: submittedBy,
			Config:      *jobConfig,
		})
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Submitted job %s (%s)", job.ID, job.Status)
		return nil
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		jobs, err := client.ListJobs(ctx, models.JobFilter{Status: models.JobStatus(status), Limit: limit})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs found")
			return nil
		}

		data := pterm.TableData{{"ID", "STATUS", "TEAM", "SERVER", "WORKER", "CREATED"}}
		for _, j := range jobs {
			data = append(data, []string{
				j.ID,
				string(j.Status),
				j.Team,
				j.Config.Server,
				orDash(j.WorkerID),
				formatTime(&j.CreatedAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job and its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		job, err := client.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), job)
		}
		renderJob(job)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		job, err := client.CancelJob(ctx, args[0], reason)
		if err != nil {
			if errors.IsConflict(err) {
				return errors.WithHint(err, "only queued jobs can be cancelled")
			}
			return err
		}
		pterm.Success.Printfln("Cancelled job %s", job.ID)
		return nil
	},
}

func init() {
	addURLFlag(JobsCmd)

	jobsSubmitCmd.Flags().String("team", "", "Team that owns the job")
	jobsSubmitCmd.Flags().String("submitted-by", "", "Submitter (default $USER)")
	jobsLsCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to show")
	jobsGetCmd.Flags().Bool("json", false, "Print the raw job as JSON")
	jobsCancelCmd.Flags().String("reason", "", "Reason recorded on the job")

	JobsCmd.AddCommand(jobsSubmitCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsGetCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

// readJobConfig accepts YAML or JSON. The document is decoded generically
// and re-encoded as JSON so tool arguments keep their raw shape.
func readJobConfig(path string) (*models.JobConfig, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job config %s", path)
	}
	return parseJobConfig(data)
}

func parseJobConfig(data []byte) (*models.JobConfig, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse job config")
	}
	if doc == nil {
		return nil, errors.New("job config is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "job config is not representable as JSON")
	}

	var cfg models.JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "invalid job config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func renderJob(job *models.Job) {
	pterm.DefaultSection.Printfln("Job %s", job.ID)
	rows := [][]string{
		{"Status", string(job.Status)},
		{"Team", orDash(job.Team)},
		{"Submitted by", orDash(job.SubmittedBy)},
		{"Server", job.Config.Server},
		{"Transport", string(job.Config.Transport.Kind)},
		{"Suite", orDash(job.Config.Suite)},
		{"Cases", strconv.Itoa(len(job.Config.Cases))},
		{"Worker", orDash(job.WorkerID)},
		{"Report", orDash(job.ReportID)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Finished", formatTime(job.FinishedAt)},
	}
	if job.ErrorMessage != "" {
		rows = append(rows, []string{"Error", job.ErrorMessage})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	if len(job.Events) == 0 {
		return
	}
	pterm.DefaultSection.Println("Events")
	events := pterm.TableData{{"AT", "LEVEL", "MESSAGE"}}
	for _, e := range job.Events {
		at := e.At
		events = append(events, []string{formatTime(&at), string(e.Level), e.Message})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(events).Render()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
