package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/molforge/molforge/pkg/client"
)

type jobsOptions struct {
	show     string
	molecule string
	cancel   string
	limit    int
}

// NewJobsCmd creates the prediction job inspection command.  Without flags it
// prints the per-state job counts; --show inspects one job, --molecule lists a
// molecule's job history, --cancel withdraws a job.
func NewJobsCmd() *cobra.Command {
	opts := &jobsOptions{}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect prediction jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobs(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.show, "show", "", "job ID to inspect")
	f.StringVar(&opts.molecule, "molecule", "", "content hash to list jobs for")
	f.StringVar(&opts.cancel, "cancel", "", "job ID to cancel")
	f.IntVar(&opts.limit, "limit", 20, "page size for --molecule listings")

	return cmd
}

func runJobs(cmd *cobra.Command, opts *jobsOptions) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	set := 0
	for _, v := range []string{opts.show, opts.molecule, opts.cancel} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return usageErrorf("--show, --molecule, and --cancel are mutually exclusive")
	}

	switch {
	case opts.cancel != "":
		if err := cliCtx.Client.Predictions().Cancel(ctx, opts.cancel); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", opts.cancel)
		return nil

	case opts.show != "":
		job, err := cliCtx.Client.Predictions().Get(ctx, opts.show)
		if err != nil {
			return err
		}
		return printJob(cmd, cliCtx, job)

	case opts.molecule != "":
		page, err := cliCtx.Client.Predictions().ListByMolecule(ctx, opts.molecule, client.PageQuery{Limit: opts.limit})
		if err != nil {
			return err
		}
		return printJobPage(cmd, cliCtx, page)

	default:
		counts, err := cliCtx.Client.Predictions().Stats(ctx)
		if err != nil {
			return err
		}
		return printJobStats(cmd, cliCtx, counts)
	}
}

func printJob(cmd *cobra.Command, cliCtx *CLIContext, job *client.PredictionJob) error {
	if cliCtx.Output == "json" {
		return printJSON(cmd, job)
	}
	rows := [][]string{{job.ID, job.ContentHash, job.Property, job.State,
		fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts), job.LastError}}
	fmt.Fprint(cmd.OutOrStdout(), FormatTable(
		[]string{"JOB", "MOLECULE", "PROPERTY", "STATE", "ATTEMPTS", "LAST ERROR"}, rows))
	if job.Result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "result: %.4f %s (model %s, confidence %.2f)\n",
			job.Result.Value, job.Result.Unit, job.Result.ModelVersion, job.Result.Confidence)
	}
	return nil
}

func printJobPage(cmd *cobra.Command, cliCtx *CLIContext, page *client.Page[*client.PredictionJob]) error {
	if cliCtx.Output == "json" {
		return printJSON(cmd, page)
	}
	rows := make([][]string, 0, len(page.Items))
	for _, job := range page.Items {
		rows = append(rows, []string{job.ID, job.Property, job.State,
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)})
	}
	fmt.Fprint(cmd.OutOrStdout(), FormatTable([]string{"JOB", "PROPERTY", "STATE", "ATTEMPTS"}, rows))
	if page.NextCursor != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "next cursor: %s\n", page.NextCursor)
	}
	return nil
}

func printJobStats(cmd *cobra.Command, cliCtx *CLIContext, counts map[string]int64) error {
	if cliCtx.Output == "json" {
		return printJSON(cmd, map[string]map[string]int64{"counts": counts})
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)

	rows := make([][]string, 0, len(states))
	var total int64
	for _, state := range states {
		rows = append(rows, []string{state, fmt.Sprintf("%d", counts[state])})
		total += counts[state]
	}
	rows = append(rows, []string{"total", fmt.Sprintf("%d", total)})
	fmt.Fprint(cmd.OutOrStdout(), FormatTable([]string{"STATE", "JOBS"}, rows))
	return nil
}
