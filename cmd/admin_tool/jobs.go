package admin_tool

import (
	"context"

	"github.com/spf13/cobra"
	"go.od2.network/jobgate/cmd/providers"
	"go.od2.network/jobgate/pkg/jobqueue"
)

var jobsCmd = cobra.Command{
	Use:   "jobs",
	Short: "Inspect job queues",
}

func init() {
	Cmd.AddCommand(&jobsCmd)
}

var jobsGetCmd = cobra.Command{
	Use:   "get <queue> <id>",
	Short: "Print a job and its state",
	Args:  cobra.ExactArgs(2),
	Run:   providers.NewCmd(runJobsGet),
}

var jobsCountsCmd = cobra.Command{
	Use:   "counts <queue>",
	Short: "Print the number of jobs per state",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJobsCounts),
}

func init() {
	jobsCmd.AddCommand(&jobsGetCmd, &jobsCountsCmd)
}

func runJobsGet(ctx context.Context, args []string, q *jobqueue.Queue) error {
	job, err := q.Get(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runJobsCounts(ctx context.Context, args []string, q *jobqueue.Queue) error {
	counts, err := q.Counts(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(counts)
}
