package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/daemon"
	"github.com/Aman-CERP/mediasync/internal/output"
)

func newTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and requeue index tasks",
		Long: `Inspect the daemon's task queue.

Tasks move pending -> running -> success, or to failure once their
retry budget is spent. Failed tasks stay in the queue until requeued.`,
		Example: `  # Show dead-lettered tasks
  mediasync tasks list --state failure

  # Give one another run
  mediasync tasks requeue 0f6c1d0e-...`,
	}

	cmd.AddCommand(newTasksListCmd(opts))
	cmd.AddCommand(newTasksRequeueCmd(opts))
	return cmd
}

func newTasksListCmd(opts *rootOptions) *cobra.Command {
	var (
		params     daemon.TasksListParams
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			tasks, err := client.ListTasks(cmd.Context(), params)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(tasks)
			}
			if len(tasks) == 0 {
				out.Status("", "No tasks")
				return nil
			}
			for _, t := range tasks {
				printTask(out, t)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&params.State, "state", "", "Filter by state: pending, running, success, failure")
	cmd.Flags().StringVar(&params.Queue, "queue", "", "Queue name (default: broker.queue)")
	cmd.Flags().IntVarP(&params.Limit, "limit", "n", 50, "Maximum tasks to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printTask(out *output.Writer, t daemon.TaskSummary) {
	attempts := strconv.Itoa(t.Attempt)
	if t.MaxAttempts > 0 {
		attempts += "/" + strconv.Itoa(t.MaxAttempts)
	}
	out.Statusf("", "%s  %-8s %s %s@%d  attempt %s  %s",
		t.ID, t.State, t.Task, t.RecordID, t.Revision, attempts, t.UpdatedAt.Format(time.RFC3339))
	if t.LastError != "" {
		out.Statusf("", "    last error: %s", t.LastError)
	}
}

func newTasksRequeueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Move a failed task back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Success(fmt.Sprintf("Requeued %s", args[0]))
			return nil
		},
	}
}
