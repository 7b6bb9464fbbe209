package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/daemon"
	"github.com/Aman-CERP/mediasync/internal/output"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Show the state of the running daemon: watcher cursor and lag, task
counts by state, record counts by type, search engine health and the last
fetch of every feed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(st)
			}
			printStatus(out, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printStatus(out *output.Writer, st *daemon.StatusResult) {
	out.Header("Daemon")
	out.KeyValue([][2]string{
		{"PID", strconv.Itoa(st.PID)},
		{"Version", st.Version},
		{"Uptime", st.Uptime},
		{"Engine", st.Engine + " (breaker " + st.Breaker + ")"},
	})
	out.Newline()

	out.Header("Watcher")
	out.KeyValue([][2]string{
		{"State", st.Watcher.State},
		{"Cursor", fmt.Sprintf("%d / %d", st.Watcher.Cursor, st.Watcher.Latest)},
		{"Lag", strconv.FormatInt(st.Watcher.Lag, 10)},
		{"Dispatched", strconv.FormatInt(st.Watcher.Dispatched, 10)},
	})
	out.Newline()

	out.Header("Tasks")
	output.Counts(out, st.Tasks)
	out.Newline()

	out.Header("Records")
	output.Counts(out, st.Records)

	if len(st.Feeds) > 0 {
		out.Newline()
		out.Header("Feeds")
		for _, f := range st.Feeds {
			line := fmt.Sprintf("%s  %d  %s", f.URL, f.LastStatus, f.LastFetchedAt.Format(time.RFC3339))
			if f.LastError != "" {
				out.Error(line + "  " + f.LastError)
				continue
			}
			out.Status("", line)
		}
	}

	if r := st.Reindex; r != nil {
		out.Newline()
		out.Header("Reindex")
		printReindex(out, r)
	}

	if len(st.Counters) > 0 {
		out.Newline()
		out.Header("Counters")
		output.Counts(out, st.Counters)
	}
}

func printReindex(out *output.Writer, r *daemon.ReindexStatus) {
	pairs := [][2]string{
		{"Status", r.Status},
		{"Stage", r.Stage},
		{"Scanned", fmt.Sprintf("%d / %d (%.0f%%)", r.RecordsScanned, r.RecordsTotal, r.ProgressPct)},
		{"Enqueued", strconv.Itoa(r.TasksEnqueued)},
		{"Elapsed", (time.Duration(r.ElapsedSeconds) * time.Second).String()},
	}
	if r.Error != "" {
		pairs = append(pairs, [2]string{"Error", r.Error})
	}
	out.KeyValue(pairs)
}
