package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/daemon"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/output"
	"github.com/Aman-CERP/mediasync/internal/ui"
)

// reindexPollInterval is how often --wait refreshes progress.
const reindexPollInterval = 500 * time.Millisecond

func newReindexCmd(opts *rootOptions) *cobra.Command {
	var (
		types []string
		wait  bool
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-dispatch index tasks for every stored record",
		Long: `Ask the running daemon to scan the record store and enqueue an index
task for every live record. Documents already at the current revision are
skipped by the workers, so a reindex is safe to repeat.

An interrupted reindex resumes when the daemon next starts.`,
		Example: `  # Reindex everything and watch progress
  mediasync reindex --wait

  # Only media entries
  mediasync reindex --type oas.Media`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			st, err := client.Reindex(cmd.Context(), daemon.ReindexParams{Types: types})
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if !wait {
				out.Successf("Reindex %s", st.Status)
				printReindex(out, st)
				return nil
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
				ui.WithTitle("mediasync reindex"),
				ui.WithOnQuit(cancel),
			))
			err = waitReindex(ctx, client, renderer)
			if stderrors.Is(err, context.Canceled) && cmd.Context().Err() == nil {
				out.Status("→", "Detached, the reindex continues in the daemon")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "Record type to reindex: oas.Media, oas.Feed (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the scan to finish, showing progress")
	return cmd
}

func waitReindex(ctx context.Context, client *daemon.Client, r ui.Renderer) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = r.Stop() }()

	ticker := time.NewTicker(reindexPollInterval)
	defer ticker.Stop()

	for {
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if p := st.Reindex; p != nil {
			r.UpdateProgress(ui.ProgressEvent{
				Stage:   ui.Stage(p.Stage),
				Current: p.RecordsScanned,
				Total:   p.RecordsTotal,
				Message: fmt.Sprintf("%d tasks enqueued", p.TasksEnqueued),
			})
			switch p.Status {
			case "done":
				r.Complete(ui.CompletionStats{
					Scanned:  p.RecordsScanned,
					Enqueued: p.TasksEnqueued,
					Duration: time.Duration(p.ElapsedSeconds) * time.Second,
				})
				return nil
			case "error":
				return merrors.InternalError("reindex failed: "+p.Error, nil)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
