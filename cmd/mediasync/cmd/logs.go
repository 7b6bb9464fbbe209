package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/logging"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	logFile string
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var lo logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View daemon logs",
		Long: `View the daemon's JSON log as readable lines.

By default shows the last 50 lines of <data_dir>/logs/server.log. Use -f
to follow new entries.`,
		Example: `  mediasync logs -n 100
  mediasync logs -f --level warn
  mediasync logs --filter "feed_url"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lo.logFile == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				lo.logFile = serverLogPath(cfg)
			}
			return runLogs(cmd, lo)
		},
	}

	cmd.Flags().BoolVarP(&lo.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&lo.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&lo.level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&lo.filter, "filter", "", "Only lines matching this pattern (regex)")
	cmd.Flags().StringVar(&lo.logFile, "file", "", "Path to log file")
	return cmd
}

func runLogs(cmd *cobra.Command, lo logsOptions) error {
	path, err := logging.FindLogFile(lo.logFile)
	if err != nil {
		return err
	}

	filter := logging.Filter{MinLevel: lo.level}
	if lo.filter != "" {
		filter.Pattern, err = regexp.Compile(lo.filter)
		if err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	w := cmd.OutOrStdout()
	entries, err := logging.Tail(path, lo.lines, filter)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, _ = fmt.Fprintln(w, logging.Format(e))
	}
	if !lo.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return logging.Follow(ctx, path, filter, 250*time.Millisecond, func(e logging.Entry) {
		_, _ = fmt.Fprintln(w, logging.Format(e))
	})
}

