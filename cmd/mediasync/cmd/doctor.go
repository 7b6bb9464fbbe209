package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/daemon"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/output"
	"github.com/Aman-CERP/mediasync/internal/preflight"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this machine can run the daemon",
		Long: `Run the system checks that 'mediasync serve' runs on first start:
data directory access, free disk space, file descriptor limit, socket path
length, database integrity and configured feeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			checker := preflight.New(cfg, preflight.WithVerbose(verbose))
			results := checker.RunAll(cmd.Context())

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				if err := out.JSON(results); err != nil {
					return err
				}
			} else {
				checker.PrintResults(out, results)
				out.Newline()
				running := "not running"
				if daemon.NewPIDFile(cfg.PIDPath()).IsRunning() {
					running = "running"
				}
				pairs := [][2]string{{"Daemon", running}}
				if age := preflight.MarkerAge(cfg.DataDir); age > 0 {
					pairs = append(pairs, [2]string{"Last passed", age.Truncate(time.Second).String() + " ago"})
				}
				out.KeyValue(pairs)
			}

			if checker.HasCriticalFailures(results) {
				return merrors.ConfigError("system check failed", nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for each check")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
