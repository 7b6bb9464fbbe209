// Package cmd provides the CLI commands for mediasync.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/config"
	"github.com/Aman-CERP/mediasync/internal/daemon"
	"github.com/Aman-CERP/mediasync/internal/logging"
	"github.com/Aman-CERP/mediasync/internal/profiling"
	"github.com/Aman-CERP/mediasync/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	debug      bool
	configPath string
	profile    profiling.Options

	loggingCleanup func()
	profiler       *profiling.Session
}

// loadConfig loads --config if given, otherwise the project file in the
// working directory.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load(".")
}

// client returns a status socket client for the configured daemon.
func (o *rootOptions) client() (*daemon.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(daemon.FromConfig(cfg)), nil
}

// NewRootCmd creates the root command for the mediasync CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mediasync",
		Short: "Keep a search index in sync with a media metadata store",
		Long: `mediasync crawls podcast and media feeds into a record store and
keeps a full-text search index in step with every change.

Run 'mediasync serve' to start the daemon, then use 'mediasync status',
'mediasync tasks' and 'mediasync search' to inspect it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("mediasync version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.mediasync/logs/")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to mediasync.yaml (default: ./mediasync.yaml)")

	cmd.PersistentFlags().StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Heap, "profile-mem", "", "Write heap profile to file on exit")
	cmd.PersistentFlags().StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = opts.start
	cmd.PersistentPostRunE = opts.stop

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStopCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newTasksCmd(opts))
	cmd.AddCommand(newReindexCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newLogsCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// start enables debug logging and profiling if requested.
func (o *rootOptions) start(_ *cobra.Command, _ []string) error {
	if o.debug {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("failed to setup debug logging: %w", err)
		}
		o.loggingCleanup = cleanup
		slog.SetDefault(logger)
		slog.Debug("debug logging enabled", slog.String("log_file", logging.DefaultLogPath()))
	}

	if o.profile.Enabled() {
		s, err := profiling.Start(o.profile)
		if err != nil {
			return err
		}
		o.profiler = s
	}
	return nil
}

// stop flushes profiles and closes the debug log.
func (o *rootOptions) stop(_ *cobra.Command, _ []string) error {
	var err error
	if o.profiler != nil {
		err = o.profiler.Stop()
		o.profiler = nil
	}
	if o.loggingCleanup != nil {
		o.loggingCleanup()
		o.loggingCleanup = nil
	}
	return err
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
