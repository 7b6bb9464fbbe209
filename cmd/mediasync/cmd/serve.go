package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/mediasync/internal/config"
	"github.com/Aman-CERP/mediasync/internal/daemon"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/logging"
	"github.com/Aman-CERP/mediasync/internal/output"
	"github.com/Aman-CERP/mediasync/internal/pipeline"
	"github.com/Aman-CERP/mediasync/internal/preflight"
	"github.com/Aman-CERP/mediasync/pkg/version"
)

// serverLogPath is where the daemon writes its JSON log.
func serverLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "logs", "server.log")
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon in the foreground",
		Long: `Run the mediasync daemon: the changes watcher, the index workers,
the feed crawler and the status socket.

The daemon stops gracefully on SIGINT or SIGTERM. Only one daemon may
run per data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts, skipCheck)
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip the first-start system checks")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *rootOptions, skipCheck bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// --debug already installed a debug logger
	if opts.loggingCleanup == nil {
		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Server.LogLevel
		logCfg.FilePath = serverLogPath(cfg)
		prev := slog.Default()
		cleanup, err := logging.SetupDefault(logCfg)
		if err != nil {
			return err
		}
		defer func() {
			slog.SetDefault(prev)
			cleanup()
		}()
	}

	out := output.New(cmd.ErrOrStderr())
	if !skipCheck && preflight.NeedsCheck(cfg.DataDir, version.Version) {
		checker := preflight.New(cfg)
		results := checker.RunAll(ctx)
		if checker.HasCriticalFailures(results) {
			checker.PrintResults(out, results)
			return merrors.ConfigError("system check failed", nil).
				WithSuggestion("run 'mediasync doctor -v' for details, or --skip-check")
		}
		if err := preflight.MarkPassed(cfg.DataDir, version.Version); err != nil {
			slog.Debug("failed to mark preflight as passed", merrors.LogAttrs(err)...)
		}
	}

	dcfg := daemon.FromConfig(cfg)
	if err := dcfg.EnsureDir(); err != nil {
		return merrors.Wrap(merrors.ErrCodeConfigPermission, err)
	}
	pid := daemon.NewPIDFile(dcfg.PIDPath)
	if err := pid.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pid.Remove() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(cfg, pipeline.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	out.Successf("mediasync daemon started (pid %d)", os.Getpid())
	out.Statusf("", "Socket: %s", dcfg.SocketPath)
	out.Statusf("", "Logs:   %s", serverLogPath(cfg))

	slog.Info("daemon starting",
		slog.String("data_dir", cfg.DataDir),
		slog.String("config", cfg.Source()),
		slog.Int("feeds", len(cfg.Crawler.Feeds)))

	if err := p.Run(ctx); err != nil {
		slog.Error("daemon stopped with error", merrors.LogAttrs(err)...)
		return err
	}
	slog.Info("daemon stopped")
	return nil
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long:  `Send SIGTERM to the running daemon for a graceful shutdown.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())

			pid := daemon.NewPIDFile(cfg.PIDPath())
			if !pid.IsRunning() {
				out.Status("", "Daemon is not running")
				return nil
			}
			if err := pid.Signal(syscall.SIGTERM); err != nil {
				return err
			}
			out.Success("Stop signal sent")
			return nil
		},
	}
}
