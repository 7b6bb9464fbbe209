// Package pipeline assembles the mediasync daemon: record store, broker,
// search engine, indexer, worker pool, changes watcher, feed crawler,
// telemetry and the status socket. Run starts them in dependency order and
// stops them producers first.
package pipeline

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/mediasync/internal/async"
	"github.com/Aman-CERP/mediasync/internal/broker"
	"github.com/Aman-CERP/mediasync/internal/config"
	"github.com/Aman-CERP/mediasync/internal/crawler"
	"github.com/Aman-CERP/mediasync/internal/daemon"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/indexer"
	"github.com/Aman-CERP/mediasync/internal/search"
	"github.com/Aman-CERP/mediasync/internal/store"
	"github.com/Aman-CERP/mediasync/internal/tasks"
	"github.com/Aman-CERP/mediasync/internal/telemetry"
	"github.com/Aman-CERP/mediasync/internal/watcher"
)

// CursorName is the store cursor owned by the indexing watcher.
const CursorName = "indexer"

// Options configures a Pipeline beyond the config file.
type Options struct {
	Logger *slog.Logger
	// HTTPClient is used for feed fetches. Defaults to a plain client.
	HTTPClient *http.Client
	// PruneInterval is how often succeeded tasks past retention are
	// deleted. Default: 1h
	PruneInterval time.Duration
}

// Pipeline owns every long-lived component of the daemon.
type Pipeline struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	Store      *store.SQLiteStore
	Broker     broker.Broker
	Engine     search.Engine
	Registry   *tasks.Registry
	Indexer    *indexer.Indexer
	Dispatcher *tasks.Dispatcher
	Pool       *tasks.Pool
	Watcher    *watcher.Watcher
	Crawler    *crawler.Crawler
	Scheduler  *crawler.Scheduler
	Metrics    *telemetry.Collector

	server      *daemon.Server
	telemetryDB *sql.DB
	startedAt   time.Time

	mu        sync.Mutex
	runCtx    context.Context
	reindexer *async.BackgroundReindexer
	closed    bool
}

// New opens every component described by cfg. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (_ *Pipeline, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	p := &Pipeline{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "pipeline")),
	}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	if p.Store, err = store.Open(cfg.Resolve(cfg.Store.Path), cfg.Store.CacheMB); err != nil {
		return nil, err
	}

	if p.Broker, err = broker.Open(cfg.Broker.Backend, cfg.Resolve(cfg.Broker.Path), broker.Options{
		VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		PollInterval:      cfg.Broker.PollInterval,
		Logger:            opts.Logger,
	}); err != nil {
		return nil, err
	}

	if p.Engine, err = search.Open(cfg.Search.Backend, cfg.Resolve(cfg.Search.Path)); err != nil {
		return nil, err
	}

	if cfg.Server.Telemetry {
		if p.Metrics, err = p.openTelemetry(); err != nil {
			return nil, err
		}
	}

	p.Registry = tasks.NewRegistry()
	p.Indexer = indexer.New(p.Store, p.Engine, indexer.Options{
		Index:              cfg.Search.Index,
		CircuitMaxFailures: cfg.Search.CircuitMaxFailures,
		CircuitReset:       cfg.Search.CircuitReset,
		Policy: tasks.RetryPolicy{
			MaxAttempts: cfg.Workers.MaxAttempts,
			Backoff: merrors.Backoff{
				Initial:    cfg.Workers.BackoffInitial,
				Max:        cfg.Workers.BackoffMax,
				Multiplier: 2,
				Jitter:     true,
			},
		},
		Logger:   opts.Logger,
		OnResult: p.observeIndex,
	})
	if err = p.Indexer.Register(p.Registry); err != nil {
		return nil, err
	}
	p.Dispatcher = tasks.NewDispatcher(p.Broker, cfg.Broker.Queue, p.Registry)

	worker := tasks.NewWorker(p.Registry,
		tasks.WithTaskTimeout(cfg.Workers.TaskTimeout),
		tasks.WithLogger(opts.Logger),
		tasks.WithObserver(p.observeTask))
	p.Pool = tasks.NewPool(p.Broker, worker, tasks.PoolConfig{
		Queue: cfg.Broker.Queue,
		Size:  cfg.Workers.Size,
	})

	p.Watcher = watcher.New(p.Store, p.Store.Cursor(CursorName), p.Dispatcher, watcher.Options{
		BatchSize:     cfg.Watcher.BatchSize,
		PollInterval:  cfg.Watcher.PollInterval,
		MaxBackoff:    cfg.Watcher.MaxBackoff,
		ShutdownGrace: cfg.Watcher.ShutdownGrace,
		LockPath:      filepath.Join(cfg.DataDir, "watcher.lock"),
		Logger:        opts.Logger,
	})

	if p.Crawler, err = crawler.New(p.Store, crawler.Options{
		Timeout:   cfg.Crawler.Timeout,
		MaxItems:  cfg.Crawler.MaxItems,
		CacheSize: cfg.Crawler.CacheSize,
		Client:    opts.HTTPClient,
		UserAgent: cfg.Crawler.UserAgent,
		Logger:    opts.Logger,
	}); err != nil {
		return nil, err
	}
	p.Scheduler = crawler.NewScheduler(p.Crawler, Feeds(cfg), crawler.SchedulerOptions{
		DefaultInterval: cfg.Crawler.DefaultInterval,
		Logger:          opts.Logger,
		OnPoll:          p.observePoll,
	})

	p.server = daemon.NewServer(cfg.SocketPath(), p, opts.Logger)
	return p, nil
}

func (p *Pipeline) openTelemetry() (*telemetry.Collector, error) {
	db, err := store.OpenSQLite(filepath.Join(p.cfg.DataDir, "telemetry.db"), 0)
	if err != nil {
		return nil, merrors.StoreError("open telemetry database", err)
	}
	ts, err := telemetry.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, merrors.StoreError("init telemetry schema", err)
	}
	p.telemetryDB = db
	return telemetry.NewCollector(ts, telemetry.DefaultConfig()), nil
}

// Feeds converts the configured feed list.
func Feeds(cfg *config.Config) []crawler.Feed {
	feeds := make([]crawler.Feed, 0, len(cfg.Crawler.Feeds))
	for _, f := range cfg.Crawler.Feeds {
		feeds = append(feeds, crawler.Feed{URL: f.URL, Interval: cfg.FeedInterval(f)})
	}
	return feeds
}

// stage is a group of loops started together and stopped together.
type stage struct {
	name string
	runs []func(context.Context) error
}

// stages lists the run groups in shutdown order: producers stop before the
// watcher, the watcher before the workers, and the status socket last.
// The watcher commits before the workers drain, so tasks left queued at
// exit rely on a durable broker. config.Validate enforces that pairing.
func (p *Pipeline) stages() []stage {
	return []stage{
		{name: "crawler", runs: []func(context.Context) error{p.Scheduler.Run, p.runReindexGuard}},
		{name: "maintenance", runs: []func(context.Context) error{p.runConfigWatch, p.runPruner}},
		{name: "watcher", runs: []func(context.Context) error{p.Watcher.Run}},
		{name: "workers", runs: []func(context.Context) error{p.Pool.Run}},
		{name: "status_socket", runs: []func(context.Context) error{p.server.ListenAndServe}},
	}
}

// Run starts every stage and blocks until ctx is cancelled or a stage
// fails. Stages are then cancelled one at a time, each drained before the
// next is stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Indexer.EnsureMapping(ctx); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	p.mu.Lock()
	p.runCtx = context.WithoutCancel(ctx)
	p.startedAt = time.Now()
	p.mu.Unlock()

	type running struct {
		name   string
		cancel context.CancelFunc
		group  *errgroup.Group
	}

	all := p.stages()
	started := make([]running, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		st := all[i]
		stageCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g, gctx := errgroup.WithContext(stageCtx)
		for _, fn := range st.runs {
			g.Go(func() error {
				err := fn(gctx)
				if err != nil {
					p.logger.Error("stage_failed",
						append([]any{slog.String("stage", st.name)}, merrors.LogAttrs(err)...)...)
					stop()
				}
				return err
			})
		}
		started[i] = running{name: st.name, cancel: cancel, group: g}
	}

	if async.HasIncompleteLock(p.cfg.DataDir) {
		p.logger.Warn("resuming interrupted reindex")
		if _, err := p.startReindex(nil); err != nil {
			p.logger.Error("reindex resume failed", merrors.LogAttrs(err)...)
		}
	}

	p.logger.Info("pipeline_started",
		slog.Int("feeds", len(p.cfg.Crawler.Feeds)),
		slog.Int("workers", p.cfg.Workers.Size),
		slog.String("broker", p.cfg.Broker.Backend),
		slog.String("search", p.cfg.Search.Backend))

	<-runCtx.Done()

	var errs []error
	for _, r := range started {
		r.cancel()
		if err := r.group.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
		p.logger.Info("stage_stopped", slog.String("stage", r.name))
	}
	return stderrors.Join(errs...)
}

// runReindexGuard stops a running reindex when the producer stage stops.
func (p *Pipeline) runReindexGuard(ctx context.Context) error {
	<-ctx.Done()
	p.mu.Lock()
	r := p.reindexer
	p.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	return nil
}

// runConfigWatch reloads the feed list when the config file changes.
func (p *Pipeline) runConfigWatch(ctx context.Context) error {
	if !p.cfg.Crawler.WatchConfig || p.cfg.Source() == "" {
		return nil
	}
	err := config.Watch(ctx, p.cfg.Source(), 0, func(next *config.Config) {
		p.Scheduler.Reload(Feeds(next))
	})
	if err != nil {
		// the daemon keeps running on its startup feed list
		p.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}
	return nil
}

// runPruner deletes succeeded tasks older than the retention window.
func (p *Pipeline) runPruner(ctx context.Context) error {
	pruner, ok := p.Broker.(broker.Pruner)
	if !ok || p.cfg.Broker.Retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := pruner.Prune(ctx, time.Now().Add(-p.cfg.Broker.Retention))
			if err != nil {
				p.logger.Warn("task prune failed", merrors.LogAttrs(err)...)
				continue
			}
			if n > 0 {
				p.logger.Info("tasks pruned", slog.Int("count", n))
			}
		}
	}
}

// Close releases every opened component. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	if p.Metrics != nil {
		errs = append(errs, p.Metrics.Close())
	}
	if p.telemetryDB != nil {
		errs = append(errs, p.telemetryDB.Close())
	}
	if p.Engine != nil {
		errs = append(errs, p.Engine.Close())
	}
	if p.Broker != nil {
		errs = append(errs, p.Broker.Close())
	}
	if p.Store != nil {
		errs = append(errs, p.Store.Close())
	}
	return stderrors.Join(errs...)
}
