package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Aman-CERP/mediasync/internal/async"
	"github.com/Aman-CERP/mediasync/internal/broker"
	"github.com/Aman-CERP/mediasync/internal/crawler"
	"github.com/Aman-CERP/mediasync/internal/daemon"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/indexer"
	"github.com/Aman-CERP/mediasync/internal/record"
	"github.com/Aman-CERP/mediasync/internal/tasks"
	"github.com/Aman-CERP/mediasync/internal/telemetry"
	"github.com/Aman-CERP/mediasync/pkg/version"
)

var _ daemon.Handler = (*Pipeline)(nil)

// Status implements daemon.Handler.
func (p *Pipeline) Status(ctx context.Context) (*daemon.StatusResult, error) {
	latest, err := p.Store.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	cursor := p.Watcher.Cursor()

	res := &daemon.StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Version: version.Version,
		Uptime:  time.Since(p.started()).Truncate(time.Second).String(),
		Watcher: daemon.WatcherStatus{
			State:      p.Watcher.State().String(),
			Cursor:     cursor,
			Latest:     latest,
			Lag:        max(latest-cursor, 0),
			Dispatched: p.Watcher.Dispatched(),
		},
		Tasks:   make(map[string]int),
		Records: make(map[string]int),
		Engine:  p.cfg.Search.Backend,
		Breaker: p.Indexer.Breaker().State().String(),
	}

	stats, err := p.Broker.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for state, n := range stats {
		res.Tasks[string(state)] = n
	}

	counts, err := p.Store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	for typ, n := range counts {
		res.Records[string(typ)] = n
	}

	states, err := p.Store.ListFeedStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, fs := range states {
		res.Feeds = append(res.Feeds, daemon.FeedStatus{
			URL:           fs.FeedURL,
			LastStatus:    fs.LastStatus,
			LastError:     fs.LastError,
			LastFetchedAt: fs.LastFetchedAt,
		})
	}

	if snap := p.Metrics.Snapshot(); snap != nil && len(snap.Counters) > 0 {
		res.Counters = make(map[string]int64, len(snap.Counters))
		for c, n := range snap.Counters {
			res.Counters[string(c)] = n
		}
	}

	p.mu.Lock()
	if p.reindexer != nil {
		res.Reindex = reindexStatus(p.reindexer.Progress().Snapshot())
	}
	p.mu.Unlock()
	return res, nil
}

// ListTasks implements daemon.Handler.
func (p *Pipeline) ListTasks(ctx context.Context, params daemon.TasksListParams) ([]daemon.TaskSummary, error) {
	filter := broker.ListFilter{Queue: params.Queue, Limit: params.Limit}
	if filter.Queue == "" {
		filter.Queue = p.cfg.Broker.Queue
	}
	if params.State != "" {
		state, ok := broker.ParseState(params.State)
		if !ok {
			return nil, merrors.ValidationError(fmt.Sprintf("unknown task state %q", params.State), nil).
				WithSuggestion("use pending, running, success or failure")
		}
		filter.State = state
	}

	infos, err := p.Broker.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]daemon.TaskSummary, 0, len(infos))
	for _, t := range infos {
		out = append(out, daemon.TaskSummary{
			ID:          t.ID,
			Task:        t.Task,
			Queue:       t.Queue,
			State:       string(t.State),
			RecordID:    t.Args.RecordID,
			Revision:    t.Args.Revision,
			Attempt:     t.Attempt,
			MaxAttempts: t.MaxAttempts,
			ETA:         t.ETA,
			LastError:   t.LastError,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	return out, nil
}

// Requeue implements daemon.Handler.
func (p *Pipeline) Requeue(ctx context.Context, id string) error {
	if err := p.Broker.Requeue(ctx, id); err != nil {
		return err
	}
	p.logger.Info("task requeued", slog.String("task_id", id))
	return nil
}

// Search implements daemon.Handler. Hits whose document disappeared between
// the query and the lookup are dropped.
func (p *Pipeline) Search(ctx context.Context, params daemon.SearchParams) ([]daemon.SearchResult, error) {
	start := time.Now()
	hits, err := p.Engine.Search(ctx, p.cfg.Search.Index, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}
	p.Metrics.RecordSearch(params.Query)
	p.Metrics.ObserveLatency(time.Since(start))

	out := make([]daemon.SearchResult, 0, len(hits))
	for _, h := range hits {
		doc, err := p.Engine.Get(ctx, p.cfg.Search.Index, h.ID)
		if merrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, daemon.SearchResult{
			ID:    h.ID,
			Score: h.Score,
			Type:  doc.Type,
			Title: doc.Title,
			URL:   doc.URL,
		})
	}
	return out, nil
}

// Reindex implements daemon.Handler.
func (p *Pipeline) Reindex(_ context.Context, params daemon.ReindexParams) (*daemon.ReindexStatus, error) {
	types := make([]record.Type, 0, len(params.Types))
	for _, name := range params.Types {
		t := record.Type(name)
		if !t.Valid() {
			return nil, merrors.New(merrors.ErrCodeUnknownType, "unknown record type: "+name, nil)
		}
		types = append(types, t)
	}
	return p.startReindex(types)
}

// startReindex starts a reindex unless one is already running, in which
// case its progress is returned.
func (p *Pipeline) startReindex(types []record.Type) (*daemon.ReindexStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reindexer != nil && p.reindexer.IsRunning() {
		return reindexStatus(p.reindexer.Progress().Snapshot()), nil
	}

	ctx := p.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	r := async.NewBackgroundReindexer(p.Store, p.Dispatcher, async.ReindexConfig{
		DataDir: p.cfg.DataDir,
		Types:   types,
		Logger:  p.opts.Logger,
	})
	r.Start(ctx)
	p.reindexer = r
	p.logger.Info("reindex started", slog.Int("types", len(types)))
	return reindexStatus(r.Progress().Snapshot()), nil
}

func reindexStatus(s async.ProgressSnapshot) *daemon.ReindexStatus {
	return &daemon.ReindexStatus{
		Status:         s.Status,
		Stage:          s.Stage,
		RecordsTotal:   s.RecordsTotal,
		RecordsScanned: s.RecordsScanned,
		TasksEnqueued:  s.TasksEnqueued,
		ProgressPct:    s.ProgressPct,
		ElapsedSeconds: s.ElapsedSeconds,
		Error:          s.ErrorMessage,
	}
}

func (p *Pipeline) started() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		return time.Now()
	}
	return p.startedAt
}

var taskCounters = map[tasks.Outcome]telemetry.Counter{
	tasks.OutcomeSucceeded: telemetry.TaskSucceeded,
	tasks.OutcomeRetried:   telemetry.TaskRetried,
	tasks.OutcomeFailed:    telemetry.TaskFailed,
	tasks.OutcomeReleased:  telemetry.TaskReleased,
}

func (p *Pipeline) observeTask(task string, outcome tasks.Outcome) {
	if c, ok := taskCounters[outcome]; ok {
		p.Metrics.Inc(c)
	}
	if outcome == tasks.OutcomeFailed {
		p.Metrics.RecordFailure("task", task, fmt.Errorf("task dead-lettered"))
	}
}

func (p *Pipeline) observeIndex(r indexer.Result) {
	if r == indexer.ResultSkippedStale {
		p.Metrics.Inc(telemetry.IndexSkippedStale)
	}
}

func (p *Pipeline) observePoll(res *crawler.PollResult, err error) {
	p.Metrics.Inc(telemetry.CrawlPolls)
	if err != nil {
		p.Metrics.Inc(telemetry.CrawlErrors)
		subject := ""
		if res != nil {
			subject = res.Feed
		}
		p.Metrics.RecordFailure("crawl", subject, err)
		return
	}
	if res == nil {
		return
	}
	if res.NotModified {
		p.Metrics.Inc(telemetry.CrawlNotModified)
		return
	}
	p.Metrics.Add(telemetry.CrawlCreated, int64(res.Created))
	p.Metrics.Add(telemetry.CrawlUpdated, int64(res.Updated))
	p.Metrics.Add(telemetry.CrawlUnchanged, int64(res.Unchanged))
	p.Metrics.Add(telemetry.CrawlInvalid, int64(res.Invalid))
}
