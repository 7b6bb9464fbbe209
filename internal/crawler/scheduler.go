package crawler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Poller polls one feed.
type Poller interface {
	Poll(ctx context.Context, feed Feed) (*PollResult, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// DefaultInterval applies to feeds without their own interval.
	DefaultInterval time.Duration
	Logger          *slog.Logger
	// OnPoll is called after every poll, successful or not.
	OnPoll func(*PollResult, error)
}

// Scheduler polls every configured feed on its interval. A feed's poll never
// overlaps itself; different feeds poll concurrently.
type Scheduler struct {
	poller Poller
	opts   SchedulerOptions
	logger *slog.Logger

	mu      sync.Mutex
	feeds   map[string]Feed
	entries map[string]cron.EntryID
	cron    *cron.Cron
	ctx     context.Context
	initial sync.WaitGroup
}

// NewScheduler creates a scheduler for feeds. Nothing runs until Run.
func NewScheduler(p Poller, feeds []Feed, opts SchedulerOptions) *Scheduler {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 15 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		poller:  p,
		opts:    opts,
		logger:  logger.With(slog.String("component", "scheduler")),
		feeds:   make(map[string]Feed),
		entries: make(map[string]cron.EntryID),
	}
	for _, f := range feeds {
		s.feeds[f.URL] = s.withDefaults(f)
	}
	return s
}

func (s *Scheduler) withDefaults(f Feed) Feed {
	if f.Interval <= 0 {
		f.Interval = s.opts.DefaultInterval
	}
	return f
}

// Feeds returns the currently scheduled feeds.
func (s *Scheduler) Feeds() []Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f)
	}
	return out
}

// Run starts polling and blocks until ctx is cancelled, then waits for
// in-flight polls to return.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s.mu.Lock()
	s.cron = c
	s.ctx = ctx
	for _, f := range s.feeds {
		s.addLocked(f)
	}
	s.mu.Unlock()

	c.Start()
	s.logger.Info("scheduler started", slog.Int("feeds", len(s.Feeds())))

	<-ctx.Done()

	s.mu.Lock()
	s.cron = nil
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()

	<-c.Stop().Done()
	s.initial.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Reload replaces the feed list. Unchanged feeds keep their schedule; new
// feeds poll immediately.
func (s *Scheduler) Reload(feeds []Feed) {
	next := make(map[string]Feed, len(feeds))
	for _, f := range feeds {
		next[f.URL] = s.withDefaults(f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added, removed int
	for url, old := range s.feeds {
		if nf, ok := next[url]; ok && nf.Interval == old.Interval {
			continue
		}
		s.removeLocked(url)
		removed++
	}
	for url, f := range next {
		if old, ok := s.feeds[url]; ok && old.Interval == f.Interval {
			continue
		}
		s.addLocked(f)
		added++
	}
	s.feeds = next

	s.logger.Info("feed list reloaded",
		slog.Int("feeds", len(next)),
		slog.Int("added", added),
		slog.Int("removed", removed))
}

// must hold mu
func (s *Scheduler) addLocked(f Feed) {
	if s.cron == nil {
		return
	}
	id := s.cron.Schedule(cron.Every(f.Interval), s.job(f))
	s.entries[f.URL] = id

	// first poll happens now, through the same wrapper so it cannot overlap
	// the first scheduled tick
	entry := s.cron.Entry(id)
	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		entry.WrappedJob.Run()
	}()
}

// must hold mu
func (s *Scheduler) removeLocked(url string) {
	if id, ok := s.entries[url]; ok && s.cron != nil {
		s.cron.Remove(id)
	}
	delete(s.entries, url)
}

func (s *Scheduler) job(f Feed) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		res, err := s.poller.Poll(ctx, f)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("feed poll failed",
				append([]any{slog.String("feed", f.URL)}, merrors.LogAttrs(err)...)...)
		}
		if s.opts.OnPoll != nil {
			s.opts.OnPoll(res, err)
		}
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
