package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
)

// State is the watcher loop state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateCommittingCursor
	StateStopped
)

// String returns the state name reported by the status socket.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateCommittingCursor:
		return "committing_cursor"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source is the changes feed.
type Source interface {
	Changes(ctx context.Context, since int64, limit int) ([]record.ChangeEvent, error)
	Subscribe() (<-chan struct{}, func())
}

// Cursor persists the last fully dispatched sequence.
type Cursor interface {
	Load(ctx context.Context) (int64, error)
	Commit(ctx context.Context, seq int64) error
}

// Dispatcher enqueues the tasks for one change event.
type Dispatcher interface {
	DispatchChange(ctx context.Context, ev record.ChangeEvent) (int, error)
}

// Options configures a Watcher.
type Options struct {
	// BatchSize is the maximum number of events read per poll. Default: 100
	BatchSize int

	// PollInterval is the fallback wait when no change notification arrives.
	// Default: 2s
	PollInterval time.Duration

	// InitialBackoff and MaxBackoff bound the pause after a store or broker
	// failure. Defaults: 1s and 1m
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ShutdownGrace is how long an in-progress batch may keep dispatching
	// after cancellation. Default: 5s
	ShutdownGrace time.Duration

	// LockPath, when set, is locked for the whole run.
	LockPath string

	Logger *slog.Logger
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		BatchSize:      100,
		PollInterval:   2 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		ShutdownGrace:  5 * time.Second,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = d.ShutdownGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Watcher is the changes feed loop.
type Watcher struct {
	src      Source
	cursor   Cursor
	dispatch Dispatcher
	opts     Options
	backoff  merrors.Backoff

	state      atomic.Int32
	committed  atomic.Int64
	dispatched atomic.Int64
}

// New creates a watcher.
func New(src Source, cursor Cursor, d Dispatcher, opts Options) *Watcher {
	opts = opts.WithDefaults()
	w := &Watcher{
		src:      src,
		cursor:   cursor,
		dispatch: d,
		opts:     opts,
		backoff: merrors.Backoff{
			Initial:    opts.InitialBackoff,
			Max:        opts.MaxBackoff,
			Multiplier: 2,
			Jitter:     true,
		},
	}
	w.setState(StateStopped)
	return w
}

// State returns the current loop state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Cursor returns the last committed sequence.
func (w *Watcher) Cursor() int64 {
	return w.committed.Load()
}

// Dispatched returns the number of tasks enqueued since start.
func (w *Watcher) Dispatched() int64 {
	return w.dispatched.Load()
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

// Run drives the loop until ctx is cancelled, returning nil. It returns an
// error only for fatal conditions: the lock is held elsewhere or the cursor
// is unreadable.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.opts.Logger
	defer w.setState(StateStopped)

	if w.opts.LockPath != "" {
		release, err := lockCursor(w.opts.LockPath)
		if err != nil {
			return err
		}
		defer release()
	}

	cursor, err := w.loadCursor(ctx)
	if err != nil || ctx.Err() != nil {
		return err
	}
	w.committed.Store(cursor)
	w.setState(StateIdle)

	notify, unsubscribe := w.src.Subscribe()
	defer unsubscribe()

	log.Info("watcher_started", slog.Int64("cursor", cursor), slog.Int("batch_size", w.opts.BatchSize))

	failures := 0
	for ctx.Err() == nil {
		n, err := w.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if merrors.IsFatal(err) {
				log.Error("watcher_fatal", merrors.LogAttrs(err)...)
				return err
			}
			failures++
			delay := w.backoff.Delay(failures)
			log.Warn("watcher_paused", append(merrors.LogAttrs(err),
				slog.Int64("cursor", w.Cursor()),
				slog.Int("failures", failures),
				slog.Duration("retry_in", delay))...)
			w.setState(StateIdle)
			sleep(ctx, delay)
			continue
		}
		failures = 0

		if n >= w.opts.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
		case <-notify:
		case <-time.After(w.opts.PollInterval):
		}
	}

	log.Info("watcher_stopped", slog.Int64("cursor", w.Cursor()))
	return nil
}

func (w *Watcher) loadCursor(ctx context.Context) (int64, error) {
	failures := 0
	for {
		seq, err := w.cursor.Load(ctx)
		if err == nil {
			return seq, nil
		}
		if !merrors.IsRetryable(err) {
			return 0, err
		}
		failures++
		w.opts.Logger.Warn("watcher_cursor_unavailable", merrors.LogAttrs(err)...)
		if !sleep(ctx, w.backoff.Delay(failures)) {
			return 0, nil
		}
	}
}

// step runs one Polling → Dispatching → CommittingCursor cycle and returns
// the number of events handled.
func (w *Watcher) step(ctx context.Context) (int, error) {
	since := w.Cursor()

	w.setState(StatePolling)
	events, err := w.src.Changes(ctx, since, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		w.setState(StateIdle)
		return 0, nil
	}

	// Once a batch starts it may finish after cancellation, bounded by the grace period.
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(w.opts.ShutdownGrace, cancel)
	})
	defer stop()

	w.setState(StateDispatching)
	last := since
	for _, ev := range events {
		if ev.Sequence <= last {
			return 0, merrors.New(merrors.ErrCodeStoreCorrupt,
				fmt.Sprintf("changes feed went backwards: %d after %d", ev.Sequence, last), nil)
		}
		n, err := w.dispatch.DispatchChange(dctx, ev)
		w.dispatched.Add(int64(n))
		if err != nil {
			w.commitPartial(dctx, since, last)
			return 0, err
		}
		last = ev.Sequence
	}

	w.setState(StateCommittingCursor)
	if err := w.cursor.Commit(dctx, last); err != nil {
		return 0, err
	}
	w.committed.Store(last)
	w.opts.Logger.Debug("watcher_batch_committed",
		slog.Int("events", len(events)),
		slog.Int64("cursor", last))

	w.setState(StateIdle)
	return len(events), nil
}

// commitPartial saves progress up to the last fully dispatched event so a
// failing batch is not redispatched from its start.
func (w *Watcher) commitPartial(ctx context.Context, since, last int64) {
	if last <= since {
		return
	}
	w.setState(StateCommittingCursor)
	if err := w.cursor.Commit(ctx, last); err != nil {
		return
	}
	w.committed.Store(last)
}

// sleep waits for d or cancellation. Returns false if ctx was cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
