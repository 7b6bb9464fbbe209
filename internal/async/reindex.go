package async

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
)

const lockName = "reindex.lock"

// RecordScanner pages through live records.
type RecordScanner interface {
	Scan(ctx context.Context, typ record.Type, afterID string, limit int) ([]*record.Record, error)
	Counts(ctx context.Context) (map[record.Type]int, error)
}

// ChangeDispatcher turns a record into index tasks.
type ChangeDispatcher interface {
	DispatchChange(ctx context.Context, ev record.ChangeEvent) (int, error)
}

// ReindexFunc does the work of a reindex.
type ReindexFunc func(ctx context.Context, progress *Progress) error

// ReindexConfig configures a BackgroundReindexer.
type ReindexConfig struct {
	// DataDir holds the lock file marking an unfinished reindex.
	DataDir   string
	BatchSize int
	// Types limits the reindex; empty means every record type.
	Types  []record.Type
	Logger *slog.Logger
}

// BackgroundReindexer enqueues an index task for every live record, in a
// background goroutine. The indexer's revision guard makes tasks for
// already-current documents no-ops.
type BackgroundReindexer struct {
	config   ReindexConfig
	scanner  RecordScanner
	dispatch ChangeDispatcher
	progress *Progress
	logger   *slog.Logger

	// Run does the work; replaceable in tests.
	Run ReindexFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	mu      sync.Mutex
	running bool
	started bool
	err     error
}

// NewBackgroundReindexer creates a reindexer over scanner.
func NewBackgroundReindexer(scanner RecordScanner, dispatch ChangeDispatcher, cfg ReindexConfig) *BackgroundReindexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if len(cfg.Types) == 0 {
		cfg.Types = record.Types
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &BackgroundReindexer{
		config:   cfg,
		scanner:  scanner,
		dispatch: dispatch,
		progress: NewProgress(),
		logger:   logger.With(slog.String("component", "reindex")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	b.Run = b.reindex
	return b
}

// Progress returns the progress tracker.
func (b *BackgroundReindexer) Progress() *Progress {
	return b.progress
}

// IsRunning reports whether the reindex is in progress.
func (b *BackgroundReindexer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start begins the reindex in a background goroutine. Calling it again is a
// no-op.
func (b *BackgroundReindexer) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.running = true
	b.mu.Unlock()

	go b.run(ctx)
}

func (b *BackgroundReindexer) run(ctx context.Context) {
	defer close(b.doneCh)
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	lockPath := filepath.Join(b.config.DataDir, lockName)
	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		b.fail(merrors.New(merrors.ErrCodeConfigPermission, "create data dir", err))
		return
	}
	if err := os.WriteFile(lockPath, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		b.fail(merrors.New(merrors.ErrCodeConfigPermission, "write reindex lock", err))
		return
	}

	if err := b.Run(ctx, b.progress); err != nil {
		// the lock stays so the next start knows the last run was cut short
		b.fail(err)
		return
	}
	_ = os.Remove(lockPath)
	b.progress.SetDone()

	snap := b.progress.Snapshot()
	b.logger.Info("reindex complete",
		slog.Int("records", snap.RecordsScanned),
		slog.Int("tasks", snap.TasksEnqueued),
		slog.Int("elapsed_seconds", snap.ElapsedSeconds))
}

func (b *BackgroundReindexer) fail(err error) {
	b.progress.SetError(err.Error())
	b.logger.Error("reindex failed", merrors.LogAttrs(err)...)
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *BackgroundReindexer) reindex(ctx context.Context, progress *Progress) error {
	counts, err := b.scanner.Counts(ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, t := range b.config.Types {
		total += counts[t]
	}
	progress.SetStage(StageEnqueuing, total)

	for _, typ := range b.config.Types {
		after := ""
		for {
			batch, err := b.scanner.Scan(ctx, typ, after, b.config.BatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}
			enqueued := 0
			for _, r := range batch {
				n, err := b.dispatch.DispatchChange(ctx, record.ChangeEvent{
					RecordID: r.ID,
					Type:     r.Type,
					Revision: r.Revision,
				})
				if err != nil {
					progress.Advance(0, enqueued)
					return err
				}
				enqueued += n
			}
			progress.Advance(len(batch), enqueued)
			after = batch[len(batch)-1].ID
			if len(batch) < b.config.BatchSize {
				break
			}
		}
	}
	return nil
}

// Stop cancels a running reindex and waits for it to return.
func (b *BackgroundReindexer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// Wait blocks until the reindex completes and returns its error.
func (b *BackgroundReindexer) Wait() error {
	<-b.doneCh
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// HasIncompleteLock reports whether a previous reindex in dataDir did not
// finish.
func HasIncompleteLock(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, lockName))
	return err == nil
}
