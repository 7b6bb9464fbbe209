// Package indexer projects records into search documents. Every run re-reads
// the record from the store and never lets a document move to an older
// revision, so duplicate and out-of-order tasks converge on the latest state.
package indexer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
	"github.com/Aman-CERP/mediasync/internal/search"
	"github.com/Aman-CERP/mediasync/internal/tasks"
)

// DefaultIndex is the search index holding media and feed documents.
const DefaultIndex = "media"

// Result is what a single Index call did.
type Result int

const (
	ResultIndexed Result = iota
	// ResultSkippedStale means the index already holds this revision or a newer one.
	ResultSkippedStale
	ResultDeleted
	ResultNotFound
)

// String returns the result name used in logs and counters.
func (r Result) String() string {
	switch r {
	case ResultIndexed:
		return "indexed"
	case ResultSkippedStale:
		return "skipped_stale"
	case ResultDeleted:
		return "deleted"
	case ResultNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// RecordReader reads current records.
type RecordReader interface {
	Get(ctx context.Context, id string) (*record.Record, error)
}

// Options configures an Indexer.
type Options struct {
	Index string

	// CircuitMaxFailures consecutive transient engine failures open the
	// circuit for CircuitReset.
	CircuitMaxFailures int
	CircuitReset       time.Duration

	// Policy is the retry policy of index tasks. Zero uses tasks.DefaultPolicy.
	Policy tasks.RetryPolicy

	Logger *slog.Logger

	// OnResult, if set, is called after every successful Index.
	OnResult func(Result)
}

// Indexer keeps the search index in line with the record store.
type Indexer struct {
	store   RecordReader
	engine  search.Engine
	index   string
	breaker *merrors.CircuitBreaker
	logger  *slog.Logger
	onRes   func(Result)
	policy  tasks.RetryPolicy
	now     func() time.Time
}

// New creates an indexer.
func New(st RecordReader, engine search.Engine, opts Options) *Indexer {
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.CircuitMaxFailures <= 0 {
		opts.CircuitMaxFailures = 5
	}
	if opts.CircuitReset <= 0 {
		opts.CircuitReset = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = tasks.DefaultPolicy()
	}
	logger := opts.Logger

	return &Indexer{
		store:  st,
		engine: engine,
		index:  opts.Index,
		breaker: merrors.NewCircuitBreaker("search_engine",
			merrors.WithMaxFailures(opts.CircuitMaxFailures),
			merrors.WithResetTimeout(opts.CircuitReset),
			merrors.WithStateChange(func(name string, from, to merrors.State) {
				logger.Warn("circuit_state_changed",
					slog.String("circuit", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			})),
		logger: logger,
		onRes:  opts.OnResult,
		policy: opts.Policy,
		now:    time.Now,
	}
}

// Breaker exposes the engine circuit breaker for status reporting.
func (ix *Indexer) Breaker() *merrors.CircuitBreaker {
	return ix.breaker
}

// EnsureMapping creates the index if needed. Called once at startup.
func (ix *Indexer) EnsureMapping(ctx context.Context) error {
	return ix.engine.EnsureMapping(ctx, ix.index, search.MediaSchema())
}

// Register adds the index task to reg and binds it to every projectable type.
func (ix *Indexer) Register(reg *tasks.Registry) error {
	if err := reg.RegisterWithPolicy(tasks.TaskIndex, ix.Handle, ix.policy); err != nil {
		return err
	}
	for t := range projections {
		if err := reg.Bind(t, tasks.TaskIndex); err != nil {
			return err
		}
	}
	return nil
}

// Handle is the tasks.Handler for index tasks.
func (ix *Indexer) Handle(ctx context.Context, id tasks.Identity) error {
	_, err := ix.Index(ctx, id.RecordID, id.Revision)
	return err
}

// Index brings the document for recordID up to the record's latest
// revision. minRevision is the revision that triggered the task; a store
// behind it is reported as a retryable lag.
//
// The engine read and write are not atomic, so a task that overlaps a newer
// one can land an older revision last. After every write the record is read
// again and the pass repeats while the store has moved past what was written.
func (ix *Indexer) Index(ctx context.Context, recordID string, minRevision int64) (Result, error) {
	log := ix.logger.With(slog.String("record_id", recordID))

	for pass := 1; ; pass++ {
		res, written, err := ix.indexOnce(ctx, log, recordID, minRevision)
		if err != nil {
			return 0, err
		}
		if written == 0 {
			return ix.done(res), nil
		}

		latest, err := ix.latestRevision(ctx, recordID)
		if err != nil {
			return 0, err
		}
		if latest <= written {
			return ix.done(res), nil
		}
		if pass >= maxIndexPasses {
			// The newer revision has its own task queued.
			log.Warn("index_revision_still_moving",
				slog.Int64("written", written),
				slog.Int64("latest", latest))
			return ix.done(res), nil
		}
		log.Debug("index_revision_moved",
			slog.Int64("written", written),
			slog.Int64("latest", latest))
		minRevision = latest
	}
}

// maxIndexPasses bounds the re-check loop in Index.
const maxIndexPasses = 8

// indexOnce runs a single read-compare-write pass. written is the record
// revision applied to the engine, or 0 when nothing was written.
func (ix *Indexer) indexOnce(ctx context.Context, log *slog.Logger, recordID string, minRevision int64) (Result, int64, error) {
	rec, err := ix.store.Get(ctx, recordID)
	if merrors.IsNotFound(err) {
		if err := ix.deleteDoc(ctx, recordID); err != nil {
			return 0, 0, err
		}
		log.Debug("index_record_missing")
		return ResultNotFound, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	if rec.Revision < minRevision {
		return 0, 0, merrors.New(merrors.ErrCodeStoreLagging,
			fmt.Sprintf("store has %s at revision %d, task expects %d", recordID, rec.Revision, minRevision), nil).
			WithDetail("record_id", recordID)
	}

	existing, err := ix.getDoc(ctx, recordID)
	if err != nil {
		return 0, 0, err
	}
	if existing != nil && existing.SourceRevision >= rec.Revision {
		log.Debug("index_skipped_stale",
			slog.Int64("revision", rec.Revision),
			slog.Int64("indexed_revision", existing.SourceRevision))
		return ResultSkippedStale, 0, nil
	}

	if rec.Deleted {
		if existing == nil {
			log.Debug("index_deleted", slog.Int64("revision", rec.Revision))
			return ResultDeleted, 0, nil
		}
		if err := ix.deleteDoc(ctx, recordID); err != nil {
			return 0, 0, err
		}
		log.Info("index_deleted", slog.Int64("revision", rec.Revision))
		return ResultDeleted, rec.Revision, nil
	}

	project, ok := projections[rec.Type]
	if !ok {
		return 0, 0, unprojectable(rec, "no projection for type")
	}
	doc, err := project(rec)
	if err != nil {
		return 0, 0, err
	}
	doc.SourceRevision = rec.Revision
	doc.IndexedAt = ix.now().UTC()

	if err := ix.engineCall(func() error { return ix.engine.Upsert(ctx, ix.index, doc) }); err != nil {
		return 0, 0, err
	}
	log.Info("index_updated", slog.Int64("revision", rec.Revision))
	return ResultIndexed, rec.Revision, nil
}

// latestRevision reports the store's current revision for id, 0 if absent.
func (ix *Indexer) latestRevision(ctx context.Context, id string) (int64, error) {
	rec, err := ix.store.Get(ctx, id)
	if merrors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Revision, nil
}

func (ix *Indexer) done(r Result) Result {
	if ix.onRes != nil {
		ix.onRes(r)
	}
	return r
}

func (ix *Indexer) getDoc(ctx context.Context, id string) (*search.Document, error) {
	doc, err := merrors.CircuitExecute(ix.breaker, func() (*search.Document, error) {
		doc, err := ix.engine.Get(ctx, ix.index, id)
		if merrors.IsNotFound(err) {
			return nil, nil
		}
		return doc, err
	})
	return doc, circuitErr(err)
}

func (ix *Indexer) deleteDoc(ctx context.Context, id string) error {
	return ix.engineCall(func() error { return ix.engine.Delete(ctx, ix.index, id) })
}

func (ix *Indexer) engineCall(fn func() error) error {
	return circuitErr(ix.breaker.Execute(fn))
}

// circuitErr turns an open circuit into a retryable engine error so the task
// backs off instead of failing.
func circuitErr(err error) error {
	if stderrors.Is(err, merrors.ErrCircuitOpen) {
		return merrors.EngineError("search engine circuit is open", err, true)
	}
	return err
}
