package tasks

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/mediasync/internal/broker"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReleased means the worker stopped before finishing and the task
	// went back to pending without counting an attempt.
	OutcomeReleased Outcome = "released"
)

// Observer is notified after every settled delivery.
type Observer func(task string, outcome Outcome)

// Worker runs single deliveries.
type Worker struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithTaskTimeout bounds each handler call. Zero disables the bound.
func WithTaskTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.timeout = d }
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithObserver registers a settlement callback.
func WithObserver(fn Observer) WorkerOption {
	return func(w *Worker) { w.observer = fn }
}

// NewWorker creates a worker resolving handlers from registry.
func NewWorker(registry *Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		registry: registry,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs the handler for d and settles it. Cancelling ctx while the
// handler runs releases the task for redelivery.
func (w *Worker) Execute(ctx context.Context, d *broker.Delivery) Outcome {
	env := d.Envelope
	log := w.logger.With(
		slog.String("task_id", env.ID),
		slog.String("task", env.Task),
		slog.String("record_id", env.Args.RecordID),
		slog.Int("attempt", env.Attempt+1),
	)
	settleCtx := context.WithoutCancel(ctx)

	handler, policy, ok := w.registry.Lookup(env.Task)
	if !ok {
		err := merrors.New(merrors.ErrCodeUnknownTask, fmt.Sprintf("no handler registered for task %q", env.Task), nil)
		log.Error("task_unknown", merrors.LogAttrs(err)...)
		return w.settle(settleCtx, d, log, OutcomeFailed, d.Nack(settleCtx, false, time.Time{}, err))
	}
	if env.MaxAttempts > 0 {
		policy.MaxAttempts = env.MaxAttempts
	}

	runCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := w.now()
	err := w.call(runCtx, handler, Identity{
		TaskID:   env.ID,
		Name:     env.Task,
		RecordID: env.Args.RecordID,
		Revision: env.Args.Revision,
		Attempt:  env.Attempt,
	})
	elapsed := w.now().Sub(start)

	switch {
	case err == nil:
		log.Debug("task_succeeded", slog.Duration("elapsed", elapsed))
		return w.settle(settleCtx, d, log, OutcomeSucceeded, d.Ack(settleCtx))

	case merrors.IsNotFound(err):
		log.Info("task_skipped_missing_record")
		return w.settle(settleCtx, d, log, OutcomeSucceeded, d.Ack(settleCtx))

	case ctx.Err() != nil:
		log.Info("task_released_on_shutdown")
		return w.settle(settleCtx, d, log, OutcomeReleased, d.Release(settleCtx))
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		err = merrors.New(merrors.ErrCodeNetworkTimeout, fmt.Sprintf("task timed out after %s", w.timeout), err)
	}

	attempts := env.Attempt + 1
	if !merrors.IsRetryable(err) {
		log.Error("task_failed", merrors.LogAttrs(err)...)
		return w.settle(settleCtx, d, log, OutcomeFailed, d.Nack(settleCtx, false, time.Time{}, err))
	}
	if attempts >= policy.MaxAttempts {
		exhausted := merrors.New(merrors.ErrCodeTaskExhausted,
			fmt.Sprintf("gave up after %d attempts", attempts), err)
		log.Error("task_exhausted", merrors.LogAttrs(exhausted)...)
		return w.settle(settleCtx, d, log, OutcomeFailed, d.Nack(settleCtx, false, time.Time{}, exhausted))
	}

	delay := policy.Delay(attempts)
	log.Warn("task_retry_scheduled", append(merrors.LogAttrs(err), slog.Duration("delay", delay))...)
	return w.settle(settleCtx, d, log, OutcomeRetried, d.Nack(settleCtx, true, w.now().Add(delay), err))
}

// call runs h, turning a panic into a non-retryable internal error.
func (w *Worker) call(ctx context.Context, h Handler, id Identity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = merrors.InternalError(fmt.Sprintf("task handler panicked: %v", r), nil)
		}
	}()
	return h(ctx, id)
}

func (w *Worker) settle(ctx context.Context, d *broker.Delivery, log *slog.Logger, outcome Outcome, err error) Outcome {
	if err != nil {
		// the lease will expire and the task will be redelivered
		log.Warn("task_settle_failed", slog.String("outcome", string(outcome)), slog.String("error", err.Error()))
	}
	if w.observer != nil {
		w.observer(d.Envelope.Task, outcome)
	}
	return outcome
}
