package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Options configures a broker backend.
type Options struct {
	// VisibilityTimeout is how long a delivery stays leased before it is
	// redelivered to another consumer.
	VisibilityTimeout time.Duration
	// PollInterval bounds how long a consumer waits before rechecking for
	// delayed or expired tasks.
	PollInterval time.Duration
	Logger       *slog.Logger
	now          func() time.Time
}

// DefaultOptions returns the defaults used by the daemon.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      500 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = d.VisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// claimer leases the next ready task, returning nil when none is ready.
type claimer interface {
	claim(ctx context.Context, queue, consumer string) (*Delivery, error)
}

// consume runs the delivery loop shared by every backend. The channel is
// unbuffered so a task is only leased once a worker is ready for it.
func consume(ctx context.Context, c claimer, w *waker, queue, consumer string, opts Options) <-chan *Delivery {
	out := make(chan *Delivery)
	wake, unsubscribe := w.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			d, err := c.claim(ctx, queue, consumer)
			if err != nil && ctx.Err() == nil {
				opts.Logger.Warn("broker_claim_failed",
					slog.String("queue", queue),
					slog.String("consumer", consumer),
					slog.String("error", err.Error()))
			}

			if d == nil {
				select {
				case <-ctx.Done():
					return
				case <-wake:
				case <-time.After(opts.PollInterval):
				}
				continue
			}

			select {
			case out <- d:
			case <-ctx.Done():
				relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = d.Release(relCtx)
				cancel()
				return
			}
		}
	}()
	return out
}

// waker signals consumers that new work may be ready.
type waker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newWaker() *waker {
	return &waker{subs: make(map[chan struct{}]struct{})}
}

func (w *waker) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
}

func (w *waker) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
