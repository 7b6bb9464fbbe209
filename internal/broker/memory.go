package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

type memTask struct {
	info       TaskInfo
	leaseUntil time.Time
	receipt    string
}

// MemoryBroker is an in-process Broker. Tasks do not survive a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	tasks   map[string]*memTask
	counter uint64
	closed  bool
	waker   *waker
	opts    Options
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		tasks: make(map[string]*memTask),
		waker: newWaker(),
		opts:  opts.WithDefaults(),
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, queue string, env Envelope) error {
	if env.ID == "" {
		return merrors.New(merrors.ErrCodeMalformedTask, "envelope has no id", nil)
	}
	now := b.opts.now().UTC()
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	if env.PublishedAt.IsZero() {
		env.PublishedAt = now
	}
	if env.ETA.IsZero() {
		env.ETA = now
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return merrors.QueueError("broker is closed", nil)
	}
	created := now
	if old, ok := b.tasks[env.ID]; ok {
		created = old.info.CreatedAt
	}
	b.tasks[env.ID] = &memTask{info: TaskInfo{
		Envelope:  env,
		Queue:     queue,
		State:     StatePending,
		CreatedAt: created,
		UpdatedAt: now,
	}}
	b.mu.Unlock()

	b.waker.signal()
	return nil
}

// Consume implements Broker.
func (b *MemoryBroker) Consume(ctx context.Context, queue, consumer string) (<-chan *Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, merrors.QueueError("broker is closed", nil)
	}
	return consume(ctx, b, b.waker, queue, consumer, b.opts), nil
}

func (b *MemoryBroker) claim(_ context.Context, queue, consumer string) (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, merrors.QueueError("broker is closed", nil)
	}

	now := b.opts.now().UTC()
	var next *memTask
	for _, t := range b.tasks {
		if t.info.Queue != queue || !ready(t, now) {
			continue
		}
		if next == nil || t.info.ETA.Before(next.info.ETA) ||
			(t.info.ETA.Equal(next.info.ETA) && t.info.CreatedAt.Before(next.info.CreatedAt)) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	b.counter++
	next.receipt = fmt.Sprintf("mem:%s:%d", consumer, b.counter)
	next.leaseUntil = now.Add(b.opts.VisibilityTimeout)
	next.info.State = StateRunning
	next.info.Consumer = consumer
	next.info.UpdatedAt = now

	return &Delivery{Envelope: next.info.Envelope, Queue: queue, receipt: next.receipt, settler: b}, nil
}

func ready(t *memTask, now time.Time) bool {
	switch t.info.State {
	case StatePending:
		return !t.info.ETA.After(now)
	case StateRunning:
		return t.leaseUntil.Before(now)
	}
	return false
}

// settle applies fn to the leased task if d still holds its lease.
func (b *MemoryBroker) settle(d *Delivery, fn func(t *memTask, now time.Time)) error {
	b.mu.Lock()
	t, ok := b.tasks[d.Envelope.ID]
	if !ok || t.receipt != d.receipt || t.info.State != StateRunning {
		b.mu.Unlock()
		return merrors.QueueError(fmt.Sprintf("lease lost for task %s", d.Envelope.ID), nil)
	}
	now := b.opts.now().UTC()
	fn(t, now)
	t.receipt = ""
	t.info.UpdatedAt = now
	b.mu.Unlock()

	b.waker.signal()
	return nil
}

func (b *MemoryBroker) ack(_ context.Context, d *Delivery) error {
	return b.settle(d, func(t *memTask, _ time.Time) {
		t.info.State = StateSuccess
		t.info.LastError = ""
	})
}

func (b *MemoryBroker) retry(_ context.Context, d *Delivery, eta time.Time, cause error) error {
	return b.settle(d, func(t *memTask, now time.Time) {
		t.info.State = StatePending
		t.info.Attempt++
		t.info.ETA = eta.UTC()
		if t.info.ETA.Before(now) {
			t.info.ETA = now
		}
		t.info.LastError = errorText(cause)
	})
}

func (b *MemoryBroker) deadLetter(_ context.Context, d *Delivery, cause error) error {
	return b.settle(d, func(t *memTask, _ time.Time) {
		t.info.State = StateFailure
		t.info.Attempt++
		t.info.LastError = errorText(cause)
	})
}

func (b *MemoryBroker) release(_ context.Context, d *Delivery) error {
	return b.settle(d, func(t *memTask, _ time.Time) {
		t.info.State = StatePending
	})
}

// ListTasks implements Broker.
func (b *MemoryBroker) ListTasks(_ context.Context, f ListFilter) ([]TaskInfo, error) {
	b.mu.Lock()
	var out []TaskInfo
	for _, t := range b.tasks {
		if (f.State == "" || t.info.State == f.State) && (f.Queue == "" || t.info.Queue == f.Queue) {
			out = append(out, t.info)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Requeue implements Broker.
func (b *MemoryBroker) Requeue(_ context.Context, id string) error {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return merrors.New(merrors.ErrCodeNotFound, "task not found: "+id, nil)
	}
	if t.info.State != StateFailure {
		b.mu.Unlock()
		return merrors.ValidationError(fmt.Sprintf("task %s is %s, only failed tasks can be requeued", id, t.info.State), nil)
	}
	now := b.opts.now().UTC()
	t.info.State = StatePending
	t.info.Attempt = 0
	t.info.ETA = now
	t.info.UpdatedAt = now
	b.mu.Unlock()

	b.waker.signal()
	return nil
}

// Stats implements Broker.
func (b *MemoryBroker) Stats(context.Context) (map[State]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make(map[State]int)
	for _, t := range b.tasks {
		stats[t.info.State]++
	}
	return stats, nil
}

// Prune removes succeeded tasks last updated before cutoff.
func (b *MemoryBroker) Prune(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, t := range b.tasks {
		if t.info.State == StateSuccess && t.info.UpdatedAt.Before(cutoff) {
			delete(b.tasks, id)
			n++
		}
	}
	return n, nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
