package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/mediasync/internal/broker"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
)

// Dispatcher publishes tasks for the registry's handlers.
type Dispatcher struct {
	broker   broker.Broker
	queue    string
	registry *Registry
	now      func() time.Time
}

// NewDispatcher creates a dispatcher publishing to queue.
func NewDispatcher(b broker.Broker, queue string, registry *Registry) *Dispatcher {
	return &Dispatcher{broker: b, queue: queue, registry: registry, now: time.Now}
}

// Queue returns the queue name tasks are published on.
func (d *Dispatcher) Queue() string {
	return d.queue
}

// Enqueue publishes one task and returns its id.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, args broker.Args, policy RetryPolicy) (string, error) {
	if args.RecordID == "" {
		return "", merrors.ValidationError("task args need a record id", nil)
	}

	now := d.now().UTC()
	env := broker.Envelope{
		Version:     broker.EnvelopeVersion,
		ID:          uuid.NewString(),
		Task:        name,
		Args:        args,
		MaxAttempts: policy.MaxAttempts,
		ETA:         now,
		PublishedAt: now,
	}
	if err := d.broker.Publish(ctx, d.queue, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// DispatchChange enqueues one task per handler bound to the event's record
// type. It returns the number of tasks published; an event with no bound
// handlers publishes nothing.
func (d *Dispatcher) DispatchChange(ctx context.Context, ev record.ChangeEvent) (int, error) {
	n := 0
	for _, name := range d.registry.TasksFor(ev.Type) {
		_, policy, ok := d.registry.Lookup(name)
		if !ok {
			return n, merrors.New(merrors.ErrCodeUnknownTask, "task not registered: "+name, nil)
		}
		args := broker.Args{RecordID: ev.RecordID, Revision: ev.Revision}
		if _, err := d.Enqueue(ctx, name, args, policy); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
