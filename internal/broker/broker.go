// Package broker is the durable task queue between the changes watcher and
// the workers: publish, lease-based consume, ack, nack with delay, and a
// dead-letter state that operators can inspect and requeue.
package broker

import (
	"context"
	"time"
)

// State is a task's lifecycle state.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	// StateFailure is the dead-letter state.
	StateFailure State = "failure"
)

// ParseState validates a state name.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StatePending, StateRunning, StateSuccess, StateFailure:
		return State(s), true
	}
	return "", false
}

// Broker is the task queue contract.
type Broker interface {
	// Publish enqueues env on queue. An ETA in the future delays delivery.
	Publish(ctx context.Context, queue string, env Envelope) error

	// Consume streams deliveries from queue until ctx is cancelled, then
	// closes the channel. Each delivery is leased to the consumer until it is
	// acked, nacked, released, or its lease expires.
	Consume(ctx context.Context, queue, consumer string) (<-chan *Delivery, error)

	// ListTasks returns tasks in a given state, newest first.
	ListTasks(ctx context.Context, filter ListFilter) ([]TaskInfo, error)

	// Requeue moves a dead-lettered task back to pending with a fresh attempt count.
	Requeue(ctx context.Context, id string) error

	// Stats returns task counts per state.
	Stats(ctx context.Context) (map[State]int, error)

	Close() error
}

// ListFilter selects tasks for ListTasks.
type ListFilter struct {
	Queue string
	State State
	Limit int
}

// TaskInfo is the read-only view of a task.
type TaskInfo struct {
	Envelope
	Queue     string    `json:"queue"`
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Consumer  string    `json:"consumer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// settler finalizes a leased delivery.
type settler interface {
	ack(ctx context.Context, d *Delivery) error
	retry(ctx context.Context, d *Delivery, eta time.Time, cause error) error
	deadLetter(ctx context.Context, d *Delivery, cause error) error
	release(ctx context.Context, d *Delivery) error
}

// Delivery is one leased envelope.
type Delivery struct {
	Envelope Envelope
	Queue    string
	receipt  string
	settler  settler
}

// Ack marks the task succeeded.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settler.ack(ctx, d)
}

// Nack settles a failed attempt. With requeue the task is redelivered at eta
// with its attempt counter incremented; without, it is dead-lettered.
func (d *Delivery) Nack(ctx context.Context, requeue bool, eta time.Time, cause error) error {
	if requeue {
		return d.settler.retry(ctx, d, eta, cause)
	}
	return d.settler.deadLetter(ctx, d, cause)
}

// Release returns the task to pending without counting an attempt, used when
// a worker shuts down before running it.
func (d *Delivery) Release(ctx context.Context) error {
	return d.settler.release(ctx, d)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
