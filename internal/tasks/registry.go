// Package tasks maps wire task names to handlers, enqueues tasks on the
// broker and runs them in a bounded worker pool with retry classification.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/mediasync/internal/broker"
	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
)

// Task names on the wire.
const (
	TaskIndex = "index"
)

// Task is the operator view of a queued task.
type Task = broker.TaskInfo

// Identity is everything a handler receives. Handlers re-read current state
// from the store instead of trusting a payload snapshot.
type Identity struct {
	TaskID   string
	Name     string
	RecordID string
	Revision int64
	Attempt  int
}

// Handler executes one task. Returned errors are classified with
// errors.IsRetryable; NotFound counts as success.
type Handler func(ctx context.Context, id Identity) error

// RetryPolicy bounds how often a task runs and how long it waits between runs.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions, including the first.
	MaxAttempts int
	Backoff     merrors.Backoff
}

// DefaultPolicy is five attempts with 1s doubling backoff capped at 5m.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: merrors.DefaultBackoff()}
}

// Delay returns the wait before the given retry (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Backoff.Delay(attempt)
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Registry holds handlers by task name and the task names bound to each
// record type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
	bindings map[record.Type][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]registration),
		bindings: make(map[record.Type][]string),
	}
}

// Register adds a handler under name with the default retry policy.
func (r *Registry) Register(name string, h Handler) error {
	return r.RegisterWithPolicy(name, h, DefaultPolicy())
}

// RegisterWithPolicy adds a handler under name.
func (r *Registry) RegisterWithPolicy(name string, h Handler, policy RetryPolicy) error {
	if name == "" || h == nil {
		return merrors.ValidationError("task name and handler are required", nil)
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return merrors.ValidationError(fmt.Sprintf("task %q already registered", name), nil)
	}
	r.handlers[name] = registration{handler: h, policy: policy}
	return nil
}

// Bind makes changes to records of type t dispatch the named task.
func (r *Registry) Bind(t record.Type, name string) error {
	if !t.Valid() {
		return merrors.New(merrors.ErrCodeUnknownType, "unknown record type: "+string(t), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		return merrors.New(merrors.ErrCodeUnknownTask, fmt.Sprintf("cannot bind unregistered task %q", name), nil)
	}
	for _, existing := range r.bindings[t] {
		if existing == name {
			return nil
		}
	}
	r.bindings[t] = append(r.bindings[t], name)
	return nil
}

// Lookup resolves a wire task name.
func (r *Registry) Lookup(name string) (Handler, RetryPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg.handler, reg.policy, ok
}

// TasksFor returns the task names bound to t, in bind order.
func (r *Registry) TasksFor(t record.Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.bindings[t]...)
}

// Names returns all registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
