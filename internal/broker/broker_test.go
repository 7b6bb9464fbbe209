package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

type brokerFactory func(t *testing.T, opts Options) Broker

func backends() map[string]brokerFactory {
	return map[string]brokerFactory{
		"memory": func(t *testing.T, opts Options) Broker {
			return NewMemoryBroker(opts)
		},
		"sqlite": func(t *testing.T, opts Options) Broker {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "broker.db"), opts)
			require.NoError(t, err)
			return b
		},
	}
}

func testOptions() Options {
	return Options{VisibilityTimeout: time.Minute, PollInterval: 10 * time.Millisecond}
}

func forEachBackend(t *testing.T, opts Options, fn func(t *testing.T, b Broker)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, opts)
			t.Cleanup(func() { _ = b.Close() })
			fn(t, b)
		})
	}
}

func receive(t *testing.T, ch <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *Delivery, wait time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s", d.Envelope.ID)
	case <-time.After(wait):
	}
}

func envelope(id string) Envelope {
	return Envelope{ID: id, Task: "index_media", Args: Args{RecordID: "oas.Media_" + id, Revision: 1}}
}

func TestBroker_PublishConsumeAck(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Given: a published task
		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))

		// When: a consumer receives and acks it
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)
		d := receive(t, ch)
		assert.Equal(t, "t1", d.Envelope.ID)
		assert.Equal(t, "oas.Media_t1", d.Envelope.Args.RecordID)
		require.NoError(t, d.Ack(ctx))

		// Then: the task is recorded as succeeded
		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats[StateSuccess])
		assert.Zero(t, stats[StatePending])
	})
}

func TestBroker_QueuesAreIsolated(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "other", envelope("t1")))

		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)
		expectNone(t, ch, 100*time.Millisecond)
	})
}

func TestBroker_NackRequeueIncrementsAttempt(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)

		// Given: a first delivery that fails transiently
		d := receive(t, ch)
		assert.Zero(t, d.Envelope.Attempt)
		require.NoError(t, d.Nack(ctx, true, time.Now(), merrors.NetworkError("timeout", nil)))

		// When: it is redelivered
		d = receive(t, ch)

		// Then: the attempt counter moved on
		assert.Equal(t, "t1", d.Envelope.ID)
		assert.Equal(t, 1, d.Envelope.Attempt)
		require.NoError(t, d.Ack(ctx))
	})
}

func TestBroker_NackWithFutureETADelaysDelivery(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)

		d := receive(t, ch)
		require.NoError(t, d.Nack(ctx, true, time.Now().Add(300*time.Millisecond), nil))

		expectNone(t, ch, 100*time.Millisecond)
		d = receive(t, ch)
		assert.Equal(t, 1, d.Envelope.Attempt)
	})
}

func TestBroker_DeadLetterAndRequeue(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)

		// Given: a task that fails permanently
		d := receive(t, ch)
		require.NoError(t, d.Nack(ctx, false, time.Time{}, merrors.ValidationError("bad payload", nil)))

		// Then: it is listed as failed with its error
		failed, err := b.ListTasks(ctx, ListFilter{State: StateFailure})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "t1", failed[0].ID)
		assert.Equal(t, "tasks", failed[0].Queue)
		assert.Contains(t, failed[0].LastError, "bad payload")
		expectNone(t, ch, 50*time.Millisecond)

		// When: an operator requeues it
		require.NoError(t, b.Requeue(ctx, "t1"))

		// Then: it is delivered again with a fresh attempt count
		d = receive(t, ch)
		assert.Equal(t, "t1", d.Envelope.ID)
		assert.Zero(t, d.Envelope.Attempt)
		require.NoError(t, d.Ack(ctx))
	})
}

func TestBroker_RequeueRejectsNonFailedTasks(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx := context.Background()
		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))

		err := b.Requeue(ctx, "t1")
		assert.Equal(t, merrors.ErrCodeInvalidInput, merrors.GetCode(err))

		err = b.Requeue(ctx, "missing")
		assert.True(t, merrors.IsNotFound(err))
	})
}

func TestBroker_ExpiredLeaseIsRedelivered(t *testing.T) {
	opts := testOptions()
	opts.VisibilityTimeout = 200 * time.Millisecond

	forEachBackend(t, opts, func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))

		// Given: a consumer that takes the task and stalls
		first, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)
		stale := receive(t, first)

		// When: the lease expires and another consumer polls
		secondCtx, secondCancel := context.WithCancel(ctx)
		defer secondCancel()
		second, err := b.Consume(secondCtx, "tasks", "w2")
		require.NoError(t, err)

		var fresh *Delivery
		select {
		case fresh = <-second:
		case fresh = <-first:
		case <-time.After(3 * time.Second):
			t.Fatal("task was not redelivered")
		}

		// Then: the same task is redelivered without counting an attempt
		assert.Equal(t, "t1", fresh.Envelope.ID)
		assert.Zero(t, fresh.Envelope.Attempt)

		// And: the stale holder can no longer settle it
		err = stale.Ack(ctx)
		require.Error(t, err)
		assert.Equal(t, merrors.ErrCodeQueueUnavailable, merrors.GetCode(err))
		require.NoError(t, fresh.Ack(ctx))
	})
}

func TestBroker_ReleaseDoesNotCountAttempt(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)

		d := receive(t, ch)
		require.NoError(t, d.Release(ctx))

		d = receive(t, ch)
		assert.Zero(t, d.Envelope.Attempt)
	})
}

func TestBroker_ConsumeClosesOnCancel(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)

		cancel()

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after cancel")
		}
	})
}

func TestBroker_ListTasksFilters(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, b.Publish(ctx, "tasks", envelope(id)))
		}
		require.NoError(t, b.Publish(ctx, "other", envelope("d")))

		all, err := b.ListTasks(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		queued, err := b.ListTasks(ctx, ListFilter{Queue: "tasks", State: StatePending})
		require.NoError(t, err)
		assert.Len(t, queued, 3)

		limited, err := b.ListTasks(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestSQLiteBroker_SurvivesReopen(t *testing.T) {
	// Given: a task published to a broker file
	path := filepath.Join(t.TempDir(), "broker.db")
	b, err := OpenSQLite(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "tasks", envelope("t1")))
	require.NoError(t, b.Close())

	// When: the broker is reopened
	b, err = OpenSQLite(path, testOptions())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	// Then: the task is still deliverable
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, "tasks", "w1")
	require.NoError(t, err)
	d := receive(t, ch)
	assert.Equal(t, "t1", d.Envelope.ID)
}

func TestPrune_RemovesOldSuccesses(t *testing.T) {
	forEachBackend(t, testOptions(), func(t *testing.T, b Broker) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, b.Publish(ctx, "tasks", envelope("t1")))
		require.NoError(t, b.Publish(ctx, "tasks", envelope("t2")))
		ch, err := b.Consume(ctx, "tasks", "w1")
		require.NoError(t, err)
		require.NoError(t, receive(t, ch).Ack(ctx))
		cancel()

		p, ok := b.(Pruner)
		require.True(t, ok)
		n, err := p.Prune(context.Background(), time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := b.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats[StateSuccess])
	})
}

func TestOpen_Backends(t *testing.T) {
	b, err := Open(BackendMemory, "", testOptions())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBroker{}, b)

	_, err = Open("redis", "", testOptions())
	require.Error(t, err)
	assert.True(t, merrors.IsFatal(err))
}
