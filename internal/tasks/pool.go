package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/mediasync/internal/broker"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Queue string
	// Size is the number of tasks executed concurrently. Defaults to NumCPU.
	Size int
	// DrainTimeout is how long in-flight tasks may keep running after the
	// pool is stopped before they are cancelled and released.
	DrainTimeout time.Duration
}

// Pool consumes a queue and runs deliveries on a Worker with bounded
// concurrency.
type Pool struct {
	broker   broker.Broker
	worker   *Worker
	cfg      PoolConfig
	consumer string
	logger   *slog.Logger
}

// NewPool creates a pool.
func NewPool(b broker.Broker, w *Worker, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	host, _ := os.Hostname()
	return &Pool{
		broker:   b,
		worker:   w,
		cfg:      cfg,
		consumer: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		logger:   w.logger,
	}
}

// Consumer returns the consumer name used for leases.
func (p *Pool) Consumer() string {
	return p.consumer
}

// Run consumes until ctx is cancelled, then waits for in-flight tasks.
// A slot is acquired before each receive, so at most one task sits leased
// ahead of a free worker.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.broker.Consume(ctx, p.cfg.Queue, p.consumer)
	if err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.cfg.DrainTimeout, cancelWork)
	})
	defer stop()

	p.logger.Info("worker_pool_started",
		slog.String("queue", p.cfg.Queue),
		slog.Int("size", p.cfg.Size),
		slog.String("consumer", p.consumer))

	sem := semaphore.NewWeighted(int64(p.cfg.Size))
	var g errgroup.Group

loop:
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		select {
		case d, ok := <-deliveries:
			if !ok {
				sem.Release(1)
				break loop
			}
			g.Go(func() error {
				defer sem.Release(1)
				p.worker.Execute(workCtx, d)
				return nil
			})
		case <-ctx.Done():
			sem.Release(1)
			break loop
		}
	}

	// drain any delivery leased after the last receive; the consumer
	// releases it on cancel, so the channel closes promptly
	for d := range deliveries {
		_ = d.Release(context.WithoutCancel(ctx))
	}

	_ = g.Wait()
	p.logger.Info("worker_pool_stopped", slog.String("consumer", p.consumer))
	return nil
}
