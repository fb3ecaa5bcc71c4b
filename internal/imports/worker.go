package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/metrics"
	"github.com/rpattn/recordimport/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers that claim queued tasks. Each claimed
// task is owned by exactly one worker until it is finalized. Tasks are
// claimed under the pool's worker id so that other processes can tell a
// live owner from a dead one.
type Pool struct {
	tasks        repository.ImportTaskRepository
	executor     *Executor
	workerID     string
	workers      int
	pollInterval time.Duration
	wake         chan struct{}
	metrics      metrics.Recorder
	logger       *slog.Logger
	now          func() time.Time
}

type PoolOption func(*Pool)

func WithWorkers(workers int) PoolOption {
	return func(p *Pool) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

func WithPollInterval(interval time.Duration) PoolOption {
	return func(p *Pool) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithWorkerID names this process in claimed tasks. It defaults to a random
// id per pool.
func WithWorkerID(id string) PoolOption {
	return func(p *Pool) {
		if id != "" {
			p.workerID = id
		}
	}
}

func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPoolMetrics(recorder metrics.Recorder) PoolOption {
	return func(p *Pool) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

func NewPool(tasks repository.ImportTaskRepository, executor *Executor, opts ...PoolOption) *Pool {
	pool := &Pool{
		tasks:        tasks,
		executor:     executor,
		workerID:     uuid.NewString(),
		workers:      4,
		pollInterval: 5 * time.Second,
		metrics:      metrics.Nop{},
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.wake = make(chan struct{}, pool.workers)
	return pool
}

// Notify wakes idle workers after a task was queued. It never blocks.
func (p *Pool) Notify() {
	for i := 0; i < p.workers; i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run blocks until ctx is done. In-flight tasks observe ctx and are failed
// when it is cancelled mid-run.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i + 1
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.reportQueueDepth(ctx)
		return nil
	})
	g.Go(func() error {
		p.reapStale(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			claimed, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.Error("failed to claim import task", slog.Int("worker", worker), slog.Any("error", err))
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes the next queued task. It reports false when the
// queue was empty.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.tasks.ClaimNext(ctx, p.workerID, p.now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, err
	}
	if task == nil {
		return false, nil
	}
	p.execute(ctx, *task)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, task domain.ImportTask) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic while executing import task", slog.String("task_id", task.ID.String()), slog.Any("panic", rec))
			_, _ = p.executor.Fail(context.WithoutCancel(ctx), task, fmt.Errorf("panic: %v", rec))
		}
	}()
	_, _ = p.executor.Execute(ctx, task)
}

func (p *Pool) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		queued, err := p.tasks.ListByState(ctx, domain.TaskStateQueued)
		if err == nil {
			p.metrics.SetQueueDepth(len(queued))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reapStale fails tasks orphaned by workers in any process that stopped
// sending heartbeats. A task this pool owns is refreshed every batch.
func (p *Pool) reapStale(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reaped, err := p.executor.ReapStale(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			p.logger.Error("failed to reap stale import tasks", slog.Any("error", err))
		case reaped > 0:
			p.logger.Warn("failed stale import tasks", slog.Int("count", reaped))
		}
	}
}
