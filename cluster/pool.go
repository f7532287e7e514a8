package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/izavyalov-dev/delta-report/internal/observability"
)

const defaultWorkers = 4

var (
	ErrPoolSaturated = errors.New("cluster worker pool saturated")
	ErrPoolClosed    = errors.New("cluster worker pool closed")
)

// Pool runs background tasks on a bounded number of goroutines. Submissions
// beyond the bound are rejected instead of queued.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = observability.NewLogger("cluster-pool")
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), logger: logger}
}

// Submit starts task on a free worker. Tasks get a context detached from the
// submitter so they outlive the request that started them.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if !p.sem.TryAcquire(1) {
		return ErrPoolSaturated
	}

	p.wg.Add(1)
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("cluster task panicked", "event", "cluster_task_panic", "error", fmt.Sprint(r))
			}
		}()
		task(taskCtx)
	}()
	return nil
}

// Close stops accepting tasks and waits for running ones until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
