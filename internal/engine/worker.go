package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many workflow runs execute at once. The trigger
// surface submits each accepted event here so a webhook burst queues instead
// of spawning a goroutine per delivery. There is no intra-run parallelism:
// one slot is one full run.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewWorkerPool creates a pool running at most size runs concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit blocks until a slot frees up, then starts fn on its own goroutine.
// Waiting is cancellable through ctx. After Shutdown, Submit returns
// ErrPoolShutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have landed while we were waiting for the slot. wg.Add
	// must happen under the lock so Shutdown's wg.Wait sees it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted run has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for in-flight runs.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of pool activity.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
