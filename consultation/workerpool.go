// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"fmt"
	"sync"

	"learnwork/shared/logger"
)

// WorkerPool runs functions on a fixed set of goroutines fed by a bounded
// queue. The service uses one pool for blocking repository and cache calls
// (Do: submit, await, resume) and another as the scheduler for single-shot
// dispatch (Submit: fire and forget).
type WorkerPool struct {
	name    string
	queue   chan poolTask
	workers int
	wg      sync.WaitGroup
	log     *logger.Logger

	mu     sync.RWMutex
	closed bool

	onDepth func(pool string, depth int)
}

type poolTask struct {
	ctx context.Context
	fn  func(context.Context)
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize.
func NewWorkerPool(name string, workers, queueSize int, log *logger.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logger.New("workerpool")
	}

	p := &WorkerPool{
		name:    name,
		queue:   make(chan poolTask, queueSize),
		workers: workers,
		log:     log,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Info(0, 0, "worker pool started", map[string]interface{}{
		"pool":    name,
		"workers": workers,
		"queue":   queueSize,
	})
	return p
}

// OnDepth installs a hook receiving the queue depth after every enqueue and dequeue.
func (p *WorkerPool) OnDepth(fn func(pool string, depth int)) {
	p.onDepth = fn
}

func (p *WorkerPool) reportDepth() {
	if p.onDepth != nil {
		p.onDepth(p.name, len(p.queue))
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		p.reportDepth()
		p.run(id, t)
	}
}

func (p *WorkerPool) run(id int, t poolTask) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(0, 0, "worker task panicked", map[string]interface{}{
				"pool":   p.name,
				"worker": id,
				"panic":  fmt.Sprint(r),
			})
		}
	}()
	t.fn(t.ctx)
}

// Submit queues fn without waiting for it. It fails with ErrPoolFull rather
// than block when the queue is at capacity.
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- poolTask{ctx: ctx, fn: fn}:
		p.reportDepth()
		return nil
	default:
		return ErrPoolFull
	}
}

// Do queues fn, waiting for queue space if needed, and blocks until fn has
// run or ctx is done. A ctx expiry after fn started does not stop fn.
func (p *WorkerPool) Do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	task := poolTask{ctx: ctx, fn: func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s pool task panicked: %v", p.name, r)
			}
		}()
		done <- fn(ctx)
	}}

	if err := p.enqueue(ctx, task); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, t poolTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- t:
		p.reportDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on pool via Do and returns its result.
func Call[T any](ctx context.Context, pool *WorkerPool, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := pool.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// QueueDepth returns the number of queued, not yet started tasks.
func (p *WorkerPool) QueueDepth() int {
	return len(p.queue)
}

// Shutdown stops accepting work and waits for queued tasks to finish or ctx
// to expire.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.log.Info(0, 0, "shutting down worker pool", map[string]interface{}{
		"pool":    p.name,
		"pending": len(p.queue),
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s pool shutdown: %w", p.name, ctx.Err())
	}
}
