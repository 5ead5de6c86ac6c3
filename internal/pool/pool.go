package pool

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("pool closed")

// Pool runs submitted tasks on a fixed set of worker goroutines, bounding
// how many tasks are in flight at once. Tasks are started in submission
// order as workers free up; one task failing (panicking aside) never
// affects its siblings because each task carries its own completion path.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool with the given concurrency limit and starts its
// workers. Limits below 1 are clamped to 1.
func New(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		task()
	}
}

// Submit enqueues a task for execution. It returns ErrClosed after Close,
// and the context's error if ctx is already done. The task itself is
// responsible for honoring ctx once it runs.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Clear drops every task that has not started yet. Running tasks are
// unaffected. It returns how many tasks were dropped.
func (p *Pool) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	p.queue = nil
	return n
}

// Close stops accepting work and, after the remaining queued tasks have
// run, stops the workers. Call Clear first to drop pending work instead
// of draining it.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// Pending reports how many submitted tasks have not started yet.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
