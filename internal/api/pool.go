package api

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy signals that the task queue is full.
var ErrBusy = errors.New("task queue full")

type job func(ctx context.Context)

// Pool runs accepted crawl tasks on a bounded set of workers. Submission
// never blocks: a full queue is reported to the caller so the HTTP layer
// can push back instead of stalling.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given concurrency and queue size.
func NewPool(parent context.Context, concurrency, queueSize int) (*Pool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("task pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *Pool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.ctx.Done():
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					job(p.ctx)
				}
			}
		}()
	}
}

// Queued reports the number of accepted jobs not yet picked up by a worker.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// TrySubmit queues a job without blocking.
func (p *Pool) TrySubmit(fn job) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.jobs <- fn:
		return nil
	default:
		return ErrBusy
	}
}

// Close drains the queue and stops all workers.
func (p *Pool) Close() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}
