package sink

import (
	"context"
	"errors"
	"sync"
)

// ErrDraining is returned by SubmitWait once Drain has begun; no further
// submissions are accepted.
var ErrDraining = errors.New("dispatch queue draining, submission rejected")

// job is the unit of work dispatched to a worker.
type job[T any] struct {
	payload T
	result  chan<- jobResult[T]
}

type jobResult[T any] struct {
	payload T
	err     error
}

// workerPool is a fixed-size goroutine pool with a bounded input queue. The
// pool size caps concurrent outbound calls (store, cache, remediation APIs).
type workerPool[T, R any] struct {
	queue   chan job[T]
	process func(ctx context.Context, t T) (R, error)
	wg      sync.WaitGroup

	// mu orders submissions against Drain: a submission holds the read side
	// for the duration of its channel send, so the queue is never closed
	// with a send in flight.
	mu     sync.RWMutex
	closed bool
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T, R any](ctx context.Context, n, cap int, fn func(context.Context, T) (R, error)) *workerPool[T, R] {
	p := &workerPool[T, R]{
		queue:   make(chan job[T], cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T, R]) run(ctx context.Context) {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			_, err := p.process(ctx, j.payload)
			if j.result != nil {
				j.result <- jobResult[T]{payload: j.payload, err: err}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a job without blocking (returns false if full or draining).
func (p *workerPool[T, R]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- job[T]{payload: t}:
		return true
	default:
		return false
	}
}

// SubmitWait enqueues a job, blocking while the queue is full. Used by the
// socket listener so saturation becomes backpressure instead of silent drops.
// Returns ErrDraining once Drain has begun.
func (p *workerPool[T, R]) SubmitWait(ctx context.Context, t T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrDraining
	}
	select {
	case p.queue <- job[T]{payload: t}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting submissions, closes the queue and waits for all
// workers to finish. A submission already blocked in SubmitWait completes
// (a worker picks its job up) before the queue closes.
func (p *workerPool[T, R]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *workerPool[T, R]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T, R]) QueueCap() int {
	return cap(p.queue)
}
