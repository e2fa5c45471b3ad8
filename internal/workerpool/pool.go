// Package workerpool runs update transfers on a bounded set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/selfupdate/internal/logging"
)

var log = logging.L("workerpool")

// ErrStopped is returned by SubmitWait once the pool no longer accepts work.
var ErrStopped = errors.New("workerpool: stopped")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	running   atomic.Int32
	closeOnce sync.Once
	onPanic   func(any)

	// submitMu orders submissions against closing the queue.
	submitMu sync.RWMutex
	closed   bool
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{queue: make(chan Task, queueSize)}
	p.accepting.Store(true)
	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}
	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// OnPanic installs a hook called with the recovered value when a task
// panics. Set it before submitting work.
func (p *Pool) OnPanic(fn func(any)) { p.onPanic = fn }

// Submit enqueues a task without blocking. Returns false if the pool is
// stopped or the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed || !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// SubmitWait enqueues a task, blocking while the queue is full.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed || !p.accepting.Load() {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Wait blocks until every submitted task has finished. The pool keeps
// accepting work.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain stops accepting, waits for queued and in-flight tasks until ctx
// ends, then closes the queue so workers exit. It reports whether all
// tasks finished.
func (p *Pool) Drain(ctx context.Context) bool {
	p.StopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	finished := true
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "running", p.Running())
		finished = false
	}

	p.closeOnce.Do(func() {
		p.submitMu.Lock()
		p.closed = true
		close(p.queue)
		p.submitMu.Unlock()
	})
	return finished
}

// Shutdown is Drain for callers that do not care about the result.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	p.running.Add(1)
	defer p.wg.Done()
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
	}()
	task()
}
