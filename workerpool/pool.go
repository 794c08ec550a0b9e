// Package workerpool runs submitted tasks on a fixed number of goroutines fed
// by a bounded queue. Sessions use it to execute request dispatch off their
// read loops.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/character-server/logger"
	"golang.org/x/sync/errgroup"
)

// ErrPoolStopped is returned by Submit once Stop has begun.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is a unit of work. Tasks must not block forever.
type Task func()

// Pool is a fixed-size worker pool. Tasks submitted before Stop are all run,
// each exactly once. A panicking task is logged and does not take its
// worker down.
type Pool struct {
	log   logger.Logger
	tasks chan Task
	quit  chan struct{}
	group errgroup.Group

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	queued  atomic.Int64
	running atomic.Int64
	panics  atomic.Uint64
}

// New starts a pool of workers goroutines with a queue of queueSize pending
// tasks.
//
// Parameters:
//   - workers: Number of goroutines; values below 1 are raised to 1
//   - queueSize: Pending task capacity; Submit blocks while it is full
//   - log: Logger for task panics; nil discards
//
// Returns:
//   - A running Pool
func New(workers, queueSize int, log logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	p := &Pool{
		log:   log,
		tasks: make(chan Task, queueSize),
		quit:  make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}

	return p
}

// Submit queues t for execution. It blocks while the queue is full.
//
// Returns:
//   - nil once t is queued
//   - ErrPoolStopped if Stop has begun
//   - ctx.Err() if ctx ends first
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	// Count before the send so a worker never observes the task before the
	// queue length includes it.
	p.queued.Add(1)
	select {
	case p.tasks <- t:
		return nil
	case <-p.quit:
		p.queued.Add(-1)
		return ErrPoolStopped
	case <-ctx.Done():
		p.queued.Add(-1)
		return ctx.Err()
	}
}

// Stop refuses new tasks, lets the workers finish everything already queued
// and waits for them until ctx ends. Safe to call more than once; later calls
// only wait.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.quit)

		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool: %d tasks still running: %w", p.Running()+p.Queued(), ctx.Err())
	}
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return int(p.queued.Load())
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Panics returns how many tasks have panicked since the pool started.
func (p *Pool) Panics() uint64 {
	return p.panics.Load()
}

func (p *Pool) work() error {
	for t := range p.tasks {
		p.queued.Add(-1)
		p.run(t)
	}
	return nil
}

func (p *Pool) run(t Task) {
	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("worker task panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	t()
}
