// Package workerpool runs background tasks on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("worker pool is stopped")
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work. Key identifies it in logs.
type Task struct {
	Key string
	Fn  func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name        string
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration // zero leaves tasks unbounded
	Logger      *zap.Logger
}

// Pool executes submitted tasks on a bounded number of workers. Stop stops
// intake and lets the workers drain what is already queued.
type Pool struct {
	name        string
	workers     int
	taskTimeout time.Duration
	queue       chan Task
	logger      *zap.Logger

	// base is cancelled when a stop times out so stragglers can give up
	base   context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:        cfg.Name,
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		queue:       make(chan Task, cfg.QueueSize),
		logger:      cfg.Logger,
		base:        base,
		cancel:      cancel,
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}

	p.logger.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx := p.base
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.safeRun(ctx, task); err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.String("task", task.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(ctx)
}

// Submit queues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// SubmitWait queues a task, waiting for room until ctx is done
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Stop refuses new tasks and waits for queued ones to finish. When the
// timeout expires first, running tasks see their context cancelled.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool drained", zap.String("pool", p.name))
		return nil
	case <-time.After(timeout):
		p.cancel()
		p.logger.Warn("Worker pool stop timed out",
			zap.String("pool", p.name),
			zap.Int("queued", len(p.queue)))
		return fmt.Errorf("worker pool %s did not drain within %v", p.name, timeout)
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns the pool's counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
