// Package workerpool provides a bounded worker pool with retries.
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

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("pool is shutting down")

// Task is a unit of work
type Task[T any] struct {
	ID      string
	Payload T
	// Done, when set, receives the final error of the task
	Done func(error)
}

// HandlerFunc processes one payload
type HandlerFunc[T any] func(ctx context.Context, payload T) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay is the base delay, multiplied by the attempt number
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for queued tasks
	ShutdownTimeout time.Duration
	// Retryable reports whether a failed attempt may be retried; nil retries all
	Retryable func(error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers
type Pool[T any] struct {
	config  Config
	handler HandlerFunc[T]
	logger  *zap.Logger

	tasks chan *Task[T]
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a new worker pool
func New[T any](cfg Config, handler HandlerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool[T]{
		config:  cfg,
		handler: handler,
		logger:  logger,
		tasks:   make(chan *Task[T], cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full until ctx is done
func (p *Pool[T]) Submit(ctx context.Context, task *Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Run submits a task and waits for its final result
func (p *Pool[T]) Run(ctx context.Context, id string, payload T) error {
	done := make(chan error, 1)
	task := &Task[T]{ID: id, Payload: payload, Done: func(err error) { done <- err }}
	if err := p.Submit(ctx, task); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued tasks and waits for the workers, up to the shutdown timeout
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped")
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
		}
		p.cancel()
	})
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		err := p.process(task)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		if task.Done != nil {
			task.Done(err)
		}
	}
}

func (p *Pool[T]) process(task *Task[T]) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.handler(p.ctx, task.Payload); err == nil {
			return nil
		}
		if attempt >= p.config.MaxRetries || (p.config.Retryable != nil && !p.config.Retryable(err)) {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	if p.config.MaxRetries > 0 {
		return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
	}
	return err
}

// Stats holds pool counters
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted:  atomic.LoadInt64(&p.submitted),
		Completed:  atomic.LoadInt64(&p.completed),
		Failed:     atomic.LoadInt64(&p.failed),
		Retried:    atomic.LoadInt64(&p.retried),
		QueueDepth: len(p.tasks),
		Workers:    p.config.Workers,
	}
}
