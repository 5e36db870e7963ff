package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/zonewatch/pkg/logger"
)

// ErrStopped is returned when submitting to a pool that has been stopped
var ErrStopped = errors.New("dispatch pool stopped")

// Job is a unit of collaborator work. The context is cancelled when the pool stops.
type Job func(ctx context.Context)

type task struct {
	name string
	fn   Job
}

// Stats are cumulative pool counters
type Stats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// Pool runs collaborator jobs on a fixed number of workers fed by a bounded
// queue, so remote calls never run on the ingestion goroutine and their
// concurrency stays bounded.
type Pool struct {
	workers int
	queue   chan task
	logger  *logger.Logger

	mu      sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	submitted atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewPool creates a pool with the given worker count and queue capacity
func NewPool(workers, queueSize int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		queue:   make(chan task, queueSize),
		stopCh:  make(chan struct{}),
		logger:  log.Named("dispatch"),
	}
}

// Start launches the workers. Jobs receive ctx, so cancelling it aborts in-flight remote calls.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting dispatch pool",
		logger.Int("workers", p.workers),
		logger.Int("queue_size", cap(p.queue)))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop stops accepting jobs, lets workers drain what is queued and waits for them
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Dispatch pool stopped",
		logger.Int64("completed", p.completed.Load()),
		logger.Int64("dropped", p.dropped.Load()))
}

// Submit enqueues a job without blocking. It reports false and drops the job
// when the queue is full or the pool is stopped.
func (p *Pool) Submit(name string, fn Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.queue <- task{name: name, fn: fn}:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("Dispatch queue full, dropping job", logger.String("job", name))
		return false
	}
}

// SubmitWait enqueues a job, blocking until there is room, ctx is done or the pool stops
func (p *Pool) SubmitWait(ctx context.Context, name string, fn Job) error {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()

	if stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task{name: name, fn: fn}:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrStopped
	}
}

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueSize: cap(p.queue),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case t := <-p.queue:
			p.run(ctx, t)
		case <-p.stopCh:
			// Drain whatever was accepted before Stop
			for {
				select {
				case t := <-p.queue:
					p.run(ctx, t)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, t task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Dispatch job panicked",
				logger.String("job", t.name),
				logger.Error(fmt.Errorf("%v", r)))
			return
		}
		p.completed.Add(1)
		p.logger.Debug("Dispatch job done",
			logger.String("job", t.name),
			logger.Duration("took", time.Since(start)))
	}()
	t.fn(ctx)
}

// Executor runs jobs somewhere other than the caller's goroutine
type Executor interface {
	Submit(name string, fn Job) bool
}

// Inline runs jobs synchronously on the caller's goroutine. Useful in tests
// and for collaborators that never block.
type Inline struct {
	Ctx context.Context
}

// Submit runs fn immediately
func (i Inline) Submit(_ string, fn Job) bool {
	ctx := i.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	fn(ctx)
	return true
}
