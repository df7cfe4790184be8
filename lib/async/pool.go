// Package async provides a bounded worker pool for best-effort background work.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/observability"
)

const component = "lib/async"

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Stats counts task outcomes.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
}

// Pool is a bounded worker pool. Submit never blocks: a full queue rejects the task.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger

	mu     sync.RWMutex
	jobs   chan job
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth. Task failures and
// panics are logged to logger, or the global logger when nil.
func NewPool(workers, queue int, logger observability.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = observability.Log()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		jobs:   make(chan job, queue),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn. It fails with CodeUnavailable when the pool is closed or saturated.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for queued tasks to finish or ctx to expire. On expiry the
// context handed to still-running tasks is cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

// Stats returns task outcome counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	ctx, stop := context.WithCancel(j.ctx)
	defer stop()
	go func() {
		select {
		case <-p.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("async task panicked", observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Error("async task failed", observability.Field{Key: "error", Value: err.Error()})
	}
}
