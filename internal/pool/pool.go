// Package pool implements a bounded pool of expensive reusable objects and a registry of named pools.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/observability"
)

// Outcome classifies how an Acquire call ended.
type Outcome string

const (
	OutcomeAcquired Outcome = "acquired"
	OutcomeRejected Outcome = "rejected"
	OutcomeErrored  Outcome = "errored"
	OutcomeClosed   Outcome = "closed"
)

// AcquireObserver receives the wait time of every Acquire call.
type AcquireObserver interface {
	ObserveAcquire(pool string, wait time.Duration, outcome Outcome)
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	logger   observability.Logger
	observer AcquireObserver
}

// WithLogger routes lifecycle log lines to logger instead of the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAcquireObserver reports acquire latency to observer.
func WithAcquireObserver(observer AcquireObserver) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// Pool hands out at most MaxSize objects, creating them lazily and re-validating them on every
// acquire and release.
type Pool[T comparable] struct {
	name     string
	hooks    Hooks[T]
	logger   observability.Logger
	observer AcquireObserver

	// mu guards members and the creating reservation so growth never overshoots MaxSize.
	mu        sync.Mutex
	members   map[T]struct{}
	objects   atomic.Pointer[[]T]
	available *queue[T]
	leases    sync.Map
	counters  Counters
	closed    atomic.Bool
	debug     *debugState
}

// New constructs an empty pool. Objects are created on demand by Acquire.
func New[T comparable](name string, hooks Hooks[T], opts ...Option) (*Pool[T], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("pool name required"))
	}
	if err := hooks.validate(name); err != nil {
		return nil, err
	}
	cfg := options{logger: nil, observer: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = observability.Log()
	}
	p := &Pool[T]{
		name:      name,
		hooks:     hooks.withDefaults(name),
		logger:    cfg.logger,
		observer:  cfg.observer,
		members:   make(map[T]struct{}),
		available: newQueue[T](),
		debug:     newDebugState(name),
	}
	p.publish()
	return p, nil
}

// Name returns the pool identifier.
func (p *Pool[T]) Name() string { return p.name }

// Acquire returns an available object, growing the pool when below MaxSize and otherwise waiting
// up to timeout. When nothing becomes available the WhenNull hook supplies the result. Objects that
// fail Check are dropped and the wait continues with the remaining budget.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if p.closed.Load() {
		p.observe(start, OutcomeClosed)
		var zero T
		return zero, p.closedErr()
	}

	p.counters.waiting.Add(1)
	defer p.counters.waiting.Add(-1)

	deadline := start.Add(timeout)
	for {
		if err := p.ensure(ctx); err != nil {
			p.observe(start, OutcomeErrored)
			return p.hooks.WhenErrored(err)
		}

		obj, ok, err := p.available.poll(ctx, time.Until(deadline))
		switch {
		case errors.Is(err, errQueueClosed):
			p.observe(start, OutcomeClosed)
			var zero T
			return zero, p.closedErr()
		case err != nil:
			p.counters.rejected.Add(1)
			p.log("rejected", "")
			p.observe(start, OutcomeErrored)
			return p.hooks.WhenErrored(fmt.Errorf("pool %s: %w", p.name, err))
		case !ok:
			p.counters.rejected.Add(1)
			p.log("rejected", "")
			p.observe(start, OutcomeRejected)
			return p.hooks.WhenNull()
		}

		if !p.hooks.Check(obj) {
			p.Drop(obj)
			continue
		}

		if !p.lease(obj) {
			continue
		}
		id := p.hooks.Identify(obj)
		p.debug.recordAcquire(id)
		p.log("acquired", id)
		p.observe(start, OutcomeAcquired)
		return p.hooks.WhenAcquired(obj), nil
	}
}

// ensure creates one object when nothing is idle and the pool is below capacity.
func (p *Pool[T]) ensure(ctx context.Context) error {
	p.mu.Lock()
	belowMax := int(p.counters.creating.Load())+len(p.members) < p.hooks.MaxSize()
	if !belowMax || p.available.len() > 0 || p.closed.Load() {
		p.mu.Unlock()
		return nil
	}
	p.counters.creating.Add(1)
	p.mu.Unlock()

	obj, err := p.create(ctx)
	if err != nil {
		return err
	}
	if !p.requeue(obj) {
		p.Drop(obj)
		return nil
	}
	p.log("created", p.hooks.Identify(obj))
	return nil
}

// create builds one object against a reservation already counted in creating. The reservation is
// released on every exit, panics included.
func (p *Pool[T]) create(ctx context.Context) (obj T, err error) {
	joined := false
	defer func() {
		p.mu.Lock()
		if joined {
			p.members[obj] = struct{}{}
			p.publishLocked()
			p.counters.observePeak(int64(len(p.members)))
		}
		p.counters.creating.Add(-1)
		p.mu.Unlock()
	}()

	obj, err = p.hooks.Create(ctx)
	if err != nil {
		return obj, err
	}
	obj = p.hooks.WhenCreated(obj)
	joined = true
	return obj, nil
}

// Release returns an acquired object. Objects that fail Check, or whose WhenReleased hook fails,
// are dropped instead of reused. Releasing an object that is not currently leased is an error,
// except after Close, which has already dropped every leased object.
func (p *Pool[T]) Release(obj T) error {
	if _, ok := p.leases.LoadAndDelete(obj); !ok {
		if p.closed.Load() {
			return nil
		}
		return errs.New(p.name, errs.CodeInvalid,
			errs.WithMessage("release of object not leased from this pool"),
			errs.WithField("object", p.hooks.Identify(obj)),
		)
	}
	p.counters.reserved.Add(-1)
	id := p.hooks.Identify(obj)
	p.debug.recordRelease(id)

	if p.closed.Load() || !p.hooks.Check(obj) {
		p.Drop(obj)
		return nil
	}

	if _, err := p.hooks.WhenReleased(obj); err != nil {
		p.logger.Error("pool release hook failed",
			observability.Field{Key: "pool", Value: p.name},
			observability.Field{Key: "object", Value: id},
			observability.Field{Key: "error", Value: err.Error()},
		)
		p.Drop(obj)
		return nil
	}
	if !p.requeue(obj) {
		p.Drop(obj)
		return nil
	}
	p.log("released", id)
	return nil
}

// Drop removes obj from the pool and invokes WhenDropped. It reports false, without calling the
// hook, when obj is not a member.
func (p *Pool[T]) Drop(obj T) bool {
	p.mu.Lock()
	if _, ok := p.members[obj]; !ok {
		p.mu.Unlock()
		return false
	}
	p.available.remove(obj)
	delete(p.members, obj)
	p.publishLocked()
	p.mu.Unlock()

	id := p.hooks.Identify(obj)
	if _, leased := p.leases.LoadAndDelete(obj); leased {
		p.counters.reserved.Add(-1)
		p.debug.recordRelease(id)
	}
	p.hooks.WhenDropped(obj)
	p.log("dropped", id)
	return true
}

// Clean drops every object matching pred and returns how many were dropped.
func (p *Pool[T]) Clean(pred func(T) bool) int {
	if pred == nil {
		return 0
	}
	dropped := 0
	for _, obj := range p.snapshot() {
		if pred(obj) && p.Drop(obj) {
			dropped++
		}
	}
	return dropped
}

// Visit calls fn for a snapshot of all live objects, idle and leased.
func (p *Pool[T]) Visit(fn func(T)) {
	if fn == nil {
		return
	}
	for _, obj := range p.snapshot() {
		fn(obj)
	}
}

// Leased reports whether obj is currently handed out.
func (p *Pool[T]) Leased(obj T) bool {
	_, ok := p.leases.Load(obj)
	return ok
}

// Size is the number of live objects plus constructions in flight.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.counters.creating.Load()) + len(p.members)
}

// MaxSize is the current capacity reported by the MaxSize hook.
func (p *Pool[T]) MaxSize() int { return p.hooks.MaxSize() }

// PeakSize is the largest number of live objects observed.
func (p *Pool[T]) PeakSize() int { return int(p.counters.Peak()) }

// Available is the number of idle objects.
func (p *Pool[T]) Available() int { return p.available.len() }

// Counters returns a snapshot of the pool counters.
func (p *Pool[T]) Counters() CountersSnapshot { return p.counters.Snapshot() }

// Closed reports whether Close has been called.
func (p *Pool[T]) Closed() bool { return p.closed.Load() }

// Stats summarises the pool state.
func (p *Pool[T]) Stats() Stats {
	c := p.counters.Snapshot()
	return Stats{
		Name:     p.name,
		Max:      p.MaxSize(),
		Size:     p.Size(),
		Free:     p.Available(),
		Counters: c,
	}
}

// LeakedStacks returns the acquisition stacks of objects still leased. It is empty unless the
// binary was built with the debug tag.
func (p *Pool[T]) LeakedStacks() map[string]string {
	return p.debug.activeStacks()
}

// Close disposes the pool: waiters are woken with a closed error and every object, leased or idle,
// is dropped. Close is idempotent.
func (p *Pool[T]) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.available.close()
	for _, obj := range p.snapshot() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pool %s close: %w", p.name, err)
		}
		p.Drop(obj)
	}
	p.logger.Info("pool closed",
		observability.Field{Key: "pool", Value: p.name},
		observability.Field{Key: "peak", Value: p.counters.Peak()},
		observability.Field{Key: "rejected", Value: p.counters.Rejected()},
	)
	return nil
}

// lease marks obj as handed out unless a concurrent Drop already removed it.
func (p *Pool[T]) lease(obj T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[obj]; !ok {
		return false
	}
	p.leases.Store(obj, struct{}{})
	p.counters.reserved.Add(1)
	return true
}

// requeue makes obj idle again. It reports false when obj is no longer a member or the queue is
// closed; Drop is a no-op for the former.
func (p *Pool[T]) requeue(obj T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[obj]; !ok {
		return false
	}
	return p.available.push(obj)
}

func (p *Pool[T]) snapshot() []T {
	if s := p.objects.Load(); s != nil {
		return *s
	}
	return nil
}

func (p *Pool[T]) publish() {
	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
}

// publishLocked swaps in a fresh copy of the member list; readers keep iterating the old one.
func (p *Pool[T]) publishLocked() {
	objs := make([]T, 0, len(p.members))
	for obj := range p.members {
		objs = append(objs, obj)
	}
	p.objects.Store(&objs)
}

func (p *Pool[T]) closedErr() error {
	return errs.New(p.name, errs.CodeClosed, errs.WithMessage("pool closed"))
}

func (p *Pool[T]) observe(start time.Time, outcome Outcome) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveAcquire(p.name, time.Since(start), outcome)
}

func (p *Pool[T]) log(action, object string) {
	p.logger.Debug("pool "+action,
		observability.Field{Key: "pool", Value: p.name},
		observability.Field{Key: "action", Value: action},
		observability.Field{Key: "object", Value: object},
		observability.Field{Key: "max", Value: p.MaxSize()},
		observability.Field{Key: "size", Value: p.Size()},
		observability.Field{Key: "peak", Value: p.counters.Peak()},
		observability.Field{Key: "waiting", Value: p.counters.Waiting()},
		observability.Field{Key: "free", Value: p.Available()},
	)
}
