package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/observability"
)

var (
	// ErrPoolNotRegistered indicates the requested pool has not been registered.
	ErrPoolNotRegistered = errors.New("pool registry: pool not registered")
	// ErrRegistryClosed indicates the registry is shutting down and cannot accept pools.
	ErrRegistryClosed = errors.New("pool registry: shutdown in progress")
)

const defaultShutdownTimeout = 5 * time.Second

// Managed is the type-erased view of a pool held by a Registry.
type Managed interface {
	Name() string
	Stats() Stats
	Close(ctx context.Context) error
}

type leakReporter interface {
	LeakedStacks() map[string]string
}

// Registry tracks named pools and closes them together.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]Managed
	closed bool
	logger observability.Logger
}

// NewRegistry constructs an empty registry. A nil logger uses the global logger.
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.Log()
	}
	return &Registry{
		pools:  make(map[string]Managed),
		logger: logger,
	}
}

// Register adds p under its name.
func (r *Registry) Register(p Managed) error {
	if p == nil {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("nil pool"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	name := p.Name()
	if _, exists := r.pools[name]; exists {
		return errs.New(name, errs.CodeConflict, errs.WithMessage("pool already registered"))
	}
	r.pools[name] = p
	return nil
}

// Lookup returns the pool registered under name.
func (r *Registry) Lookup(name string) (Managed, error) {
	r.mu.RLock()
	p, ok := r.pools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotRegistered, name)
	}
	return p, nil
}

// Names lists registered pool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats returns a summary of every registered pool, sorted by name.
func (r *Registry) Stats() []Stats {
	pools := r.all()
	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown rejects further registrations and closes every pool concurrently. Without a deadline on
// ctx it allows five seconds. Objects still leased when a pool closes are logged with their
// acquisition stacks in debug builds.
func (r *Registry) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
	}
	if cancel != nil {
		defer cancel()
	}

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	pools := r.all()
	var (
		mu     sync.Mutex
		failed []error
	)
	workers := concpool.New().WithMaxGoroutines(max(1, len(pools)))
	for _, p := range pools {
		workers.Go(func() {
			r.logOutstanding(p)
			if err := p.Close(ctx); err != nil {
				mu.Lock()
				failed = append(failed, fmt.Errorf("pool %s: %w", p.Name(), err))
				mu.Unlock()
			}
		})
	}
	workers.Wait()
	return observability.AggregateErrors(r.logger, "pool registry shutdown", failed,
		observability.Field{Key: "pools", Value: len(pools)},
	)
}

func (r *Registry) all() []Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Managed, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

func (r *Registry) logOutstanding(p Managed) {
	stats := p.Stats()
	if stats.Counters.Reserved <= 0 {
		return
	}
	r.logger.Info("pool registry: closing pool with leased objects",
		observability.Field{Key: "pool", Value: stats.Name},
		observability.Field{Key: "reserved", Value: stats.Counters.Reserved},
	)
	reporter, ok := p.(leakReporter)
	if !ok {
		return
	}
	for id, stack := range reporter.LeakedStacks() {
		r.logger.Error("pool registry: leak candidate",
			observability.Field{Key: "pool", Value: stats.Name},
			observability.Field{Key: "object", Value: id},
			observability.Field{Key: "stack", Value: stack},
		)
	}
}

func fieldsFor(pool string, err error) []observability.Field {
	fields := []observability.Field{{Key: "pool", Value: pool}}
	if err != nil {
		fields = append(fields,
			observability.Field{Key: "error", Value: err.Error()},
			observability.Field{Key: "code", Value: string(errs.CodeOf(err))},
		)
	}
	return fields
}
