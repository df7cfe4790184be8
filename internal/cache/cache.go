// Package cache memoises expensive per-key values, running at most one creation per key at a time.
package cache

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/nullmap"
	"github.com/coachpo/resourcepool/internal/observability"
)

// Hooks supplies the cache policy. Create and Check are required.
type Hooks[K comparable, V any] struct {
	Create func(ctx context.Context, key K) (V, error)
	// Check reports whether a cached value may be reused.
	Check func(value V) bool

	WhenCreated func(value V) V
	WhenReused  func(value V) V
	WhenDropped func(value V) V
	// WhenErrored maps a creation failure to the Ensure result.
	WhenErrored func(err error) (V, error)
	// WhenNull maps a nil value to the Ensure result.
	WhenNull func() (V, error)
	// IsNull reports whether a value counts as nil. It defaults to a nil check on
	// pointer, interface, map, slice, channel and func kinds.
	IsNull func(value V) bool
}

// Stats summarises cache activity.
type Stats struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Created int64  `json:"created"`
	Reused  int64  `json:"reused"`
	Dropped int64  `json:"dropped"`
	Errored int64  `json:"errored"`
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger observability.Logger
}

// WithLogger routes log lines to logger instead of the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Cache is a keyed single-flight cache.
type Cache[K comparable, V any] struct {
	name    string
	hooks   Hooks[K, V]
	logger  observability.Logger
	entries *nullmap.Map[K, V]

	flightMu sync.Mutex
	flights  map[K]*flight

	created atomic.Int64
	reused  atomic.Int64
	dropped atomic.Int64
	errored atomic.Int64
}

// New constructs an empty cache.
func New[K comparable, V any](name string, hooks Hooks[K, V], opts ...Option) (*Cache[K, V], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("cache name required"))
	}
	if hooks.Create == nil || hooks.Check == nil {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("Create and Check hooks are required"))
	}
	cfg := options{logger: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = observability.Log()
	}
	return &Cache[K, V]{
		name:    name,
		hooks:   withDefaults(name, hooks),
		logger:  cfg.logger,
		entries: nullmap.New[K, V](),
		flights: make(map[K]*flight),
	}, nil
}

func withDefaults[K comparable, V any](name string, h Hooks[K, V]) Hooks[K, V] {
	identity := func(v V) V { return v }
	if h.WhenCreated == nil {
		h.WhenCreated = identity
	}
	if h.WhenReused == nil {
		h.WhenReused = identity
	}
	if h.WhenDropped == nil {
		h.WhenDropped = identity
	}
	if h.WhenErrored == nil {
		h.WhenErrored = func(err error) (V, error) {
			var zero V
			return zero, errs.New(name, errs.CodeCreate, errs.WithMessage("cache create failed"), errs.WithCause(err))
		}
	}
	if h.WhenNull == nil {
		h.WhenNull = func() (V, error) {
			var zero V
			return zero, nil
		}
	}
	if h.IsNull == nil {
		h.IsNull = isNil[V]
	}
	return h
}

// Name returns the cache identifier.
func (c *Cache[K, V]) Name() string { return c.name }

// Get returns the cached value for key without creating one.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.entries.Get(key)
}

// Ensure returns a valid value for key. A cached value passing Check is reused, nil included; otherwise
// the stale value is dropped and Create runs while the key is locked, so concurrent callers for the
// same key wait for the single creation and then observe its result. When that creation fails, every
// caller already waiting on it receives the same failure and the key is left empty.
func (c *Cache[K, V]) Ensure(ctx context.Context, key K) (V, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := c.join(key)
	defer c.leave(key, f)

	var createErr error
	result := c.entries.Compute(key, func(key K, cur nullmap.Optional[V]) nullmap.Optional[V] {
		if err := c.failed(f); err != nil {
			createErr = err
			return cur
		}
		if v, ok := cur.Get(); ok {
			if c.hooks.Check(v) {
				c.reused.Add(1)
				return nullmap.Some(c.hooks.WhenReused(v))
			}
			c.drop(v)
		}
		v, err := c.hooks.Create(ctx, key)
		if err != nil {
			c.fail(key, f, err)
			createErr = err
			return nullmap.None[V]()
		}
		c.created.Add(1)
		return nullmap.Some(c.hooks.WhenCreated(v))
	})

	if createErr != nil {
		return c.hooks.WhenErrored(createErr)
	}
	v, ok := result.Get()
	if !ok || c.hooks.IsNull(v) {
		return c.hooks.WhenNull()
	}
	return v, nil
}

// flight groups the callers of Ensure that queued for a key before its creation settled.
type flight struct {
	refs int
	err  error
}

func (c *Cache[K, V]) join(key K) *flight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		f = &flight{}
		c.flights[key] = f
	}
	f.refs++
	return f
}

func (c *Cache[K, V]) leave(key K, f *flight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.refs--
	if f.refs == 0 && c.flights[key] == f {
		delete(c.flights, key)
	}
}

func (c *Cache[K, V]) failed(f *flight) error {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	return f.err
}

// fail records err for the callers of f and detaches f so later callers start a fresh creation.
func (c *Cache[K, V]) fail(key K, f *flight, err error) {
	c.flightMu.Lock()
	f.err = err
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.flightMu.Unlock()

	c.errored.Add(1)
	c.logger.Error("cache create failed",
		observability.Field{Key: "cache", Value: c.name},
		observability.Field{Key: "error", Value: err.Error()},
	)
}

// Drop removes key and returns the previous value, invoking WhenDropped when one was present.
func (c *Cache[K, V]) Drop(key K) (V, bool) {
	prev := c.entries.Remove(key)
	v, ok := prev.Get()
	if ok {
		c.drop(v)
	}
	return v, ok
}

// Size is the number of cached keys, nil values included.
func (c *Cache[K, V]) Size() int { return c.entries.Len() }

// Visit calls fn for a snapshot of the non-nil cached values.
func (c *Cache[K, V]) Visit(fn func(K, V)) {
	c.VisitMatching(nil, fn)
}

// VisitMatching calls fn for a snapshot of the non-nil cached values accepted by pred.
// A nil pred accepts everything.
func (c *Cache[K, V]) VisitMatching(pred func(V) bool, fn func(K, V)) {
	if fn == nil {
		return
	}
	c.entries.Range(func(k K, v V) bool {
		if c.hooks.IsNull(v) {
			return true
		}
		if pred == nil || pred(v) {
			fn(k, v)
		}
		return true
	})
}

// Clear forgets every entry without invoking WhenDropped.
func (c *Cache[K, V]) Clear() {
	c.entries.Clear()
}

// Stats returns activity counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Name:    c.name,
		Size:    c.Size(),
		Created: c.created.Load(),
		Reused:  c.reused.Load(),
		Dropped: c.dropped.Load(),
		Errored: c.errored.Load(),
	}
}

func (c *Cache[K, V]) drop(v V) {
	if c.hooks.IsNull(v) {
		return
	}
	c.dropped.Add(1)
	c.hooks.WhenDropped(v)
}

func isNil[V any](v V) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
