package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/resourcepool/errs"
)

type driver struct {
	key   string
	gen   int64
	stale atomic.Bool
}

type recorder struct {
	creates  atomic.Int64
	inflight atomic.Int64
	overlap  atomic.Bool
	delay    time.Duration

	mu      sync.Mutex
	dropped []*driver
	fail    error
	nilFor  string
}

func (r *recorder) hooks() Hooks[string, *driver] {
	return Hooks[string, *driver]{
		Create: func(_ context.Context, key string) (*driver, error) {
			if r.inflight.Add(1) > 1 {
				r.overlap.Store(true)
			}
			defer r.inflight.Add(-1)
			time.Sleep(r.delay)
			r.mu.Lock()
			fail, nilFor := r.fail, r.nilFor
			r.mu.Unlock()
			if fail != nil {
				return nil, fail
			}
			if key == nilFor {
				return nil, nil
			}
			return &driver{key: key, gen: r.creates.Add(1)}, nil
		},
		Check: func(d *driver) bool { return d == nil || !d.stale.Load() },
		WhenDropped: func(d *driver) *driver {
			r.mu.Lock()
			r.dropped = append(r.dropped, d)
			r.mu.Unlock()
			return d
		},
	}
}

func newTestCache(t *testing.T, r *recorder) *Cache[string, *driver] {
	t.Helper()
	c, err := New("drivers", r.hooks())
	require.NoError(t, err)
	return c
}

func TestNewRequiresHooks(t *testing.T) {
	_, err := New("drivers", Hooks[string, int]{})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = New("", (&recorder{}).hooks())
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestEnsureCreatesOncePerKeyUnderContention(t *testing.T) {
	r := &recorder{delay: 20 * time.Millisecond}
	c := newTestCache(t, r)

	results := make([]*driver, 64)
	var wg conc.WaitGroup
	for i := range results {
		wg.Go(func() {
			d, err := c.Ensure(context.Background(), "postgres://primary")
			if err == nil {
				results[i] = d
			}
		})
	}
	wg.Wait()

	require.Equal(t, int64(1), r.creates.Load())
	require.False(t, r.overlap.Load())
	for _, d := range results {
		require.Same(t, results[0], d)
	}
	stats := c.Stats()
	require.Equal(t, int64(1), stats.Created)
	require.Equal(t, int64(63), stats.Reused)
	require.Equal(t, 1, stats.Size)
}

func TestEnsureOnDistinctKeysCreatesEach(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, r)

	a, err := c.Ensure(context.Background(), "a")
	require.NoError(t, err)
	b, err := c.Ensure(context.Background(), "b")
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, c.Size())
}

func TestInvalidValueIsReplaced(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, r)

	first, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	first.stale.Store(true)

	second, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int64(2), second.gen)

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Same(t, second, got)

	r.mu.Lock()
	require.Equal(t, []*driver{first}, r.dropped)
	r.mu.Unlock()
}

func TestCreateFailureLeavesKeyAbsent(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, r)

	first, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	first.stale.Store(true)

	boom := errors.New("parse failed")
	r.fail = boom

	d, err := c.Ensure(context.Background(), "k")
	require.Nil(t, d)
	require.ErrorIs(t, err, boom)
	require.True(t, errs.IsCode(err, errs.CodeCreate))

	_, ok := c.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, c.Size())
	require.Equal(t, int64(1), c.Stats().Errored)
	require.Equal(t, int64(1), c.Stats().Dropped)
}

func TestConcurrentCallersShareCreateFailure(t *testing.T) {
	boom := errors.New("dial refused")
	gate := make(chan struct{})
	var attempts atomic.Int64
	c, err := New("drivers", Hooks[string, *driver]{
		Create: func(_ context.Context, key string) (*driver, error) {
			if attempts.Add(1) == 1 {
				<-gate
				return nil, boom
			}
			return &driver{key: key}, nil
		},
		Check: func(d *driver) bool { return d != nil },
	})
	require.NoError(t, err)

	const callers = 8
	errCh := make(chan error, callers)
	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Go(func() {
			_, err := c.Ensure(context.Background(), "k")
			errCh <- err
		})
	}
	queued := func() int {
		c.flightMu.Lock()
		defer c.flightMu.Unlock()
		if f := c.flights["k"]; f != nil {
			return f.refs
		}
		return 0
	}
	require.Eventually(t, func() bool { return queued() == callers }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	close(errCh)

	require.Equal(t, int64(1), attempts.Load())
	for err := range errCh {
		require.ErrorIs(t, err, boom)
		require.True(t, errs.IsCode(err, errs.CodeCreate))
	}
	require.Equal(t, int64(1), c.Stats().Errored)
	require.Equal(t, 0, c.Size())

	d, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, int64(2), attempts.Load())
}

func TestCustomErrorHook(t *testing.T) {
	r := &recorder{fail: errors.New("boom")}
	hooks := r.hooks()
	fallback := &driver{key: "fallback"}
	hooks.WhenErrored = func(error) (*driver, error) { return fallback, nil }
	c, err := New("drivers", hooks)
	require.NoError(t, err)

	d, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	require.Same(t, fallback, d)
}

func TestNilValueRoutesToWhenNull(t *testing.T) {
	r := &recorder{nilFor: "empty"}
	hooks := r.hooks()
	var nulls atomic.Int64
	hooks.WhenNull = func() (*driver, error) {
		nulls.Add(1)
		return nil, errs.New("drivers", errs.CodeNotFound)
	}
	c, err := New("drivers", hooks)
	require.NoError(t, err)

	d, err := c.Ensure(context.Background(), "empty")
	require.Nil(t, d)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	require.Equal(t, int64(1), nulls.Load())

	v, ok := c.Get("empty")
	require.True(t, ok)
	require.Nil(t, v)
	require.Equal(t, 1, c.Size())

	visited := 0
	c.Visit(func(string, *driver) { visited++ })
	require.Equal(t, 0, visited)
}

func TestCachedNilIsReused(t *testing.T) {
	r := &recorder{nilFor: "empty"}
	hooks := r.hooks()
	var attempts atomic.Int64
	create := hooks.Create
	hooks.Create = func(ctx context.Context, key string) (*driver, error) {
		attempts.Add(1)
		return create(ctx, key)
	}
	c, err := New("drivers", hooks)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := c.Ensure(context.Background(), "empty")
		require.NoError(t, err)
		require.Nil(t, d)
	}
	require.Equal(t, int64(1), attempts.Load())
	require.Equal(t, int64(1), c.Stats().Reused)
	require.Equal(t, 1, c.Size())
}

func TestDropIsIdempotent(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, r)

	d, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)

	prev, ok := c.Drop("k")
	require.True(t, ok)
	require.Same(t, d, prev)

	_, ok = c.Drop("k")
	require.False(t, ok)

	r.mu.Lock()
	require.Len(t, r.dropped, 1)
	r.mu.Unlock()
}

func TestEnsureAfterDropCreatesFreshValue(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, r)

	first, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	_, ok := c.Drop("k")
	require.True(t, ok)

	second, err := c.Ensure(context.Background(), "k")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int64(2), r.creates.Load())

	r.mu.Lock()
	require.Equal(t, []*driver{first}, r.dropped)
	r.mu.Unlock()
	require.Equal(t, int64(0), c.Stats().Reused)
}

func TestVisitMatchingAndClear(t *testing.T) {
	r := &recorder{}
	c := newTestCache(t, r)
	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Ensure(context.Background(), k)
		require.NoError(t, err)
	}
	b, _ := c.Get("b")
	b.stale.Store(true)

	var stale []string
	c.VisitMatching(func(d *driver) bool { return d.stale.Load() }, func(k string, _ *driver) {
		stale = append(stale, k)
	})
	require.Equal(t, []string{"b"}, stale)

	c.Clear()
	require.Equal(t, 0, c.Size())
	r.mu.Lock()
	require.Empty(t, r.dropped)
	r.mu.Unlock()
}

func TestIsNilDefault(t *testing.T) {
	require.True(t, isNil[*driver](nil))
	require.True(t, isNil[error](nil))
	require.True(t, isNil[[]int](nil))
	require.False(t, isNil(0))
	require.False(t, isNil(""))
	require.False(t, isNil(&driver{}))
}
