package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/lib/async"
)

type fakeConn struct {
	mu        sync.Mutex
	resets    int
	readonly  []bool
	resetErr  error
	closed    atomic.Bool
	closeSeen chan struct{}
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}

func (c *fakeConn) SetReadOnly(_ context.Context, readonly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readonly = append(c.readonly, readonly)
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	if c.closed.CompareAndSwap(false, true) && c.closeSeen != nil {
		close(c.closeSeen)
	}
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

type fakeConnector struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	attempts atomic.Int64
}

func (f *fakeConnector) Driver() string { return "fake" }

func (f *fakeConnector) Connect(context.Context) (Conn, error) {
	f.attempts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{closeSeen: make(chan struct{})}
	f.conns = append(f.conns, c)
	return c, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, connector Connector, mutate func(*Options)) *Pool {
	t.Helper()
	opts := Options{
		Name:           "primary",
		Connector:      connector,
		MaxSize:        2,
		AcquireTimeout: 50 * time.Millisecond,
		RetryInterval:  time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewPool(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestNewPoolValidatesOptions(t *testing.T) {
	_, err := NewPool(Options{Name: "primary", MaxSize: 1})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = NewPool(Options{Name: "primary", Connector: &fakeConnector{}})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestAcquireMarksSessionReservedAndReleaseResets(t *testing.T) {
	connector := &fakeConnector{}
	p := newTestPool(t, connector, nil)

	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.True(t, s.Reserved())
	require.Equal(t, "fake", s.Driver)
	require.NotEmpty(t, s.ID)
	require.False(t, p.LastAccess().IsZero())

	require.NoError(t, p.Release(s))
	require.False(t, s.Reserved())
	require.Equal(t, 1, connector.conns[0].resets)

	again, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.NoError(t, p.Release(again))
}

func TestReadonlyIsAppliedAndRestored(t *testing.T) {
	connector := &fakeConnector{}
	p := newTestPool(t, connector, nil)

	s, err := p.Acquire(context.Background(), true)
	require.NoError(t, err)
	require.True(t, s.Readonly())
	require.NoError(t, p.Release(s))
	require.False(t, s.Readonly())
	require.Equal(t, []bool{true, false}, connector.conns[0].readonly)
}

func TestBusyPoolReturnsExhausted(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, func(o *Options) { o.MaxSize = 1 })

	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), false)
	require.True(t, errs.IsCode(err, errs.CodeExhausted))
	require.Contains(t, err.Error(), "busy connection pool")
	require.Equal(t, int64(1), p.Stats().Counters.Rejected)
	require.NoError(t, p.Release(s))
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	connector := &fakeConnector{failures: 2}
	p := newTestPool(t, connector, func(o *Options) { o.ConnectRetries = 3 })

	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int64(3), connector.attempts.Load())
	require.NoError(t, p.Release(s))
}

func TestConnectFailureSurfacesAsNetworkError(t *testing.T) {
	connector := &fakeConnector{failures: 5}
	p := newTestPool(t, connector, func(o *Options) { o.ConnectRetries = 2 })

	_, err := p.Acquire(context.Background(), false)
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
	require.Equal(t, int64(2), connector.attempts.Load())
	require.Equal(t, 0, p.Stats().Size)
}

func TestFailedResetDropsSession(t *testing.T) {
	connector := &fakeConnector{}
	p := newTestPool(t, connector, nil)

	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	connector.conns[0].resetErr = errors.New("rollback failed")

	require.NoError(t, p.Release(s))
	require.True(t, connector.conns[0].IsClosed())
	require.Equal(t, 0, p.Stats().Size)
}

func TestExpiredSessionIsReplaced(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	connector := &fakeConnector{}
	p := newTestPool(t, connector, func(o *Options) {
		o.MaxLifetime = time.Minute
		o.Now = clock.Now
	})

	first, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, p.Release(first))

	clock.Advance(2 * time.Minute)
	second, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.True(t, connector.conns[0].IsClosed())
	require.NoError(t, p.Release(second))
}

func TestCleanIdleDropsOnlyIdleUnreservedSessions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newTestPool(t, &fakeConnector{}, func(o *Options) {
		o.IdleTimeout = time.Minute
		o.Now = clock.Now
	})

	idle, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, p.Release(idle))

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, p.CleanIdle())
	require.Equal(t, 1, p.Stats().Size)
	require.True(t, busy.Reserved())
	require.NoError(t, p.Release(busy))
}

func TestJanitorRunsCleanIdle(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, func(o *Options) {
		o.IdleTimeout = time.Millisecond
		o.JanitorInterval = 5 * time.Millisecond
	})

	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))

	p.Start()
	require.Eventually(t, func() bool { return p.Stats().Size == 0 }, time.Second, 5*time.Millisecond)
}

func TestSetMaxSizeShrinksIdleSessions(t *testing.T) {
	p := newTestPool(t, &fakeConnector{}, func(o *Options) { o.MaxSize = 3 })

	var leased []*Session
	for i := 0; i < 3; i++ {
		s, err := p.Acquire(context.Background(), false)
		require.NoError(t, err)
		leased = append(leased, s)
	}
	require.NoError(t, p.Release(leased[0]))
	require.NoError(t, p.Release(leased[1]))

	require.NoError(t, p.SetMaxSize(1))
	require.Equal(t, 1, p.MaxSize())
	require.Equal(t, 1, p.Stats().Size)
	require.NoError(t, p.Release(leased[2]))

	require.True(t, errs.IsCode(p.SetMaxSize(0), errs.CodeInvalid))
}

func TestDroppedSessionsCloseThroughAsyncPool(t *testing.T) {
	closer, err := async.NewPool(1, 4, nil)
	require.NoError(t, err)
	connector := &fakeConnector{}
	p := newTestPool(t, connector, func(o *Options) { o.Closer = closer })

	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, closer.Shutdown(context.Background()))

	select {
	case <-connector.conns[0].closeSeen:
	case <-time.After(time.Second):
		t.Fatal("session was not closed")
	}
	require.Equal(t, int64(1), closer.Stats().Submitted)
}

func TestManagerBuildsRegisteredPools(t *testing.T) {
	cfg := config.Default().Sessions
	cfg.Pools = map[string]config.PoolConfig{
		"primary": {Driver: config.DriverPostgres, DSN: "unused", MaxSize: 2, AcquireTimeout: 50 * time.Millisecond},
		"cache":   {Driver: config.DriverRedis, DSN: "unused", MaxSize: 1, AcquireTimeout: 50 * time.Millisecond},
	}
	connectors := map[string]*fakeConnector{}
	m, err := NewManager(context.Background(), cfg, WithConnectorFactory(
		func(_ context.Context, name string, _ config.PoolConfig) (Connector, error) {
			c := &fakeConnector{}
			connectors[name] = c
			return c, nil
		}))
	require.NoError(t, err)
	m.Start()

	require.Equal(t, []string{"cache", "primary"}, m.Names())
	p, err := m.Pool("primary")
	require.NoError(t, err)
	s, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))

	stats := m.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "primary", stats[1].Name)
	require.Equal(t, 1, stats[1].Size)

	_, err = m.Pool("missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	require.NoError(t, m.Shutdown(context.Background()))
	require.True(t, connectors["primary"].conns[0].IsClosed())
}

func TestManagerRejectsBrokenConnector(t *testing.T) {
	cfg := config.Default().Sessions
	cfg.Pools = map[string]config.PoolConfig{
		"primary": {Driver: config.DriverPostgres, DSN: "x", MaxSize: 1},
	}
	_, err := NewManager(context.Background(), cfg, WithConnectorFactory(
		func(context.Context, string, config.PoolConfig) (Connector, error) {
			return nil, errors.New("no route")
		}))
	require.ErrorContains(t, err, "session pool primary")
}
