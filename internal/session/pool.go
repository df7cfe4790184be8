package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/observability"
	"github.com/coachpo/resourcepool/internal/pool"
	"github.com/coachpo/resourcepool/lib/async"
)

const (
	defaultAcquireTimeout = 30 * time.Second
	defaultRetryInterval  = 100 * time.Millisecond
	maxRetryInterval      = 2 * time.Second
	resetTimeout          = 5 * time.Second
	closeTimeout          = 5 * time.Second
)

// Options configures a session Pool.
type Options struct {
	Name      string
	Connector Connector
	MaxSize   int

	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	JanitorInterval time.Duration

	// ConnectRetries bounds connect attempts per created session.
	ConnectRetries int
	RetryInterval  time.Duration
	// Limiter throttles connects. Nil means unlimited.
	Limiter *rate.Limiter
	// Closer disposes dropped sessions off the caller's goroutine. Nil closes synchronously.
	Closer *async.Pool

	Logger   observability.Logger
	Observer pool.AcquireObserver
	Now      func() time.Time
}

// Pool hands out sessions for one backend.
type Pool struct {
	opts    Options
	objects *pool.Pool[*Session]
	logger  observability.Logger

	maxSize    atomic.Int64
	lastAccess atomic.Int64
	connected  atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewPool validates opts and builds an empty session pool.
func NewPool(opts Options) (*Pool, error) {
	if opts.Connector == nil {
		return nil, errs.New(opts.Name, errs.CodeInvalid, errs.WithMessage("connector required"))
	}
	if opts.MaxSize <= 0 {
		return nil, errs.New(opts.Name, errs.CodeInvalid, errs.WithMessage("maxSize must be >0"))
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.Log()
	}

	p := &Pool{
		opts:   opts,
		logger: opts.Logger,
		stop:   make(chan struct{}),
	}
	p.maxSize.Store(int64(opts.MaxSize))

	objects, err := pool.New(opts.Name, pool.Hooks[*Session]{
		Create:       p.create,
		Check:        p.check,
		MaxSize:      func() int { return int(p.maxSize.Load()) },
		WhenAcquired: p.whenAcquired,
		WhenReleased: p.whenReleased,
		WhenDropped:  p.whenDropped,
		WhenErrored: func(err error) (*Session, error) {
			return nil, errs.New(opts.Name, errs.CodeNetwork,
				errs.WithMessage("session connect failed"),
				errs.WithField("driver", opts.Connector.Driver()),
				errs.WithCause(err),
			)
		},
		WhenNull: func() (*Session, error) {
			return nil, errs.New(opts.Name, errs.CodeExhausted,
				errs.WithMessage("busy connection pool"),
				errs.WithRemediation("raise maxSize or acquireTimeout"),
			)
		},
		Identify: func(s *Session) string { return s.ID },
	}, pool.WithLogger(opts.Logger), pool.WithAcquireObserver(opts.Observer))
	if err != nil {
		return nil, err
	}
	p.objects = objects
	return p, nil
}

// Name returns the pool identifier.
func (p *Pool) Name() string { return p.opts.Name }

// Acquire hands out a session, waiting up to the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context, readonly bool) (*Session, error) {
	s, err := p.objects.Acquire(ctx, p.opts.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	if readonly {
		if err := s.conn.SetReadOnly(ctx, true); err != nil {
			p.objects.Drop(s)
			return nil, errs.New(p.opts.Name, errs.CodeNetwork, errs.WithMessage("set read only"), errs.WithCause(err))
		}
		s.readonly.Store(true)
	}
	return s, nil
}

// Release returns s to the pool.
func (p *Pool) Release(s *Session) error {
	if s == nil {
		return errs.New(p.opts.Name, errs.CodeInvalid, errs.WithMessage("nil session"))
	}
	return p.objects.Release(s)
}

// SetMaxSize changes the capacity. Idle sessions beyond the new capacity are dropped.
func (p *Pool) SetMaxSize(n int) error {
	if n <= 0 {
		return errs.New(p.opts.Name, errs.CodeInvalid, errs.WithMessage("maxSize must be >0"))
	}
	p.maxSize.Store(int64(n))
	excess := p.objects.Size() - n
	if excess <= 0 {
		return nil
	}
	p.objects.Clean(func(s *Session) bool {
		if excess <= 0 || s.Reserved() {
			return false
		}
		excess--
		return true
	})
	return nil
}

// MaxSize returns the current capacity.
func (p *Pool) MaxSize() int { return int(p.maxSize.Load()) }

// LastAccess is the last time any session of this pool was acquired or released.
func (p *Pool) LastAccess() time.Time { return time.Unix(0, p.lastAccess.Load()) }

// CleanIdle drops idle sessions past the idle timeout and sessions past their max lifetime that
// are not in use.
func (p *Pool) CleanIdle() int {
	now := p.opts.Now()
	dropped := p.objects.Clean(func(s *Session) bool {
		return s.idle(now, p.opts.IdleTimeout) || (!s.Reserved() && s.expired(now, p.opts.MaxLifetime))
	})
	if dropped > 0 {
		p.logger.Debug("idle sessions dropped",
			observability.Field{Key: "pool", Value: p.opts.Name},
			observability.Field{Key: "dropped", Value: dropped},
		)
	}
	return dropped
}

// Start launches the idle janitor. It is a no-op without a janitor interval.
func (p *Pool) Start() {
	if p.opts.JanitorInterval <= 0 {
		return
	}
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.janitor()
	})
}

func (p *Pool) janitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.CleanIdle()
		}
	}
}

// Stats summarises the underlying pool.
func (p *Pool) Stats() pool.Stats { return p.objects.Stats() }

// LeakedStacks reports acquisition stacks of sessions still leased in debug builds.
func (p *Pool) LeakedStacks() map[string]string { return p.objects.LeakedStacks() }

// Visit calls fn for every live session.
func (p *Pool) Visit(fn func(*Session)) { p.objects.Visit(fn) }

// Close stops the janitor and closes every session.
func (p *Pool) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return p.objects.Close(ctx)
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.opts.RetryInterval
	policy.MaxInterval = maxRetryInterval

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		attempt++
		conn, err := p.opts.Connector.Connect(ctx)
		if err != nil {
			p.logger.Error("session connect attempt failed",
				observability.Field{Key: "pool", Value: p.opts.Name},
				observability.Field{Key: "attempt", Value: attempt},
				observability.Field{Key: "error", Value: err.Error()},
			)
			if errs.IsCode(err, errs.CodeInvalid) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(p.opts.ConnectRetries)))
	if err != nil {
		return nil, err
	}

	s := newSession(p.opts.Connector.Driver(), conn, p.opts.Now())
	if p.connected.CompareAndSwap(false, true) {
		p.logger.Info("session pool connected",
			observability.Field{Key: "pool", Value: p.opts.Name},
			observability.Field{Key: "driver", Value: s.Driver},
		)
	}
	return s, nil
}

func (p *Pool) check(s *Session) bool {
	return s != nil && !s.conn.IsClosed() && !s.expired(p.opts.Now(), p.opts.MaxLifetime)
}

func (p *Pool) whenAcquired(s *Session) *Session {
	now := p.opts.Now()
	s.reserved.Store(true)
	s.touch(now)
	p.lastAccess.Store(now.UnixNano())
	return s
}

func (p *Pool) whenReleased(s *Session) (*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := s.conn.Reset(ctx); err != nil {
		return nil, err
	}
	if s.readonly.Load() {
		if err := s.conn.SetReadOnly(ctx, false); err != nil {
			return nil, err
		}
		s.readonly.Store(false)
	}
	now := p.opts.Now()
	s.reserved.Store(false)
	s.touch(now)
	p.lastAccess.Store(now.UnixNano())
	return s, nil
}

func (p *Pool) whenDropped(s *Session) *Session {
	s.reserved.Store(false)
	closeConn := func(ctx context.Context) error { return s.conn.Close(ctx) }
	if p.opts.Closer != nil {
		if err := p.opts.Closer.Submit(context.Background(), closeConn); err == nil {
			return s
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := closeConn(ctx); err != nil {
		p.logger.Error("session close failed",
			observability.Field{Key: "pool", Value: p.opts.Name},
			observability.Field{Key: "session", Value: s.ID},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
	return s
}
