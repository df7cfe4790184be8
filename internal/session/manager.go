package session

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/cache"
	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/internal/observability"
	"github.com/coachpo/resourcepool/internal/pool"
	"github.com/coachpo/resourcepool/lib/async"
)

// ConnectorFactory builds the connector for a configured pool.
type ConnectorFactory func(ctx context.Context, name string, cfg config.PoolConfig) (Connector, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConnectorFactory replaces the driver-backed connectors.
func WithConnectorFactory(factory ConnectorFactory) ManagerOption {
	return func(m *Manager) {
		m.factory = factory
	}
}

// WithObserver reports acquire latency of every pool to observer.
func WithObserver(observer pool.AcquireObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = observer
	}
}

// WithManagerLogger sets the logger shared by the manager and its pools.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns one session Pool per configured pool name.
type Manager struct {
	logger   observability.Logger
	observer pool.AcquireObserver
	factory  ConnectorFactory

	drivers  *Drivers
	closer   *async.Pool
	registry *pool.Registry
	pools    map[string]*Pool
}

// NewManager builds and registers every pool in cfg. Connections are opened lazily.
func NewManager(ctx context.Context, cfg config.SessionsConfig, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger: observability.Log(),
		pools:  make(map[string]*Pool, len(cfg.Pools)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	drivers, err := NewDrivers(m.logger)
	if err != nil {
		return nil, err
	}
	m.drivers = drivers
	if m.factory == nil {
		m.factory = func(ctx context.Context, _ string, pc config.PoolConfig) (Connector, error) {
			return drivers.Connector(ctx, pc.Driver, pc.DSN)
		}
	}

	closer, err := async.NewPool(max(cfg.CloseWorkers, 1), cfg.CloseQueue, m.logger)
	if err != nil {
		return nil, err
	}
	m.closer = closer
	m.registry = pool.NewRegistry(m.logger)

	for name, pc := range cfg.Pools {
		connector, err := m.factory(ctx, name, pc)
		if err != nil {
			m.abort(ctx)
			return nil, fmt.Errorf("session pool %s: %w", name, err)
		}
		var limiter *rate.Limiter
		if cfg.ConnectRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), max(cfg.ConnectBurst, 1))
		}
		p, err := NewPool(Options{
			Name:            name,
			Connector:       connector,
			MaxSize:         pc.MaxSize,
			AcquireTimeout:  pc.AcquireTimeout,
			IdleTimeout:     pc.IdleTimeout,
			MaxLifetime:     pc.MaxLifetime,
			JanitorInterval: cfg.JanitorInterval,
			ConnectRetries:  cfg.ConnectRetries,
			Limiter:         limiter,
			Closer:          closer,
			Logger:          m.logger,
			Observer:        m.observer,
		})
		if err != nil {
			m.abort(ctx)
			return nil, err
		}
		if err := m.registry.Register(p); err != nil {
			m.abort(ctx)
			return nil, err
		}
		m.pools[name] = p
	}
	return m, nil
}

// Start launches the idle janitor of every pool.
func (m *Manager) Start() {
	for _, p := range m.pools {
		p.Start()
	}
}

// Pool returns the named pool.
func (m *Manager) Pool(name string) (*Pool, error) {
	p, ok := m.pools[name]
	if !ok {
		return nil, errs.New(name, errs.CodeNotFound, errs.WithMessage("session pool not configured"))
	}
	return p, nil
}

// Names lists the pools in sorted order.
func (m *Manager) Names() []string { return m.registry.Names() }

// Stats reports every pool, sorted by name.
func (m *Manager) Stats() []pool.Stats { return m.registry.Stats() }

// DriverStats reports the driver caches.
func (m *Manager) DriverStats() []cache.Stats { return m.drivers.Stats() }

// Shutdown closes every pool, drains pending session closes, then releases driver handles.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errList []error
	if err := m.registry.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}
	if err := m.closer.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}
	m.drivers.Close()
	return observability.AggregateErrors(m.logger, "session manager shutdown", errList)
}

func (m *Manager) abort(ctx context.Context) {
	if err := m.Shutdown(ctx); err != nil {
		m.logger.Error("session manager abort", observability.Field{Key: "error", Value: err.Error()})
	}
}
