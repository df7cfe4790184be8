package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/cache"
	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/internal/observability"
)

const pgTxIdle = 'I'

// Drivers memoises per-DSN driver state shared by every pool: parsed pgx configs, MySQL
// *sql.DB handles and Redis clients.
type Drivers struct {
	logger    observability.Logger
	pgConfigs *cache.Cache[string, *pgx.ConnConfig]
	sqlDBs    *cache.Cache[string, *sql.DB]
	clients   *cache.Cache[string, *redis.Client]
}

// NewDrivers constructs empty driver caches.
func NewDrivers(logger observability.Logger) (*Drivers, error) {
	if logger == nil {
		logger = observability.Log()
	}
	d := &Drivers{logger: logger}

	var err error
	d.pgConfigs, err = cache.New("drivers.postgres", cache.Hooks[string, *pgx.ConnConfig]{
		Create: func(_ context.Context, dsn string) (*pgx.ConnConfig, error) {
			return pgx.ParseConfig(dsn)
		},
		Check: func(cfg *pgx.ConnConfig) bool { return cfg != nil },
		WhenErrored: func(err error) (*pgx.ConnConfig, error) {
			return nil, errs.New("drivers.postgres", errs.CodeInvalid, errs.WithMessage("parse dsn"), errs.WithCause(err))
		},
	}, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	d.sqlDBs, err = cache.New("drivers.mysql", cache.Hooks[string, *sql.DB]{
		Create: func(_ context.Context, dsn string) (*sql.DB, error) {
			cfg, err := mysql.ParseDSN(dsn)
			if err != nil {
				return nil, err
			}
			connector, err := mysql.NewConnector(cfg)
			if err != nil {
				return nil, err
			}
			return sql.OpenDB(connector), nil
		},
		Check: func(db *sql.DB) bool { return db != nil },
		WhenDropped: func(db *sql.DB) *sql.DB {
			if err := db.Close(); err != nil {
				logger.Error("close mysql handle", observability.Field{Key: "error", Value: err.Error()})
			}
			return db
		},
		WhenErrored: func(err error) (*sql.DB, error) {
			return nil, errs.New("drivers.mysql", errs.CodeInvalid, errs.WithMessage("parse dsn"), errs.WithCause(err))
		},
	}, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	d.clients, err = cache.New("drivers.redis", cache.Hooks[string, *redis.Client]{
		Create: func(_ context.Context, url string) (*redis.Client, error) {
			opts, err := redis.ParseURL(url)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(opts), nil
		},
		Check: func(c *redis.Client) bool { return c != nil },
		WhenDropped: func(c *redis.Client) *redis.Client {
			if err := c.Close(); err != nil {
				logger.Error("close redis client", observability.Field{Key: "error", Value: err.Error()})
			}
			return c
		},
		WhenErrored: func(err error) (*redis.Client, error) {
			return nil, errs.New("drivers.redis", errs.CodeInvalid, errs.WithMessage("parse url"), errs.WithCause(err))
		},
	}, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Connector returns a connector for driver and dsn. The DSN is parsed eagerly so configuration
// errors surface before the first acquire.
func (d *Drivers) Connector(ctx context.Context, driver config.Driver, dsn string) (Connector, error) {
	dsn = strings.TrimSpace(dsn)
	switch driver {
	case config.DriverPostgres:
		if _, err := d.pgConfigs.Ensure(ctx, dsn); err != nil {
			return nil, err
		}
		return &pgConnector{drivers: d, dsn: dsn}, nil
	case config.DriverMySQL:
		if _, err := d.sqlDBs.Ensure(ctx, dsn); err != nil {
			return nil, err
		}
		return &mysqlConnector{drivers: d, dsn: dsn}, nil
	case config.DriverRedis:
		if _, err := d.clients.Ensure(ctx, dsn); err != nil {
			return nil, err
		}
		return &redisConnector{drivers: d, url: dsn}, nil
	default:
		return nil, errs.New("drivers", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported driver %q", driver)))
	}
}

// Stats reports the activity of each driver cache.
func (d *Drivers) Stats() []cache.Stats {
	return []cache.Stats{d.pgConfigs.Stats(), d.sqlDBs.Stats(), d.clients.Stats()}
}

// Close releases every memoised handle.
func (d *Drivers) Close() {
	dropAll(d.pgConfigs)
	dropAll(d.sqlDBs)
	dropAll(d.clients)
}

func dropAll[V any](c *cache.Cache[string, V]) {
	var keys []string
	c.Visit(func(k string, _ V) { keys = append(keys, k) })
	for _, k := range keys {
		c.Drop(k)
	}
}

type pgConnector struct {
	drivers *Drivers
	dsn     string
}

func (c *pgConnector) Driver() string { return string(config.DriverPostgres) }

func (c *pgConnector) Connect(ctx context.Context) (Conn, error) {
	cfg, err := c.drivers.pgConfigs.Ensure(ctx, c.dsn)
	if err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	return &pgConn{conn: conn}, nil
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *pgConn) Reset(ctx context.Context) error {
	if c.conn.PgConn().TxStatus() == pgTxIdle {
		return nil
	}
	_, err := c.conn.Exec(ctx, "ROLLBACK")
	return err
}

func (c *pgConn) SetReadOnly(ctx context.Context, readonly bool) error {
	mode := "READ WRITE"
	if readonly {
		mode = "READ ONLY"
	}
	_, err := c.conn.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION "+mode)
	return err
}

func (c *pgConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

func (c *pgConn) IsClosed() bool { return c.conn.IsClosed() }

type mysqlConnector struct {
	drivers *Drivers
	dsn     string
}

func (c *mysqlConnector) Driver() string { return string(config.DriverMySQL) }

func (c *mysqlConnector) Connect(ctx context.Context) (Conn, error) {
	db, err := c.drivers.sqlDBs.Ensure(ctx, c.dsn)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	return &sqlConn{conn: conn}, nil
}

type sqlConn struct {
	conn   *sql.Conn
	closed atomic.Bool
}

func (c *sqlConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }

func (c *sqlConn) Reset(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "ROLLBACK")
	return err
}

func (c *sqlConn) SetReadOnly(ctx context.Context, readonly bool) error {
	mode := "READ WRITE"
	if readonly {
		mode = "READ ONLY"
	}
	_, err := c.conn.ExecContext(ctx, "SET SESSION TRANSACTION "+mode)
	return err
}

func (c *sqlConn) Close(context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *sqlConn) IsClosed() bool { return c.closed.Load() }

type redisConnector struct {
	drivers *Drivers
	url     string
}

func (c *redisConnector) Driver() string { return string(config.DriverRedis) }

func (c *redisConnector) Connect(ctx context.Context) (Conn, error) {
	client, err := c.drivers.clients.Ensure(ctx, c.url)
	if err != nil {
		return nil, err
	}
	conn := client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &redisConn{conn: conn}, nil
}

type redisConn struct {
	conn   *redis.Conn
	closed atomic.Bool
}

func (c *redisConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx).Err() }

// Reset is a no-op: redis connections carry no transaction state between commands.
func (c *redisConn) Reset(context.Context) error { return nil }

func (c *redisConn) SetReadOnly(context.Context, bool) error { return nil }

func (c *redisConn) Close(context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *redisConn) IsClosed() bool { return c.closed.Load() }
