//go:build integration

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/internal/observability"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "sessions"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/sessions?sslmode=disable", host, port.Port())
}

func TestPostgresSessionRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	d, err := NewDrivers(observability.Nop())
	require.NoError(t, err)
	t.Cleanup(d.Close)

	connector, err := d.Connector(ctx, config.DriverPostgres, dsn)
	require.NoError(t, err)

	p, err := NewPool(Options{
		Name:           "postgres",
		Connector:      connector,
		MaxSize:        2,
		AcquireTimeout: 5 * time.Second,
		ConnectRetries: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(ctx) })

	s, err := p.Acquire(ctx, true)
	require.NoError(t, err)
	require.NoError(t, s.Conn().Ping(ctx))

	raw := s.Conn().(*pgConn).conn
	var mode string
	require.NoError(t, raw.QueryRow(ctx, "SHOW transaction_read_only").Scan(&mode))
	require.Equal(t, "on", mode)

	_, err = raw.Exec(ctx, "BEGIN")
	require.NoError(t, err)
	require.NoError(t, p.Release(s))
	require.Equal(t, byte(pgTxIdle), raw.PgConn().TxStatus())

	require.NoError(t, raw.QueryRow(ctx, "SHOW transaction_read_only").Scan(&mode))
	require.Equal(t, "off", mode)
}
