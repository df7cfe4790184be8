package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
logging:
  level: DEBUG
  encoding: console
telemetry:
  enabled: true
  otlpEndpoint: collector:4318
sessions:
  acquireTimeout: 10s
  idleTimeout: 2m
  connectRetries: 5
  pools:
    primary:
      driver: Postgres
      dsn: postgres://app@localhost:5432/app
      maxSize: 8
    cache:
      driver: redis
      dsn: redis://localhost:6379/0
      maxSize: 4
      acquireTimeout: 250ms
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging environment, got %q", cfg.Environment)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Encoding != "console" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "resourcepool" {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
	if got := cfg.PoolNames(); strings.Join(got, ",") != "cache,primary" {
		t.Fatalf("unexpected pool names %v", got)
	}

	primary := cfg.Sessions.Pools["primary"]
	if primary.Driver != DriverPostgres {
		t.Fatalf("expected driver to be normalised, got %q", primary.Driver)
	}
	if primary.AcquireTimeout != 10*time.Second {
		t.Fatalf("expected inherited acquire timeout, got %s", primary.AcquireTimeout)
	}
	if primary.IdleTimeout != 2*time.Minute {
		t.Fatalf("expected inherited idle timeout, got %s", primary.IdleTimeout)
	}
	if primary.MaxLifetime != 30*time.Minute {
		t.Fatalf("expected default max lifetime, got %s", primary.MaxLifetime)
	}
	if got := cfg.Sessions.Pools["cache"].AcquireTimeout; got != 250*time.Millisecond {
		t.Fatalf("expected pool override, got %s", got)
	}
	if cfg.Sessions.ConnectRetries != 5 || cfg.Sessions.CloseWorkers != 2 {
		t.Fatalf("unexpected session defaults %+v", cfg.Sessions)
	}
}

func TestLoadRejectsInvalidPool(t *testing.T) {
	cases := map[string]string{
		"driver": `
sessions:
  pools:
    primary: {driver: oracle, dsn: x, maxSize: 1}
`,
		"dsn": `
sessions:
  pools:
    primary: {driver: mysql, maxSize: 1}
`,
		"maxSize": `
sessions:
  pools:
    primary: {driver: mysql, dsn: "user@tcp(localhost:3306)/db"}
`,
	}
	for field, body := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), field) {
				t.Fatalf("expected %s in error, got %v", field, err)
			}
		})
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	_, err := Load(context.Background(), writeConfig(t, "environment: qa\n"))
	if err == nil || !strings.Contains(err.Error(), "environment") {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), "  ")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Sessions.AcquireTimeout != 30*time.Second {
		t.Fatalf("expected 30s acquire timeout, got %s", cfg.Sessions.AcquireTimeout)
	}
	if len(cfg.Sessions.Pools) != 0 {
		t.Fatalf("expected no pools by default")
	}
}
