// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the deployment stage.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Driver names a session backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverRedis    Driver = "redis"
)

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// PoolConfig describes one named session pool. Zero durations inherit the sessions defaults.
type PoolConfig struct {
	Driver         Driver        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	MaxSize        int           `yaml:"maxSize"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxLifetime    time.Duration `yaml:"maxLifetime"`
}

// SessionsConfig holds the shared session pool defaults and the named pools.
type SessionsConfig struct {
	AcquireTimeout  time.Duration         `yaml:"acquireTimeout"`
	IdleTimeout     time.Duration         `yaml:"idleTimeout"`
	MaxLifetime     time.Duration         `yaml:"maxLifetime"`
	JanitorInterval time.Duration         `yaml:"janitorInterval"`
	ConnectRetries  int                   `yaml:"connectRetries"`
	ConnectRate     float64               `yaml:"connectRate"`
	ConnectBurst    int                   `yaml:"connectBurst"`
	CloseWorkers    int                   `yaml:"closeWorkers"`
	CloseQueue      int                   `yaml:"closeQueue"`
	Pools           map[string]PoolConfig `yaml:"pools"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Sessions    SessionsConfig  `yaml:"sessions"`
}

// Default returns a configuration with every default applied and no pools.
func Default() AppConfig {
	var cfg AppConfig
	_ = cfg.normalise()
	return cfg
}

// Load reads, normalises and validates the YAML file at configPath.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	data, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, or returns Default when the path is empty.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	return Load(ctx, configPath)
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4318"
	}
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "resourcepool"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	c.Sessions.applyDefaults()

	normalised := make(map[string]PoolConfig, len(c.Sessions.Pools))
	for name, pc := range c.Sessions.Pools {
		key := strings.TrimSpace(name)
		if _, exists := normalised[key]; exists {
			return fmt.Errorf("duplicate pool name %q", key)
		}
		pc.Driver = Driver(strings.ToLower(strings.TrimSpace(string(pc.Driver))))
		pc.DSN = strings.TrimSpace(pc.DSN)
		if pc.AcquireTimeout <= 0 {
			pc.AcquireTimeout = c.Sessions.AcquireTimeout
		}
		if pc.IdleTimeout <= 0 {
			pc.IdleTimeout = c.Sessions.IdleTimeout
		}
		if pc.MaxLifetime <= 0 {
			pc.MaxLifetime = c.Sessions.MaxLifetime
		}
		normalised[key] = pc
	}
	c.Sessions.Pools = normalised
	return nil
}

func (c *SessionsConfig) applyDefaults() {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 30 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectRate <= 0 {
		c.ConnectRate = 10
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = 1
	}
	if c.CloseWorkers <= 0 {
		c.CloseWorkers = 2
	}
	if c.CloseQueue < 0 {
		c.CloseQueue = 0
	}
	if c.CloseQueue == 0 {
		c.CloseQueue = 64
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging encoding must be json or console")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	for _, name := range c.PoolNames() {
		if name == "" {
			return fmt.Errorf("sessions pool name required")
		}
		if err := c.Sessions.Pools[name].validate(); err != nil {
			return fmt.Errorf("sessions pool %s: %w", name, err)
		}
	}
	return nil
}

func (c PoolConfig) validate() error {
	switch c.Driver {
	case DriverPostgres, DriverMySQL, DriverRedis:
	default:
		return fmt.Errorf("driver must be one of postgres, mysql, redis")
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("maxSize must be >0")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquireTimeout must be >0")
	}
	return nil
}

// PoolNames lists the configured session pools in sorted order.
func (c AppConfig) PoolNames() []string {
	names := make([]string, 0, len(c.Sessions.Pools))
	for name := range c.Sessions.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
