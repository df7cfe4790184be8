package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/internal/observability"
	"github.com/coachpo/resourcepool/internal/pool"
	"github.com/coachpo/resourcepool/internal/session"
	"github.com/coachpo/resourcepool/internal/telemetry"
)

const managerShutdownTimeout = 10 * time.Second

type probeResult struct {
	Pool    string `json:"pool"`
	Driver  string `json:"driver"`
	Session string `json:"session,omitempty"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

type probeReport struct {
	Results []probeResult `json:"results"`
	Pools   []pool.Stats  `json:"pools"`
}

func newProbeCmd(root *rootOptions) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open every configured session pool and round-trip one session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd, root, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration")
	return cmd
}

func runProbe(cmd *cobra.Command, root *rootOptions, configPath string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := root.newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, provider)

	recorder, err := telemetry.NewAcquireRecorder(provider.Meter("poolctl"))
	if err != nil {
		return fmt.Errorf("acquire recorder: %w", err)
	}
	manager, err := session.NewManager(ctx, cfg.Sessions,
		session.WithManagerLogger(logger.Named("session")),
		session.WithObserver(recorder),
	)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	if err := telemetry.ObservePools(provider.Meter("poolctl"), manager); err != nil {
		return fmt.Errorf("register pool gauges: %w", err)
	}

	report := probeReport{Results: make([]probeResult, 0, len(cfg.Sessions.Pools))}
	failed := 0
	for _, name := range manager.Names() {
		result := probeOne(ctx, manager, name, cfg.Sessions.Pools[name])
		if result.Error != "" {
			failed++
			logger.Error("probe failed", observability.Field{Key: "pool", Value: name}, observability.Field{Key: "error", Value: result.Error})
		}
		report.Results = append(report.Results, result)
	}
	report.Pools = manager.Stats()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), managerShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("session manager shutdown", observability.Field{Key: "error", Value: err.Error()})
	}

	payload, err := pool.EncodeJSON(report)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	if failed > 0 {
		return fmt.Errorf("probe failed for %d of %d pools", failed, len(report.Results))
	}
	return nil
}

func probeOne(ctx context.Context, manager *session.Manager, name string, cfg config.PoolConfig) probeResult {
	result := probeResult{Pool: name, Driver: string(cfg.Driver)}
	start := time.Now()

	p, err := manager.Pool(name)
	if err != nil {
		result.Error = err.Error()
		result.Latency = time.Since(start).String()
		return result
	}
	s, err := p.Acquire(ctx, true)
	if err != nil {
		result.Error = err.Error()
		result.Latency = time.Since(start).String()
		return result
	}
	result.Session = s.ID
	if err := s.Conn().Ping(ctx); err != nil {
		result.Error = err.Error()
	}
	if err := p.Release(s); err != nil && result.Error == "" {
		result.Error = err.Error()
	}
	result.Latency = time.Since(start).String()
	return result
}
