package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/internal/observability"
	"github.com/coachpo/resourcepool/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

type rootOptions struct {
	logLevel    string
	logEncoding string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "poolctl",
		Short:         "Inspect and exercise resource pools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&opts.logEncoding, "log-encoding", "", "override the configured log encoding (json or console)")

	cmd.AddCommand(newProbeCmd(opts), newSoakCmd(opts))
	return cmd
}

// newLogger builds the zap logger from cfg with flag overrides and installs it globally.
func (o *rootOptions) newLogger(cfg config.LoggingConfig) (*observability.ZapLogger, error) {
	zapCfg := observability.ZapConfig{
		Level:       cfg.Level,
		Encoding:    cfg.Encoding,
		Development: cfg.Development,
	}
	if o.logLevel != "" {
		zapCfg.Level = o.logLevel
	}
	if o.logEncoding != "" {
		zapCfg.Encoding = o.logEncoding
	}
	logger, err := observability.NewZapLogger(zapCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise logger: %w", err)
	}
	observability.SetLogger(logger)
	return logger, nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.ConfigFrom(env, cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			observability.Field{Key: "endpoint", Value: telemetryCfg.OTLPEndpoint},
			observability.Field{Key: "service", Value: telemetryCfg.ServiceName},
		)
	} else {
		logger.Debug("telemetry disabled")
	}
	return provider, nil
}

func shutdownTelemetry(logger observability.Logger, provider *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown", observability.Field{Key: "error", Value: err.Error()})
	}
}
